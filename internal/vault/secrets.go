package vault

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// Keyring entries kept per profile.
const (
	EntryMasterKey   = "master-key"
	EntryAccessToken = "access-token"
	EntryDeviceToken = "device-token"
)

var ErrNoSecret = errors.New("vault: secret not found")

// Secrets stores named secrets in the OS keyring under service "chatsync".
type Secrets struct {
	service string
	profile string
}

func NewSecrets(profile string) *Secrets {
	return &Secrets{service: "chatsync", profile: profile}
}

func (s *Secrets) user(entry string) string {
	return s.profile + "/" + entry
}

func (s *Secrets) Get(entry string) (string, error) {
	v, err := keyring.Get(s.service, s.user(entry))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNoSecret
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %s: %w", entry, err)
	}
	return v, nil
}

func (s *Secrets) Set(entry, value string) error {
	if err := keyring.Set(s.service, s.user(entry), value); err != nil {
		return fmt.Errorf("keyring set %s: %w", entry, err)
	}
	return nil
}

func (s *Secrets) Delete(entry string) error {
	err := keyring.Delete(s.service, s.user(entry))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", entry, err)
	}
	return nil
}
