// Package auth holds the access token handed to the core by the UI collaborator.
// Sign-in flows live outside the core; this package only stores the token,
// refuses expired ones before they reach the network and announces when a new
// one is needed.
package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/vault"
)

// Store persists the token. *vault.Secrets implements it.
type Store interface {
	Get(entry string) (string, error)
	Set(entry, value string) error
}

// Tokens is safe for concurrent use.
type Tokens struct {
	mu        sync.RWMutex
	token     string
	loaded    bool
	store     Store
	bus       bus.Publisher
	logger    *zap.Logger
	listeners []func()
	skew      time.Duration
	now       func() time.Time
}

func New(store Store, b bus.Publisher, logger *zap.Logger) *Tokens {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tokens{
		store:  store,
		bus:    b,
		logger: logger.Named("auth"),
		skew:   30 * time.Second,
		now:    time.Now,
	}
}

// Set replaces the access token and notifies listeners (parked outbox entries resume).
func (t *Tokens) Set(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("auth: empty token")
	}
	if t.store != nil {
		if err := t.store.Set(vault.EntryAccessToken, token); err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.token = token
	t.loaded = true
	listeners := append([]func(){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return nil
}

// OnChange registers fn to run after every Set.
func (t *Tokens) OnChange(fn func()) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Token returns a usable bearer token or an Auth error.
// JWTs are checked for expiry without verifying the signature; opaque tokens pass through.
func (t *Tokens) Token() (string, error) {
	token, err := t.current()
	if err != nil {
		return "", chaterr.New(chaterr.Transient, "auth.token", err)
	}
	if token == "" {
		t.announce("no access token")
		return "", chaterr.Newf(chaterr.Auth, "auth.token", "no access token")
	}
	if exp, ok := expiry(token); ok && !t.now().Add(t.skew).Before(exp) {
		t.announce("access token expired")
		return "", chaterr.Newf(chaterr.Auth, "auth.token", "access token expired at %s", exp.Format(time.RFC3339))
	}
	return token, nil
}

// Reject records that the backend refused the current token.
func (t *Tokens) Reject() {
	t.announce("access token rejected")
}

// current loads the stored token once. Only a missing entry counts as no
// token; other keyring failures are retried on the next call.
func (t *Tokens) current() (string, error) {
	t.mu.RLock()
	if t.loaded || t.store == nil {
		defer t.mu.RUnlock()
		return t.token, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return t.token, nil
	}
	token, err := t.store.Get(vault.EntryAccessToken)
	switch {
	case err == nil:
		t.token = token
	case errors.Is(err, vault.ErrNoSecret), errors.Is(err, keyring.ErrNotFound):
		t.token = ""
	default:
		t.logger.Warn("failed to read stored access token", zap.Error(err))
		return "", err
	}
	t.loaded = true
	return t.token, nil
}

func (t *Tokens) announce(reason string) {
	if t.bus != nil {
		t.bus.Publish(bus.Event{Kind: bus.AuthRequired, Payload: reason})
	}
}

func expiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
