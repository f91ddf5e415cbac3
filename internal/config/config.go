package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// Duration is a time.Duration that reads and writes as "1s", "250ms" in TOML.
type Duration struct {
	time.Duration
}

// D wraps a time.Duration.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Profile is the per-profile profile.toml with every tunable of the sync core.
type Profile struct {
	Account   AccountConfig   `toml:"account"`
	Backend   BackendConfig   `toml:"backend"`
	DocStore  DocStoreConfig  `toml:"docstore"`
	Delivery  DeliveryConfig  `toml:"delivery"`
	Outbox    OutboxConfig    `toml:"outbox"`
	Listener  ListenerConfig  `toml:"listener"`
	Push      PushConfig      `toml:"push"`
	Reconcile ReconcileConfig `toml:"reconcile"`
}

type AccountConfig struct {
	SelfID string `toml:"self_id"`
}

type BackendConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
	// BreakerFailures consecutive failures open the circuit for BreakerCooldown.
	BreakerFailures uint32   `toml:"breaker_failures"`
	BreakerCooldown Duration `toml:"breaker_cooldown"`
}

type DocStoreConfig struct {
	URL string `toml:"url"`
}

// Delivery modes.
const (
	DeliveryRPC      = "rpc"
	DeliveryDocument = "document"
)

type DeliveryConfig struct {
	Mode           string   `toml:"mode"`
	ConfirmTimeout Duration `toml:"confirm_timeout"`
}

type OutboxConfig struct {
	BaseDelay     Duration `toml:"base_delay"`
	MaxDelay      Duration `toml:"max_delay"`
	Factor        float64  `toml:"factor"`
	MaxAttempts   int      `toml:"max_attempts"`
	PollInterval  Duration `toml:"poll_interval"`
	MaxBodyBytes  int      `toml:"max_body_bytes"`
	RatePerMinute int      `toml:"rate_per_minute"`
}

type ListenerConfig struct {
	BaseDelay Duration `toml:"base_delay"`
	MaxDelay  Duration `toml:"max_delay"`
}

type PushConfig struct {
	CoalesceWindow Duration `toml:"coalesce_window"`
}

type ReconcileConfig struct {
	// DedupTolerance bounds the createdAtLocal distance used when matching a
	// pending local row against a remote row that carries no client reference.
	DedupTolerance Duration `toml:"dedup_tolerance"`
	QueueSize      int      `toml:"queue_size"`
}

// Defaults returns a profile with every tunable set.
func Defaults() Profile {
	return Profile{
		Backend: BackendConfig{
			Timeout:         D(10 * time.Second),
			BreakerFailures: 5,
			BreakerCooldown: D(30 * time.Second),
		},
		Delivery: DeliveryConfig{
			Mode:           DeliveryRPC,
			ConfirmTimeout: D(30 * time.Second),
		},
		Outbox: OutboxConfig{
			BaseDelay:     D(time.Second),
			MaxDelay:      D(60 * time.Second),
			Factor:        2,
			MaxAttempts:   6,
			PollInterval:  D(500 * time.Millisecond),
			MaxBodyBytes:  1000,
			RatePerMinute: 10,
		},
		Listener: ListenerConfig{
			BaseDelay: D(time.Second),
			MaxDelay:  D(30 * time.Second),
		},
		Push: PushConfig{
			CoalesceWindow: D(2 * time.Second),
		},
		Reconcile: ReconcileConfig{
			DedupTolerance: D(2 * time.Second),
			QueueSize:      256,
		},
	}
}

// LoadProfile reads a profile file on top of Defaults. A missing file yields the defaults.
func LoadProfile(path string) (Profile, error) {
	p := Defaults()
	if _, err := toml.DecodeFile(path, &p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return Profile{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return p, p.Validate()
}

// SaveProfile writes a profile file with 0600 permissions.
func SaveProfile(path string, p Profile) error {
	return writeTOML(path, p)
}

// Validate checks the invariants the core relies on.
func (p Profile) Validate() error {
	var errs []error
	if p.Account.SelfID == "" {
		errs = append(errs, errors.New("account.self_id is required"))
	}
	if p.Delivery.Mode != DeliveryRPC && p.Delivery.Mode != DeliveryDocument {
		errs = append(errs, fmt.Errorf("delivery.mode %q must be %q or %q", p.Delivery.Mode, DeliveryRPC, DeliveryDocument))
	}
	if p.Outbox.BaseDelay.Duration <= 0 || p.Outbox.MaxDelay.Duration < p.Outbox.BaseDelay.Duration {
		errs = append(errs, errors.New("outbox: base_delay must be positive and not exceed max_delay"))
	}
	if p.Outbox.Factor < 1 {
		errs = append(errs, errors.New("outbox.factor must be >= 1"))
	}
	if p.Outbox.MaxAttempts < 1 {
		errs = append(errs, errors.New("outbox.max_attempts must be >= 1"))
	}
	if p.Listener.BaseDelay.Duration <= 0 || p.Listener.MaxDelay.Duration < p.Listener.BaseDelay.Duration {
		errs = append(errs, errors.New("listener: base_delay must be positive and not exceed max_delay"))
	}
	if p.Reconcile.DedupTolerance.Duration < 0 {
		errs = append(errs, errors.New("reconcile.dedup_tolerance must not be negative"))
	}
	return errors.Join(errs...)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
