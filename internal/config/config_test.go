package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, &Config{DefaultProfile: "work"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestProfileRoundTripKeepsDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")

	p := Defaults()
	p.Account.SelfID = "user-1"
	p.Reconcile.DedupTolerance = D(1500 * time.Millisecond)
	if err := SaveProfile(path, p); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}
	if loaded.Reconcile.DedupTolerance.Duration != 1500*time.Millisecond {
		t.Errorf("dedup tolerance = %v, want 1.5s", loaded.Reconcile.DedupTolerance)
	}
	if loaded.Outbox.MaxDelay.Duration != 60*time.Second {
		t.Errorf("outbox max delay = %v, want 60s", loaded.Outbox.MaxDelay)
	}
}

func TestLoadProfileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	data := `
[account]
self_id = "me"

[outbox]
max_attempts = 3
base_delay = "250ms"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Outbox.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", p.Outbox.MaxAttempts)
	}
	if p.Outbox.BaseDelay.Duration != 250*time.Millisecond {
		t.Errorf("base delay = %v, want 250ms", p.Outbox.BaseDelay)
	}
	if p.Push.CoalesceWindow.Duration != 2*time.Second {
		t.Errorf("coalesce window = %v, want default 2s", p.Push.CoalesceWindow)
	}
}

func TestLoadProfileMissingReturnsDefaults(t *testing.T) {
	p, err := LoadProfile(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}
	if p.Outbox.MaxAttempts != 6 {
		t.Errorf("max attempts = %d, want 6", p.Outbox.MaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	p := Defaults()
	p.Delivery.Mode = "carrier-pigeon"
	p.Outbox.MaxAttempts = 0

	err := p.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"self_id", "delivery.mode", "max_attempts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
