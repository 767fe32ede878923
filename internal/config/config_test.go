package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadTimings(t *testing.T) {
	cfg := Default()
	cfg.Presence.HeartbeatSec = 30 // >= stale window
	if err := cfg.Validate(); err == nil {
		t.Fatal("heartbeat >= stale_seconds accepted")
	}

	cfg = Default()
	cfg.Presence.ConversationStaleSec = 5 // < presence stale window
	if err := cfg.Validate(); err == nil {
		t.Fatal("conversation horizon shorter than presence horizon accepted")
	}
}

func TestValidateRelayURL(t *testing.T) {
	cfg := Default()
	cfg.Relay.URL = "ftp://relay.example.org"
	if err := cfg.Validate(); err == nil {
		t.Fatal("non-http relay url accepted")
	}

	cfg.Relay.URL = "http://relay.example.org:8787"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid relay url rejected: %v", err)
	}

	cfg.Relay.URL = "http://0.0.0.0:8787"
	if err := cfg.Validate(); err == nil {
		t.Fatal("0.0.0.0 relay url accepted")
	}
}

func TestValidateHostOnlyRequiresHost(t *testing.T) {
	cfg := Default()
	cfg.Relay.HostOnly = true
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "host_only") {
		t.Fatalf("err = %v, want host_only error", err)
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first Ensure did not create the file")
	}
	if cfg.P2P.Channel != "lobby" {
		t.Fatalf("channel = %q, want default lobby", cfg.P2P.Channel)
	}

	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second Ensure recreated the file")
	}
	if cfg2 != cfg {
		t.Fatalf("reloaded config differs: %+v vs %+v", cfg2, cfg)
	}
}

func TestLoadStripsBOMAndMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"p2p":{"channel":"team-a"}}`)...)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.P2P.Channel != "team-a" {
		t.Fatalf("channel = %q, want team-a", cfg.P2P.Channel)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Presence.HeartbeatSec != 5 {
		t.Fatalf("heartbeat = %d, want default 5", cfg.Presence.HeartbeatSec)
	}
}
