package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pairwave/pairwave/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	P2P       P2P       `json:"p2p"`
	Presence  Presence  `json:"presence"`
	Relay     Relay     `json:"relay"`
	Monitor   Monitor   `json:"monitor"`
	Recording Recording `json:"recording"`
}

type Identity struct {
	KeyFile string `json:"key_file"`

	// Fixed participant id. 0 = generate a fresh session id at startup.
	ParticipantID int64 `json:"participant_id"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	Channel    string `json:"channel"`
}

type Presence struct {
	HeartbeatSec int `json:"heartbeat_seconds"`

	// Registry records older than this are swept by GC.
	StaleSec int `json:"stale_seconds"`

	// Conversation records older than this are swept regardless of status.
	ConversationStaleSec int `json:"conversation_stale_seconds"`

	SweepSec int `json:"sweep_seconds"`
}

type Relay struct {
	// URL of the relay to use as a client. Empty disables the relay adapter.
	URL string `json:"url"`

	PollSec       int `json:"poll_seconds"`
	MaxAttempts   int `json:"max_attempts"`
	RetryBaseMSec int `json:"retry_base_ms"`

	// If true, run a local relay server on Bind:Port.
	Host bool   `json:"host"`
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// If true: run ONLY the relay server; do NOT start a participant.
	HostOnly bool `json:"host_only"`

	// Optional path to a SQLite database for persisting relay messages
	// across restarts and sharing state between multiple instances.
	// Empty means in-memory only (default).
	DBPath string `json:"db_path"`

	// How many envelopes the relay keeps per target.
	MaxPerTarget int `json:"max_per_target"`

	// How long the relay keeps envelopes before pruning, seconds.
	RetentionSec int `json:"retention_seconds"`
}

type Monitor struct {
	// HTTP address of the monitoring surface. Empty disables it.
	HTTPAddr string `json:"http_addr"`
}

type Recording struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			Channel:    "lobby",
		},
		Presence: Presence{
			HeartbeatSec:         5,
			StaleSec:             20,
			ConversationStaleSec: 300,
			SweepSec:             10,
		},
		Relay: Relay{
			URL:           "",
			PollSec:       2,
			MaxAttempts:   3,
			RetryBaseMSec: 250,
			Host:          false,
			Bind:          "127.0.0.1",
			Port:          8787,
			MaxPerTarget:  50,
			RetentionSec:  300,
		},
		Monitor: Monitor{
			HTTPAddr: "",
		},
		Recording: Recording{
			Enabled: false,
			Dir:     "data/recordings",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if c.Identity.ParticipantID < 0 {
		return errors.New("identity.participant_id must be >= 0")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.Channel) == "" {
		return errors.New("p2p.channel is required")
	}

	// Presence
	if c.Presence.StaleSec <= 0 {
		return errors.New("presence.stale_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.StaleSec {
		return errors.New("presence.heartbeat_seconds must be < presence.stale_seconds")
	}
	if c.Presence.ConversationStaleSec < c.Presence.StaleSec {
		return errors.New("presence.conversation_stale_seconds must be >= presence.stale_seconds")
	}
	if c.Presence.SweepSec <= 0 {
		return errors.New("presence.sweep_seconds must be > 0")
	}

	// Relay (host-only semantics)
	if c.Relay.HostOnly && !c.Relay.Host {
		return errors.New("relay.host_only requires relay.host=true")
	}

	// Relay (local server)
	if c.Relay.Host {
		if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
			return errors.New("relay.port must be 1..65535 when relay.host is enabled")
		}
		if b := c.Relay.Bind; b != "" {
			if net.ParseIP(b) == nil {
				return errors.New("relay.bind must be a valid IP address")
			}
		}
		if c.Relay.MaxPerTarget <= 0 {
			return errors.New("relay.max_per_target must be > 0")
		}
		if c.Relay.RetentionSec <= 0 {
			return errors.New("relay.retention_seconds must be > 0")
		}
	}

	// Relay (client)
	if u := strings.TrimSpace(c.Relay.URL); u != "" {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
		if c.Relay.PollSec <= 0 {
			return errors.New("relay.poll_seconds must be > 0")
		}
		if c.Relay.MaxAttempts <= 0 {
			return errors.New("relay.max_attempts must be > 0")
		}
		if c.Relay.RetryBaseMSec <= 0 {
			return errors.New("relay.retry_base_ms must be > 0")
		}
	}

	// Recording
	if c.Recording.Enabled && strings.TrimSpace(c.Recording.Dir) == "" {
		return errors.New("recording.dir is required when recording is enabled")
	}

	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if host := u.Hostname(); host == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
