// Package config loads and validates the relay configuration from YAML with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/lenslink/errors"
)

// Duration wraps time.Duration with YAML string parsing ("60s", "500ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig configures the WebSocket gateway listener.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	DevicePath      string `yaml:"device_path"`
	AppPath         string `yaml:"app_path"`
	ReadBufferSize  int    `yaml:"read_buffer_size"`
	WriteBufferSize int    `yaml:"write_buffer_size"`
	// WriteQueueSize bounds the per-App outbound buffer; a slow App drops
	// messages rather than stalling its session.
	WriteQueueSize int `yaml:"write_queue_size"`
}

// AuthConfig configures credential verification.
type AuthConfig struct {
	// TokenSecretEnv names the environment variable holding the HMAC secret.
	TokenSecretEnv string `yaml:"token_secret_env"`
	// TokenSecret may be set directly (tests, development).
	TokenSecret string `yaml:"token_secret"`
}

// SessionConfig configures session lifecycle behavior.
type SessionConfig struct {
	GracePeriod    Duration `yaml:"grace_period"`
	DebounceWindow Duration `yaml:"debounce_window"`
	// DefaultLanguage is contributed by unparameterized transcription and
	// translation subscriptions.
	DefaultLanguage string `yaml:"default_language"`
	// CleanupEnabled controls whether the grace timer disposes the session
	// when it fires. When false the timer is still armed and disarmed but
	// disconnected sessions persist indefinitely.
	CleanupEnabled *bool `yaml:"cleanup_enabled"`
}

// StreamConfig configures the keep-alive tracker.
type StreamConfig struct {
	HeartbeatInterval   Duration `yaml:"heartbeat_interval"`
	AckTimeout          Duration `yaml:"ack_timeout"`
	MaxMissedHeartbeats int      `yaml:"max_missed_heartbeats"`
	InactivityCeiling   Duration `yaml:"inactivity_ceiling"`
}

// NATSConfig configures the audio pipeline and profile store backends.
// An empty URL selects the in-memory implementations.
type NATSConfig struct {
	URL            string `yaml:"url"`
	ManifestBucket string `yaml:"manifest_bucket"`
	UserBucket     string `yaml:"user_bucket"`
	AudioSubject   string `yaml:"audio_subject"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// LimitsConfig bounds tolerance for misbehaving peers.
type LimitsConfig struct {
	// MalformedPerMinute is the sustained rate of malformed messages a
	// connection may send before it is closed.
	MalformedPerMinute float64 `yaml:"malformed_per_minute"`
	MalformedBurst     int     `yaml:"malformed_burst"`
}

// Config is the root relay configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Session SessionConfig `yaml:"session"`
	Stream  StreamConfig  `yaml:"stream"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// Default returns the configuration used when a field is absent.
func Default() Config {
	enabled := true
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			DevicePath:      "/ws/device",
			AppPath:         "/ws/app",
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			WriteQueueSize:  256,
		},
		Auth: AuthConfig{
			TokenSecretEnv: "LENSLINK_TOKEN_SECRET",
		},
		Session: SessionConfig{
			GracePeriod:     Duration(60 * time.Second),
			DebounceWindow:  Duration(500 * time.Millisecond),
			DefaultLanguage: "en-US",
			CleanupEnabled:  &enabled,
		},
		Stream: StreamConfig{
			HeartbeatInterval:   Duration(15 * time.Second),
			AckTimeout:          Duration(5 * time.Second),
			MaxMissedHeartbeats: 3,
			InactivityCeiling:   Duration(60 * time.Second),
		},
		NATS: NATSConfig{
			ManifestBucket: "lenslink-apps",
			UserBucket:     "lenslink-users",
			AudioSubject:   "lenslink.audio",
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
			Path:       "/metrics",
		},
		Limits: LimitsConfig{
			MalformedPerMinute: 30,
			MalformedBurst:     10,
		},
	}
}

// LoadOrDefault behaves like Load when a path is given; with an empty path
// it returns the defaults with environment overrides applied.
func LoadOrDefault(path string) (Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Load reads a YAML config file, applies defaults and environment overrides,
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.WrapFatal(err, "Config", "Load", "read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.WrapInvalid(err, "Config", "Load", "parse YAML")
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Auth.TokenSecretEnv != "" {
		if secret := os.Getenv(c.Auth.TokenSecretEnv); secret != "" {
			c.Auth.TokenSecret = secret
		}
	}
	if url := os.Getenv("LENSLINK_NATS_URL"); url != "" {
		c.NATS.URL = url
	}
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"server.listen_addr required")
	}
	if c.Server.DevicePath == c.Server.AppPath {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"device and app paths must differ")
	}
	if c.Auth.TokenSecret == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
			"auth token secret required")
	}
	if c.Session.GracePeriod.Std() <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"session.grace_period must be positive")
	}
	if c.Session.DebounceWindow.Std() <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"session.debounce_window must be positive")
	}
	if c.Stream.HeartbeatInterval.Std() <= 0 || c.Stream.AckTimeout.Std() <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"stream timers must be positive")
	}
	if c.Stream.MaxMissedHeartbeats <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"stream.max_missed_heartbeats must be positive")
	}
	if c.Server.WriteQueueSize <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"server.write_queue_size must be positive")
	}
	return nil
}

// CleanupEnabled reports whether grace-period disposal is active.
func (c *Config) CleanupEnabled() bool {
	if c.Session.CleanupEnabled == nil {
		return true
	}
	return *c.Session.CleanupEnabled
}
