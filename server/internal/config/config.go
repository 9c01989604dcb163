package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultGRPCPort      = 50051
	DefaultHTTPPort      = 8080
	DefaultCookieName    = "relay_session"
	DefaultQueryParam    = "token"
	DefaultQueueSize     = 64
	DefaultMaxFrameBytes = 4096
	DefaultControlRate   = 20
	DefaultControlBurst  = 40
	DefaultPongWait      = 60 * time.Second
	DefaultAlertInterval = 30 * time.Second
)

// Policy effects.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Config holds the relay configuration parsed from the `server:` section of
// config.yaml.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// HTTPPort serves the websocket endpoint, the REST API and /metrics (default 8080).
	HTTPPort int `yaml:"http_port"`

	// GRPCPort serves the producer Publisher service (default 50051). Zero disables it.
	GRPCPort int `yaml:"grpc_port"`

	// Auth configures how producers authenticate on gRPC and the REST publish endpoint.
	Auth AuthConfig `yaml:"auth"`

	// Handshake configures how websocket clients prove their identity.
	Handshake HandshakeConfig `yaml:"handshake"`

	// Connections bounds per-connection resources.
	Connections ConnectionsConfig `yaml:"connections"`

	// Policy is the topic authorization policy.
	Policy PolicyConfig `yaml:"policy"`

	// Alerts holds threshold rules over relay statistics and webhook targets.
	Alerts AlertsConfig `yaml:"alerts"`
}

// AuthConfig controls producer authentication.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the gRPC metadata key and HTTP header carrying the key.
	// Defaults to "x-api-key".
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// HandshakeConfig controls websocket client authentication.
type HandshakeConfig struct {
	// CookieName is the cookie holding a sealed session token.
	CookieName string `yaml:"cookie_name"`

	// QueryParam is the query parameter accepted as an alternative to the cookie.
	QueryParam string `yaml:"query_param"`

	// SecretEnv names the environment variable holding the 32-byte session
	// secret, hex encoded (64 characters).
	SecretEnv string `yaml:"secret_env"`

	// TokenDB is the bbolt file holding issued tokens. Empty disables issued tokens.
	TokenDB string `yaml:"token_db"`
}

// Secret returns the decoded session secret. It returns nil with no error
// when SecretEnv is unset or the variable is empty.
func (h HandshakeConfig) Secret() ([]byte, error) {
	if h.SecretEnv == "" {
		return nil, nil
	}
	raw := os.Getenv(h.SecretEnv)
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: not hex: %w", h.SecretEnv, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s: want 32 bytes, got %d", h.SecretEnv, len(key))
	}
	return key, nil
}

// ConnectionsConfig bounds per-connection resources.
type ConnectionsConfig struct {
	// QueueSize is the outbound notification queue depth per connection.
	// Notifications published to a full queue are dropped for that connection.
	QueueSize int `yaml:"queue_size"`

	// MaxFrameBytes is the largest inbound websocket frame accepted.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	// ControlRate is the sustained control frames per second a client may send.
	ControlRate float64 `yaml:"control_rate"`

	// ControlBurst is the control-frame burst allowance.
	ControlBurst int `yaml:"control_burst"`

	// PongWait is how long to wait for a pong before treating the connection as dead.
	PongWait time.Duration `yaml:"pong_wait"`

	// PingPeriod controls how often pings are sent; defaults to 9/10 of PongWait.
	PingPeriod time.Duration `yaml:"ping_period"`

	// AllowedOrigins restricts the websocket Origin header. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// EffectivePingPeriod returns PingPeriod, or 9/10 of PongWait when unset.
func (c ConnectionsConfig) EffectivePingPeriod() time.Duration {
	if c.PingPeriod > 0 {
		return c.PingPeriod
	}
	return (c.PongWait * 9) / 10
}

// PolicyConfig is the topic authorization policy.
type PolicyConfig struct {
	// Default is the effect when no rule matches: allow | deny (default deny).
	Default string `yaml:"default"`

	// Rules are evaluated in order; the first match decides.
	Rules []PolicyRule `yaml:"rules"`
}

// PolicyRule grants or refuses a set of topics.
type PolicyRule struct {
	// Topic is a doublestar pattern; {identity} is replaced by the subscriber identity.
	Topic string `yaml:"topic"`

	// Identities are doublestar patterns over identities. Empty matches everyone.
	Identities []string `yaml:"identities"`

	// Effect is allow | deny (default allow).
	Effect string `yaml:"effect"`
}

// AlertsConfig holds alert rules over relay statistics and delivery targets.
type AlertsConfig struct {
	// Interval is how often statistics are evaluated (default 30s).
	Interval time.Duration  `yaml:"interval"`
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule defines one threshold-based alert condition.
type AlertRule struct {
	// Name is the alert identifier, used as the deduplication key.
	Name string `yaml:"name"`

	// Condition is "<stat> <op> <value>", e.g. "send_failures > 100" or
	// "connections >= 5000".
	Condition string `yaml:"condition"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires for this duration. Defaults to 15 minutes.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort: DefaultGRPCPort,
			HTTPPort: DefaultHTTPPort,
			Handshake: HandshakeConfig{
				CookieName: DefaultCookieName,
				QueryParam: DefaultQueryParam,
			},
			Connections: ConnectionsConfig{
				QueueSize:     DefaultQueueSize,
				MaxFrameBytes: DefaultMaxFrameBytes,
				ControlRate:   DefaultControlRate,
				ControlBurst:  DefaultControlBurst,
				PongWait:      DefaultPongWait,
			},
			Policy: PolicyConfig{
				Default: EffectDeny,
			},
			Alerts: AlertsConfig{
				Interval: DefaultAlertInterval,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := &cfg.Server
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	if s.GRPCPort < 0 || s.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [0, 65535]", s.GRPCPort)
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	if s.Handshake.CookieName == "" && s.Handshake.QueryParam == "" {
		return fmt.Errorf("server.handshake: one of cookie_name or query_param is required")
	}
	if _, err := s.Handshake.Secret(); err != nil {
		return fmt.Errorf("server.handshake.secret_env: %w", err)
	}
	c := s.Connections
	if c.QueueSize <= 0 {
		return fmt.Errorf("server.connections.queue_size must be positive")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("server.connections.max_frame_bytes must be positive")
	}
	if c.ControlRate <= 0 || c.ControlBurst <= 0 {
		return fmt.Errorf("server.connections.control_rate and control_burst must be positive")
	}
	if c.PongWait <= 0 {
		return fmt.Errorf("server.connections.pong_wait must be positive")
	}
	if c.EffectivePingPeriod() >= c.PongWait {
		return fmt.Errorf("server.connections.ping_period must be shorter than pong_wait")
	}
	switch s.Policy.Default {
	case EffectAllow, EffectDeny:
	default:
		return fmt.Errorf("server.policy.default %q unknown: want allow|deny", s.Policy.Default)
	}
	for i, r := range s.Policy.Rules {
		switch r.Effect {
		case EffectAllow, EffectDeny, "":
		default:
			return fmt.Errorf("server.policy.rules[%d].effect %q unknown: want allow|deny", i, r.Effect)
		}
	}
	if s.Alerts.Interval <= 0 {
		return fmt.Errorf("server.alerts.interval must be positive")
	}
	for i, r := range s.Alerts.Rules {
		if r.Name == "" {
			return fmt.Errorf("server.alerts.rules[%d]: name is required", i)
		}
	}
	for i, w := range s.Alerts.Webhooks {
		switch w.Type {
		case "slack", "http":
		default:
			return fmt.Errorf("server.alerts.webhooks[%d].type %q unknown: want slack|http", i, w.Type)
		}
	}
	return nil
}
