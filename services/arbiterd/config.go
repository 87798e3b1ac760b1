package arbiterd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding secrets from the config file.
const (
	EnvJWTSecret   = "ARBITERD_JWT_SECRET"
	EnvGitHubToken = "ARBITERD_GITHUB_TOKEN"
	EnvWebhookKey  = "ARBITERD_WEBHOOK_SECRET"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config captures the runtime configuration for arbiterd.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	NodeConfig     string          `yaml:"node_config"`
	Arbiter        string          `yaml:"arbiter"`
	RequestTimeout Duration        `yaml:"request_timeout"`
	Database       DatabaseConfig  `yaml:"database"`
	Auth           AuthConfig      `yaml:"auth"`
	GitHub         GitHubConfig    `yaml:"github"`
	Scoring        ScoringConfig   `yaml:"scoring"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	CORSOrigins    []string        `yaml:"cors_origins"`
	Webhook        WebhookConfig   `yaml:"webhook"`
}

// DatabaseConfig selects the claim request store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	Disabled  bool     `yaml:"disabled"`
	JWTSecret string   `yaml:"jwt_secret"`
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	ClockSkew Duration `yaml:"clock_skew"`
}

// GitHubConfig configures the identity provider client.
type GitHubConfig struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"`
}

// ScoringConfig tunes the trust scorer gate.
type ScoringConfig struct {
	MinScore         int      `yaml:"min_score"`
	MaxCompletionAge Duration `yaml:"max_completion_age"`
}

// RateLimitConfig bounds requests per client on the mutating routes.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// WebhookConfig configures the signed settlement notifications. An empty
// URL disables them.
type WebhookConfig struct {
	URL         string   `yaml:"url"`
	Secret      string   `yaml:"secret"`
	Topics      []string `yaml:"topics"`
	MaxAttempts int      `yaml:"max_attempts"`
	Timeout     Duration `yaml:"timeout"`
}

// ArbiterAddress returns the configured arbiter identity.
func (c Config) ArbiterAddress() common.Address {
	return common.HexToAddress(strings.TrimSpace(c.Arbiter))
}

// LoadConfig reads configuration from the supplied path and applies the
// environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if token := strings.TrimSpace(os.Getenv(EnvGitHubToken)); token != "" {
		cfg.GitHub.Token = token
	}
	if secret := strings.TrimSpace(os.Getenv(EnvWebhookKey)); secret != "" {
		cfg.Webhook.Secret = secret
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.NodeConfig == "" {
		cfg.NodeConfig = "./config.toml"
	}
	if cfg.RequestTimeout.Duration == 0 {
		cfg.RequestTimeout.Duration = 15 * time.Second
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == DriverSQLite {
		cfg.Database.DSN = "arbiterd.db"
	}
	if cfg.GitHub.BaseURL == "" {
		cfg.GitHub.BaseURL = defaultGitHubURL
	}
	if cfg.GitHub.Timeout.Duration == 0 {
		cfg.GitHub.Timeout.Duration = 10 * time.Second
	}
	if cfg.Scoring.MinScore == 0 {
		cfg.Scoring.MinScore = 50
	}
	if cfg.Scoring.MaxCompletionAge.Duration == 0 {
		cfg.Scoring.MaxCompletionAge.Duration = 30 * 24 * time.Hour
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Webhook.Timeout.Duration == 0 {
		cfg.Webhook.Timeout.Duration = 15 * time.Second
	}
}

func validateConfig(cfg Config) error {
	if !common.IsHexAddress(strings.TrimSpace(cfg.Arbiter)) {
		return fmt.Errorf("arbiter must be a hex address")
	}
	switch cfg.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database driver %q not supported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if !cfg.Auth.Disabled && strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret or %s must be set", EnvJWTSecret)
	}
	if cfg.Scoring.MinScore < 0 || cfg.Scoring.MinScore > 100 {
		return fmt.Errorf("scoring.min_score must be within 0..100")
	}
	if strings.TrimSpace(cfg.Webhook.URL) != "" && strings.TrimSpace(cfg.Webhook.Secret) == "" {
		return fmt.Errorf("webhook.secret or %s must be set when webhook.url is configured", EnvWebhookKey)
	}
	return nil
}
