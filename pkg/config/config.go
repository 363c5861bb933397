package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/keypool/pkg/models"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "KEYPOOL"

// Config holds all keypool configuration.
type Config struct {
	Listen    string             `yaml:"listen" split_words:"true"`
	DBPath    string             `yaml:"db_path" split_words:"true"`
	LogLevel  string             `yaml:"log_level" split_words:"true"`
	LogFormat string             `yaml:"log_format" split_words:"true"`
	Upstream  UpstreamConfig     `yaml:"upstream" split_words:"true"`
	Router    RouterConfig       `yaml:"router" split_words:"true"`
	Health    HealthConfig       `yaml:"health" split_words:"true"`
	Metrics   MetricsConfig      `yaml:"metrics" split_words:"true"`
	Quota     QuotaConfig        `yaml:"quota" split_words:"true"`
	Admin     AdminConfig        `yaml:"admin" split_words:"true"`
	Seed      SeedConfig         `yaml:"seed" split_words:"true"`
	Jobs      JobsConfig         `yaml:"jobs" split_words:"true"`
	Events    models.EventConfig `yaml:"events" split_words:"true"`
	Secrets   SecretsConfig      `yaml:"secrets" split_words:"true"`
}

// UpstreamConfig defines the provider API the pool credentials belong to.
// Type is "openai" (default) or "anthropic".
type UpstreamConfig struct {
	URL         string        `yaml:"url" split_words:"true"`
	Type        string        `yaml:"type" split_words:"true"`
	Timeout     time.Duration `yaml:"timeout" split_words:"true"`
	MaxAttempts int           `yaml:"max_attempts" split_words:"true"`
}

// RouterConfig maps requested models to proxy binding groups. Requests whose
// model matches no route use DefaultProxy; an empty DefaultProxy selects from
// the global pool.
type RouterConfig struct {
	DefaultProxy string        `yaml:"default_proxy" split_words:"true"`
	Routes       []RouteConfig `yaml:"routes" ignored:"true"`
}

// RouteConfig sends a model, or a model prefix ending in "*", to a proxy.
type RouteConfig struct {
	Model   string `yaml:"model"`
	ProxyID string `yaml:"proxy_id"`
}

// HealthConfig holds the cooldowns applied when the upstream gives no hint.
type HealthConfig struct {
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff" split_words:"true"`
	ErrorBackoff     time.Duration `yaml:"error_backoff" split_words:"true"`
}

// MetricsConfig controls the windowed metrics read cache. Zero disables it.
type MetricsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl" split_words:"true"`
}

// QuotaConfig controls end-user admission on the proxy.
type QuotaConfig struct {
	Enabled bool `yaml:"enabled" split_words:"true"`
}

// AdminConfig guards the /admin API. An empty secret disables it.
type AdminConfig struct {
	Secret string `yaml:"secret" split_words:"true"`
}

// SeedConfig points at a YAML seed file imported on start.
type SeedConfig struct {
	Path     string        `yaml:"path" split_words:"true"`
	Watch    bool          `yaml:"watch" split_words:"true"`
	Debounce time.Duration `yaml:"debounce" split_words:"true"`
}

// JobsConfig holds cron specs for background jobs. An empty spec disables
// the job.
type JobsConfig struct {
	Reconcile string `yaml:"reconcile" split_words:"true"`
	Snapshot  string `yaml:"snapshot" split_words:"true"`
	Retention string `yaml:"retention" split_words:"true"`
}

// SecretsConfig lists fernet keys for encrypting credential secrets at rest.
// The first key encrypts. No keys stores secrets in plaintext.
type SecretsConfig struct {
	Keys []string `yaml:"keys" split_words:"true"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:    ":8080",
		DBPath:    "keypool.db",
		LogLevel:  "info",
		LogFormat: "text",
		Upstream: UpstreamConfig{
			URL:         "https://api.factory.ai",
			Type:        "openai",
			Timeout:     5 * time.Minute,
			MaxAttempts: 3,
		},
		Health: HealthConfig{
			RateLimitBackoff: 60 * time.Second,
			ErrorBackoff:     30 * time.Second,
		},
		Quota: QuotaConfig{
			Enabled: true,
		},
		Seed: SeedConfig{
			Debounce: 500 * time.Millisecond,
		},
		Jobs: JobsConfig{
			Reconcile: "@every 5m",
			Snapshot:  "@every 1m",
			Retention: "@daily",
		},
		Events: models.EventConfig{
			Enabled:       true,
			DBPath:        "keypool-events.db",
			RetentionDays: 30,
		},
	}
}

// LoadDotEnv loads the first .env file found in paths. Variables already in
// the environment win.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

// Load reads a YAML config file, expands environment variables and applies
// KEYPOOL_* overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail at request time.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Upstream.Type) {
	case "", "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("upstream.type %q: want openai or anthropic", c.Upstream.Type))
	}
	if c.Upstream.MaxAttempts < 0 {
		errs = append(errs, errors.New("upstream.max_attempts must not be negative"))
	}
	if c.Health.RateLimitBackoff < 0 || c.Health.ErrorBackoff < 0 {
		errs = append(errs, errors.New("health backoffs must not be negative"))
	}
	if c.Metrics.CacheTTL < 0 {
		errs = append(errs, errors.New("metrics.cache_ttl must not be negative"))
	}
	for i, r := range c.Router.Routes {
		if r.Model == "" || r.ProxyID == "" {
			errs = append(errs, fmt.Errorf("router.routes[%d]: model and proxy_id are required", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
