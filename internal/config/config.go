// Package config provides YAML configuration loading with validation and
// environment variable substitution for the health engine daemon.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modelgate/healthcore/internal/quota"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Auth        AuthConfig        `yaml:"auth" json:"auth"`
	Admin       AdminConfig       `yaml:"admin" json:"admin"`
	Engine      EngineConfig      `yaml:"engine" json:"engine"`
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`
	Endpoints   []EndpointConfig  `yaml:"endpoints" json:"endpoints"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself so concurrent reloads stay safe.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds the admin HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// MetricsConfig holds Prometheus endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output and rotation settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // days to retain rotated files; default: 30
}

// AuthConfig holds JWT settings for the admin control endpoints.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// AdminConfig guards the admin API surface.
type AdminConfig struct {
	IPAllowlist []string        `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation; required
	RateLimit   RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig holds the admin API per-client limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// EngineConfig tunes the state machine: penalty policy, cooldown
// escalation, and time accounting.
type EngineConfig struct {
	SweepInterval    time.Duration   `yaml:"sweep_interval" json:"sweep_interval"`
	Window           time.Duration   `yaml:"window" json:"window"`
	CooldownSchedule []time.Duration `yaml:"cooldown_schedule" json:"cooldown_schedule"`
	BlacklistCeiling time.Duration   `yaml:"blacklist_ceiling" json:"blacklist_ceiling"`
	Policy           []PolicyRule    `yaml:"policy" json:"policy"`
}

// PolicyRule overrides the penalty decision for one failure category,
// optionally narrowed to one auth type. Rules are matched in order,
// before the built-in defaults.
type PolicyRule struct {
	Category       string        `yaml:"category" json:"category"`
	AuthType       string        `yaml:"auth_type" json:"auth_type"`
	CooldownOnly   bool          `yaml:"cooldown_only" json:"cooldown_only"`
	BlacklistAfter int           `yaml:"blacklist_after" json:"blacklist_after"`
	BlacklistFor   time.Duration `yaml:"blacklist_for" json:"blacklist_for"`
}

// PersistenceConfig controls the journal. An empty Dir disables
// persistence entirely.
type PersistenceConfig struct {
	Dir             string        `yaml:"dir" json:"dir"`
	QueueSize       int           `yaml:"queue_size" json:"queue_size"`
	MaxRecords      int           `yaml:"max_records" json:"max_records"`
	MaxAge          time.Duration `yaml:"max_age" json:"max_age"`
	CompactInterval time.Duration `yaml:"compact_interval" json:"compact_interval"`
}

// EndpointConfig registers one routable endpoint with the engine. Zero
// limits mean unbounded.
type EndpointConfig struct {
	Key               string `yaml:"key" json:"key"`
	AuthType          string `yaml:"auth_type" json:"auth_type"`
	PriorityTier      int    `yaml:"priority_tier" json:"priority_tier"`
	RequestsPerMinute int64  `yaml:"requests_per_minute" json:"requests_per_minute"`
	TokensPerMinute   int64  `yaml:"tokens_per_minute" json:"tokens_per_minute"`
	TotalTokens       int64  `yaml:"total_tokens" json:"total_tokens"`
}

// Limits converts the endpoint's static quota settings.
func (e EndpointConfig) Limits() quota.Limits {
	return quota.Limits{
		PriorityTier:      e.PriorityTier,
		RequestsPerMinute: e.RequestsPerMinute,
		TokensPerMinute:   e.TokensPerMinute,
		TotalTokens:       e.TotalTokens,
	}
}

// Rules builds the engine rules from this config: configured policy
// rules are matched first, then the shipped defaults.
func (e EngineConfig) Rules() quota.Rules {
	rules := quota.DefaultRules()
	if e.Window > 0 {
		rules.Window = e.Window
	}
	if len(e.CooldownSchedule) > 0 {
		rules.CooldownSchedule = e.CooldownSchedule
	}
	if e.BlacklistCeiling > 0 {
		rules.BlacklistCeiling = e.BlacklistCeiling
	}
	if len(e.Policy) > 0 {
		table := make(quota.PolicyTable, 0, len(e.Policy)+len(rules.Policy))
		for _, r := range e.Policy {
			table = append(table, quota.PolicyRule{
				Category: quota.Category(r.Category),
				Auth:     quota.AuthType(r.AuthType),
				Decision: quota.Decision{
					CooldownOnly:   r.CooldownOnly,
					BlacklistAfter: r.BlacklistAfter,
					BlacklistFor:   r.BlacklistFor,
				},
			})
		}
		rules.Policy = append(table, rules.Policy...)
	}
	return rules
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the
// corresponding environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for
// testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8081
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 65536 // 64 KB; control bodies are tiny
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.Admin.RateLimit.RequestsPerSecond == 0 {
		cfg.Admin.RateLimit.RequestsPerSecond = 50
	}
	if cfg.Admin.RateLimit.BurstSize == 0 {
		cfg.Admin.RateLimit.BurstSize = 25
	}

	eng := &cfg.Engine
	if eng.SweepInterval == 0 {
		eng.SweepInterval = 15 * time.Second
	}
	if eng.Window == 0 {
		eng.Window = time.Minute
	}
	if len(eng.CooldownSchedule) == 0 {
		eng.CooldownSchedule = []time.Duration{time.Minute, 3 * time.Minute, 5 * time.Minute}
	}
	if eng.BlacklistCeiling == 0 {
		eng.BlacklistCeiling = 24 * time.Hour
	}

	p := &cfg.Persistence
	if p.Dir != "" {
		if p.QueueSize == 0 {
			p.QueueSize = 1024
		}
		if p.MaxRecords == 0 {
			p.MaxRecords = 1000
		}
		if p.MaxAge == 0 {
			p.MaxAge = 7 * 24 * time.Hour
		}
		if p.CompactInterval == 0 {
			p.CompactInterval = 5 * time.Minute
		}
	}
}

// validCategories are the failure categories accepted in policy rules.
var validCategories = map[string]bool{
	"rate_limited": true,
	"server_error": true,
	"network":      true,
	"fatal":        true,
	"other":        true,
}

// validAuthTypes are the auth types accepted in policy rules and
// endpoint registrations. Empty in a policy rule means "any".
var validAuthTypes = map[string]bool{
	"":        true,
	"apikey":  true,
	"oauth":   true,
	"unknown": true,
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	if len(cfg.Admin.IPAllowlist) == 0 {
		return fmt.Errorf("admin.ip_allowlist is required")
	}
	for i, cidr := range cfg.Admin.IPAllowlist {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
		}
	}
	if cfg.Admin.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("admin.rate_limit.requests_per_second must be positive")
	}
	if cfg.Admin.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("admin.rate_limit.burst_size must be positive")
	}

	eng := cfg.Engine
	if eng.SweepInterval <= 0 {
		return fmt.Errorf("engine.sweep_interval must be positive")
	}
	if eng.Window <= 0 {
		return fmt.Errorf("engine.window must be positive")
	}
	for i, d := range eng.CooldownSchedule {
		if d <= 0 {
			return fmt.Errorf("engine.cooldown_schedule[%d] must be positive", i)
		}
	}
	if eng.BlacklistCeiling <= 0 || eng.BlacklistCeiling > 24*time.Hour {
		return fmt.Errorf("engine.blacklist_ceiling must be between 0 (exclusive) and 24h (inclusive)")
	}
	for i, r := range eng.Policy {
		if !validCategories[r.Category] {
			return fmt.Errorf("engine.policy[%d].category must be one of rate_limited, server_error, network, fatal, other; got %q", i, r.Category)
		}
		if !validAuthTypes[r.AuthType] {
			return fmt.Errorf("engine.policy[%d].auth_type must be one of apikey, oauth, unknown; got %q", i, r.AuthType)
		}
		if !r.CooldownOnly && r.BlacklistAfter < 1 {
			return fmt.Errorf("engine.policy[%d].blacklist_after must be positive unless cooldown_only", i)
		}
		if r.BlacklistFor < 0 {
			return fmt.Errorf("engine.policy[%d].blacklist_for must be non-negative", i)
		}
	}

	p := cfg.Persistence
	if p.Dir != "" {
		if p.QueueSize < 1 {
			return fmt.Errorf("persistence.queue_size must be positive")
		}
		if p.MaxRecords < 1 {
			return fmt.Errorf("persistence.max_records must be positive")
		}
		if p.MaxAge <= 0 {
			return fmt.Errorf("persistence.max_age must be positive")
		}
		if p.CompactInterval <= 0 {
			return fmt.Errorf("persistence.compact_interval must be positive")
		}
	}

	seen := make(map[string]bool)
	for i, e := range cfg.Endpoints {
		if e.Key == "" {
			return fmt.Errorf("endpoints[%d].key is required", i)
		}
		if seen[e.Key] {
			return fmt.Errorf("duplicate endpoint key: %s", e.Key)
		}
		seen[e.Key] = true
		if !validAuthTypes[e.AuthType] {
			return fmt.Errorf("endpoints[%d].auth_type must be one of apikey, oauth, unknown; got %q", i, e.AuthType)
		}
		if e.RequestsPerMinute < 0 || e.TokensPerMinute < 0 || e.TotalTokens < 0 {
			return fmt.Errorf("endpoints[%d]: limits must be non-negative", i)
		}
	}

	// Logging validation
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if len(cfg.Endpoints) == 0 {
		warnings = append(warnings, "no endpoints registered; state is created lazily on first event")
	}
	if cfg.Persistence.Dir == "" {
		warnings = append(warnings, "persistence disabled; state will not survive restarts")
	}
	return warnings
}
