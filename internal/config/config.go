// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lineage-stats/internal/transport"
)

// DefaultProducer identifies this service in emitted events.
const DefaultProducer = "https://github.com/lineage-stats/lineage-stats"

// AuthConfig holds bearer-token authentication settings. Authentication is
// disabled when neither an issuer nor a secret is set.
type AuthConfig struct {
	IssuerURL string `yaml:"issuer_url"` // OIDC issuer (discovery + JWKS)
	Audience  string `yaml:"audience"`   // required aud claim
	JWTSecret string `yaml:"jwt_secret"` // HS256 shared secret
}

// Enabled reports whether any authentication method is configured.
func (a *AuthConfig) Enabled() bool {
	return a.IssuerURL != "" || a.JWTSecret != ""
}

// RetryConfig controls redelivery of events to failing transports.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// S3Config holds credentials for s3:// transport targets.
type S3Config struct {
	KeyID        string `yaml:"key_id"`
	Secret       string `yaml:"secret"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// GCSConfig holds credentials for gs:// transport targets.
type GCSConfig struct {
	KeyFile  string `yaml:"key_file"`
	Endpoint string `yaml:"endpoint"`
}

// AzureConfig holds credentials for azblob:// transport targets.
type AzureConfig struct {
	AccountKey string `yaml:"account_key"`
	ServiceURL string `yaml:"service_url"`
}

// Config holds the configuration of the correlator server.
type Config struct {
	ListenAddr string `yaml:"listen_addr"` // HTTP listen address (default ":8080")
	LogLevel   string `yaml:"log_level"`   // debug, info, warn, error (default "info")
	Env        string `yaml:"env"`         // "development" (default) or "production"

	Producer   string   `yaml:"producer"`
	Transports []string `yaml:"transports"` // transport target URIs

	// ArchivePath is the SQLite file backing archive:// and the events API.
	ArchivePath      string        `yaml:"archive_path"`
	ArchiveRetention time.Duration `yaml:"archive_retention"` // 0 keeps events forever

	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	RetentionWindow time.Duration `yaml:"retention_window"`
	TombstoneTTL    time.Duration `yaml:"tombstone_ttl"` // 0 never forgets a closed run
	AutoOpen        bool          `yaml:"auto_open"`
	EmitStart       bool          `yaml:"emit_start"`
	// DefaultJobNamespace names the job of auto-opened runs.
	DefaultJobNamespace string `yaml:"default_job_namespace"`

	QueueSize   int           `yaml:"queue_size"`
	SendWorkers int           `yaml:"send_workers"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	SendRPS     float64       `yaml:"send_rps"` // 0 disables throttling
	Retry       RetryConfig   `yaml:"retry"`
	HTTPToken   string        `yaml:"http_token"` // bearer token for http(s) targets

	RateLimitRPS       float64  `yaml:"rate_limit_rps"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	Auth  AuthConfig  `yaml:"auth"`
	S3    S3Config    `yaml:"s3"`
	GCS   GCSConfig   `yaml:"gcs"`
	Azure AzureConfig `yaml:"azure"`

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8080",
		LogLevel:            "info",
		Env:                 "development",
		Producer:            DefaultProducer,
		Transports:          []string{"console", "archive"},
		ArchivePath:         "lineage_archive.sqlite",
		ArchiveRetention:    30 * 24 * time.Hour,
		IdleTimeout:         30 * time.Minute,
		SweepInterval:       time.Minute,
		RetentionWindow:     5 * time.Minute,
		TombstoneTTL:        time.Hour,
		DefaultJobNamespace: "default",
		QueueSize:           1024,
		SendWorkers:         2,
		SendTimeout:         10 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
		},
		RateLimitRPS:       100,
		RateLimitBurst:     200,
		CORSAllowedOrigins: []string{"*"},
	}
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// UsesArchive reports whether any transport writes to the local archive.
func (c *Config) UsesArchive() bool {
	return slices.ContainsFunc(c.Transports, func(t string) bool {
		t = strings.TrimSpace(t)
		return t == "archive" || strings.HasPrefix(t, "archive:")
	})
}

// LoadFromEnv builds the configuration from defaults, the optional YAML
// file named by LINEAGE_CONFIG_FILE and environment variables, in that
// order of precedence (env wins). The result is validated.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("LINEAGE_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.collectWarnings()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid number %q", key, v))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, ok := parseBool(v)
			if !ok {
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("ENV", &c.Env)
	str("LINEAGE_PRODUCER", &c.Producer)
	list("LINEAGE_TRANSPORTS", &c.Transports)
	str("LINEAGE_ARCHIVE_PATH", &c.ArchivePath)
	dur("LINEAGE_ARCHIVE_RETENTION", &c.ArchiveRetention)

	dur("LINEAGE_IDLE_TIMEOUT", &c.IdleTimeout)
	dur("LINEAGE_SWEEP_INTERVAL", &c.SweepInterval)
	dur("LINEAGE_RETENTION_WINDOW", &c.RetentionWindow)
	dur("LINEAGE_TOMBSTONE_TTL", &c.TombstoneTTL)
	boolean("LINEAGE_AUTO_OPEN", &c.AutoOpen)
	boolean("LINEAGE_EMIT_START", &c.EmitStart)
	str("LINEAGE_DEFAULT_JOB_NAMESPACE", &c.DefaultJobNamespace)

	integer("LINEAGE_QUEUE_SIZE", &c.QueueSize)
	integer("LINEAGE_SEND_WORKERS", &c.SendWorkers)
	dur("LINEAGE_SEND_TIMEOUT", &c.SendTimeout)
	float("LINEAGE_SEND_RPS", &c.SendRPS)
	integer("LINEAGE_RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	dur("LINEAGE_RETRY_INITIAL_DELAY", &c.Retry.InitialDelay)
	dur("LINEAGE_RETRY_MAX_DELAY", &c.Retry.MaxDelay)
	float("LINEAGE_RETRY_MULTIPLIER", &c.Retry.Multiplier)
	float("LINEAGE_RETRY_JITTER", &c.Retry.Jitter)
	str("LINEAGE_HTTP_TOKEN", &c.HTTPToken)

	float("RATE_LIMIT_RPS", &c.RateLimitRPS)
	integer("RATE_LIMIT_BURST", &c.RateLimitBurst)
	list("CORS_ALLOWED_ORIGINS", &c.CORSAllowedOrigins)

	str("AUTH_ISSUER_URL", &c.Auth.IssuerURL)
	str("AUTH_AUDIENCE", &c.Auth.Audience)
	str("JWT_SECRET", &c.Auth.JWTSecret)

	str("S3_KEY_ID", &c.S3.KeyID)
	str("S3_SECRET", &c.S3.Secret)
	str("S3_ENDPOINT", &c.S3.Endpoint)
	str("S3_REGION", &c.S3.Region)
	boolean("S3_USE_PATH_STYLE", &c.S3.UsePathStyle)
	str("GCS_KEY_FILE", &c.GCS.KeyFile)
	str("GCS_ENDPOINT", &c.GCS.Endpoint)
	str("AZURE_ACCOUNT_KEY", &c.Azure.AccountKey)
	str("AZURE_SERVICE_URL", &c.Azure.ServiceURL)

	return errors.Join(errs...)
}

func (c *Config) collectWarnings() {
	if !c.Auth.Enabled() {
		c.Warnings = append(c.Warnings, "authentication is disabled: set AUTH_ISSUER_URL or JWT_SECRET")
	}
	if c.SweepInterval > c.IdleTimeout && c.IdleTimeout > 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf(
			"LINEAGE_SWEEP_INTERVAL (%s) exceeds LINEAGE_IDLE_TIMEOUT (%s): idle runs outlive their timeout", c.SweepInterval, c.IdleTimeout))
	}
	if c.AutoOpen {
		c.Warnings = append(c.Warnings, "LINEAGE_AUTO_OPEN is on: reports for unknown runs open them implicitly")
	}
	if c.TombstoneTTL == 0 {
		c.Warnings = append(c.Warnings, "LINEAGE_TOMBSTONE_TTL is 0: closed run ids are kept in memory until restart")
	}
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.ListenAddr == "" {
		fail("LISTEN_ADDR must not be empty")
	}
	if len(c.Transports) == 0 {
		fail("LINEAGE_TRANSPORTS must name at least one target")
	}
	for _, raw := range c.Transports {
		if _, err := transport.ParseTarget(raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.UsesArchive() && c.ArchivePath == "" {
		fail("LINEAGE_ARCHIVE_PATH is required for the archive transport")
	}
	if c.IdleTimeout <= 0 {
		fail("LINEAGE_IDLE_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		fail("LINEAGE_SWEEP_INTERVAL must be positive")
	}
	if c.RetentionWindow <= 0 {
		fail("LINEAGE_RETENTION_WINDOW must be positive")
	}
	if c.TombstoneTTL < 0 {
		fail("LINEAGE_TOMBSTONE_TTL must not be negative")
	}
	if c.ArchiveRetention < 0 {
		fail("LINEAGE_ARCHIVE_RETENTION must not be negative")
	}
	if c.QueueSize <= 0 {
		fail("LINEAGE_QUEUE_SIZE must be positive")
	}
	if c.SendWorkers <= 0 {
		fail("LINEAGE_SEND_WORKERS must be positive")
	}
	if c.SendRPS < 0 {
		fail("LINEAGE_SEND_RPS must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		fail("LINEAGE_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		fail("LINEAGE_RETRY_JITTER must be within [0, 1]")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		fail("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.Auth.IssuerURL != "" && c.Auth.Audience == "" {
		fail("AUTH_AUDIENCE is required when AUTH_ISSUER_URL is set")
	}

	// Production mode: insecure defaults are fatal errors.
	if c.IsProduction() {
		if !c.Auth.Enabled() {
			fail("authentication must be configured in production (set AUTH_ISSUER_URL or JWT_SECRET)")
		}
		if slices.Contains(c.CORSAllowedOrigins, "*") {
			fail("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}
	return errors.Join(errs...)
}

func parseBool(v string) (value, ok bool) {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = stripQuotes(strings.TrimSpace(value))
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
