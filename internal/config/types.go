package config

import (
	"math"
	"time"
)

// Config represents the complete spendgate configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Engine    EngineConfig    `yaml:"engine"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	API       APIConfig       `yaml:"api,omitempty"`
	Alerts    AlertsConfig    `yaml:"alerts,omitempty"`
	Tracing   TracingConfig   `yaml:"tracing,omitempty"`

	// SourcePath is the file the config was loaded from, if any.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name" env:"SPENDGATE_SERVICE_NAME"`
	LogLevel     string        `yaml:"log_level" env:"SPENDGATE_LOG_LEVEL"`
	LogFormat    string        `yaml:"log_format" env:"SPENDGATE_LOG_FORMAT"`
	WorkerID     string        `yaml:"worker_id" env:"SPENDGATE_WORKER_ID"`
	Workers      int           `yaml:"workers" env:"SPENDGATE_WORKERS"`
	PollInterval time.Duration `yaml:"poll_interval" env:"SPENDGATE_POLL_INTERVAL"`
	LockDir      string        `yaml:"lock_dir" env:"SPENDGATE_LOCK_DIR"`
}

// StateConfig defines where change requests, audit records and shared
// counters are persisted.
type StateConfig struct {
	Driver       string `yaml:"driver" env:"SPENDGATE_STATE_DRIVER"` // sqlite | postgres
	Path         string `yaml:"path" env:"SPENDGATE_STATE_PATH"`
	DSN          string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"SPENDGATE_STATE_MAX_OPEN_CONNS"`
}

// EngineConfig holds the mutation engine tunables. The env names are the
// documented option names and are honoured without a prefix.
type EngineConfig struct {
	MaxRequestsPerHour   int     `yaml:"max_requests_per_hour" env:"MAX_REQUESTS_PER_HOUR"`
	JitterMinSeconds     float64 `yaml:"jitter_min_seconds" env:"JITTER_MIN_SECONDS"`
	JitterMaxSeconds     float64 `yaml:"jitter_max_seconds" env:"JITTER_MAX_SECONDS"`
	MaxBudgetVelocityPct float64 `yaml:"max_budget_velocity_pct" env:"MAX_BUDGET_VELOCITY_PCT"` // percent, 20 = 20%
	VelocityWindowHours  float64 `yaml:"velocity_window_hours" env:"VELOCITY_WINDOW_HOURS"`
	FuzzEpsilon          float64 `yaml:"fuzz_epsilon" env:"FUZZ_EPSILON"`
	LeaseTTLSeconds      int     `yaml:"lease_ttl_seconds" env:"LEASE_TTL_SECONDS"`
	MaxRetryAttempts     int     `yaml:"max_retry_attempts" env:"MAX_RETRY_ATTEMPTS"`
	BatchSize            int     `yaml:"batch_size" env:"BATCH_SIZE"`
	DedupWindowSeconds   int     `yaml:"dedup_window_seconds" env:"DEDUP_WINDOW_SECONDS"`

	RateLimitRequeueSeconds int     `yaml:"rate_limit_requeue_seconds" env:"RATE_LIMIT_REQUEUE_SECONDS"`
	ApplyTimeoutSeconds     int     `yaml:"apply_timeout_seconds" env:"APPLY_TIMEOUT_SECONDS"`
	BackoffBaseSeconds      float64 `yaml:"backoff_base_seconds" env:"BACKOFF_BASE_SECONDS"`
	BackoffMaxSeconds       float64 `yaml:"backoff_max_seconds" env:"BACKOFF_MAX_SECONDS"`
	ReclaimSchedule         string  `yaml:"reclaim_schedule" env:"RECLAIM_SCHEDULE"`
	Credential              string  `yaml:"credential" env:"SPENDGATE_CREDENTIAL"`
}

// RateLimitConfig selects the shared counter backend.
type RateLimitConfig struct {
	Backend       string `yaml:"backend" env:"SPENDGATE_RATE_LIMIT_BACKEND"` // sql | redis
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled" env:"SPENDGATE_API_ENABLED"`
	Listen  string        `yaml:"listen" env:"SPENDGATE_API_LISTEN"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key" env:"SPENDGATE_API_KEY"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// AlertsConfig controls when the engine raises alerts beyond terminal failures.
type AlertsConfig struct {
	ClampThreshold int `yaml:"clamp_threshold" env:"CLAMP_ALERT_THRESHOLD"`
}

// TracingConfig enables OTLP trace export.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint" env:"SPENDGATE_OTEL_ENDPOINT"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "spendgate",
			LogLevel:     "info",
			LogFormat:    "json",
			Workers:      2,
			PollInterval: time.Second,
			LockDir:      "./data/locks",
		},
		State: StateConfig{
			Driver:       "sqlite",
			Path:         "./data/spendgate.db",
			MaxOpenConns: 10,
		},
		Engine: EngineConfig{
			MaxRequestsPerHour:      200,
			JitterMinSeconds:        3,
			JitterMaxSeconds:        18,
			MaxBudgetVelocityPct:    20,
			VelocityWindowHours:     24,
			FuzzEpsilon:             0.01,
			LeaseTTLSeconds:         120,
			MaxRetryAttempts:        3,
			BatchSize:               10,
			DedupWindowSeconds:      300,
			RateLimitRequeueSeconds: 30,
			ApplyTimeoutSeconds:     30,
			BackoffBaseSeconds:      30,
			BackoffMaxSeconds:       15 * 60,
			ReclaimSchedule:         "@every 15s",
			Credential:              "default",
		},
		RateLimit: RateLimitConfig{
			Backend: "sql",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Alerts: AlertsConfig{
			ClampThreshold: 3,
		},
	}
}

// LeaseTTL is the claim lease duration.
func (e EngineConfig) LeaseTTL() time.Duration {
	return time.Duration(e.LeaseTTLSeconds) * time.Second
}

// DedupWindow is the window within which an equivalent pending request is a duplicate.
func (e EngineConfig) DedupWindow() time.Duration {
	return time.Duration(e.DedupWindowSeconds) * time.Second
}

// VelocityWindow is the lookback used by the budget velocity cap.
func (e EngineConfig) VelocityWindow() time.Duration {
	return seconds(e.VelocityWindowHours * 3600)
}

// VelocityFraction converts MaxBudgetVelocityPct to a fraction (20 -> 0.2).
func (e EngineConfig) VelocityFraction() float64 {
	return e.MaxBudgetVelocityPct / 100
}

// JitterMin is the lower jitter bound.
func (e EngineConfig) JitterMin() time.Duration { return seconds(e.JitterMinSeconds) }

// JitterMax is the upper jitter bound.
func (e EngineConfig) JitterMax() time.Duration { return seconds(e.JitterMaxSeconds) }

// RateLimitRequeue is the delay applied when the rate limiter denies a claim.
func (e EngineConfig) RateLimitRequeue() time.Duration {
	return time.Duration(e.RateLimitRequeueSeconds) * time.Second
}

// ApplyTimeout bounds a single external client call.
func (e EngineConfig) ApplyTimeout() time.Duration {
	return time.Duration(e.ApplyTimeoutSeconds) * time.Second
}

// BackoffBase is the first retry delay.
func (e EngineConfig) BackoffBase() time.Duration { return seconds(e.BackoffBaseSeconds) }

// BackoffMax caps the retry delay.
func (e EngineConfig) BackoffMax() time.Duration { return seconds(e.BackoffMaxSeconds) }

func seconds(s float64) time.Duration {
	if math.IsNaN(s) || s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
