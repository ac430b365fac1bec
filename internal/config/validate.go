package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/robfig/cron/v3"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate performs structural validation on the configuration. All problems
// are reported together.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Service
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		add("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		add("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.Workers < 1 {
		add("service.workers must be at least 1")
	}
	if cfg.Service.PollInterval <= 0 {
		add("service.poll_interval must be positive")
	}

	// State
	switch cfg.State.Driver {
	case "sqlite":
		if cfg.State.Path == "" {
			add("state.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.State.DSN == "" {
			add("state.dsn (or DATABASE_URL) is required for the postgres driver")
		} else if envVarPattern.MatchString(cfg.State.DSN) {
			add("state.dsn: %s", unresolvedMessage(cfg.State.DSN))
		}
	default:
		add("state.driver must be sqlite or postgres (got %q)", cfg.State.Driver)
	}

	errs = append(errs, ValidateEngine(cfg.Engine)...)

	// Rate limit backend
	switch cfg.RateLimit.Backend {
	case "sql":
	case "redis":
		if cfg.RateLimit.RedisAddr == "" {
			add("rate_limit.redis_addr (or REDIS_ADDR) is required for the redis backend")
		}
	default:
		add("rate_limit.backend must be sql or redis (got %q)", cfg.RateLimit.Backend)
	}

	// API auth
	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			add("api.listen is required when the API is enabled")
		}
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			add("api.auth.api_key: %s", unresolvedMessage(cfg.API.Auth.APIKey))
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				add("api.auth.tokens[%d].token is required", i)
				continue
			}
			if envVarPattern.MatchString(tok.Token) {
				add("api.auth.tokens[%d].token: %s", i, unresolvedMessage(tok.Token))
			}
			if len(tok.Scopes) == 0 {
				add("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if cfg.Alerts.ClampThreshold < 0 {
		add("alerts.clamp_threshold must not be negative")
	}

	return errors.Join(errs...)
}

// ValidateEngine checks the mutation engine tunables. It is also used on hot
// reload, where only the engine section is re-applied.
func ValidateEngine(e EngineConfig) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if e.MaxRequestsPerHour < 1 {
		add("engine.max_requests_per_hour must be at least 1")
	}
	if !finite(e.JitterMinSeconds) || !finite(e.JitterMaxSeconds) || e.JitterMinSeconds < 0 {
		add("engine.jitter_min_seconds must be a non-negative number")
	} else if e.JitterMaxSeconds < e.JitterMinSeconds {
		add("engine.jitter_max_seconds (%g) must be >= jitter_min_seconds (%g)", e.JitterMaxSeconds, e.JitterMinSeconds)
	}
	if !finite(e.MaxBudgetVelocityPct) || e.MaxBudgetVelocityPct < 0 {
		add("engine.max_budget_velocity_pct must be a non-negative percentage")
	}
	if !finite(e.VelocityWindowHours) || e.VelocityWindowHours <= 0 {
		add("engine.velocity_window_hours must be positive")
	}
	if !finite(e.FuzzEpsilon) || e.FuzzEpsilon < 0 {
		add("engine.fuzz_epsilon must be a non-negative number")
	}
	if e.LeaseTTLSeconds < 1 {
		add("engine.lease_ttl_seconds must be at least 1")
	} else if float64(e.LeaseTTLSeconds) <= e.JitterMaxSeconds+float64(e.ApplyTimeoutSeconds) {
		add("engine.lease_ttl_seconds (%d) must exceed jitter_max_seconds + apply_timeout_seconds", e.LeaseTTLSeconds)
	}
	if e.MaxRetryAttempts < 1 {
		add("engine.max_retry_attempts must be at least 1")
	}
	if e.BatchSize < 1 {
		add("engine.batch_size must be at least 1")
	}
	if e.DedupWindowSeconds < 0 {
		add("engine.dedup_window_seconds must not be negative")
	}
	if e.RateLimitRequeueSeconds < 0 {
		add("engine.rate_limit_requeue_seconds must not be negative")
	}
	if e.ApplyTimeoutSeconds < 1 {
		add("engine.apply_timeout_seconds must be at least 1")
	}
	if !finite(e.BackoffBaseSeconds) || e.BackoffBaseSeconds <= 0 {
		add("engine.backoff_base_seconds must be positive")
	} else if e.BackoffMaxSeconds < e.BackoffBaseSeconds {
		add("engine.backoff_max_seconds must be >= backoff_base_seconds")
	}
	if _, err := cron.ParseStandard(e.ReclaimSchedule); err != nil {
		add("engine.reclaim_schedule %q: %v", e.ReclaimSchedule, err)
	}
	if strings.TrimSpace(e.Credential) == "" {
		add("engine.credential is required")
	}

	return errs
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func unresolvedMessage(value string) string {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Sprintf("environment variable ${%s} is not set", matches[1])
	}
	return "unresolved environment variable"
}
