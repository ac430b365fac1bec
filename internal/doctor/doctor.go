// Package doctor checks a spendgate configuration for errors and for
// settings that are valid but likely to surprise an operator.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/spendgate/internal/auth"
	"github.com/mattjoyce/spendgate/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

var knownScopes = map[string]bool{
	auth.ScopeAll:          true,
	auth.ScopeChangesRead:  true,
	auth.ScopeChangesWrite: true,
	auth.ScopeEventsRead:   true,
	auth.ScopeMetricsRead:  true,
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.validateTokenScopes(r)
	d.warnAPIAuth(r)
	d.warnThroughput(r)
	d.warnVelocity(r)
	d.warnRetries(r)
	d.warnDedup(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateConfig reports every config.Validate failure as its own issue.
func (d *Doctor) validateConfig(r *Result) {
	err := config.Validate(d.cfg)
	if err == nil {
		return
	}
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	for _, e := range errs {
		msg := e.Error()
		field, _, _ := strings.Cut(msg, " ")
		field = strings.TrimSuffix(field, ":")
		category, _, _ := strings.Cut(field, ".")
		d.addError(r, category, field, msg)
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	names := make(map[string]int)
	for i, token := range d.cfg.API.Auth.Tokens {
		// Audit records name the token, so shared names blur who acted.
		if name := strings.TrimSpace(token.Name); name != "" {
			if first, dup := names[name]; dup {
				d.addWarning(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].name", i),
					fmt.Sprintf("token name %q is also used by tokens[%d]", name, first))
			} else {
				names[name] = i
			}
		}
		for j, scope := range token.Scopes {
			scope = strings.TrimSpace(scope)
			if knownScopes[scope] {
				continue
			}
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
				fmt.Sprintf("unknown scope %q (expected one of changes:ro, changes:rw, events:ro, metrics:ro, *)", scope))
		}
	}
}

func (d *Doctor) warnAPIAuth(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	a := d.cfg.API.Auth
	switch {
	case a.APIKey == "" && len(a.Tokens) == 0:
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured; every protected request will be rejected")
	case a.APIKey != "" && len(a.Tokens) > 0:
		d.addWarning(r, "api", "api.auth", "both api_key and tokens configured; api_key grants full access")
	}
}

// warnThroughput flags jitter settings that keep the workers from ever
// reaching the hourly quota.
func (d *Doctor) warnThroughput(r *Result) {
	e := d.cfg.Engine
	mean := (e.JitterMinSeconds + e.JitterMaxSeconds) / 2
	if mean <= 0 || d.cfg.Service.Workers < 1 {
		return
	}
	capacity := float64(d.cfg.Service.Workers*max(e.BatchSize, 1)) * 3600 / mean
	if capacity < float64(e.MaxRequestsPerHour) {
		d.addWarning(r, "throughput", "engine.jitter_max_seconds",
			fmt.Sprintf("mean jitter of %.1fs caps throughput near %.0f/h, below max_requests_per_hour %d", mean, capacity, e.MaxRequestsPerHour))
	}
}

func (d *Doctor) warnVelocity(r *Result) {
	e := d.cfg.Engine
	if e.MaxBudgetVelocityPct == 0 {
		d.addWarning(r, "velocity", "engine.max_budget_velocity_pct",
			"velocity cap is 0%; every budget change will fail with VELOCITY_EXHAUSTED")
	}
	if e.MaxBudgetVelocityPct > 100 {
		d.addWarning(r, "velocity", "engine.max_budget_velocity_pct",
			fmt.Sprintf("velocity cap of %g%% allows a budget to more than double within the window", e.MaxBudgetVelocityPct))
	}
	if e.FuzzEpsilon >= 1 {
		d.addWarning(r, "velocity", "engine.fuzz_epsilon",
			fmt.Sprintf("fuzz_epsilon %g moves applied budgets by whole currency units", e.FuzzEpsilon))
	}
}

func (d *Doctor) warnRetries(r *Result) {
	if n := d.cfg.Engine.MaxRetryAttempts; n > 5 {
		d.addWarning(r, "retry", "engine.max_retry_attempts",
			fmt.Sprintf("a lost success response can cause up to %d real applications of one change", n))
	}
}

func (d *Doctor) warnDedup(r *Result) {
	if d.cfg.Engine.DedupWindowSeconds == 0 {
		d.addWarning(r, "dedup", "engine.dedup_window_seconds", "dedup window is 0; repeated submissions are all queued")
	}
}

// Err returns nil for a valid result, otherwise an error listing every
// error issue.
func (r *Result) Err() error {
	if r.Valid {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, errors.New(e.Message))
	}
	return errors.Join(errs...)
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" && !strings.HasPrefix(i.Message, i.Field) {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
