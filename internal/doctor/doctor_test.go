package doctor

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/mattjoyce/spendgate/internal/config"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.State.Path = "/tmp/spendgate-test.db"
	return cfg
}

func hasIssue(issues []Issue, category string) bool {
	for _, i := range issues {
		if i.Category == category {
			return true
		}
	}
	return false
}

func TestValidate_Defaults(t *testing.T) {
	t.Parallel()
	r := New(validConfig()).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings for defaults, got %v", r.Warnings)
	}
	if r.Err() != nil {
		t.Fatalf("expected nil Err, got %v", r.Err())
	}
}

func TestValidate_SplitsConfigErrors(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Engine.MaxRequestsPerHour = 0
	cfg.Engine.BatchSize = 0
	cfg.State.Driver = "mysql"

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if len(r.Errors) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(r.Errors), r.Errors)
	}
	if !hasIssue(r.Errors, "engine") || !hasIssue(r.Errors, "state") {
		t.Fatalf("expected engine and state categories, got %v", r.Errors)
	}
	if r.Err() == nil {
		t.Fatal("expected Err for invalid result")
	}
}

func TestValidate_LeaseShorterThanJitter(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Engine.LeaseTTLSeconds = 20
	cfg.Engine.JitterMaxSeconds = 18
	cfg.Engine.ApplyTimeoutSeconds = 5

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected lease shorter than jitter + apply timeout to be invalid")
	}
}

func TestValidate_UnknownScope(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true
	cfg.API.Auth.Tokens = []config.APIToken{
		{Token: "t1", Scopes: []string{"changes:ro", "plugin:rw"}},
	}

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid scope to fail")
	}
	if !hasIssue(r.Errors, "token_scopes") {
		t.Fatalf("expected token_scopes error, got %v", r.Errors)
	}
	if r.Errors[0].Field != "api.auth.tokens[0].scopes[1]" {
		t.Fatalf("unexpected field %q", r.Errors[0].Field)
	}
}

func TestValidate_DuplicateTokenNameWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true
	cfg.API.Auth.Tokens = []config.APIToken{
		{Name: "optimizer", Token: "t1", Scopes: []string{"changes:rw"}},
		{Name: "optimizer", Token: "t2", Scopes: []string{"events:ro"}},
	}

	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("duplicate names should only warn, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "token_scopes") {
		t.Fatalf("expected token_scopes warning, got %v", r.Warnings)
	}
}

func TestValidate_APIWithoutAuthWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true

	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "api") {
		t.Fatalf("expected api warning, got %v", r.Warnings)
	}
}

func TestValidate_ThroughputWarning(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Service.Workers = 1
	cfg.Engine.BatchSize = 1
	cfg.Engine.JitterMinSeconds = 60
	cfg.Engine.JitterMaxSeconds = 60
	cfg.Engine.LeaseTTLSeconds = 300
	cfg.Engine.MaxRequestsPerHour = 200

	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "throughput") {
		t.Fatalf("expected throughput warning, got %v", r.Warnings)
	}
}

func TestValidate_RiskyTunablesWarn(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Engine.MaxBudgetVelocityPct = 0
	cfg.Engine.MaxRetryAttempts = 8
	cfg.Engine.DedupWindowSeconds = 0

	r := New(cfg).Validate()
	for _, cat := range []string{"velocity", "retry", "dedup"} {
		if !hasIssue(r.Warnings, cat) {
			t.Errorf("expected %s warning, got %v", cat, r.Warnings)
		}
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()

	out := FormatHuman(&Result{Valid: true})
	if out != "Configuration valid.\n" {
		t.Fatalf("unexpected output %q", out)
	}

	out = FormatHuman(&Result{
		Valid:    false,
		Errors:   []Issue{{Category: "engine", Field: "engine.batch_size", Message: "engine.batch_size must be at least 1"}},
		Warnings: []Issue{{Category: "dedup", Field: "engine.dedup_window_seconds", Message: "dedup window is 0"}},
	})
	if !strings.Contains(out, "Configuration invalid (1 error(s), 1 warning(s))") {
		t.Fatalf("missing summary line: %q", out)
	}
	if !strings.Contains(out, "ERROR [engine] engine.batch_size must be at least 1") {
		t.Fatalf("field should not be repeated: %q", out)
	}
	if !strings.Contains(out, "WARN  [dedup] engine.dedup_window_seconds: dedup window is 0") {
		t.Fatalf("missing warning line: %q", out)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true})
	if err != nil {
		t.Fatal(err)
	}
	var back Result
	if err := json.Unmarshal([]byte(out), &back); err != nil {
		t.Fatal(err)
	}
	if !back.Valid {
		t.Fatal("round trip lost valid flag")
	}
}
