package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/spendgate/internal/doctor"
	"github.com/mattjoyce/spendgate/internal/queue"
)

func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := `service:
  log_level: error
  log_format: text
  worker_id: cli-test
  workers: 1
  poll_interval: 10ms
  lock_dir: ` + filepath.Join(dir, "locks") + `
state:
  path: ` + filepath.Join(dir, "state.db") + `
engine:
  jitter_min_seconds: 0
  jitter_max_seconds: 0
  reclaim_schedule: "@every 1h"
` + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	root.SilenceErrors = true
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestSubmitListHistoryCancel(t *testing.T) {
	cfg := writeTestConfig(t, "")
	ctx := context.Background()

	out, err := run(t, ctx, "--config", cfg, "submit", "ad_1", "budget_increase", "150", "--reason", "scale winner", "-p", "5")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = run(t, ctx, "--config", cfg, "submit", "ad_1", "BUDGET_INCREASE", "150", "--reason", "scale winner")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "duplicate")

	out, err = run(t, ctx, "--config", cfg, "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "pending=1")

	out, err = run(t, ctx, "--config", cfg, "list", "--json", "--status", "pending")
	require.NoError(t, err)
	var listed []queue.ChangeRequest
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, 5, listed[0].Priority)
	assert.Equal(t, "scale winner", listed[0].Reasoning)

	out, err = run(t, ctx, "--config", cfg, "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, `"resource_id": "ad_1"`)

	out, err = run(t, ctx, "--config", cfg, "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	out, err = run(t, ctx, "--config", cfg, "history", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Change History")
	assert.Contains(t, out, "verified")

	out, err = run(t, ctx, "--config", cfg, "history", "--json", id)
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))
}

func TestSubmitRejectsBadInput(t *testing.T) {
	cfg := writeTestConfig(t, "")
	ctx := context.Background()

	_, err := run(t, ctx, "--config", cfg, "submit", "ad_1", "BUDGET_INCREASE", "lots")
	require.Error(t, err)

	_, err = run(t, ctx, "--config", cfg, "submit", "ad_1", "DELETE_CAMPAIGN", "1")
	var verr *queue.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = run(t, ctx, "--config", cfg, "submit", "ad_1")
	require.Error(t, err)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	cfg := writeTestConfig(t, "")
	_, err := run(t, context.Background(), "--config", cfg, "list", "--status", "done")
	require.ErrorContains(t, err, "unknown status")
}

func TestHistoryUnknownID(t *testing.T) {
	cfg := writeTestConfig(t, "")
	_, err := run(t, context.Background(), "--config", cfg, "history", "missing")
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestReclaimCommand(t *testing.T) {
	cfg := writeTestConfig(t, "")
	out, err := run(t, context.Background(), "--config", cfg, "reclaim")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued: 0")
}

func TestStartDryRunAppliesQueuedChange(t *testing.T) {
	cfg := writeTestConfig(t, "")

	out, err := run(t, context.Background(), "--config", cfg, "submit", "ad_7", "STATUS_CHANGE", "0", "--reason", "pause")
	require.NoError(t, err)
	id := strings.TrimSpace(out)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	_, err = run(t, ctx, "--config", cfg, "start", "--dry-run", "--no-watch")
	require.NoError(t, err)

	out, err = run(t, context.Background(), "--config", cfg, "list", "--json")
	require.NoError(t, err)
	var listed []queue.ChangeRequest
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].ID)
	assert.Equal(t, queue.StatusApplied, listed[0].Status)
}

func TestConfigCheck(t *testing.T) {
	valid := writeTestConfig(t, "")
	out, err := run(t, context.Background(), "--config", valid, "config", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")

	invalid := writeTestConfig(t, "  max_requests_per_hour: 0\n  batch_size: 0\n")
	out, err = run(t, context.Background(), "--config", invalid, "config", "check", "--json")
	require.Error(t, err)

	var result doctor.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.False(t, result.Valid)
	assert.GreaterOrEqual(t, len(result.Errors), 2)
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	cfg := writeTestConfig(t, "api:\n  auth:\n    api_key: super-secret\n")
	out, err := run(t, context.Background(), "--config", cfg, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "super-secret")
	assert.Contains(t, out, "max_requests_per_hour: 200")
}

func TestWatchRequiresAPIKey(t *testing.T) {
	cfg := writeTestConfig(t, "")
	_, err := run(t, context.Background(), "--config", cfg, "watch")
	require.ErrorContains(t, err, "API key")
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, context.Background(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "spendgate "+Version)
}
