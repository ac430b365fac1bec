package alert

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/spendgate/internal/audit"
	"github.com/mattjoyce/spendgate/internal/events"
)

type fakeCounter struct {
	n     int
	since time.Time
}

func (c *fakeCounter) CountEvents(_ context.Context, _ string, event audit.Event, since time.Time) (int, error) {
	if event != audit.EventClamped {
		return 0, nil
	}
	c.since = since
	return c.n, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (r *recordingNotifier) Notify(_ context.Context, _, _ string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fields)
	return nil
}

func TestNotifyPublishesEvent(t *testing.T) {
	hub := events.NewHub(4)
	e := New(hub, nil)

	require.NoError(t, e.Notify(context.Background(), SeverityCritical, "change failed", map[string]any{"change_id": "c1"}))

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.Equal(t, events.AlertRaised, snap[0].Type)

	var payload struct {
		Severity string         `json:"severity"`
		Message  string         `json:"message"`
		Context  map[string]any `json:"context"`
	}
	require.NoError(t, json.Unmarshal(snap[0].Data, &payload))
	assert.Equal(t, SeverityCritical, payload.Severity)
	assert.Equal(t, "c1", payload.Context["change_id"])
}

func TestClampWatchFiresOnceAtThreshold(t *testing.T) {
	counter := &fakeCounter{}
	notifier := &recordingNotifier{}
	w := NewClampWatch(counter, notifier, 3, 24*time.Hour)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	for n := 1; n <= 5; n++ {
		counter.n = n
		require.NoError(t, w.Observe(context.Background(), "ad_1"))
	}

	require.Len(t, notifier.calls, 1)
	assert.Equal(t, 3, notifier.calls[0]["clamps"])
	assert.Equal(t, now.Add(-24*time.Hour), counter.since)
}

func TestClampWatchDisabled(t *testing.T) {
	counter := &fakeCounter{n: 3}
	notifier := &recordingNotifier{}
	w := NewClampWatch(counter, notifier, 3, time.Hour)
	w.Configure(0, time.Hour)

	require.NoError(t, w.Observe(context.Background(), "ad_1"))
	assert.Empty(t, notifier.calls)
}
