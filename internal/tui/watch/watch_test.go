package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/spendgate/internal/events"
)

func event(t *testing.T, id int64, typ string, data map[string]any) events.Event {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return events.Event{ID: id, Type: typ, At: time.Unix(1700000000+id, 0), Data: b}
}

func TestApplyEventTracksLifecycle(t *testing.T) {
	changes := map[string]*ChangeState{}

	require.True(t, applyEvent(changes, event(t, 1, events.ChangeSubmitted, map[string]any{
		"change_id": "c1", "resource_id": "ad_1", "change_type": "BUDGET_INCREASE", "value": 200.0,
	})))
	assert.Equal(t, "pending", changes["c1"].Status)
	assert.Equal(t, "200.00", changes["c1"].Value)

	applyEvent(changes, event(t, 2, events.ChangeClaimed, map[string]any{
		"change_id": "c1", "status": "pending", "worker_id": "w/0", "attempt_count": 0,
	}))
	assert.Equal(t, "claimed", changes["c1"].Status)
	assert.Equal(t, "w/0", changes["c1"].Note)

	applyEvent(changes, event(t, 3, events.BudgetClamped, map[string]any{"change_id": "c1", "clamped": 120.0}))
	assert.Equal(t, "120.00 (clamped)", changes["c1"].Value)

	applyEvent(changes, event(t, 4, events.BudgetFuzzed, map[string]any{"change_id": "c1", "clamped": 120.0}))
	assert.Equal(t, "120.00 (clamped)", changes["c1"].Value)

	applyEvent(changes, event(t, 5, events.ChangeApplied, map[string]any{
		"change_id": "c1", "status": "applied", "applied_value": 119.9, "attempt_count": 1,
	}))
	st := changes["c1"]
	assert.Equal(t, "applied", st.Status)
	assert.Equal(t, "119.90", st.Value)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, "ad_1", st.ResourceID)
}

func TestApplyEventRetryUsesPayloadStatus(t *testing.T) {
	changes := map[string]*ChangeState{}
	applyEvent(changes, event(t, 1, events.ChangeRetry, map[string]any{
		"change_id": "c2", "status": "failed_retryable", "error_code": "TRANSIENT",
	}))
	assert.Equal(t, "failed_retryable", changes["c2"].Status)
	assert.Equal(t, "TRANSIENT", changes["c2"].Note)
}

func TestApplyEventIgnoresForeignEvents(t *testing.T) {
	changes := map[string]*ChangeState{}
	assert.False(t, applyEvent(changes, event(t, 1, events.ConfigReloaded, map[string]any{"batch_size": 10})))
	assert.False(t, applyEvent(changes, events.Event{Type: events.ChangeApplied, Data: []byte("not json")}))
	assert.Empty(t, changes)
}

func TestPruneKeepsNewest(t *testing.T) {
	changes := map[string]*ChangeState{}
	for i := 0; i < maxTrackedChanges+5; i++ {
		applyEvent(changes, event(t, int64(i), events.ChangeSubmitted, map[string]any{
			"change_id": fmt.Sprintf("c%03d", i),
		}))
	}
	assert.Len(t, changes, maxTrackedChanges)
	assert.NotContains(t, changes, "c000")
	assert.Contains(t, changes, fmt.Sprintf("c%03d", maxTrackedChanges+4))
	rows := changeRows(changes)
	require.Len(t, rows, maxTrackedChanges)
	assert.Equal(t, fmt.Sprintf("c%03d", maxTrackedChanges+4), rows[0][0])
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: change.applied",
		`data: {"change_id":"c1"}`,
		"",
		"id: 8",
		"event: alert.raised",
		`data: {"severity":"critical"}`,
		"",
	}, "\n")

	var got []events.Event
	require.NoError(t, readSSE(strings.NewReader(stream), func(ev events.Event) { got = append(got, ev) }))
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, "change.applied", got[0].Type)
	assert.JSONEq(t, `{"change_id":"c1"}`, string(got[0].Data))
	assert.Equal(t, "alert.raised", got[1].Type)
}

func TestDescribe(t *testing.T) {
	desc := describe(event(t, 1, events.ChangeFailed, map[string]any{
		"change_id": "0123456789abcdef", "resource_id": "ad_1", "error_code": "PERMANENT",
	}))
	assert.Equal(t, "[01234567] ad_1 PERMANENT", desc)

	raw := describe(events.Event{Data: []byte(`{"x":1}`)})
	assert.Equal(t, `{"x":1}`, raw)
}

func TestActivityFades(t *testing.T) {
	var a Activity
	now := time.Unix(1700000000, 0)
	assert.Zero(t, a.Dots(now))
	a.OnEvent(now)
	assert.Equal(t, 5, a.Dots(now))
	assert.Equal(t, 4, a.Dots(now.Add(3*time.Second)))
	assert.Zero(t, a.Dots(now.Add(time.Minute)))
}

func TestModelUpdate(t *testing.T) {
	m := New(context.Background(), "http://127.0.0.1:0", "key")

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model := next.(Model)

	next, cmd := model.Update(eventMsg(event(t, 1, events.ChangeSubmitted, map[string]any{
		"change_id": "c1", "resource_id": "ad_1", "change_type": "STATUS_CHANGE",
	})))
	require.NotNil(t, cmd)
	model = next.(Model)
	assert.True(t, model.health.Connected)
	assert.Len(t, model.eventLog, 1)
	assert.Len(t, model.table.Rows(), 1)

	next, _ = model.Update(healthMsg{Status: "ok", UptimeSeconds: 90, Counts: map[string]int{"pending": 3}})
	model = next.(Model)
	assert.Equal(t, 3, model.health.Counts["pending"])

	view := model.View()
	assert.Contains(t, view, "SPENDGATE WATCH")
	assert.Contains(t, view, "CHANGE REQUESTS")
	assert.Contains(t, view, "ad_1")

	next, _ = model.Update(sseDisconnectedMsg{})
	model = next.(Model)
	assert.False(t, model.health.Connected)
	assert.NotEmpty(t, model.lastError)

	_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	_, isQuit := cmd().(tea.QuitMsg)
	assert.True(t, isQuit)
}
