package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/spendgate/internal/events"
)

const maxTrackedChanges = 200

// ChangeState is what the monitor knows about one change request, built
// purely from events.
type ChangeState struct {
	ID         string
	ResourceID string
	ChangeType string
	Status     string
	Attempts   int
	Value      string
	Note       string
	UpdatedAt  time.Time
}

type changePayload struct {
	ChangeID     string   `json:"change_id"`
	ResourceID   string   `json:"resource_id"`
	ChangeType   string   `json:"change_type"`
	Status       string   `json:"status"`
	AttemptCount *int     `json:"attempt_count"`
	Value        *float64 `json:"value"`
	AppliedValue *float64 `json:"applied_value"`
	Clamped      *float64 `json:"clamped"`
	ErrorCode    string   `json:"error_code"`
	WorkerID     string   `json:"worker_id"`
}

// statusAfter maps an event onto the status it leaves the request in. The
// payload status of claim-time events is the pre-transition one.
func statusAfter(eventType, payloadStatus string) string {
	switch eventType {
	case events.ChangeSubmitted, events.ChangeRequeued:
		return "pending"
	case events.ChangeClaimed, events.BudgetClamped, events.BudgetFuzzed, events.RateLimited:
		return "claimed"
	case events.ChangeApplied:
		return "applied"
	case events.ChangeFailed:
		return "failed_terminal"
	case events.ChangeCancelled:
		return "cancelled"
	default:
		return payloadStatus
	}
}

// applyEvent folds a change.*, budget.* or ratelimit.* event into changes.
// It reports whether anything changed.
func applyEvent(changes map[string]*ChangeState, e events.Event) bool {
	var p changePayload
	if err := json.Unmarshal(e.Data, &p); err != nil || p.ChangeID == "" {
		return false
	}

	st, ok := changes[p.ChangeID]
	if !ok {
		st = &ChangeState{ID: p.ChangeID}
		changes[p.ChangeID] = st
	}
	if p.ResourceID != "" {
		st.ResourceID = p.ResourceID
	}
	if p.ChangeType != "" {
		st.ChangeType = p.ChangeType
	}
	if s := statusAfter(e.Type, p.Status); s != "" {
		st.Status = s
	}
	if p.AttemptCount != nil {
		st.Attempts = *p.AttemptCount
	}
	switch {
	case p.AppliedValue != nil:
		st.Value = formatFloat(*p.AppliedValue)
	case p.Clamped != nil && e.Type == events.BudgetClamped:
		st.Value = formatFloat(*p.Clamped) + " (clamped)"
	case p.Value != nil && st.Value == "":
		st.Value = formatFloat(*p.Value)
	}
	switch {
	case p.ErrorCode != "":
		st.Note = p.ErrorCode
	case e.Type == events.RateLimited:
		st.Note = "rate limited"
	case p.WorkerID != "":
		st.Note = p.WorkerID
	}
	st.UpdatedAt = e.At

	prune(changes)
	return true
}

// prune drops the oldest settled changes beyond maxTrackedChanges.
func prune(changes map[string]*ChangeState) {
	if len(changes) <= maxTrackedChanges {
		return
	}
	sorted := sortedChanges(changes)
	for _, st := range sorted[maxTrackedChanges:] {
		delete(changes, st.ID)
	}
}

func sortedChanges(changes map[string]*ChangeState) []*ChangeState {
	out := make([]*ChangeState, 0, len(changes))
	for _, st := range changes {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func newChangeTable(height int) table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 10},
			{Title: "Resource", Width: 16},
			{Title: "Type", Width: 16},
			{Title: "Status", Width: 16},
			{Title: "Try", Width: 4},
			{Title: "Value", Width: 20},
			{Title: "Note", Width: 22},
		}),
		table.WithFocused(true),
		table.WithHeight(height),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#874BFD"))
	t.SetStyles(styles)
	return t
}

func changeRows(changes map[string]*ChangeState) []table.Row {
	sorted := sortedChanges(changes)
	rows := make([]table.Row, 0, len(sorted))
	for _, st := range sorted {
		rows = append(rows, table.Row{
			shortID(st.ID),
			st.ResourceID,
			st.ChangeType,
			st.Status,
			strconv.Itoa(st.Attempts),
			st.Value,
			st.Note,
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
