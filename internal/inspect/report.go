// Package inspect renders the audit trail of one change request.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/spendgate/internal/audit"
	"github.com/mattjoyce/spendgate/internal/queue"
)

// Source loads a change request and its audit records.
type Source interface {
	Get(ctx context.Context, id string) (*queue.ChangeRequest, error)
	History(ctx context.Context, id string) ([]audit.Record, error)
}

// Report is the structured JSON representation of a history report.
type Report struct {
	Change   *queue.ChangeRequest `json:"change"`
	Verified bool                 `json:"verified"`
	Problem  string               `json:"problem,omitempty"`
	Steps    []Step               `json:"steps"`
}

// Step is one audit record.
type Step struct {
	Seq          int            `json:"seq"`
	At           time.Time      `json:"at"`
	Event        string         `json:"event"`
	Transition   string         `json:"transition,omitempty"`
	Actor        string         `json:"actor"`
	FencingToken int64          `json:"fencing_token"`
	Detail       map[string]any `json:"detail,omitempty"`
	Hash         string         `json:"hash"`
}

// BuildReport renders a terminal-friendly history report.
func BuildReport(ctx context.Context, src Source, id string) (string, error) {
	report, err := gather(ctx, src, id)
	if err != nil {
		return "", err
	}
	cr := report.Change

	var out strings.Builder
	fmt.Fprintf(&out, "Change History\n")
	fmt.Fprintf(&out, "ID          : %s\n", cr.ID)
	fmt.Fprintf(&out, "Resource    : %s\n", cr.ResourceID)
	fmt.Fprintf(&out, "Change      : %s %s\n", cr.ChangeType, formatValue(cr.RequestedValue))
	fmt.Fprintf(&out, "Status      : %s\n", cr.Status)
	fmt.Fprintf(&out, "Source      : %s (priority %d)\n", cr.Source, cr.Priority)
	fmt.Fprintf(&out, "Attempts    : %d\n", cr.AttemptCount)
	if cr.AppliedValue != nil {
		fmt.Fprintf(&out, "Applied     : %s\n", formatValue(*cr.AppliedValue))
	}
	if cr.ErrorCode != nil {
		fmt.Fprintf(&out, "Error       : %s %s\n", *cr.ErrorCode, renderUnset(deref(cr.LastError), ""))
	}
	if cr.Reasoning != "" {
		fmt.Fprintf(&out, "Reasoning   : %s\n", cr.Reasoning)
	}
	if report.Verified {
		fmt.Fprintf(&out, "Chain       : verified (%d records)\n", len(report.Steps))
	} else {
		fmt.Fprintf(&out, "Chain       : BROKEN: %s\n", report.Problem)
	}
	fmt.Fprintf(&out, "\n")

	for _, step := range report.Steps {
		fmt.Fprintf(&out, "[%d] %s %s", step.Seq, step.At.Format(time.RFC3339), step.Event)
		if step.Transition != "" {
			fmt.Fprintf(&out, " (%s)", step.Transition)
		}
		fmt.Fprintf(&out, "\n")
		fmt.Fprintf(&out, "    actor : %s", step.Actor)
		if step.FencingToken > 0 {
			fmt.Fprintf(&out, "  token %d", step.FencingToken)
		}
		fmt.Fprintf(&out, "\n")
		if len(step.Detail) > 0 {
			keys := make([]string, 0, len(step.Detail))
			for k := range step.Detail {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&out, "    %-6s: %s\n", k, renderDetail(step.Detail[k]))
			}
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, src Source, id string) (string, error) {
	report, err := gather(ctx, src, id)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gather(ctx context.Context, src Source, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("change id is required")
	}
	cr, err := src.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load change %q: %w", id, err)
	}
	records, err := src.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load history of %q: %w", id, err)
	}

	report := &Report{Change: cr, Verified: true, Steps: make([]Step, 0, len(records))}
	if err := audit.VerifyChain(records); err != nil {
		report.Verified = false
		report.Problem = err.Error()
	}
	for _, rec := range records {
		step := Step{
			Seq:          rec.Seq,
			At:           rec.CreatedAt,
			Event:        string(rec.Event),
			Actor:        rec.Actor,
			FencingToken: rec.FencingToken,
			Detail:       rec.Detail,
			Hash:         rec.Hash,
		}
		if rec.FromStatus != "" || rec.ToStatus != "" {
			step.Transition = renderUnset(rec.FromStatus, "-") + " -> " + renderUnset(rec.ToStatus, "-")
		}
		report.Steps = append(report.Steps, step)
	}
	return report, nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func renderDetail(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return formatValue(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
