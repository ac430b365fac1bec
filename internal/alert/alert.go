// Package alert is the default alert engine: it logs, counts, and publishes
// alerts on the event hub where SSE clients and the monitor pick them up.
// Delivery to email or chat is left to whatever consumes those events.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/spendgate/internal/audit"
	"github.com/mattjoyce/spendgate/internal/events"
	"github.com/mattjoyce/spendgate/internal/log"
	"github.com/mattjoyce/spendgate/internal/metrics"
)

// Severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Engine implements dispatch.AlertEngine.
type Engine struct {
	hub     events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(hub events.Publisher, m *metrics.Metrics) *Engine {
	if hub == nil {
		hub = events.Discard{}
	}
	return &Engine{hub: hub, metrics: m, logger: log.WithComponent("alert")}
}

// Notify raises an alert.
func (e *Engine) Notify(ctx context.Context, severity, message string, fields map[string]any) error {
	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, "severity", severity)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	level := slog.LevelWarn
	if severity == SeverityCritical {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, message, attrs...)
	e.metrics.Alert(severity)

	e.hub.Publish(events.AlertRaised, map[string]any{
		"severity": severity,
		"message":  message,
		"context":  fields,
	})
	return nil
}

// Notifier is the subset of the alert engine ClampWatch needs.
type Notifier interface {
	Notify(ctx context.Context, severity, message string, fields map[string]any) error
}

// ClampCounter counts audit events for a resource.
type ClampCounter interface {
	CountEvents(ctx context.Context, resourceID string, event audit.Event, since time.Time) (int, error)
}

// ClampWatch raises a warning when a resource's clamp events within the
// velocity window reach the threshold. It fires once per crossing: the alert
// is raised when the count equals the threshold, not on every clamp after.
type ClampWatch struct {
	counter  ClampCounter
	notifier Notifier

	mu        sync.Mutex
	threshold int
	window    time.Duration
	now       func() time.Time
}

func NewClampWatch(counter ClampCounter, notifier Notifier, threshold int, window time.Duration) *ClampWatch {
	return &ClampWatch{
		counter:   counter,
		notifier:  notifier,
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Configure replaces the threshold and window. A threshold of zero disables
// the watch.
func (w *ClampWatch) Configure(threshold int, window time.Duration) {
	w.mu.Lock()
	w.threshold, w.window = threshold, window
	w.mu.Unlock()
}

// Observe is called after a clamp for resourceID has been audited.
func (w *ClampWatch) Observe(ctx context.Context, resourceID string) error {
	w.mu.Lock()
	threshold, window := w.threshold, w.window
	w.mu.Unlock()
	if threshold <= 0 {
		return nil
	}

	since := w.now().Add(-window)
	n, err := w.counter.CountEvents(ctx, resourceID, audit.EventClamped, since)
	if err != nil {
		return err
	}
	if n != threshold {
		return nil
	}
	return w.notifier.Notify(ctx, SeverityWarning, "repeated budget clamps", map[string]any{
		"resource_id": resourceID,
		"clamps":      n,
		"window":      window.String(),
	})
}
