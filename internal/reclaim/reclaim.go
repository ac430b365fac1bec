// Package reclaim runs the periodic sweep that recovers change requests from
// crashed workers and prunes expired shared state.
package reclaim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mattjoyce/spendgate/internal/alert"
	"github.com/mattjoyce/spendgate/internal/events"
	"github.com/mattjoyce/spendgate/internal/log"
	"github.com/mattjoyce/spendgate/internal/metrics"
	"github.com/mattjoyce/spendgate/internal/queue"
)

// CounterPruner removes rate limit grants that have left the window.
// Implemented by the SQL limiter; Redis trims its own logs.
type CounterPruner interface {
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

// Options configure a Reclaimer.
type Options struct {
	Schedule       string
	VelocityWindow time.Duration
	Counters       CounterPruner
	Events         events.Publisher
	Metrics        *metrics.Metrics
}

// Result summarises one sweep.
type Result struct {
	Requeued        int
	Terminal        int
	VelocityPruned  int64
	CountersPruned  int64
	LeasesReclaimed []queue.Reclaimed
}

// Reclaimer is the only crash-recovery mechanism: nothing else assumes a
// worker is alive.
type Reclaimer struct {
	store    *queue.Store
	notifier alert.Notifier
	counters CounterPruner
	hub      events.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	schedule string
	window   time.Duration
	cron     *cron.Cron
	entry    cron.EntryID
	sweeping sync.Mutex
}

func New(store *queue.Store, notifier alert.Notifier, opts Options) *Reclaimer {
	hub := opts.Events
	if hub == nil {
		hub = events.Discard{}
	}
	if opts.Schedule == "" {
		opts.Schedule = "@every 15s"
	}
	return &Reclaimer{
		store:    store,
		notifier: notifier,
		counters: opts.Counters,
		hub:      hub,
		metrics:  opts.Metrics,
		logger:   log.WithComponent("reclaim"),
		schedule: opts.Schedule,
		window:   opts.VelocityWindow,
	}
}

// Sweep reclaims expired leases, alerts on those that ran out of attempts,
// and prunes velocity rows older than the window and expired counters.
func (r *Reclaimer) Sweep(ctx context.Context) (Result, error) {
	r.sweeping.Lock()
	defer r.sweeping.Unlock()

	now := r.store.Now()
	var res Result

	reclaimed, err := r.store.ReclaimExpiredLeases(ctx, now)
	if err != nil {
		return res, fmt.Errorf("reclaim expired leases: %w", err)
	}
	res.LeasesReclaimed = reclaimed

	for _, rc := range reclaimed {
		cr := rc.Request
		payload := map[string]any{
			"change_id":     cr.ID,
			"resource_id":   cr.ResourceID,
			"status":        string(cr.Status),
			"attempt_count": cr.AttemptCount,
		}
		r.hub.Publish(events.ChangeReclaimed, payload)

		if !rc.Terminal {
			res.Requeued++
			r.metrics.Reclaimed("requeued")
			r.logger.Warn("lease expired, request requeued", "change_id", cr.ID, "resource_id", cr.ResourceID, "attempt_count", cr.AttemptCount)
			continue
		}

		res.Terminal++
		r.metrics.Reclaimed("terminal")
		r.logger.Error("lease expired on final attempt", "change_id", cr.ID, "resource_id", cr.ResourceID, "attempt_count", cr.AttemptCount)
		if r.notifier != nil {
			if err := r.notifier.Notify(ctx, alert.SeverityCritical, "change request failed: lease expired on final attempt", map[string]any{
				"change_id":     cr.ID,
				"resource_id":   cr.ResourceID,
				"change_type":   string(cr.ChangeType),
				"error_code":    "LEASE_EXPIRED",
				"attempt_count": cr.AttemptCount,
			}); err != nil {
				r.logger.Error("failed to raise terminal alert", "change_id", cr.ID, "error", err)
			}
		}
	}

	r.mu.Lock()
	window := r.window
	r.mu.Unlock()
	if window > 0 {
		n, err := r.store.PruneVelocity(ctx, now.Add(-window))
		if err != nil {
			return res, err
		}
		res.VelocityPruned = n
	}
	if r.counters != nil {
		n, err := r.counters.PruneExpired(ctx, now)
		if err != nil {
			return res, err
		}
		res.CountersPruned = n
	}

	if counts, err := r.store.Counts(ctx); err == nil {
		depth := make(map[string]int, len(counts))
		for status, n := range counts {
			depth[string(status)] = n
		}
		r.metrics.QueueDepth(depth)
	}
	return res, nil
}

// Start schedules Sweep and returns immediately. The schedule stops when ctx
// is cancelled or Stop is called.
func (r *Reclaimer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return fmt.Errorf("reclaimer already started")
	}
	c := cron.New()
	id, err := c.AddFunc(r.schedule, func() { r.run(ctx) })
	if err != nil {
		return fmt.Errorf("invalid reclaim schedule %q: %w", r.schedule, err)
	}
	r.cron, r.entry = c, id
	c.Start()
	r.logger.Info("reclaimer started", "schedule", r.schedule)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Reschedule swaps the sweep schedule and velocity window. A running
// schedule is replaced in place.
func (r *Reclaimer) Reschedule(ctx context.Context, schedule string, window time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.window = window
	if schedule == "" || schedule == r.schedule {
		return nil
	}
	if r.cron != nil {
		id, err := r.cron.AddFunc(schedule, func() { r.run(ctx) })
		if err != nil {
			return fmt.Errorf("invalid reclaim schedule %q: %w", schedule, err)
		}
		r.cron.Remove(r.entry)
		r.entry = id
	}
	r.schedule = schedule
	r.logger.Info("reclaim schedule changed", "schedule", schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info("reclaimer stopped")
}

func (r *Reclaimer) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("reclaim sweep failed", "error", err)
		return
	}
	if res.Requeued+res.Terminal > 0 || res.VelocityPruned > 0 || res.CountersPruned > 0 {
		r.logger.Info("reclaim sweep completed",
			"requeued", res.Requeued,
			"terminal", res.Terminal,
			"velocity_pruned", res.VelocityPruned,
			"counters_pruned", res.CountersPruned,
		)
	}
}
