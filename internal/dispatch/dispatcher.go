package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/spendgate/internal/alert"
	"github.com/mattjoyce/spendgate/internal/audit"
	"github.com/mattjoyce/spendgate/internal/budget"
	"github.com/mattjoyce/spendgate/internal/events"
	"github.com/mattjoyce/spendgate/internal/jitter"
	"github.com/mattjoyce/spendgate/internal/log"
	"github.com/mattjoyce/spendgate/internal/metrics"
	"github.com/mattjoyce/spendgate/internal/queue"
	"github.com/mattjoyce/spendgate/internal/ratelimit"
	"github.com/mattjoyce/spendgate/internal/retry"
	"github.com/mattjoyce/spendgate/internal/tracing"
)

// Error codes set by the dispatcher itself.
const (
	CodeBudgetRead        = "BUDGET_READ_FAILED"
	CodeDirectionMismatch = "DIRECTION_MISMATCH"
	CodeNoChange          = "NO_CHANGE"
	CodeVelocityExhausted = "VELOCITY_EXHAUSTED"
)

// Options are the worker loop tunables.
type Options struct {
	WorkerID       string
	Workers        int
	PollInterval   time.Duration
	BatchSize      int
	RequeueDelay   time.Duration
	ApplyTimeout   time.Duration
	VelocityWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		o.WorkerID = "spendgate"
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.RequeueDelay <= 0 {
		o.RequeueDelay = 30 * time.Second
	}
	if o.ApplyTimeout <= 0 {
		o.ApplyTimeout = 30 * time.Second
	}
	if o.VelocityWindow <= 0 {
		o.VelocityWindow = 24 * time.Hour
	}
	return o
}

// Deps are the collaborators a Dispatcher drives. Clamps, Events and Metrics
// are optional.
type Deps struct {
	Store    *queue.Store
	Recorder *audit.Recorder
	Limiter  ratelimit.Limiter
	Jitter   *jitter.Scheduler
	Guard    *budget.Guard
	Policy   *retry.Policy
	Client   Client
	Budgets  BudgetReader
	Alerts   AlertEngine
	Clamps   *alert.ClampWatch
	Events   events.Publisher
	Metrics  *metrics.Metrics
}

// Dispatcher claims change requests and applies them through the external
// client.
type Dispatcher struct {
	store    *queue.Store
	recorder *audit.Recorder
	limiter  ratelimit.Limiter
	jitter   *jitter.Scheduler
	guard    *budget.Guard
	policy   *retry.Policy
	client   Client
	budgets  BudgetReader
	alerts   AlertEngine
	clamps   *alert.ClampWatch
	hub      events.Publisher
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	mu   sync.RWMutex
	opts Options

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher.
func New(deps Deps, opts Options) (*Dispatcher, error) {
	var missing []string
	if deps.Store == nil {
		missing = append(missing, "store")
	}
	if deps.Recorder == nil {
		missing = append(missing, "recorder")
	}
	if deps.Limiter == nil {
		missing = append(missing, "limiter")
	}
	if deps.Jitter == nil {
		missing = append(missing, "jitter")
	}
	if deps.Guard == nil {
		missing = append(missing, "guard")
	}
	if deps.Policy == nil {
		missing = append(missing, "policy")
	}
	if deps.Client == nil {
		missing = append(missing, "client")
	}
	if deps.Budgets == nil {
		missing = append(missing, "budget reader")
	}
	if deps.Alerts == nil {
		missing = append(missing, "alert engine")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("dispatcher missing dependencies: %v", missing)
	}
	hub := deps.Events
	if hub == nil {
		hub = events.Discard{}
	}
	return &Dispatcher{
		store:    deps.Store,
		recorder: deps.Recorder,
		limiter:  deps.Limiter,
		jitter:   deps.Jitter,
		guard:    deps.Guard,
		policy:   deps.Policy,
		client:   deps.Client,
		budgets:  deps.Budgets,
		alerts:   deps.Alerts,
		clamps:   deps.Clamps,
		hub:      hub,
		metrics:  deps.Metrics,
		tracer:   tracing.Tracer(),
		logger:   log.WithComponent("dispatch"),
		opts:     opts.withDefaults(),
		sleep:    sleepContext,
	}, nil
}

// Configure replaces the tunables. Worker count and id take effect on the
// next Run.
func (d *Dispatcher) Configure(opts Options) {
	d.mu.Lock()
	d.opts = opts.withDefaults()
	d.mu.Unlock()
}

// Options returns the active tunables.
func (d *Dispatcher) Options() Options {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.opts
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight request has been recorded, released, or left to its lease.
func (d *Dispatcher) Run(ctx context.Context) error {
	opts := d.Options()
	d.logger.Info("dispatch started", "workers", opts.Workers, "worker_id", opts.WorkerID)
	defer d.logger.Info("dispatch stopped")

	var wg sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		workerID := fmt.Sprintf("%s/%d", opts.WorkerID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, workerID)
		}()
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) work(ctx context.Context, workerID string) {
	logger := d.logger.With("worker_id", workerID)
	for {
		if _, err := d.RunOnce(ctx, workerID); err != nil && ctx.Err() == nil {
			logger.Error("dispatch poll failed", "error", err)
		}

		timer := time.NewTimer(d.Options().PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce claims one batch for workerID and handles every claimed request,
// returning when all of them are settled.
func (d *Dispatcher) RunOnce(ctx context.Context, workerID string) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}
	opts := d.Options()
	batch, err := d.store.ClaimBatch(ctx, workerID, opts.BatchSize, d.store.Now())
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	d.metrics.Claimed(len(batch))

	var wg sync.WaitGroup
	for _, cr := range batch {
		wg.Add(1)
		go func(cr queue.ChangeRequest) {
			defer wg.Done()
			d.handle(ctx, workerID, cr)
		}(cr)
	}
	wg.Wait()
	return len(batch), nil
}

func (d *Dispatcher) handle(ctx context.Context, workerID string, cr queue.ChangeRequest) {
	ctx, span := d.tracer.Start(ctx, "dispatch.change", trace.WithAttributes(
		attribute.String("change.id", cr.ID),
		attribute.String("resource.id", cr.ResourceID),
		attribute.String("change.type", string(cr.ChangeType)),
		attribute.Int("change.attempt", cr.AttemptCount),
	))
	defer span.End()

	d.metrics.InFlight(1)
	defer d.metrics.InFlight(-1)

	logger := log.WithChange(cr.ID, cr.ResourceID).With("worker_id", workerID, "fencing_token", cr.FencingToken)
	d.publish(events.ChangeClaimed, cr, map[string]any{"worker_id": workerID})

	// Records written after this point must land even during shutdown.
	write := context.WithoutCancel(ctx)
	opts := d.Options()

	granted, err := d.limiter.Acquire(ctx, cr.Credential)
	if err != nil {
		if ctx.Err() != nil {
			d.release(write, cr, logger)
			return
		}
		logger.Error("rate limiter unavailable", "error", err)
		d.requeue(write, cr, opts.RequeueDelay, fmt.Sprintf("rate limiter unavailable: %v", err), logger)
		return
	}
	if !granted {
		dec := d.policy.Decide(cr.AttemptCount, &queue.RateLimitExceeded{Credential: cr.Credential, RetryAfter: opts.RequeueDelay})
		d.metrics.RateLimited(cr.Credential)
		d.publish(events.RateLimited, cr, map[string]any{"credential": cr.Credential, "retry_after_ms": dec.Delay.Milliseconds()})
		logger.Info("rate limited, requeueing", "credential", cr.Credential, "delay", dec.Delay)
		d.requeue(write, cr, dec.Delay, dec.Message, logger)
		return
	}

	claimedAt := d.store.Now()
	if cr.ClaimedAt != nil {
		claimedAt = *cr.ClaimedAt
	}
	delay := d.jitter.DelayFor(cr)
	if err := d.sleep(ctx, jitter.Until(claimedAt, delay, d.store.Now())); err != nil {
		d.release(write, cr, logger)
		return
	}

	current, ok := d.confirm(ctx, write, cr, logger)
	if !ok {
		return
	}
	cr = *current

	value := cr.RequestedValue
	var baseline *float64
	if cr.ChangeType.TouchesBudget() {
		allowed, base, err := d.guardBudget(ctx, write, workerID, cr, opts, logger)
		if err != nil {
			if ctx.Err() != nil {
				d.release(write, cr, logger)
				return
			}
			// A cancel that arrived during the budget read wins over the
			// guard's verdict.
			if _, ok := d.confirm(ctx, write, cr, logger); !ok {
				return
			}
			span.SetStatus(codes.Error, err.Error())
			d.fail(write, cr, err, logger)
			return
		}
		value, baseline = allowed, &base

		// The budget read is a network call; check again right before Apply.
		if current, ok = d.confirm(ctx, write, cr, logger); !ok {
			return
		}
		cr = *current
	}

	callCtx, cancel := context.WithTimeout(ctx, opts.ApplyTimeout)
	started := time.Now()
	res, err := d.client.Apply(callCtx, cr.ResourceID, cr.ChangeType, value)
	cancel()
	elapsed := time.Since(started)

	if err != nil && ctx.Err() != nil {
		// The platform may have applied it; the reclaimer decides.
		logger.Warn("shutdown interrupted external call, lease left to expire", "error", err)
		return
	}

	if err == nil && res.Success {
		d.metrics.ObserveApply("success", elapsed)
		out := queue.Outcome{
			Kind:         queue.OutcomeApplied,
			AppliedValue: res.AppliedValue,
			Detail:       map[string]any{"sent_value": value, "duration_ms": elapsed.Milliseconds()},
		}
		if baseline != nil {
			delta := res.AppliedValue - *baseline
			out.VelocityDelta = &delta
		}
		d.finish(write, cr, out, logger)
		return
	}

	d.metrics.ObserveApply("failure", elapsed)
	perr := providerError(res, err)
	span.SetStatus(codes.Error, perr.Error())
	d.fail(write, cr, perr, logger)
}

// confirm re-checks that the claim is still held and not cancelled. When it
// is not, the row has been finished, released or left to expire and ok is
// false.
func (d *Dispatcher) confirm(ctx, write context.Context, cr queue.ChangeRequest, logger *slog.Logger) (*queue.ChangeRequest, bool) {
	current, err := d.store.Confirm(ctx, cr.ID, cr.FencingToken)
	var cancelled *queue.CancelRequested
	switch {
	case errors.As(err, &cancelled):
		logger.Info("cancellation requested, not dispatching")
		d.finish(write, cr, queue.Outcome{Kind: queue.OutcomeCancelled}, logger)
		return nil, false
	case queue.IsLeaseLost(err):
		logger.Warn("claim lost before dispatch", "error", err)
		return nil, false
	case err != nil:
		if ctx.Err() != nil {
			d.release(write, cr, logger)
			return nil, false
		}
		logger.Error("failed to confirm claim, leaving lease to expire", "error", err)
		return nil, false
	}
	return current, true
}

// guardBudget caps and fuzzes a budget change and audits both. It returns the
// value to send and the current budget it was measured against.
func (d *Dispatcher) guardBudget(ctx, write context.Context, workerID string, cr queue.ChangeRequest, opts Options, logger *slog.Logger) (float64, float64, error) {
	current, err := d.budgets.CurrentBudget(ctx, cr.ResourceID)
	if err != nil {
		return 0, 0, &retry.TransientProviderError{Code: CodeBudgetRead, Message: err.Error()}
	}

	requested := cr.RequestedValue
	switch {
	case cr.ChangeType == queue.BudgetIncrease && requested < current,
		cr.ChangeType == queue.BudgetDecrease && requested > current:
		return 0, 0, &retry.PermanentProviderError{
			Code:    CodeDirectionMismatch,
			Message: fmt.Sprintf("%s to %.2f but current budget is %.2f", cr.ChangeType, requested, current),
		}
	case requested == current:
		return 0, 0, &retry.PermanentProviderError{Code: CodeNoChange, Message: fmt.Sprintf("budget already %.2f", current)}
	}

	history, err := d.store.VelocityDeltas(ctx, cr.ResourceID, d.store.Now().Add(-opts.VelocityWindow))
	if err != nil {
		return 0, 0, err
	}

	dec := d.guard.ValidateAndFuzz(cr.ResourceID, requested, current, history)
	detail := map[string]any{
		"requested":    dec.Requested,
		"current":      dec.Current,
		"clamped":      dec.Clamped,
		"allowed":      dec.Allowed,
		"headroom":     dec.Headroom,
		"history_size": len(history),
	}

	if dec.WasClamped {
		if err := d.auditGuard(write, workerID, cr, audit.EventClamped, detail); err != nil {
			return 0, 0, err
		}
		d.metrics.Budget("clamped")
		d.publish(events.BudgetClamped, cr, detail)
		trace.SpanFromContext(ctx).AddEvent("budget.clamped")
		logger.Info("budget change clamped", "requested", dec.Requested, "current", dec.Current, "clamped", dec.Clamped)
		if d.clamps != nil {
			if err := d.clamps.Observe(write, cr.ResourceID); err != nil {
				logger.Warn("clamp alert check failed", "error", err)
			}
		}
	}
	if dec.Fuzzed() {
		fuzzDetail := map[string]any{"clamped": dec.Clamped, "allowed": dec.Allowed, "offset": dec.FuzzOffset}
		if err := d.auditGuard(write, workerID, cr, audit.EventFuzzed, fuzzDetail); err != nil {
			return 0, 0, err
		}
		d.metrics.Budget("fuzzed")
		d.publish(events.BudgetFuzzed, cr, fuzzDetail)
	}

	if dec.Allowed == current {
		return 0, 0, &retry.PermanentProviderError{
			Code:    CodeVelocityExhausted,
			Message: fmt.Sprintf("no velocity headroom left for %s in the last %s", cr.ResourceID, opts.VelocityWindow),
		}
	}
	return dec.Allowed, current, nil
}

func (d *Dispatcher) auditGuard(ctx context.Context, workerID string, cr queue.ChangeRequest, event audit.Event, detail map[string]any) error {
	_, err := d.recorder.Append(ctx, audit.Entry{
		ChangeID:     cr.ID,
		ResourceID:   cr.ResourceID,
		Event:        event,
		FromStatus:   string(queue.StatusClaimed),
		ToStatus:     string(queue.StatusClaimed),
		Actor:        workerID,
		FencingToken: cr.FencingToken,
		Detail:       detail,
	})
	if err != nil {
		return fmt.Errorf("audit %s: %w", event, err)
	}
	return nil
}

// fail classifies a failed attempt and records the resulting transition.
func (d *Dispatcher) fail(ctx context.Context, cr queue.ChangeRequest, err error, logger *slog.Logger) {
	dec := d.policy.Decide(cr.AttemptCount, err)
	logger = logger.With("error_code", dec.ErrorCode, "attempt_count", dec.Attempts)

	switch dec.Action {
	case retry.ActionRequeue:
		d.requeue(ctx, cr, dec.Delay, dec.Message, logger)

	case retry.ActionRetry:
		d.finish(ctx, cr, queue.Outcome{
			Kind:         queue.OutcomeRetry,
			ErrorCode:    dec.ErrorCode,
			Error:        dec.Message,
			CountAttempt: true,
			Backoff:      dec.Delay,
		}, logger)

	case retry.ActionTerminal:
		updated, ok := d.finish(ctx, cr, queue.Outcome{
			Kind:         queue.OutcomeTerminal,
			ErrorCode:    dec.ErrorCode,
			Error:        dec.Message,
			CountAttempt: true,
			Detail:       map[string]any{"retries_exhausted": dec.Exhausted},
		}, logger)
		if !ok {
			return
		}
		if err := d.alerts.Notify(ctx, alert.SeverityCritical, "change request failed", map[string]any{
			"change_id":     updated.ID,
			"resource_id":   updated.ResourceID,
			"change_type":   string(updated.ChangeType),
			"error_code":    dec.ErrorCode,
			"error":         dec.Message,
			"attempt_count": updated.AttemptCount,
		}); err != nil {
			logger.Error("failed to raise terminal alert", "error", err)
		}
	}
}

// finish records an outcome. ok is false when the claim was lost or the
// write failed.
func (d *Dispatcher) finish(ctx context.Context, cr queue.ChangeRequest, out queue.Outcome, logger *slog.Logger) (*queue.ChangeRequest, bool) {
	updated, err := d.store.MarkOutcome(ctx, cr.ID, cr.FencingToken, out)
	if err != nil {
		if queue.IsLeaseLost(err) {
			logger.Warn("claim lost before outcome was recorded", "outcome", out.Kind, "error", err)
		} else {
			logger.Error("failed to record outcome", "outcome", out.Kind, "error", err)
		}
		return nil, false
	}

	d.metrics.Outcome(string(out.Kind))
	extra := map[string]any{}
	switch out.Kind {
	case queue.OutcomeApplied:
		extra["applied_value"] = out.AppliedValue
		d.publish(events.ChangeApplied, *updated, extra)
		logger.Info("change applied", "requested_value", cr.RequestedValue, "applied_value", out.AppliedValue)
	case queue.OutcomeRetry:
		extra["error_code"] = out.ErrorCode
		extra["backoff_ms"] = out.Backoff.Milliseconds()
		d.publish(events.ChangeRetry, *updated, extra)
		logger.Warn("change failed, retry scheduled", "error", out.Error, "backoff", out.Backoff, "status", updated.Status)
	case queue.OutcomeTerminal:
		extra["error_code"] = out.ErrorCode
		d.publish(events.ChangeFailed, *updated, extra)
		logger.Error("change failed terminally", "error", out.Error)
	case queue.OutcomeCancelled:
		d.publish(events.ChangeCancelled, *updated, extra)
	}
	return updated, true
}

func (d *Dispatcher) requeue(ctx context.Context, cr queue.ChangeRequest, delay time.Duration, reason string, logger *slog.Logger) {
	if err := d.store.Requeue(ctx, cr.ID, cr.FencingToken, delay, reason); err != nil {
		if queue.IsLeaseLost(err) {
			logger.Warn("claim lost before requeue", "error", err)
			return
		}
		logger.Error("failed to requeue", "error", err)
		return
	}
	d.metrics.Outcome("requeued")
	d.publish(events.ChangeRequeued, cr, map[string]any{"delay_ms": delay.Milliseconds(), "reason": reason})
}

func (d *Dispatcher) release(ctx context.Context, cr queue.ChangeRequest, logger *slog.Logger) {
	if err := d.store.Release(ctx, cr.ID, cr.FencingToken); err != nil {
		if !queue.IsLeaseLost(err) {
			logger.Error("failed to release claim on shutdown, lease will expire", "error", err)
		}
		return
	}
	logger.Info("released claim on shutdown")
	d.metrics.Outcome("released")
}

func (d *Dispatcher) publish(eventType string, cr queue.ChangeRequest, extra map[string]any) {
	payload := map[string]any{
		"change_id":     cr.ID,
		"resource_id":   cr.ResourceID,
		"change_type":   string(cr.ChangeType),
		"status":        string(cr.Status),
		"attempt_count": cr.AttemptCount,
	}
	for k, v := range extra {
		payload[k] = v
	}
	d.hub.Publish(eventType, payload)
}

// providerError maps an Apply result onto the retry taxonomy.
func providerError(res ApplyResult, err error) error {
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	if res.Retryable {
		return &retry.TransientProviderError{Code: res.ErrorCode, Message: res.Message}
	}
	return &retry.PermanentProviderError{Code: res.ErrorCode, Message: res.Message}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
