// Package engine assembles the mutation engine from configuration: store,
// audit recorder, shared rate limiter, jitter, budget guard, retry policy,
// dispatcher and lease reclaimer. It is an explicit service object. Nothing
// here is process-global except the logger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/spendgate/internal/alert"
	"github.com/mattjoyce/spendgate/internal/audit"
	"github.com/mattjoyce/spendgate/internal/budget"
	"github.com/mattjoyce/spendgate/internal/config"
	"github.com/mattjoyce/spendgate/internal/dispatch"
	"github.com/mattjoyce/spendgate/internal/events"
	"github.com/mattjoyce/spendgate/internal/jitter"
	"github.com/mattjoyce/spendgate/internal/log"
	"github.com/mattjoyce/spendgate/internal/metrics"
	"github.com/mattjoyce/spendgate/internal/queue"
	"github.com/mattjoyce/spendgate/internal/ratelimit"
	"github.com/mattjoyce/spendgate/internal/reclaim"
	"github.com/mattjoyce/spendgate/internal/retry"
	"github.com/mattjoyce/spendgate/internal/storage"
)

// ErrNoClient is returned by Run when the engine was built without an
// external client.
var ErrNoClient = errors.New("engine has no external client; it can accept and inspect requests but not dispatch them")

// Options inject the external collaborators. All are optional: without a
// Client the engine only accepts and reports on requests. DryRun replaces
// Client and Budgets with a DryRun seeded at Baseline.
type Options struct {
	Client   dispatch.Client
	Budgets  dispatch.BudgetReader
	DryRun   bool
	Baseline float64
	Alerts   dispatch.AlertEngine
	Hub      *events.Hub
	Registry *prometheus.Registry
}

// limiter is what the engine needs from either rate limit backend.
type limiter interface {
	ratelimit.Limiter
	SetLimit(int)
}

// Engine is the running mutation engine.
type Engine struct {
	db       *storage.DB
	store    *queue.Store
	recorder *audit.Recorder
	limiter  limiter
	redis    *redis.Client
	jitter   *jitter.Scheduler
	guard    *budget.Guard
	policy   *retry.Policy
	clamps   *alert.ClampWatch
	alerts   dispatch.AlertEngine
	dry      *DryRun

	dispatcher *dispatch.Dispatcher
	reclaimer  *reclaim.Reclaimer

	hub      *events.Hub
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu  sync.RWMutex
	cfg *config.Config
}

// New opens storage and builds every component from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	db, err := storage.Open(ctx, cfg.State)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		db:       db,
		hub:      opts.Hub,
		registry: opts.Registry,
		logger:   log.WithComponent("engine"),
		cfg:      cfg,
	}
	if e.hub == nil {
		e.hub = events.NewHub(256)
	}
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
		e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	e.metrics = metrics.New(e.registry)

	ec := cfg.Engine
	e.store = queue.New(db, storeOptions(ec))
	e.recorder = audit.NewRecorder(db)
	e.jitter = jitter.New(ec.JitterMin(), ec.JitterMax())
	e.guard = budget.NewGuard(ec.VelocityFraction(), ec.FuzzEpsilon)
	e.policy = retry.NewPolicy(ec.MaxRetryAttempts, ec.BackoffBase(), ec.BackoffMax(), ec.RateLimitRequeue())

	if err := e.openLimiter(ctx, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}

	e.alerts = opts.Alerts
	if e.alerts == nil {
		e.alerts = alert.New(e.hub, e.metrics)
	}
	e.clamps = alert.NewClampWatch(e.recorder, e.alerts, cfg.Alerts.ClampThreshold, ec.VelocityWindow())

	var pruner reclaim.CounterPruner
	if sql, ok := e.limiter.(*ratelimit.SQLLimiter); ok {
		pruner = sql
	}
	e.reclaimer = reclaim.New(e.store, e.alerts, reclaim.Options{
		Schedule:       ec.ReclaimSchedule,
		VelocityWindow: ec.VelocityWindow(),
		Counters:       pruner,
		Events:         e.hub,
		Metrics:        e.metrics,
	})

	if opts.DryRun {
		e.dry = NewDryRun(e.store, opts.Baseline)
		opts.Client, opts.Budgets = e.dry, e.dry
	}
	if opts.Client != nil {
		budgets := opts.Budgets
		if budgets == nil {
			_ = e.Close()
			return nil, fmt.Errorf("a budget reader is required alongside the external client")
		}
		e.dispatcher, err = dispatch.New(dispatch.Deps{
			Store:    e.store,
			Recorder: e.recorder,
			Limiter:  e.limiter,
			Jitter:   e.jitter,
			Guard:    e.guard,
			Policy:   e.policy,
			Client:   opts.Client,
			Budgets:  budgets,
			Alerts:   e.alerts,
			Clamps:   e.clamps,
			Events:   e.hub,
			Metrics:  e.metrics,
		}, dispatchOptions(cfg))
		if err != nil {
			_ = e.Close()
			return nil, err
		}
	}

	e.logger.Info("engine ready",
		"driver", db.Dialect,
		"rate_limit_backend", cfg.RateLimit.Backend,
		"dispatch", e.dispatcher != nil,
	)
	return e, nil
}

func (e *Engine) openLimiter(ctx context.Context, cfg *config.Config) error {
	limit := cfg.Engine.MaxRequestsPerHour
	switch cfg.RateLimit.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		rl := ratelimit.NewRedisLimiter(client, limit)
		if err := rl.Ping(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("connect to redis at %s: %w", cfg.RateLimit.RedisAddr, err)
		}
		e.redis = client
		e.limiter = rl
	default:
		e.limiter = ratelimit.NewSQLLimiter(e.db, limit)
	}
	return nil
}

// Enqueue is the producer entry point. A submission equivalent to a pending
// request inside the dedup window returns the existing id without error.
func (e *Engine) Enqueue(ctx context.Context, resourceID string, changeType queue.ChangeType, value float64, reasoning, source string, priority int) (string, error) {
	id, _, err := e.Submit(ctx, queue.SubmitRequest{
		ResourceID: resourceID,
		ChangeType: changeType,
		Value:      value,
		Reasoning:  reasoning,
		Source:     source,
		Priority:   priority,
	})
	return id, err
}

// Submit is Enqueue with the full request. duplicate reports a dedup hit.
func (e *Engine) Submit(ctx context.Context, req queue.SubmitRequest) (id string, duplicate bool, err error) {
	if req.Credential == "" {
		req.Credential = e.Config().Engine.Credential
	}
	id, err = e.store.Submit(ctx, req)
	var dup *queue.DuplicateRequestError
	if errors.As(err, &dup) {
		e.logger.Debug("duplicate submission", "existing_id", dup.ExistingID, "resource_id", dup.ResourceID)
		return dup.ExistingID, true, nil
	}
	if err != nil {
		return "", false, err
	}
	e.hub.Publish(events.ChangeSubmitted, map[string]any{
		"change_id":   id,
		"resource_id": req.ResourceID,
		"change_type": string(req.ChangeType),
		"value":       req.Value,
		"source":      req.Source,
		"priority":    req.Priority,
	})
	return id, false, nil
}

// Cancel cancels a pending request, or flags a claimed one so the worker
// aborts before its external call.
func (e *Engine) Cancel(ctx context.Context, id, actor string) (*queue.ChangeRequest, error) {
	cr, err := e.store.Cancel(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if cr.Status == queue.StatusCancelled {
		e.hub.Publish(events.ChangeCancelled, map[string]any{"change_id": cr.ID, "resource_id": cr.ResourceID, "actor": actor})
	}
	return cr, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*queue.ChangeRequest, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) List(ctx context.Context, f queue.Filter) ([]queue.ChangeRequest, error) {
	return e.store.List(ctx, f)
}

func (e *Engine) Counts(ctx context.Context) (map[queue.Status]int, error) {
	return e.store.Counts(ctx)
}

// History returns the audit trail of an existing change request.
func (e *Engine) History(ctx context.Context, id string) ([]audit.Record, error) {
	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.recorder.History(ctx, id)
}

// Run starts the reclaimer and the dispatcher and blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.dispatcher == nil {
		return ErrNoClient
	}
	if err := e.startReclaimer(ctx); err != nil {
		return err
	}
	defer e.reclaimer.Stop()
	return e.dispatcher.Run(ctx)
}

// RunIntake runs only the lease reclaimer until ctx is cancelled. It serves
// processes that accept requests while other processes dispatch them.
func (e *Engine) RunIntake(ctx context.Context) error {
	if err := e.startReclaimer(ctx); err != nil {
		return err
	}
	defer e.reclaimer.Stop()
	<-ctx.Done()
	return nil
}

func (e *Engine) startReclaimer(ctx context.Context) error {
	if err := e.reclaimer.Start(ctx); err != nil {
		return err
	}
	// A sweep at startup recovers claims left behind by a previous crash.
	if _, err := e.reclaimer.Sweep(ctx); err != nil {
		e.logger.Error("startup reclaim sweep failed", "error", err)
	}
	return nil
}

// Reclaim runs one sweep now.
func (e *Engine) Reclaim(ctx context.Context) (reclaim.Result, error) {
	return e.reclaimer.Sweep(ctx)
}

// Reconfigure applies new engine tunables to the running components. State
// and API settings require a restart and are ignored.
func (e *Engine) Reconfigure(ctx context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	ec := cfg.Engine

	e.store.Configure(storeOptions(ec))
	e.limiter.SetLimit(ec.MaxRequestsPerHour)
	e.jitter.Configure(ec.JitterMin(), ec.JitterMax())
	e.guard.Configure(ec.VelocityFraction(), ec.FuzzEpsilon)
	e.policy.Configure(ec.MaxRetryAttempts, ec.BackoffBase(), ec.BackoffMax(), ec.RateLimitRequeue())
	e.clamps.Configure(cfg.Alerts.ClampThreshold, ec.VelocityWindow())
	if err := e.reclaimer.Reschedule(ctx, ec.ReclaimSchedule, ec.VelocityWindow()); err != nil {
		return err
	}
	if e.dispatcher != nil {
		e.dispatcher.Configure(dispatchOptions(cfg))
	}

	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()

	log.SetLevel(cfg.Service.LogLevel)
	e.hub.Publish(events.ConfigReloaded, map[string]any{
		"max_requests_per_hour": ec.MaxRequestsPerHour,
		"jitter_min_seconds":    ec.JitterMinSeconds,
		"jitter_max_seconds":    ec.JitterMaxSeconds,
		"batch_size":            ec.BatchSize,
		"max_retry_attempts":    ec.MaxRetryAttempts,
	})
	e.logger.Info("engine reconfigured", "source", cfg.SourcePath)
	return nil
}

// Close releases storage and the Redis client.
func (e *Engine) Close() error {
	var errs []error
	if e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	if e.db != nil {
		errs = append(errs, e.db.Close())
	}
	return errors.Join(errs...)
}

func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) Store() *queue.Store              { return e.store }
func (e *Engine) Recorder() *audit.Recorder        { return e.recorder }
func (e *Engine) Hub() *events.Hub                 { return e.hub }
func (e *Engine) Registry() *prometheus.Registry   { return e.registry }
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// DryRunClient is nil unless the engine was built with Options.DryRun.
func (e *Engine) DryRunClient() *DryRun { return e.dry }

func storeOptions(ec config.EngineConfig) queue.Options {
	return queue.Options{
		LeaseTTL:          ec.LeaseTTL(),
		DedupWindow:       ec.DedupWindow(),
		MaxAttempts:       ec.MaxRetryAttempts,
		DefaultCredential: ec.Credential,
	}
}

func dispatchOptions(cfg *config.Config) dispatch.Options {
	workerID := cfg.Service.WorkerID
	if workerID == "" {
		workerID = DefaultWorkerID()
	}
	return dispatch.Options{
		WorkerID:       workerID,
		Workers:        cfg.Service.Workers,
		PollInterval:   cfg.Service.PollInterval,
		BatchSize:      cfg.Engine.BatchSize,
		RequeueDelay:   cfg.Engine.RateLimitRequeue(),
		ApplyTimeout:   cfg.Engine.ApplyTimeout(),
		VelocityWindow: cfg.Engine.VelocityWindow(),
	}
}

// DefaultWorkerID is hostname-pid.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "spendgate"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
