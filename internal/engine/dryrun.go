package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mattjoyce/spendgate/internal/dispatch"
	"github.com/mattjoyce/spendgate/internal/log"
	"github.com/mattjoyce/spendgate/internal/queue"
)

// DryRun stands in for the ad platform. Every mutation succeeds and is only
// logged. Budgets start at Baseline and then follow the last applied value
// recorded in the store, so the velocity guard behaves as it would live.
type DryRun struct {
	store    *queue.Store
	baseline float64
	logger   *slog.Logger

	mu      sync.Mutex
	applied int
}

var (
	_ dispatch.Client       = (*DryRun)(nil)
	_ dispatch.BudgetReader = (*DryRun)(nil)
)

func NewDryRun(store *queue.Store, baseline float64) *DryRun {
	return &DryRun{store: store, baseline: baseline, logger: log.WithComponent("dry-run")}
}

func (d *DryRun) Apply(ctx context.Context, resourceID string, changeType queue.ChangeType, value float64) (dispatch.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return dispatch.ApplyResult{}, err
	}
	d.mu.Lock()
	d.applied++
	d.mu.Unlock()
	d.logger.Info("dry-run apply", "resource_id", resourceID, "change_type", string(changeType), "value", value)
	return dispatch.ApplyResult{Success: true, AppliedValue: value}, nil
}

func (d *DryRun) CurrentBudget(ctx context.Context, resourceID string) (float64, error) {
	v, ok, err := d.store.LastAppliedBudget(ctx, resourceID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return d.baseline, nil
	}
	return v, nil
}

// Applied is the number of Apply calls served.
func (d *DryRun) Applied() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied
}
