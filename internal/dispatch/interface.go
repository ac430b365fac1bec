package dispatch

import (
	"context"

	"github.com/mattjoyce/spendgate/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/spendgate/internal/dispatch Client,BudgetReader,AlertEngine

// ApplyResult is the external platform's answer to one mutation.
type ApplyResult struct {
	Success      bool    `json:"success"`
	AppliedValue float64 `json:"applied_value"`
	ErrorCode    string  `json:"error_code,omitempty"`
	Message      string  `json:"message,omitempty"`
	Retryable    bool    `json:"retryable"`
}

// Client applies a mutation on the external platform. It must tolerate being
// called again for a change whose previous result was lost.
type Client interface {
	Apply(ctx context.Context, resourceID string, changeType queue.ChangeType, value float64) (ApplyResult, error)
}

// BudgetReader supplies the current budget the velocity cap is measured
// against.
type BudgetReader interface {
	CurrentBudget(ctx context.Context, resourceID string) (float64, error)
}

// AlertEngine receives terminal failures and repeated clamp warnings.
type AlertEngine interface {
	Notify(ctx context.Context, severity, message string, fields map[string]any) error
}
