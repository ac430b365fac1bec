// Package ratelimit enforces the per-credential quota against the external
// platform with a rolling log of grants kept in shared storage, so every
// dispatcher process draws from the same budget.
//
// A request at time t is granted only while fewer than limit grants fall in
// (t - Window, t]. Each grant is logged with its timestamp; entries older than
// the window are discarded.
package ratelimit

import (
	"context"
	"time"
)

// Window is the quota period.
const Window = time.Hour

// Limiter grants or denies one external call for a credential. Denial is not
// an error.
type Limiter interface {
	Acquire(ctx context.Context, credential string) (bool, error)
}

// Key is the shared grant log key for a credential. The credential is a
// cluster hash tag so a Redis Cluster keeps each log on one slot.
func Key(credential string) string {
	return "rate:{" + credential + "}"
}

// cutoff is the newest timestamp, in unix ms, that no longer counts at now.
func cutoff(now time.Time) int64 {
	return now.Add(-Window).UnixMilli()
}
