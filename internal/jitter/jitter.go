// Package jitter assigns each dispatch attempt a random delay so that many
// simultaneous automated decisions do not reach the platform at the same
// instant.
package jitter

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mattjoyce/spendgate/internal/queue"
)

// Scheduler draws delays uniformly from [min, max].
type Scheduler struct {
	mu  sync.Mutex
	min time.Duration
	max time.Duration
	rng *rand.Rand
}

// New returns a scheduler seeded from the runtime's random source.
func New(min, max time.Duration) *Scheduler {
	return NewWithSource(min, max, rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// NewWithSource returns a scheduler drawing from src.
func NewWithSource(min, max time.Duration, src rand.Source) *Scheduler {
	s := &Scheduler{rng: rand.New(src)}
	s.Configure(min, max)
	return s
}

// Configure replaces the delay range. A reversed range is swapped and
// negative bounds are treated as zero.
func (s *Scheduler) Configure(min, max time.Duration) {
	if min < 0 {
		min = 0
	}
	if max < 0 {
		max = 0
	}
	if max < min {
		min, max = max, min
	}
	s.mu.Lock()
	s.min, s.max = min, max
	s.mu.Unlock()
}

// Range returns the configured bounds.
func (s *Scheduler) Range() (time.Duration, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.min, s.max
}

// DelayFor returns a fresh delay for one dispatch attempt of req.
func (s *Scheduler) DelayFor(req queue.ChangeRequest) time.Duration {
	_ = req
	s.mu.Lock()
	defer s.mu.Unlock()
	span := s.max - s.min
	if span <= 0 {
		return s.min
	}
	// Int64N is half-open; +1 makes max reachable.
	return s.min + time.Duration(s.rng.Int64N(int64(span)+1))
}

// Until returns how long to wait from now so the call happens no earlier
// than claimedAt+delay.
func Until(claimedAt time.Time, delay time.Duration, now time.Time) time.Duration {
	wait := claimedAt.Add(delay).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}
