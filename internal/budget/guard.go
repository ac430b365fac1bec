// Package budget caps how fast a resource's budget may move and breaks up
// round-number patterns in the values the engine sends to the platform.
package budget

import (
	"math"
	"math/rand/v2"
	"sync"
)

// Decision is the outcome of ValidateAndFuzz.
type Decision struct {
	Requested float64 `json:"requested"`
	Current   float64 `json:"current"`
	// Clamped is the value after the velocity cap, before fuzzing.
	Clamped    float64 `json:"clamped"`
	Allowed    float64 `json:"allowed"`
	WasClamped bool    `json:"was_clamped"`
	FuzzOffset float64 `json:"fuzz_offset"`
	// Headroom is the remaining absolute movement allowed in the window.
	Headroom float64 `json:"headroom"`
}

// Fuzzed reports whether a non-zero offset was applied.
func (d Decision) Fuzzed() bool { return d.FuzzOffset != 0 }

// Delta is the approved change relative to the current value.
func (d Decision) Delta() float64 { return d.Allowed - d.Current }

// Guard applies the velocity cap and fuzz. It is safe for concurrent use.
type Guard struct {
	mu       sync.Mutex
	fraction float64
	epsilon  float64
	rng      *rand.Rand
}

// NewGuard returns a guard allowing |change| <= current*fraction per window
// and fuzz offsets smaller than epsilon.
func NewGuard(fraction, epsilon float64) *Guard {
	return NewGuardWithSource(fraction, epsilon, rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

func NewGuardWithSource(fraction, epsilon float64, src rand.Source) *Guard {
	g := &Guard{rng: rand.New(src)}
	g.Configure(fraction, epsilon)
	return g
}

// Configure replaces the cap fraction and fuzz bound.
func (g *Guard) Configure(fraction, epsilon float64) {
	if !(fraction >= 0) || math.IsInf(fraction, 0) {
		fraction = 0
	}
	if !(epsilon >= 0) || math.IsInf(epsilon, 0) {
		epsilon = 0
	}
	g.mu.Lock()
	g.fraction, g.epsilon = fraction, epsilon
	g.mu.Unlock()
}

// ValidateAndFuzz bounds requested so that the movement from current, plus
// the absolute deltas already approved for the resource in the lookback
// window (history), stays within current*fraction. The result is then
// nudged toward current by less than epsilon and less than the remaining
// delta, so the direction of the change is preserved and the cap still holds.
func (g *Guard) ValidateAndFuzz(resourceID string, requested, current float64, history []float64) Decision {
	_ = resourceID
	g.mu.Lock()
	defer g.mu.Unlock()

	d := Decision{Requested: requested, Current: current}

	if math.IsNaN(current) || math.IsInf(current, 0) {
		// Without a usable baseline nothing can move.
		d.Clamped, d.Allowed, d.WasClamped = current, current, true
		return d
	}

	capacity := 0.0
	if current > 0 {
		capacity = current * g.fraction
	}
	var used float64
	for _, h := range history {
		if math.IsNaN(h) || math.IsInf(h, 0) {
			continue
		}
		used += math.Abs(h)
	}
	d.Headroom = math.Max(0, capacity-used)

	delta := requested - current
	switch {
	case math.IsNaN(requested):
		d.Clamped, d.WasClamped = current, true
	case math.Abs(delta) > d.Headroom:
		d.Clamped, d.WasClamped = current+math.Copysign(d.Headroom, delta), true
	default:
		d.Clamped = requested
	}
	d.Allowed = d.Clamped

	remaining := d.Clamped - current
	if remaining == 0 || g.epsilon == 0 {
		return d
	}
	bound := math.Min(g.epsilon, math.Abs(remaining))
	magnitude := g.rng.Float64() * bound
	offset := -math.Copysign(magnitude, remaining)
	allowed := d.Clamped + offset
	// Rounding may land on or past epsilon at large magnitudes. Step back
	// toward the clamped value one ulp at a time; if even one ulp is too
	// coarse this ends at the clamped value and no fuzz is applied.
	for allowed != d.Clamped && math.Abs(allowed-d.Clamped) >= g.epsilon {
		allowed = math.Nextafter(allowed, d.Clamped)
	}
	if allowed == d.Clamped {
		return d
	}
	// Rounding must not reverse or zero the change.
	if (allowed-current)*remaining <= 0 {
		return d
	}
	d.Allowed = allowed
	d.FuzzOffset = allowed - d.Clamped
	return d
}
