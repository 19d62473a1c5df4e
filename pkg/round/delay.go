package round

import (
	"sync"
	"time"

	"github.com/privcount/core/pkg/noise"
)

// DefaultSigmaDecreaseTolerance is the default acceptable sigma decrease
// between two otherwise-equivalent noise allocations.
const DefaultSigmaDecreaseTolerance = noise.DefaultSigmaTolerance

// Delay enforces a configurable minimum gap between collection rounds
// whenever the noise allocation shrinks: the DC/SK/TS supplement from
// SPEC_FULL.md "CollectionDelay persistence fields". The TS checks this for
// convenience; DCs and SKs must enforce it themselves for the protocol to
// stay sound, since a TS could otherwise run back-to-back rounds with a
// weaker noise allocation to erode a target's privacy.
type Delay struct {
	mu sync.Mutex

	startingNoiseAllocation map[string]float64 // nil before the first round
	lastRoundEndTime        time.Time           // zero before any successful round
}

// NewDelay returns a Delay with no round history.
func NewDelay() *Delay {
	return &Delay{}
}

// NoiseChangeNeedsDelay reports whether starting a round with proposed
// would require a delay relative to the stored starting allocation: true
// if there's a stored allocation and proposed drops any shared counter's
// sigma by more than tolerance, adds a counter, or drops one.
func (d *Delay) NoiseChangeNeedsDelay(proposed map[string]float64, tolerance float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.noiseChangeNeedsDelayLocked(proposed, tolerance)
}

func (d *Delay) noiseChangeNeedsDelayLocked(proposed map[string]float64, tolerance float64) bool {
	if d.startingNoiseAllocation == nil {
		return false
	}
	return !noise.Equivalent(d.startingNoiseAllocation, proposed, tolerance)
}

// NextRoundStartTime returns the earliest time a round with the given
// proposed noise allocation may start. alwaysDelay forces the delay
// regardless of whether the allocation actually changed (used by tests
// that want deterministic spacing between rounds).
func (d *Delay) NextRoundStartTime(proposed map[string]float64, delayPeriod time.Duration, alwaysDelay bool, tolerance float64) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextRoundStartTimeLocked(proposed, delayPeriod, alwaysDelay, tolerance)
}

func (d *Delay) nextRoundStartTimeLocked(proposed map[string]float64, delayPeriod time.Duration, alwaysDelay bool, tolerance float64) time.Time {
	needsDelay := alwaysDelay || d.noiseChangeNeedsDelayLocked(proposed, tolerance)

	if d.lastRoundEndTime.IsZero() {
		// no previous successful round: a delay is meaningless
		return time.Time{}
	}
	if needsDelay {
		return d.lastRoundEndTime.Add(delayPeriod)
	}
	return d.lastRoundEndTime
}

// RoundStartPermitted reports whether a round proposing the given noise
// allocation is allowed to start at startTime.
func (d *Delay) RoundStartPermitted(proposed map[string]float64, startTime time.Time, delayPeriod time.Duration, alwaysDelay bool, tolerance float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := d.nextRoundStartTimeLocked(proposed, delayPeriod, alwaysDelay, tolerance)
	return next.IsZero() || !startTime.Before(next)
}

// SetStopResult records a round's outcome. If the round failed, no state
// is updated — a failed round leaves the delay clock where it was. If the
// proposed allocation is not equivalent to the stored one, it replaces it;
// the round's end time is always recorded on success.
func (d *Delay) SetStopResult(successful bool, proposed map[string]float64, endTime time.Time, tolerance float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !successful {
		return
	}
	if d.startingNoiseAllocation == nil || !noise.Equivalent(d.startingNoiseAllocation, proposed, tolerance) {
		d.startingNoiseAllocation = proposed
	}
	d.lastRoundEndTime = endTime
}
