package trafficmodel

import (
	"fmt"
	"math"

	"github.com/privcount/core/pkg/counters"
)

// IncrementTrafficCounters increments the secure counters that describe one
// stream's observed traffic, given the bundles that were fed to RunViterbi
// and the state path it returned. For each individual packet observation it
// increments:
//   - a running total of emissions, and a per-state/direction emission count
//   - the log of the inter-bundle delay, and its square, both totaled and
//     broken out per state/direction (so the tally server can recover a
//     per-state/direction mean and variance for model refitting)
//   - one state-to-state transition count per adjacent pair of observations,
//     plus a start-transition count for the very first observation
//
// Every increment uses the single-bin sentinel key, since every one of
// these counters has exactly one bin.
func (m *Model) IncrementTrafficCounters(bundles []Bundle, states []string, sc *counters.SecureCounters) error {
	observations := expandObservations(bundles)
	if len(observations) != len(states) {
		return fmt.Errorf("trafficmodel: %d observations but %d states in path", len(observations), len(states))
	}

	for i, obs := range observations {
		state := states[i]

		ldelay := 0.0
		if obs.dx >= 1 {
			ldelay = math.Log(obs.dx)
		}

		sc.Increment("ExitStreamTrafficModelEmissionCount", counters.SingleBinKey, 1)
		sc.Increment(fmt.Sprintf("ExitStreamTrafficModelEmissionCount_%s_%s", state, obs.dir), counters.SingleBinKey, 1)

		sc.Increment("ExitStreamTrafficModelLogDelayTime", counters.SingleBinKey, int64(ldelay))
		sc.Increment(fmt.Sprintf("ExitStreamTrafficModelLogDelayTime_%s_%s", state, obs.dir), counters.SingleBinKey, int64(ldelay))

		squared := int64(ldelay * ldelay)
		sc.Increment("ExitStreamTrafficModelSquaredLogDelayTime", counters.SingleBinKey, squared)
		sc.Increment(fmt.Sprintf("ExitStreamTrafficModelSquaredLogDelayTime_%s_%s", state, obs.dir), counters.SingleBinKey, squared)

		if i == 0 {
			sc.Increment(fmt.Sprintf("ExitStreamTrafficModelTransitionCount_START_%s", state), counters.SingleBinKey, 1)
		}
		if i+1 < len(states) {
			next := states[i+1]
			sc.Increment("ExitStreamTrafficModelTransitionCount", counters.SingleBinKey, 1)
			sc.Increment(fmt.Sprintf("ExitStreamTrafficModelTransitionCount_%s_%s", state, next), counters.SingleBinKey, 1)
		}
	}
	return nil
}
