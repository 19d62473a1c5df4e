package trafficmodel

import (
	"fmt"
	"math"
)

// DefaultTransitionInertia and DefaultEmissionInertia match the original's
// update_from_tallies defaults: each new estimate is blended 90% toward the
// freshly observed tallies, 10% toward the prior model.
const (
	DefaultTransitionInertia = 0.1
	DefaultEmissionInertia   = 0.1
)

// minSigma is the floor applied to a refit emission sigma: rounding error
// or added noise can occasionally make a small true variance appear
// negative, which would otherwise propagate a NaN sigma into the next
// round's model.
const minSigma = 0.1 // sqrt(0.01)

// UpdateFromTallies recomputes this model's transition, emission, and
// start probabilities from one round's noisy aggregated tally values,
// blending the freshly observed frequencies with the prior model by
// transInertia/emitInertia, and returns the updated Config. The receiver's
// own state is left untouched; callers persist the returned Config as the
// next round's model.
func (m *Model) UpdateFromTallies(tallies map[string]float64, transInertia, emitInertia float64) Config {
	count := make(map[string]float64, len(m.cfg.States))
	transCount := make(map[string]map[string]float64, len(m.cfg.States))
	obsTransP := make(map[string]map[string]float64, len(m.cfg.States))

	for src, row := range m.cfg.TransitionProbability {
		transCount[src] = make(map[string]float64, len(row))
		for dst := range row {
			label := fmt.Sprintf("ExitStreamTrafficModelTransitionCount_%s_%s", src, dst)
			val := tallies[label]
			transCount[src][dst] = val
			count[src] += val
		}
		obsTransP[src] = make(map[string]float64, len(row))
		for dst := range row {
			if count[src] > 0 {
				obsTransP[src][dst] = transCount[src][dst] / count[src]
			}
		}
	}

	obsEmitCount := make(map[string]map[string]float64, len(m.cfg.EmissionProbability))
	obsMu := make(map[string]map[string]float64, len(m.cfg.EmissionProbability))
	obsSigma := make(map[string]map[string]float64, len(m.cfg.EmissionProbability))
	for state, row := range m.cfg.EmissionProbability {
		obsEmitCount[state] = make(map[string]float64, len(row))
		obsMu[state] = make(map[string]float64, len(row))
		obsSigma[state] = make(map[string]float64, len(row))

		for direction := range row {
			sdLabel := fmt.Sprintf("ExitStreamTrafficModelEmissionCount_%s_%s", state, direction)
			obsEmitCount[state][direction] = tallies[sdLabel]

			muLabel := fmt.Sprintf("ExitStreamTrafficModelLogDelayTime_%s_%s", state, direction)
			if obsEmitCount[state][direction] > 0 {
				obsMu[state][direction] = tallies[muLabel] / obsEmitCount[state][direction]
			}

			var obsVar float64
			ssLabel := fmt.Sprintf("ExitStreamTrafficModelSquaredLogDelayTime_%s_%s", state, direction)
			if tallies[sdLabel] > 0 {
				obsVar = tallies[ssLabel]/tallies[sdLabel] - obsMu[state][direction]*obsMu[state][direction]
			}
			if obsVar < minSigma*minSigma {
				obsSigma[state][direction] = minSigma
			} else {
				obsSigma[state][direction] = math.Sqrt(obsVar)
			}
		}
	}

	newTransP := make(map[string]map[string]float64, len(m.cfg.TransitionProbability))
	for src, row := range m.cfg.TransitionProbability {
		newRow := make(map[string]float64, len(row))
		for dst, p := range row {
			newRow[dst] = transInertia*p + (1-transInertia)*obsTransP[src][dst]
		}
		newTransP[src] = newRow
	}

	newEmitP := make(map[string]map[string]Emission, len(m.cfg.EmissionProbability))
	for state, row := range m.cfg.EmissionProbability {
		newRow := make(map[string]Emission, len(row))
		for direction, e := range row {
			var dpNew float64
			if count[state] > 0 {
				dpNew = emitInertia*e.DP + (1-emitInertia)*obsEmitCount[state][direction]/count[state]
			} else {
				dpNew = emitInertia * e.DP
			}
			muNew := emitInertia*e.Mu + (1-emitInertia)*obsMu[state][direction]
			sigmaNew := emitInertia*e.Sigma + (1-emitInertia)*obsSigma[state][direction]
			newRow[direction] = Emission{DP: dpNew, Mu: muNew, Sigma: sigmaNew}
		}
		newEmitP[state] = newRow
	}

	startCount := make(map[string]float64, len(m.cfg.StartProbability))
	startTotal := 0.0
	for state, p := range m.cfg.StartProbability {
		if p > 0 {
			label := fmt.Sprintf("ExitStreamTrafficModelTransitionCount_START_%s", state)
			startCount[state] = tallies[label]
			startTotal += startCount[state]
		}
	}
	newStartP := make(map[string]float64, len(m.cfg.StartProbability))
	for state, p := range m.cfg.StartProbability {
		if startTotal > 0 {
			newStartP[state] = transInertia*p + (1-transInertia)*startCount[state]/startTotal
		} else {
			newStartP[state] = transInertia * p
		}
	}

	return Config{
		States:                m.cfg.States,
		StartProbability:      newStartP,
		TransitionProbability: newTransP,
		EmissionProbability:   newEmitP,
	}
}
