// Package noise converts a differential-privacy budget into per-counter
// Gaussian sigmas, porting the allocation algorithm of PrivCount's
// original statistics_noise module.
package noise

import (
	"fmt"
	"math"
)

// DefaultSigmaTolerance is the default absolute tolerance for the sigma
// binary search.
const DefaultSigmaTolerance = 1e-6

// DefaultEpsilonTolerance is the default absolute tolerance for the
// epsilon binary search.
const DefaultEpsilonTolerance = 1e-15

// DefaultSigmaRatioTolerance is the default absolute tolerance for the
// sigma-ratio binary search.
const DefaultSigmaRatioTolerance = 1e-6

// float64Eps is the smallest tolerance that is meaningful given float64
// precision; the engine refuses any configured tolerance smaller than this.
const float64Eps = 2.220446049250313e-16 // math.Nextafter(1, 2) - 1

// CounterParams is a single counter's (sensitivity, expected value) pair:
// the upper bound on how much one user's data can change the counter in
// one round, and the anticipated true value used to equalize relative
// noise across counters.
type CounterParams struct {
	Sensitivity   float64
	ExpectedValue float64
}

// satisfiesDP reports whether (epsilon, delta)-differential privacy holds
// for a Gaussian mechanism with the given sensitivity and standard
// deviation: Φ((-ε·σ²/Δ + Δ/2)/σ) <= δ.
func satisfiesDP(sensitivity, epsilon, delta, std float64) bool {
	lowerX := -(epsilon*std*std)/sensitivity + sensitivity/2.0
	lowerTailProb := normalCDF(lowerX/std, 0, 1)
	return lowerTailProb <= delta
}

// normalCDF evaluates the CDF of a normal distribution with the given mean
// and standard deviation at x, via the closed-form erf identity
// (no statistics package is available in this dependency tree; see
// DESIGN.md for why this is implemented on math.Erf rather than imported).
func normalCDF(x, mean, std float64) float64 {
	return 0.5 * (1 + math.Erf((x-mean)/(std*math.Sqrt2)))
}

// intervalBooleanBinarySearch searches (lowerBound, upperBound) for x such
// that fn(x) is true, assuming fn is monotonic (x<y, fn(x) => fn(y)). If
// returnTrue, returns the smallest x with fn(x)=true within tolerance tol;
// otherwise returns the largest x with fn(x)=false.
func intervalBooleanBinarySearch(fn func(float64) bool, lowerBound, upperBound, tol float64, returnTrue bool) (float64, error) {
	if upperBound < lowerBound {
		return 0, fmt.Errorf("noise: invalid binary-search interval [%v, %v]", lowerBound, upperBound)
	}
	if fn(lowerBound) {
		if returnTrue {
			return lowerBound, nil
		}
		return 0, fmt.Errorf("noise: can't return x=false, fn(lowerBound)=true")
	}
	if !fn(upperBound) {
		if returnTrue {
			return 0, fmt.Errorf("noise: can't return x=true, fn(upperBound)=false")
		}
		return upperBound, nil
	}
	for {
		if upperBound-lowerBound < tol {
			if returnTrue {
				return upperBound, nil
			}
			return lowerBound, nil
		}
		midpoint := (upperBound + lowerBound) / 2
		if fn(midpoint) {
			upperBound = midpoint
		} else {
			lowerBound = midpoint
		}
	}
}

// DifferentiallyPrivateStd finds the smallest standard deviation such that
// the probability of violating epsilon-differential privacy is at most
// delta, using an upper bound from the improved Hardt-Roth result.
func DifferentiallyPrivateStd(sensitivity, epsilon, delta, tol float64) (float64, error) {
	if tol < float64Eps {
		return 0, fmt.Errorf("noise: tolerance %v is below float-conversion accuracy", tol)
	}
	stdUpperBound := (sensitivity / epsilon) * (4.0 / 3.0) * math.Sqrt(2*math.Log(1.0/delta))
	stdLowerBound := tol
	if satisfiesDP(sensitivity, epsilon, delta, stdLowerBound) {
		return 0, fmt.Errorf("noise: could not find a lower bound for the std interval")
	}
	return intervalBooleanBinarySearch(func(x float64) bool {
		return satisfiesDP(sensitivity, epsilon, delta, x)
	}, stdLowerBound, stdUpperBound, tol, true)
}

// DifferentiallyPrivateEpsilon finds the epsilon consumed by a Gaussian
// mechanism with the given sensitivity, sigma, and delta.
func DifferentiallyPrivateEpsilon(sensitivity, sigma, delta, tol float64) (float64, error) {
	epsilonUpperBound := (sensitivity / sigma) * math.Sqrt(2*math.Log(2.0/delta))
	return intervalBooleanBinarySearch(func(x float64) bool {
		return satisfiesDP(sensitivity, x, delta, sigma)
	}, 0, epsilonUpperBound, tol, true)
}

// Sigma computes sigma from the excess noise ratio, the (optimal) sigma
// ratio, and a counter's expected value. Inverse of ExpectedNoiseRatio.
func Sigma(excessNoiseRatio, sigmaRatio, estimatedValue float64) (float64, error) {
	if excessNoiseRatio == 0 {
		return 0, nil
	}
	if excessNoiseRatio < 0 {
		return 0, fmt.Errorf("noise: excess noise ratio must be non-negative, got %v", excessNoiseRatio)
	}
	return sigmaRatio * estimatedValue / math.Sqrt(excessNoiseRatio), nil
}

// ExpectedNoiseRatio computes the expected relative-noise ratio from the
// excess noise ratio, a counter's sigma, and its expected value. Inverse
// of Sigma.
func ExpectedNoiseRatio(excessNoiseRatio, sigma, estimatedValue float64) (float64, error) {
	if estimatedValue == 0 {
		return 0, nil
	}
	if excessNoiseRatio < 0 {
		return 0, fmt.Errorf("noise: excess noise ratio must be non-negative, got %v", excessNoiseRatio)
	}
	return math.Sqrt(excessNoiseRatio) * sigma / estimatedValue, nil
}

// approximatePrivacyAllocation allocates epsilon across counters so that
// sensitivity-to-expected-value ratios scale with epsilon, dividing delta
// equally, then solves for each counter's sigma.
func approximatePrivacyAllocation(epsilon, delta float64, params map[string]CounterParams, sigmaTol float64) (epsilons, sigmas map[string]float64, err error) {
	epsilons = make(map[string]float64, len(params))

	var initConstant float64
	var initParam string
	haveInit := false
	coefficientSum := 1.0
	for name, p := range params {
		if !haveInit {
			initConstant = p.Sensitivity / p.ExpectedValue
			initParam = name
			haveInit = true
			continue
		}
		coefficientSum += (p.Sensitivity / p.ExpectedValue) / initConstant
	}
	if !haveInit {
		return nil, nil, fmt.Errorf("noise: no counters to allocate")
	}
	epsilons[initParam] = epsilon / coefficientSum
	for name, p := range params {
		if name != initParam {
			epsilons[name] = epsilons[initParam] * (p.Sensitivity / p.ExpectedValue) / initConstant
		}
	}

	sigmas = make(map[string]float64, len(params))
	statDelta := delta / float64(len(params))
	for name, p := range params {
		sigma, serr := DifferentiallyPrivateStd(p.Sensitivity, epsilons[name], statDelta, sigmaTol)
		if serr != nil {
			return nil, nil, fmt.Errorf("noise: counter %s: %w", name, serr)
		}
		sigmas[name] = sigma
	}
	return epsilons, sigmas, nil
}

// epsilonConsumed computes, for the given sigma ratio, the total epsilon
// each counter's Gaussian mechanism consumes.
func epsilonConsumed(params map[string]CounterParams, excessNoiseRatio, sigmaRatio, delta, tol float64) (map[string]float64, error) {
	statDelta := delta / float64(len(params))
	epsilons := make(map[string]float64, len(params))
	for name, p := range params {
		sigma, err := Sigma(excessNoiseRatio, sigmaRatio, p.ExpectedValue)
		if err != nil {
			return nil, err
		}
		epsilon, err := DifferentiallyPrivateEpsilon(p.Sensitivity, sigma, statDelta, tol)
		if err != nil {
			return nil, err
		}
		epsilons[name] = epsilon
	}
	return epsilons, nil
}

// Allocation is the result of an optimal privacy-budget allocation.
type Allocation struct {
	Epsilons   map[string]float64
	Sigmas     map[string]float64
	SigmaRatio float64
}

// Allocate searches for the sigma ratio (and resulting per-counter epsilon
// allocation) that just exhausts the given epsilon budget, so that the
// relative noise ratio sigma/expectedValue is equal across every counter.
// excessNoiseRatio scales the final sigmas to cover the worst case where
// that many data collectors are colluding (typically the DC machine
// count).
func Allocate(epsilon, delta float64, params map[string]CounterParams, excessNoiseRatio float64) (Allocation, error) {
	if len(params) == 0 {
		return Allocation{}, fmt.Errorf("noise: no counters to allocate")
	}
	for name, p := range params {
		if p.Sensitivity <= 0 {
			return Allocation{}, fmt.Errorf("noise: counter %s has non-positive sensitivity %v", name, p.Sensitivity)
		}
		if p.ExpectedValue <= 0 {
			return Allocation{}, fmt.Errorf("noise: counter %s has non-positive expected value %v", name, p.ExpectedValue)
		}
	}

	_, approxSigmas, err := approximatePrivacyAllocation(epsilon, delta, params, DefaultSigmaTolerance)
	if err != nil {
		return Allocation{}, err
	}

	var minRatio, maxRatio float64
	first := true
	for name, p := range params {
		ratio, rerr := ExpectedNoiseRatio(excessNoiseRatio, approxSigmas[name], p.ExpectedValue)
		if rerr != nil {
			return Allocation{}, rerr
		}
		if first || ratio < minRatio {
			minRatio = ratio
		}
		if first || ratio > maxRatio {
			maxRatio = ratio
		}
		first = false
	}

	sigmaRatio, err := intervalBooleanBinarySearch(func(x float64) bool {
		consumed, cerr := epsilonConsumed(params, excessNoiseRatio, x, delta, DefaultEpsilonTolerance)
		if cerr != nil {
			return false
		}
		total := 0.0
		for _, e := range consumed {
			total += e
		}
		return total <= epsilon
	}, minRatio, maxRatio, DefaultSigmaRatioTolerance, true)
	if err != nil {
		return Allocation{}, err
	}

	optEpsilons, err := epsilonConsumed(params, excessNoiseRatio, sigmaRatio, delta, DefaultEpsilonTolerance)
	if err != nil {
		return Allocation{}, err
	}
	optSigmas := make(map[string]float64, len(params))
	for name, p := range params {
		s, serr := Sigma(excessNoiseRatio, sigmaRatio, p.ExpectedValue)
		if serr != nil {
			return Allocation{}, serr
		}
		optSigmas[name] = s * excessNoiseRatio
	}

	return Allocation{Epsilons: optEpsilons, Sigmas: optSigmas, SigmaRatio: sigmaRatio}, nil
}

// Equivalent implements the CollectionDelay rule: two noise allocations are
// equivalent (and so may start without an inter-round delay) iff they cover
// identical counter sets and no sigma decreases by more than tolerance.
func Equivalent(previous, next map[string]float64, tolerance float64) bool {
	if len(previous) != len(next) {
		return false
	}
	for name, prevSigma := range previous {
		nextSigma, ok := next[name]
		if !ok {
			return false
		}
		if prevSigma-nextSigma > tolerance {
			return false
		}
	}
	return true
}
