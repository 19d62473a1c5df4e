package round_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/privcount/core/pkg/round"
)

var _ = Describe("Delay", func() {
	var d *round.Delay
	const tolerance = 1e-6

	BeforeEach(func() {
		d = round.NewDelay()
	})

	It("permits the first round to start immediately", func() {
		allocation := map[string]float64{"C": 10.0}
		Expect(d.NoiseChangeNeedsDelay(allocation, tolerance)).To(BeFalse())
		Expect(d.RoundStartPermitted(allocation, time.Now(), time.Hour, false, tolerance)).To(BeTrue())
	})

	It("does not require a delay when the allocation only increases", func() {
		first := map[string]float64{"C": 10.0}
		d.SetStopResult(true, first, time.Now(), tolerance)

		stronger := map[string]float64{"C": 11.0}
		Expect(d.NoiseChangeNeedsDelay(stronger, tolerance)).To(BeFalse())
	})

	It("requires a delay when the allocation weakens beyond tolerance", func() {
		first := map[string]float64{"C": 10.0}
		endTime := time.Now()
		d.SetStopResult(true, first, endTime, tolerance)

		weaker := map[string]float64{"C": 1.0}
		Expect(d.NoiseChangeNeedsDelay(weaker, tolerance)).To(BeTrue())

		next := d.NextRoundStartTime(weaker, time.Hour, false, tolerance)
		Expect(next).To(BeTemporally("~", endTime.Add(time.Hour), time.Second))
	})

	It("does not update its stored state after a failed round", func() {
		first := map[string]float64{"C": 10.0}
		d.SetStopResult(true, first, time.Now(), tolerance)

		d.SetStopResult(false, map[string]float64{"C": 1.0}, time.Now().Add(time.Hour), tolerance)

		// the weak allocation from the failed round must not have replaced
		// the stored one
		Expect(d.NoiseChangeNeedsDelay(map[string]float64{"C": 1.0}, tolerance)).To(BeTrue())
	})

	It("rejects a round that starts before its enforced delay elapses", func() {
		first := map[string]float64{"C": 10.0}
		endTime := time.Now()
		d.SetStopResult(true, first, endTime, tolerance)

		weaker := map[string]float64{"C": 1.0}
		Expect(d.RoundStartPermitted(weaker, endTime.Add(time.Minute), time.Hour, false, tolerance)).To(BeFalse())
		Expect(d.RoundStartPermitted(weaker, endTime.Add(2*time.Hour), time.Hour, false, tolerance)).To(BeTrue())
	})

	It("honors alwaysDelay even when the allocation is unchanged", func() {
		first := map[string]float64{"C": 10.0}
		endTime := time.Now()
		d.SetStopResult(true, first, endTime, tolerance)

		Expect(d.RoundStartPermitted(first, endTime.Add(time.Second), time.Hour, true, tolerance)).To(BeFalse())
	})
})
