package round_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/privcount/core/pkg/counters"
	"github.com/privcount/core/pkg/round"
)

func testPhaseConfig() round.Config {
	return round.Config{
		Period:      time.Minute,
		DCUIDs:      []string{"dc1", "dc2"},
		SKUIDs:      []string{"sk1", "sk2"},
		DCThreshold: 1,
	}
}

var _ = Describe("Phase", func() {
	var p *round.Phase

	BeforeEach(func() {
		p = round.New(testPhaseConfig())
	})

	It("starts in state new", func() {
		Expect(p.State()).To(Equal(round.StateNew))
	})

	It("advances new -> starting_dcs on Start", func() {
		p.Start()
		Expect(p.State()).To(Equal(round.StateStartingDCs))
	})

	It("is a no-op to Start twice", func() {
		p.Start()
		p.Start()
		Expect(p.State()).To(Equal(round.StateStartingDCs))
	})

	It("advances starting_dcs -> starting_sks once every DC has reported shares", func() {
		p.Start()
		p.StoreShares("dc1", map[string]json.RawMessage{"sk1": json.RawMessage(`"a"`)})
		Expect(p.State()).To(Equal(round.StateStartingDCs), "still waiting on dc2")

		p.StoreShares("dc2", map[string]json.RawMessage{"sk1": json.RawMessage(`"b"`)})
		Expect(p.State()).To(Equal(round.StateStartingSKs))
	})

	It("ignores a duplicate share report from the same DC", func() {
		p.Start()
		p.StoreShares("dc1", map[string]json.RawMessage{"sk1": json.RawMessage(`"a"`)})
		p.StoreShares("dc1", map[string]json.RawMessage{"sk1": json.RawMessage(`"a-again"`)})
		p.StoreShares("dc2", map[string]json.RawMessage{"sk1": json.RawMessage(`"b"`)})

		cfg := p.GetSKStartConfig("sk1")
		Expect(cfg).NotTo(BeNil())
		Expect(cfg.Shares).To(HaveLen(2), "a duplicate report should not add a second share")
	})

	It("advances starting_sks -> started once every SK has started", func() {
		p.Start()
		p.StoreShares("dc1", map[string]json.RawMessage{"sk1": json.RawMessage(`"a"`)})
		p.StoreShares("dc2", map[string]json.RawMessage{"sk1": json.RawMessage(`"b"`)})
		Expect(p.State()).To(Equal(round.StateStartingSKs))

		p.StoreSKStarted("sk1")
		Expect(p.State()).To(Equal(round.StateStartingSKs), "still waiting on sk2")
		p.StoreSKStarted("sk2")
		Expect(p.State()).To(Equal(round.StateStarted))
	})

	It("aborts without error-free tallies when stopped mid-startup", func() {
		p.Start()
		p.Stop()
		Expect(p.State()).To(Equal(round.StateStopping))
		Expect(p.IsError()).To(BeTrue())
	})

	It("requests counters (no error) when a fully started round is stopped", func() {
		p.Start()
		p.StoreShares("dc1", map[string]json.RawMessage{})
		p.StoreShares("dc2", map[string]json.RawMessage{})
		p.StoreSKStarted("sk1")
		p.StoreSKStarted("sk2")
		Expect(p.State()).To(Equal(round.StateStarted))

		p.Stop()
		Expect(p.State()).To(Equal(round.StateStopping))
		Expect(p.IsError()).To(BeFalse())

		cfg := p.GetStopConfig("dc1")
		Expect(cfg).NotTo(BeNil())
		Expect(cfg.SendCounters).To(BeTrue())
	})

	It("transitions stopping -> stopped once every client has reported", func() {
		p.Start()
		p.StoreShares("dc1", map[string]json.RawMessage{})
		p.StoreShares("dc2", map[string]json.RawMessage{})
		p.StoreSKStarted("sk1")
		p.StoreSKStarted("sk2")
		p.Stop()

		snap := counters.Snapshot{}
		for _, uid := range []string{"dc1", "dc2", "sk1", "sk2"} {
			p.StoreStopResult(uid, true, snap)
		}
		Expect(p.IsStopped()).To(BeTrue())
		Expect(p.FinalCounts()).To(HaveLen(4))
	})

	It("raises the error flag if a client reports no counts at stop", func() {
		p.Start()
		p.StoreShares("dc1", map[string]json.RawMessage{})
		p.StoreShares("dc2", map[string]json.RawMessage{})
		p.StoreSKStarted("sk1")
		p.StoreSKStarted("sk2")
		p.Stop()

		p.StoreStopResult("dc1", false, nil)
		Expect(p.IsError()).To(BeTrue())
	})

	It("knows who is participating", func() {
		Expect(p.IsParticipating("dc1")).To(BeTrue())
		Expect(p.IsParticipating("sk2")).To(BeTrue())
		Expect(p.IsParticipating("nobody")).To(BeFalse())
	})

	It("round-trips through Export/Import mid-round", func() {
		p.Start()
		p.StoreShares("dc1", map[string]json.RawMessage{"sk1": json.RawMessage(`"share1"`)})

		snap := p.Export()
		restored := round.Import(testPhaseConfig(), snap)

		Expect(restored.State()).To(Equal(round.StateStartingDCs))
		Expect(restored.IsParticipating("dc1")).To(BeTrue())

		// dc1 already reported, so only dc2 should still be outstanding
		restored.StoreShares("dc2", map[string]json.RawMessage{"sk1": json.RawMessage(`"share2"`)})
		Expect(restored.State()).To(Equal(round.StateStartingSKs))
	})
})
