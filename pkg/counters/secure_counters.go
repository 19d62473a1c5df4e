package counters

import (
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/cronokirby/saferith"

	"github.com/privcount/core/pkg/modq"
)

// BinCount is the wire/JSON shape of one tallied bin: its interval and its
// count. Count is unlimited-precision: in [0, Q) while blinded, in
// [-Q/2, Q/2) after signed recovery.
type BinCount struct {
	Lo    float64
	Hi    float64
	Count *big.Int
}

// Snapshot is a detached, wire-ready view of every counter's bins. It is
// what DCs and SKs send to the TS at round STOP, and what outcome files
// persist.
type Snapshot map[string][]BinCount

// Share is an additive secret-share of the zero vector over mod-Q counter
// space, generated by a DC for one SK. Secret holds one blinding (or
// unblinding) factor per counter bin, in the same shape as Snapshot.
type Share struct {
	SKUID  string
	Secret Snapshot
}

// cellSet is the internal, saferith-backed representation of one
// SecureCounters instance: bin bounds are fixed at New() time, only the
// Nat count is mutated.
type cellSet map[string][]cell

type cell struct {
	lo, hi float64
	count  *saferith.Nat
}

// SecureCounters holds a set of histogram counters that can be incremented
// locally, collectively blinded across share keepers, perturbed with
// calibrated noise, and summed across all parties to recover the true
// total plus noise mod Q.
//
// Data collectors call New, GenerateBlindingShares, DetachBlindingShares,
// GenerateNoise, Increment (repeatedly), then DetachCounts. Share keepers
// call New, ImportBlindingShare (repeatedly), then DetachCounts. The tally
// server calls New, TallyCounters, then DetachSignedCounts.
type SecureCounters struct {
	mu sync.Mutex

	config Config
	cells  cellSet // nil after DetachCounts

	noisePending bool
	shares       map[string]Share // nil after DetachBlindingShares, or before GenerateBlindingShares
}

// New deep-copies config, initializes every bin cell to zero, and marks
// noise as pending if requireNoise is true (the DC case). SKs and the TS
// pass requireNoise=false, since they never call GenerateNoise.
func New(config Config, requireNoise bool) *SecureCounters {
	cells := make(cellSet, len(config))
	for name, cc := range config {
		bins := make([]cell, len(cc.Bins))
		for i, b := range cc.Bins {
			bins[i] = cell{lo: b.Lo, hi: b.Hi, count: modq.Zero()}
		}
		cells[name] = bins
	}
	return &SecureCounters{
		config:       config,
		cells:        cells,
		noisePending: requireNoise,
	}
}

// matchesShape reports whether snap has exactly the same counter names and
// per-counter bin counts as sc's configuration (bin bounds and sigma are
// not compared, since shares omit sigma and unblinding never needs it).
func (sc *SecureCounters) matchesShape(snap Snapshot) bool {
	if len(snap) != len(sc.cells) {
		return false
	}
	for name, bins := range sc.cells {
		snapBins, ok := snap[name]
		if !ok || len(snapBins) != len(bins) {
			return false
		}
	}
	return true
}

// blindTemplate returns a fresh Snapshot with one uniformly random value
// per bin, without mutating sc.
func (sc *SecureCounters) blindTemplate() Snapshot {
	out := make(Snapshot, len(sc.cells))
	for name, bins := range sc.cells {
		row := make([]BinCount, len(bins))
		for i, b := range bins {
			factor := modq.DeriveBlindingFactor(nil, true)
			row[i] = BinCount{Lo: b.lo, Hi: b.hi, Count: modq.NatToBig(factor)}
		}
		out[name] = row
	}
	return out
}

// addInto adds snap's bin values into sc's cells, mod Q. Returns an error
// if snap's shape does not match sc's configuration.
func (sc *SecureCounters) addInto(snap Snapshot) error {
	if !sc.matchesShape(snap) {
		return fmt.Errorf("counters: shape mismatch")
	}
	for name, bins := range sc.cells {
		row := snap[name]
		for i := range bins {
			v := modq.NatFromBig(row[i].Count)
			bins[i].count = modq.AddMod(bins[i].count, v)
		}
	}
	return nil
}

// GenerateBlindingShares samples a fresh blinding-factor structure for each
// share keeper UID, adds it into sc (so the DC's own seed is the sum of
// every share), and stores the structures in the outgoing table retrieved
// by DetachBlindingShares. Distinct share keepers always receive distinct
// structures, each drawn from the CSPRNG.
func (sc *SecureCounters) GenerateBlindingShares(skUIDs []string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.cells == nil {
		return fmt.Errorf("counters: already detached")
	}
	shares := make(map[string]Share, len(skUIDs))
	for _, uid := range skUIDs {
		blinding := sc.blindTemplate()
		if err := sc.addInto(blinding); err != nil {
			// generated from our own configuration; a mismatch here is a
			// programming bug, not a runtime condition
			return fmt.Errorf("counters: internal blinding shape mismatch: %w", err)
		}
		shares[uid] = Share{SKUID: uid, Secret: blinding}
	}
	sc.shares = shares
	return nil
}

// GenerateNoise samples one Gaussian per counter bin, scaled by weight, rounds
// to nearest integer (ties to even), and adds it mod Q exactly once. A
// second call is rejected: noise must be generated exactly once per round.
func (sc *SecureCounters) GenerateNoise(weight float64) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.noisePending {
		return fmt.Errorf("counters: noise already generated for this round")
	}
	if sc.cells == nil {
		return fmt.Errorf("counters: already detached")
	}
	for name, bins := range sc.cells {
		sigma := sc.config[name].Sigma
		for i := range bins {
			sample := sampleGaussian(sigma, weight)
			rounded := int64(math.RoundToEven(sample))
			var delta *saferith.Nat
			if rounded >= 0 {
				delta = modq.NatFromInt64(rounded)
			} else {
				delta = modq.DeriveBlindingFactor(modq.NatFromInt64(-rounded), false)
			}
			bins[i].count = modq.AddMod(bins[i].count, delta)
		}
	}
	sc.noisePending = false
	return nil
}

// DetachBlindingShares returns the per-SK share table generated by
// GenerateBlindingShares, then severs sc's reference to it. The caller
// (the DC round driver) is responsible for RSA-OAEP encrypting each share
// to its SK before sending it on.
func (sc *SecureCounters) DetachBlindingShares() map[string]Share {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	shares := sc.shares
	sc.shares = nil
	return shares
}

// ImportBlindingShare derives the additive inverse mod Q of each bin value
// in share and adds it into sc. Must only be called by share keepers.
// Returns false (never an error) if share's counter set or shapes do not
// match sc's configuration, matching the original's "abort the round on
// shape mismatch" contract.
func (sc *SecureCounters) ImportBlindingShare(share Share) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.cells == nil {
		return false
	}
	if !sc.matchesShape(share.Secret) {
		return false
	}
	unblinding := make(Snapshot, len(share.Secret))
	for name, row := range share.Secret {
		out := make([]BinCount, len(row))
		for i, bc := range row {
			inv := modq.DeriveBlindingFactor(modq.NatFromBig(bc.Count), false)
			out[i] = BinCount{Lo: bc.Lo, Hi: bc.Hi, Count: modq.NatToBig(inv)}
		}
		unblinding[name] = out
	}
	return sc.addInto(unblinding) == nil
}

// Increment locates the unique bin containing binKey in counter
// counterName and adds inc mod Q. A single-bin counter ignores any
// non-sentinel key (silently, not an error). Unknown counter names are
// silently ignored too, so rapid counter-set changes at the TS don't
// crash a long-lived DC mid-round; counter sets are instead validated
// once at round START (Config.ValidateAgainst). Increments issued after
// DetachCounts are no-ops.
func (sc *SecureCounters) Increment(counterName string, binKey float64, inc int64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.cells == nil {
		return
	}
	bins, ok := sc.cells[counterName]
	if !ok {
		return
	}
	if len(bins) == 1 {
		if !IsSingleBinKey(binKey) {
			return
		}
		binKey = bins[0].lo
	} else if IsSingleBinKey(binKey) {
		panic("counters: multi-bin counter requires a real bin key")
	}
	var delta *saferith.Nat
	if inc >= 0 {
		delta = modq.NatFromInt64(inc)
	} else {
		delta = modq.DeriveBlindingFactor(modq.NatFromInt64(-inc), false)
	}
	for i := range bins {
		b := Bin{Lo: bins[i].lo, Hi: bins[i].hi}
		if b.Contains(binKey) {
			bins[i].count = modq.AddMod(bins[i].count, delta)
			return
		}
	}
}

// TallyCounters sums each bin across snapshots mod Q into sc's own cells.
// The cells stay in the unsigned range [0, Q); DetachSignedCounts maps them
// to the signed range [-Q/2, Q/2). Called once, by the tally server, after
// every participating DC and SK has reported its snapshot.
func (sc *SecureCounters) TallyCounters(snapshots []Snapshot) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.cells == nil {
		return fmt.Errorf("counters: already detached")
	}
	for _, snap := range snapshots {
		if err := sc.addInto(snap); err != nil {
			return err
		}
	}
	return nil
}

// DetachCounts asserts that noise is not pending, then returns and clears
// sc's counters. Any Increment call after this is a no-op.
func (sc *SecureCounters) DetachCounts() Snapshot {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.noisePending {
		panic("counters: detach called while noise is still pending")
	}
	out := make(Snapshot, len(sc.cells))
	for name, bins := range sc.cells {
		row := make([]BinCount, len(bins))
		for i, b := range bins {
			row[i] = BinCount{Lo: b.lo, Hi: b.hi, Count: modq.NatToBig(b.count)}
		}
		out[name] = row
	}
	sc.cells = nil
	return out
}

// DetachSignedCounts is DetachCounts followed by per-bin signed recovery;
// the tally server calls this instead of DetachCounts, since its counters
// were accumulated via TallyCounters rather than Increment/GenerateNoise.
func (sc *SecureCounters) DetachSignedCounts() Snapshot {
	snap := sc.DetachCounts()
	for name, row := range snap {
		for i, bc := range row {
			row[i].Count = modq.AdjustSigned(modq.NatFromBig(bc.Count))
		}
		snap[name] = row
	}
	return snap
}
