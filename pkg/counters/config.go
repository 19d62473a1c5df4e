// Package counters implements the Secure Counter Engine: histogram counter
// configuration, additive mod-Q blinding shares, noise injection, and
// signed tally recovery.
package counters

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SingleBinKey is the sentinel bin key passed to Increment for a counter
// with exactly one bin. It is outside the range of every possible finite
// bin, so it can never collide with a real bin key.
var SingleBinKey = math.NaN()

// IsSingleBinKey reports whether key is the single-bin sentinel.
func IsSingleBinKey(key float64) bool {
	return math.IsNaN(key)
}

// SanityCheckCounterName names a zero-sensitivity counter that can be used
// to smoke-test that the noise/tally pipeline round-trips end to end,
// independent of any domain-specific counter. Nothing in this module adds
// it to a counter set automatically.
const SanityCheckCounterName = "SanityCheckCounter"

// Bin is a half-open interval [Lo, Hi) that a counter increments fall into.
// Hi may be +Inf, in which case the bin includes +Inf itself.
type Bin struct {
	Lo float64
	Hi float64
}

// Contains reports whether value falls in [b.Lo, b.Hi), with the
// convention that Hi == +Inf also matches +Inf.
func (b Bin) Contains(value float64) bool {
	if value < b.Lo {
		return false
	}
	return value < b.Hi || math.IsInf(b.Hi, 1)
}

// UnmarshalYAML decodes a Bin from its config-file shape, a two-element
// sequence [lo, hi], where either endpoint may be a bare number or one of
// the literal infinity spellings ("+Inf", "Infinity", ".inf").
func (b *Bin) UnmarshalYAML(value *yaml.Node) error {
	var raw []yaml.Node
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("counters: bin must be a [lo, hi] sequence: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("counters: bin must have exactly 2 elements, got %d", len(raw))
	}
	lo, err := decodeBinEndpoint(&raw[0])
	if err != nil {
		return err
	}
	hi, err := decodeBinEndpoint(&raw[1])
	if err != nil {
		return err
	}
	b.Lo, b.Hi = lo, hi
	return nil
}

func decodeBinEndpoint(node *yaml.Node) (float64, error) {
	switch strings.ToLower(strings.TrimPrefix(node.Value, "+")) {
	case "inf", ".inf", "infinity":
		return math.Inf(1), nil
	case "-inf", "-.inf", "-infinity":
		return math.Inf(-1), nil
	}
	var f float64
	if err := node.Decode(&f); err != nil {
		return 0, fmt.Errorf("counters: bin endpoint %q is not numeric: %w", node.Value, err)
	}
	return f, nil
}

// CounterConfig is the bin layout and DC-side noise parameter for one named
// counter.
type CounterConfig struct {
	Bins  []Bin
	Sigma float64
}

// Config maps a counter name to its bin layout and sigma. Counter names are
// titlecase, e.g. "EntryClientIPCount".
type Config map[string]CounterConfig

// Validate checks that every counter's bins are well-formed: non-empty,
// sorted by Lo, non-overlapping, and each Lo strictly less than its Hi.
func (c Config) Validate() error {
	for name, cc := range c {
		if len(cc.Bins) == 0 {
			return fmt.Errorf("counters: %s has no bins", name)
		}
		if cc.Sigma < 0 {
			return fmt.Errorf("counters: %s has negative sigma %v", name, cc.Sigma)
		}
		prevHi := math.Inf(-1)
		for i, b := range cc.Bins {
			if !(b.Lo < b.Hi) {
				return fmt.Errorf("counters: %s bin %d has lo=%v >= hi=%v", name, i, b.Lo, b.Hi)
			}
			if i > 0 && b.Lo < prevHi {
				return fmt.Errorf("counters: %s bin %d overlaps previous bin (lo=%v < prevHi=%v)", name, i, b.Lo, prevHi)
			}
			prevHi = b.Hi
		}
	}
	return nil
}

// ValidateAgainst checks that every counter name in c is known to
// authoritative (the TS's registered set at round START), ignoring shape.
// c may be a subset of authoritative. Used at round START; Increment itself stays lenient about unknown
// names so a rolling counter-set upgrade doesn't crash a long-lived DC
// mid-round.
func (c Config) ValidateAgainst(authoritative Config) error {
	for name := range c {
		if _, ok := authoritative[name]; !ok {
			return fmt.Errorf("counters: %s is not in the authoritative counter set", name)
		}
	}
	return nil
}

// Names returns the counter names sorted lexically; used for stable
// iteration when generating deterministic JSON output.
func (c Config) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
