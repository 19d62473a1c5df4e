// Package trafficmodel implements PrivCount's hidden Markov traffic model:
// per-stream packet bundles are decoded via log-space Viterbi into a most
// likely state path, which drives a dynamically named set of secure
// counters (one per observed state/direction and state/state transition).
package trafficmodel

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/privcount/core/pkg/counters"
)

// Emission is one state's (direction-conditional) emission distribution:
// dp is the probability of emitting in this direction at all, and (mu,
// sigma) parameterize the Gaussian fit to the log of the inter-packet
// delay, in the discretized power-of-e buckets RunViterbi uses.
type Emission struct {
	DP    float64
	Mu    float64
	Sigma float64
}

// Config is a hidden Markov model definition, matching the JSON shape
// `test/traffic.model.json` in the original implementation: a state list,
// a starting distribution, a transition matrix, and a per-state,
// per-direction emission distribution.
type Config struct {
	States                []string                        `json:"states"`
	StartProbability      map[string]float64              `json:"start_probability"`
	TransitionProbability map[string]map[string]float64    `json:"transition_probability"`
	EmissionProbability   map[string]map[string]Emission   `json:"emission_probability"`
}

// Valid reports whether cfg has every field check_traffic_model_config
// requires: a non-empty state list, and all three probability tables
// present (possibly restricted to a subset of states).
func (cfg Config) Valid() bool {
	return len(cfg.States) > 0 &&
		cfg.StartProbability != nil &&
		cfg.TransitionProbability != nil &&
		cfg.EmissionProbability != nil
}

// Model is a validated, ready-to-use traffic model: Config plus the
// precomputed reverse-transition adjacency (incoming), which is all
// RunViterbi needs to visit per step.
type Model struct {
	cfg      Config
	incoming map[string]map[string]bool // dst -> set of src with trans_p[src][dst] > 0
}

// New validates model_config and precomputes its reverse-transition
// adjacency. Returns an error if the config is missing a required field
// (mirroring the original's "return None" on an invalid config).
func New(cfg Config) (*Model, error) {
	if !cfg.Valid() {
		return nil, fmt.Errorf("trafficmodel: config is missing a required field")
	}
	incoming := make(map[string]map[string]bool, len(cfg.States))
	for _, st := range cfg.States {
		incoming[st] = make(map[string]bool)
	}
	for src, row := range cfg.TransitionProbability {
		for dst, p := range row {
			if p > 0 {
				if incoming[dst] == nil {
					incoming[dst] = make(map[string]bool)
				}
				incoming[dst][src] = true
			}
		}
	}
	return &Model{cfg: cfg, incoming: incoming}, nil
}

// LoadFile reads a model Config from a JSON file at path, matching the
// original's `test/traffic.model.json` on-disk shape, and validates it.
func LoadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trafficmodel: reading %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("trafficmodel: parsing %s: %w", path, err)
	}
	return New(cfg)
}

// dynamicLabel and templateLabel pairs: each dynamic counter's name
// depends on the model's states/directions, but its noise is looked up
// under a fixed template name shared by every model instance.
const (
	templateEmissionCount     = "ExitStreamTrafficModelEmissionCount_<STATE>_<DIRECTION>"
	templateLogDelay          = "ExitStreamTrafficModelLogDelayTime_<STATE>_<DIRECTION>"
	templateSquaredLogDelay   = "ExitStreamTrafficModelSquaredLogDelayTime_<STATE>_<DIRECTION>"
	templateTransitionCount   = "ExitStreamTrafficModelTransitionCount_<SRCSTATE>_<DSTSTATE>"
	templateStartTransition   = "ExitStreamTrafficModelTransitionCount_START_<STATE>"
)

// staticCounterLabels are counted once, totaled across every state and
// direction, independent of the model's shape.
var staticCounterLabels = []string{
	"ExitStreamTrafficModelEmissionCount",
	"ExitStreamTrafficModelTransitionCount",
	"ExitStreamTrafficModelLogDelayTime",
	"ExitStreamTrafficModelSquaredLogDelayTime",
}

// DynamicCounterTemplateLabelMapping maps each of this model's
// input-dependent counter names to the fixed template name under which its
// noise parameter is specified.
func (m *Model) DynamicCounterTemplateLabelMapping() map[string]string {
	labels := make(map[string]string)
	for state, row := range m.cfg.EmissionProbability {
		for direction := range row {
			labels[fmt.Sprintf("ExitStreamTrafficModelEmissionCount_%s_%s", state, direction)] = templateEmissionCount
			labels[fmt.Sprintf("ExitStreamTrafficModelLogDelayTime_%s_%s", state, direction)] = templateLogDelay
			labels[fmt.Sprintf("ExitStreamTrafficModelSquaredLogDelayTime_%s_%s", state, direction)] = templateSquaredLogDelay
		}
	}
	for src, row := range m.cfg.TransitionProbability {
		for dst, p := range row {
			if p > 0 {
				labels[fmt.Sprintf("ExitStreamTrafficModelTransitionCount_%s_%s", src, dst)] = templateTransitionCount
			}
		}
	}
	for state, p := range m.cfg.StartProbability {
		if p > 0 {
			labels[fmt.Sprintf("ExitStreamTrafficModelTransitionCount_START_%s", state)] = templateStartTransition
		}
	}
	return labels
}

// StaticCounterTemplateLabelMapping maps each static counter name to
// itself — its noise is specified directly, with no template expansion.
func (m *Model) StaticCounterTemplateLabelMapping() map[string]string {
	labels := make(map[string]string, len(staticCounterLabels))
	for _, label := range staticCounterLabels {
		labels[label] = label
	}
	return labels
}

// AllCounterTemplateLabelMapping is the union of the dynamic and static
// mappings.
func (m *Model) AllCounterTemplateLabelMapping() map[string]string {
	all := m.DynamicCounterTemplateLabelMapping()
	for label, template := range m.StaticCounterTemplateLabelMapping() {
		all[label] = template
	}
	return all
}

// AllTemplateLabels is the set of distinct template names this model's
// counters are noised under.
func (m *Model) AllTemplateLabels() map[string]bool {
	set := make(map[string]bool)
	for _, template := range m.AllCounterTemplateLabelMapping() {
		set[template] = true
	}
	return set
}

// DynamicCounterLabels is the set of counter names this model will
// increment, restricted to those whose name depends on the model's
// states/directions.
func (m *Model) DynamicCounterLabels() map[string]bool {
	set := make(map[string]bool)
	for label := range m.DynamicCounterTemplateLabelMapping() {
		set[label] = true
	}
	return set
}

// AllCounterLabels is the set of every counter name this model will
// increment.
func (m *Model) AllCounterLabels() map[string]bool {
	set := make(map[string]bool)
	for label := range m.AllCounterTemplateLabelMapping() {
		set[label] = true
	}
	return set
}

// CheckNoiseConfig reports whether templatedNoiseConfig's "counters" table
// covers every template label this model needs.
func (m *Model) CheckNoiseConfig(templatedNoiseConfig counters.Config) bool {
	for template := range m.AllTemplateLabels() {
		if _, ok := templatedNoiseConfig[template]; !ok {
			return false
		}
	}
	return true
}

// NoiseInitConfig expands templatedNoiseConfig into a full per-counter
// noise config for every counter this model will increment, or returns an
// error if templatedNoiseConfig is missing a required template.
func (m *Model) NoiseInitConfig(templatedNoiseConfig counters.Config) (counters.Config, error) {
	if !m.CheckNoiseConfig(templatedNoiseConfig) {
		return nil, fmt.Errorf("trafficmodel: noise config is missing a required template label")
	}
	cfg := make(counters.Config)
	for label, template := range m.AllCounterTemplateLabelMapping() {
		cfg[label] = templatedNoiseConfig[template]
	}
	return cfg, nil
}

// BinsInitConfig returns the single-bin [0, +Inf) layout for every counter
// this model increments; every traffic-model counter is a plain total, not
// a histogram.
func (m *Model) BinsInitConfig() counters.Config {
	cfg := make(counters.Config)
	for label := range m.AllCounterLabels() {
		cfg[label] = counters.CounterConfig{Bins: []counters.Bin{{Lo: 0, Hi: math.Inf(1)}}}
	}
	return cfg
}
