// Package config holds the per-role YAML configuration records for the
// tally server, data collectors, and share keepers, matching the original's
// refresh_config per-role YAML loading (tally_server.py, data_collector.py,
// share_keeper.py), but as explicit Go records rather than a duck-typed
// dict, per the teacher's config.Config shape
// (protocols/lss/config/config.go: struct + Validate() + Copy()).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/privcount/core/pkg/counters"
	"github.com/privcount/core/pkg/noise"
	"github.com/privcount/core/pkg/round"
)

// DefaultEventPeriod and DefaultCheckinPeriod match the original's
// ts_conf.setdefault defaults.
const (
	DefaultEventPeriod   = 60 * time.Second
	DefaultCheckinPeriod = 60 * time.Second
)

// Duration is a time.Duration that decodes from YAML either as a bare
// number of seconds (the original's convention: collect_period, event_period,
// etc. are plain numbers of seconds) or as a Go duration string ("1h30m")
// for operator convenience.
type Duration time.Duration

// AsDuration converts d to a time.Duration for use in the standard library's
// timer/ticker APIs.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds float64
	if err := node.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a number of seconds or a duration string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// PrivacyBudget is the (epsilon, delta) global privacy budget plus the
// worst-case number of colluding data collectors, read from a role's
// "privacy" YAML block when noise.Allocate should compute fresh sigmas
// rather than using pre-calculated ones.
type PrivacyBudget struct {
	Epsilon          float64 `yaml:"epsilon"`
	Delta            float64 `yaml:"delta"`
	ExcessNoiseRatio float64 `yaml:"excess_noise_ratio"`
}

// CounterPrivacyParams is one counter's (sensitivity, expected_value) pair
// for noise.Allocate: the upper bound on how much one user's data can
// change the counter in one round, and its anticipated true value, matching
// compute_noise.py's stats_parameters tuples. This is keyed by counter
// name, unlike TallyServer.NoiseWeight, which is keyed by DC fingerprint —
// the two are disjoint concepts and must not be confused.
type CounterPrivacyParams struct {
	Sensitivity   float64 `yaml:"sensitivity"`
	ExpectedValue float64 `yaml:"expected_value"`
}

// Common holds the fields every role's config shares.
type Common struct {
	Name                   string   `yaml:"name"`
	KeyPath                string   `yaml:"key"`
	CertPath               string   `yaml:"cert"`
	StatePath              string   `yaml:"state"`
	SecretHandshakePath    string   `yaml:"secret_handshake"`
	DelayPeriod            Duration `yaml:"delay_period"`
	AlwaysDelay            bool     `yaml:"always_delay"`
	SigmaDecreaseTolerance float64  `yaml:"sigma_decrease_tolerance"`
}

// TallyServerInfo is how a DC or SK locates its tally server.
type TallyServerInfo struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

// TallyServer is the tally server's configuration record.
type TallyServer struct {
	Common `yaml:",inline"`

	ListenPort     int                             `yaml:"listen_port"`
	DCThreshold    int                             `yaml:"dc_threshold"`
	SKThreshold    int                             `yaml:"sk_threshold"`
	CollectPeriod  Duration                        `yaml:"collect_period"`
	EventPeriod    Duration                        `yaml:"event_period"`
	CheckinPeriod  Duration                        `yaml:"checkin_period"`
	ClockPadding   Duration                        `yaml:"clock_padding"`
	NoiseWeight    map[string]float64              `yaml:"noise_weight"`
	Counters       counters.Config                 `yaml:"counters"`
	Privacy        *PrivacyBudget                  `yaml:"privacy"`
	NoiseParams    map[string]CounterPrivacyParams `yaml:"noise_params"`
	Sigmas         map[string]float64              `yaml:"sigmas"`
	ResultsDir     string                          `yaml:"results"`
	AllocationPath string                          `yaml:"allocation"`
	Continue       bool                            `yaml:"continue"`
}

// Validate applies the defaulting and range-checks refresh_config performs,
// and computes a per-counter Noise allocation if Privacy is set rather than
// pre-calculated Sigmas.
func (c *TallyServer) Validate() error {
	if c.CollectPeriod <= 0 {
		return fmt.Errorf("config: collect_period must be positive")
	}
	if c.EventPeriod == 0 {
		c.EventPeriod = Duration(DefaultEventPeriod)
	}
	if c.CheckinPeriod == 0 {
		c.CheckinPeriod = Duration(DefaultCheckinPeriod)
	}
	if eventMax := c.CollectPeriod / 2; c.EventPeriod > eventMax {
		c.EventPeriod = eventMax
	}
	if checkinMax := c.CollectPeriod / 2; c.CheckinPeriod > checkinMax {
		c.CheckinPeriod = checkinMax
	}
	if c.DelayPeriod <= 0 {
		c.DelayPeriod = c.CollectPeriod
	}
	if c.SigmaDecreaseTolerance == 0 {
		c.SigmaDecreaseTolerance = round.DefaultSigmaDecreaseTolerance
	}
	if c.ListenPort <= 0 {
		return fmt.Errorf("config: listen_port must be positive")
	}
	if c.SKThreshold <= 0 {
		return fmt.Errorf("config: sk_threshold must be positive")
	}
	if c.DCThreshold <= 0 {
		return fmt.Errorf("config: dc_threshold must be positive")
	}
	if c.NoiseWeight == nil {
		return fmt.Errorf("config: noise_weight is required")
	}
	if err := c.Counters.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.Privacy != nil {
		params := make(map[string]noise.CounterParams, len(c.Counters))
		for name := range c.Counters {
			p, ok := c.NoiseParams[name]
			if !ok {
				return fmt.Errorf("config: counter %s has no noise_params entry", name)
			}
			if p.Sensitivity <= 0 {
				return fmt.Errorf("config: counter %s sensitivity must be positive", name)
			}
			params[name] = noise.CounterParams{Sensitivity: p.Sensitivity, ExpectedValue: p.ExpectedValue}
		}
		alloc, err := noise.Allocate(c.Privacy.Epsilon, c.Privacy.Delta, params, c.Privacy.ExcessNoiseRatio)
		if err != nil {
			return fmt.Errorf("config: noise allocation: %w", err)
		}
		for name, sigma := range alloc.Sigmas {
			cc := c.Counters[name]
			cc.Sigma = sigma
			c.Counters[name] = cc
		}
	} else if c.Sigmas != nil {
		for name, sigma := range c.Sigmas {
			cc, ok := c.Counters[name]
			if !ok {
				continue
			}
			cc.Sigma = sigma
			c.Counters[name] = cc
		}
	}
	return nil
}

// DataCollector is a data collector's configuration record.
type DataCollector struct {
	Common `yaml:",inline"`

	TallyServerInfo  TallyServerInfo   `yaml:"tally_server_info"`
	EventSource      string            `yaml:"event_source"`
	ShareKeepers     map[string]string `yaml:"share_keepers"`      // sk_uid -> public key path
	Fingerprint      string            `yaml:"fingerprint"`        // this relay's noise_weight lookup key
	TrafficModelPath string            `yaml:"traffic_model_path"` // JSON file holding a trafficmodel.Config; empty disables it
}

// Validate applies the defaulting and range-checks data_collector.py's
// refresh_config performs.
func (c *DataCollector) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: name is required")
	}
	if c.TallyServerInfo.IP == "" {
		return fmt.Errorf("config: tally_server_info.ip is required")
	}
	if c.TallyServerInfo.Port <= 0 {
		return fmt.Errorf("config: tally_server_info.port must be positive")
	}
	if c.EventSource == "" {
		return fmt.Errorf("config: event_source is required")
	}
	if len(c.ShareKeepers) == 0 {
		return fmt.Errorf("config: share_keepers is required")
	}
	if c.SigmaDecreaseTolerance == 0 {
		c.SigmaDecreaseTolerance = round.DefaultSigmaDecreaseTolerance
	}
	return nil
}

// ShareKeeper is a share keeper's configuration record.
type ShareKeeper struct {
	Common `yaml:",inline"`

	TallyServerInfo TallyServerInfo `yaml:"tally_server_info"`
}

// Validate applies share_keeper.py's refresh_config checks.
func (c *ShareKeeper) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: name is required")
	}
	if c.TallyServerInfo.IP == "" {
		return fmt.Errorf("config: tally_server_info.ip is required")
	}
	if c.TallyServerInfo.Port <= 0 {
		return fmt.Errorf("config: tally_server_info.port must be positive")
	}
	if c.SigmaDecreaseTolerance == 0 {
		c.SigmaDecreaseTolerance = round.DefaultSigmaDecreaseTolerance
	}
	return nil
}

// LoadTallyServer reads and validates a tally server config file. The YAML
// document is expected to have a top-level "tally_server" key, matching the
// original's per-role top-level key convention.
func LoadTallyServer(path string) (*TallyServer, error) {
	var doc struct {
		TallyServer TallyServer `yaml:"tally_server"`
	}
	if err := loadYAML(path, &doc); err != nil {
		return nil, err
	}
	if err := doc.TallyServer.Validate(); err != nil {
		return nil, err
	}
	return &doc.TallyServer, nil
}

// LoadDataCollector reads and validates a data collector config file.
func LoadDataCollector(path string) (*DataCollector, error) {
	var doc struct {
		DataCollector DataCollector `yaml:"data_collector"`
	}
	if err := loadYAML(path, &doc); err != nil {
		return nil, err
	}
	if err := doc.DataCollector.Validate(); err != nil {
		return nil, err
	}
	return &doc.DataCollector, nil
}

// LoadShareKeeper reads and validates a share keeper config file.
func LoadShareKeeper(path string) (*ShareKeeper, error) {
	var doc struct {
		ShareKeeper ShareKeeper `yaml:"share_keeper"`
	}
	if err := loadYAML(path, &doc); err != nil {
		return nil, err
	}
	if err := doc.ShareKeeper.Validate(); err != nil {
		return nil, err
	}
	return &doc.ShareKeeper, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
