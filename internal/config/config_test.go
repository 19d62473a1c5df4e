package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privcount/core/internal/config"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "privcount.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const tallyServerYAML = `
tally_server:
  name: ts1
  listen_port: 20001
  dc_threshold: 1
  sk_threshold: 1
  collect_period: 3600s
  noise_weight:
    C: 1000
  counters:
    C:
      bins: [[0, 512], [512, 1024], [1024, +Inf]]
      sigma: 0.0
  sigmas:
    C: 5.0
`

func TestLoadTallyServerAppliesDefaultsAndSigmas(t *testing.T) {
	path := writeYAML(t, tallyServerYAML)
	ts, err := config.LoadTallyServer(path)
	require.NoError(t, err)

	assert.Equal(t, "ts1", ts.Name)
	assert.Equal(t, config.Duration(config.DefaultEventPeriod), ts.EventPeriod)
	assert.Equal(t, config.Duration(config.DefaultCheckinPeriod), ts.CheckinPeriod)
	assert.Equal(t, ts.CollectPeriod, ts.DelayPeriod)
	assert.Equal(t, 5.0, ts.Counters["C"].Sigma)
	assert.True(t, ts.Counters["C"].Bins[2].Hi > 1e300)
}

const tallyServerMissingListenPortYAML = `
tally_server:
  name: ts1
  dc_threshold: 1
  sk_threshold: 1
  collect_period: 3600s
  noise_weight:
    C: 1000
  counters:
    C:
      bins: [[0, +Inf]]
      sigma: 1.0
`

func TestLoadTallyServerRejectsMissingListenPort(t *testing.T) {
	path := writeYAML(t, tallyServerMissingListenPortYAML)
	_, err := config.LoadTallyServer(path)
	assert.Error(t, err)
}

const tallyServerPrivacyYAML = `
tally_server:
  name: ts1
  listen_port: 20001
  dc_threshold: 1
  sk_threshold: 1
  collect_period: 3600s
  noise_weight:
    relay1: 1000
  counters:
    C:
      bins: [[0, +Inf]]
      sigma: 0.0
  privacy:
    epsilon: 1.0
    delta: 1e-9
    excess_noise_ratio: 0.1
  noise_params:
    C:
      sensitivity: 1
      expected_value: 1000
`

// TestLoadTallyServerComputesSigmaFromPrivacyBudget confirms the
// privacy-budget path resolves each counter's (sensitivity, expected_value)
// from noise_params (keyed by counter name), not noise_weight (keyed by DC
// fingerprint), and that it actually produces a usable sigma.
func TestLoadTallyServerComputesSigmaFromPrivacyBudget(t *testing.T) {
	path := writeYAML(t, tallyServerPrivacyYAML)
	ts, err := config.LoadTallyServer(path)
	require.NoError(t, err)
	assert.Greater(t, ts.Counters["C"].Sigma, 0.0)
}

const tallyServerPrivacyMissingNoiseParamsYAML = `
tally_server:
  name: ts1
  listen_port: 20001
  dc_threshold: 1
  sk_threshold: 1
  collect_period: 3600s
  noise_weight:
    relay1: 1000
  counters:
    C:
      bins: [[0, +Inf]]
      sigma: 0.0
  privacy:
    epsilon: 1.0
    delta: 1e-9
`

func TestLoadTallyServerRejectsPrivacyWithoutNoiseParams(t *testing.T) {
	path := writeYAML(t, tallyServerPrivacyMissingNoiseParamsYAML)
	_, err := config.LoadTallyServer(path)
	assert.Error(t, err)
}

const dataCollectorYAML = `
data_collector:
  name: dc1
  event_source: "127.0.0.1:9051"
  tally_server_info:
    ip: 127.0.0.1
    port: 20001
  share_keepers:
    sk1: /etc/privcount/sk1.pem
`

func TestLoadDataCollectorAppliesDefaults(t *testing.T) {
	path := writeYAML(t, dataCollectorYAML)
	dc, err := config.LoadDataCollector(path)
	require.NoError(t, err)

	assert.Equal(t, "dc1", dc.Name)
	assert.Equal(t, 20001, dc.TallyServerInfo.Port)
	assert.Contains(t, dc.ShareKeepers, "sk1")
	assert.Greater(t, dc.SigmaDecreaseTolerance, 0.0)
}

const dataCollectorMissingShareKeepersYAML = `
data_collector:
  name: dc1
  event_source: "127.0.0.1:9051"
  tally_server_info:
    ip: 127.0.0.1
    port: 20001
`

func TestLoadDataCollectorRejectsMissingShareKeepers(t *testing.T) {
	path := writeYAML(t, dataCollectorMissingShareKeepersYAML)
	_, err := config.LoadDataCollector(path)
	assert.Error(t, err)
}

const shareKeeperYAML = `
share_keeper:
  name: sk1
  tally_server_info:
    ip: 127.0.0.1
    port: 20001
`

func TestLoadShareKeeper(t *testing.T) {
	path := writeYAML(t, shareKeeperYAML)
	sk, err := config.LoadShareKeeper(path)
	require.NoError(t, err)
	assert.Equal(t, "sk1", sk.Name)
	assert.Equal(t, "127.0.0.1", sk.TallyServerInfo.IP)
}
