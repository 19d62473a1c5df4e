package tallyserver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/privcount/core/internal/config"
	"github.com/privcount/core/pkg/counters"
	"github.com/privcount/core/pkg/modq"
	"github.com/privcount/core/pkg/roundstate"
)

// decodeSnapshot unmarshals a client's STOP-reply payload into a Snapshot,
// matching the shape DC/SK send via wire.EncodeStopResult.
func decodeSnapshot(raw json.RawMessage) (counters.Snapshot, error) {
	if raw == nil {
		return nil, nil
	}
	var snap counters.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("tallyserver: decoding client snapshot: %w", err)
	}
	return snap, nil
}

// talliedCounter is one counter's entry in the tallies output file: its
// bins (each a [lo, hi, count] triple via counters.BinCount's MarshalJSON)
// and its noise sigma, per spec §6.
type talliedCounter struct {
	Bins  []counters.BinCount `json:"bins"`
	Sigma float64             `json:"sigma"`
}

// outcome is the top-level shape of privcount.outcome.<start>-<end>.json.
type outcome struct {
	Tally   map[string]talliedCounter `json:"Tally"`
	Context map[string]interface{}    `json:"Context"`
}

// writeOutcome sums every participating client's final counts via the
// secure counter engine, then writes both the tallies and outcome files of
// spec §6 into cfg.ResultsDir.
func (s *Server) writeOutcome(exported roundstate.State) error {
	if len(exported.FinalCounts) == 0 {
		return fmt.Errorf("no final counts to tally")
	}

	tallier := counters.New(s.cfg.Counters, false)
	snapshots := make([]counters.Snapshot, 0, len(exported.FinalCounts))
	for _, snap := range exported.FinalCounts {
		snapshots = append(snapshots, snap)
	}
	if err := tallier.TallyCounters(snapshots); err != nil {
		return fmt.Errorf("tallying counters: %w", err)
	}
	tallied := tallier.DetachSignedCounts() // map[string][]BinCount

	tally := make(map[string]talliedCounter, len(tallied))
	for name, bins := range tallied {
		tally[name] = talliedCounter{Bins: bins, Sigma: s.cfg.Counters[name].Sigma}
	}

	begin := time.Unix(exported.StartingTS, 0)
	end := time.Unix(exported.StoppingTS, 0)
	endTime := time.Now()

	if s.cfg.ResultsDir == "" {
		return fmt.Errorf("results directory not configured")
	}
	if err := os.MkdirAll(s.cfg.ResultsDir, 0o755); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}

	talliesPath := filepath.Join(s.cfg.ResultsDir, fmt.Sprintf("privcount.tallies.%d-%d.json", begin.Unix(), end.Unix()))
	talliesData, err := json.MarshalIndent(sortedTally(tally), "", "    ")
	if err != nil {
		return fmt.Errorf("encoding tallies: %w", err)
	}
	if err := os.WriteFile(talliesPath, talliesData, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", talliesPath, err)
	}

	out := outcome{
		Tally:   tally,
		Context: s.resultContext(begin, end, endTime),
	}
	outcomePath := filepath.Join(s.cfg.ResultsDir, fmt.Sprintf("privcount.outcome.%d-%d.json", begin.Unix(), end.Unix()))
	outcomeData, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}
	if err := os.WriteFile(outcomePath, outcomeData, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", outcomePath, err)
	}

	s.log.Info("tally successful, outcome of round written to %s", outcomePath)
	return nil
}

// sortedTally is a thin wrapper so json.MarshalIndent's natural map-key
// sort (which it already does for map[string]X) is documented at the call
// site, matching the original's json.dump(..., sort_keys=True).
func sortedTally(m map[string]talliedCounter) map[string]talliedCounter { return m }

// resultContext builds the outcome file's "Context" section: round timing,
// per-client-type status, and the tally server's own sanitized config,
// mirroring tally_server.py's get_result_context. Client Config echoes
// (each client's actual START payload) are not retained by this server, so
// only the client registry's own fields (type, state, last-seen) are
// included — a deliberate scope reduction from the original's full
// per-client config dump; see DESIGN.md.
func (s *Server) resultContext(begin, end, now time.Time) map[string]interface{} {
	ctx := map[string]interface{}{
		"Time": map[string]interface{}{
			"Start":           begin.Unix(),
			"Stopping":        end.Unix(),
			"End":             now.Unix(),
			"CollectStopping": end.Sub(begin).Seconds(),
			"CollectEnd":      now.Sub(begin).Seconds(),
			"StoppingDelay":   now.Sub(end).Seconds(),
			"ClockPadding":    s.cfg.ClockPadding.AsDuration().Seconds(),
		},
	}

	s.mu.Lock()
	dcs := map[string]interface{}{}
	sks := map[string]interface{}{}
	for uid, c := range s.clients {
		entry := map[string]interface{}{
			"State":    c.State,
			"LastSeen": c.LastSeen.Unix(),
		}
		switch c.Type {
		case ClientDataCollector:
			dcs[uid] = entry
		case ClientShareKeeper:
			entry["PublicKey"] = "(public key)"
			sks[uid] = entry
		}
	}
	s.mu.Unlock()
	ctx["DataCollector"] = dcs
	ctx["ShareKeeper"] = sks

	ctx["TallyServer"] = map[string]interface{}{
		"Config": sanitizedTallyServerConfig(s.cfg),
	}
	return ctx
}

// sanitizedTallyServerConfig echoes the tally server's own configuration
// with on-disk paths replaced by literal markers and raw bin layouts
// replaced by "(counter bins, no counts)", matching the original's
// redactions in get_result_context plus add_counter_limits_to_config.
func sanitizedTallyServerConfig(cfg *config.TallyServer) map[string]interface{} {
	m := map[string]interface{}{
		"name":                    cfg.Name,
		"key":                     "(key path)",
		"cert":                    "(cert path)",
		"state":                   "(state path)",
		"secret_handshake":        "(secret_handshake path)",
		"allocation":              "(allocation path)",
		"results":                 "(results path)",
		"counters":                "(counter bins, no counts)",
		"listen_port":             cfg.ListenPort,
		"dc_threshold":            cfg.DCThreshold,
		"sk_threshold":            cfg.SKThreshold,
		"collect_period":          cfg.CollectPeriod.AsDuration().Seconds(),
		"event_period":            cfg.EventPeriod.AsDuration().Seconds(),
		"checkin_period":          cfg.CheckinPeriod.AsDuration().Seconds(),
		"noise_weight":            cfg.NoiseWeight,
		"modulus":                 modq.QBig().String(),
		"min_tally_counter_value": modq.MinTallyCounterValue().String(),
		"max_tally_counter_value": modq.MaxTallyCounterValue().String(),
	}
	return m
}
