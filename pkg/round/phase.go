// Package round implements the tally server's collection-round state
// machine: the new -> starting_dcs -> starting_sks -> started -> stopping
// -> stopped lifecycle, share/count bookkeeping, and the per-round START
// configuration handed to each data collector and share keeper.
package round

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/privcount/core/pkg/counters"
	"github.com/privcount/core/pkg/roundstate"
)

// State is one of the six collection-round states.
type State string

const (
	StateNew         State = "new"
	StateStartingDCs State = "starting_dcs"
	StateStartingSKs State = "starting_sks"
	StateStarted     State = "started"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

// Config is everything a Phase needs to drive one collection round,
// assembled once by the tally server before Start is called.
type Config struct {
	Period            time.Duration
	CountersConfig    counters.Config
	NoiseConfig       interface{}
	NoiseWeightConfig map[string]float64
	DCThreshold       int
	SKUIDs            []string
	SKPublicKeys      map[string][]byte // PEM bytes, keyed by SK UID
	DCUIDs            []string
	ClockPadding      time.Duration
}

// Phase is one running (or finished) collection round. All methods are
// safe for concurrent use; the tally server's connection handlers call
// into a single shared Phase as clients check in.
type Phase struct {
	mu sync.Mutex

	cfg Config

	state      State
	startingAt time.Time
	stoppingAt time.Time

	needShares      map[string]bool             // DC or SK uids still owed a START
	encryptedShares map[string][]json.RawMessage // sk_uid -> shares collected from DCs

	needCounts  map[string]bool
	finalCounts map[string]counters.Snapshot

	errorFlag bool
}

// New creates a Phase in state "new"; call Start to begin it.
func New(cfg Config) *Phase {
	return &Phase{cfg: cfg, state: StateNew, finalCounts: make(map[string]counters.Snapshot)}
}

func (p *Phase) changeState(next State) {
	p.state = next
}

// Start transitions new -> starting_dcs, requesting a blinding share from
// every configured DC. A no-op if the phase has already started.
func (p *Phase) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateNew {
		return
	}
	p.startingAt = time.Now()
	p.needShares = make(map[string]bool, len(p.cfg.DCUIDs))
	for _, uid := range p.cfg.DCUIDs {
		p.needShares[uid] = true
	}
	p.encryptedShares = make(map[string][]json.RawMessage, len(p.cfg.SKUIDs))
	p.changeState(StateStartingDCs)
}

// Stop transitions the phase toward "stopped", regardless of its current
// state. From "new" it goes directly to stopped. From "starting_dcs" or
// "starting_sks" it aborts without tallies (error_flag is set, so STOP is
// sent to every client without a counter request). From "started" it asks
// every client for its final counts.
func (p *Phase) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Phase) stopLocked() {
	if p.stoppingAt.IsZero() {
		p.stoppingAt = time.Now()
	}

	switch p.state {
	case StateNew:
		p.changeState(StateStopped)

	case StateStartingDCs, StateStartingSKs:
		p.needShares = nil
		p.encryptedShares = nil
		p.needCounts = make(map[string]bool, len(p.cfg.DCUIDs)+len(p.cfg.SKUIDs))
		for _, uid := range append(append([]string{}, p.cfg.DCUIDs...), p.cfg.SKUIDs...) {
			p.needCounts[uid] = true
		}
		p.errorFlag = true
		p.changeState(StateStopping)

	case StateStarted:
		p.needCounts = make(map[string]bool, len(p.cfg.DCUIDs)+len(p.cfg.SKUIDs))
		for _, uid := range append(append([]string{}, p.cfg.DCUIDs...), p.cfg.SKUIDs...) {
			p.needCounts[uid] = true
		}
		p.errorFlag = false
		p.changeState(StateStopping)

	case StateStopping:
		if len(p.needCounts) == 0 {
			p.changeState(StateStopped)
		}
	}
}

// StoreShares records the blinding shares reported by a DC while the phase
// is in "starting_dcs". shares maps each SK uid to the share that DC
// generated for it. Once every DC has reported, the phase advances to
// "starting_sks". Ignored (not an error) if uid isn't an outstanding DC, or
// the phase isn't in "starting_dcs" — matching the original's
// "don't add a share from the same DC twice" idempotence.
func (p *Phase) StoreShares(dcUID string, shares map[string]json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStartingDCs || !p.needShares[dcUID] {
		return
	}
	for skUID, share := range shares {
		p.encryptedShares[skUID] = append(p.encryptedShares[skUID], share)
	}
	delete(p.needShares, dcUID)
	if len(p.needShares) == 0 {
		p.needShares = make(map[string]bool, len(p.cfg.SKUIDs))
		for _, uid := range p.cfg.SKUIDs {
			p.needShares[uid] = true
		}
		p.changeState(StateStartingSKs)
	}
}

// StoreSKStarted records that a share keeper successfully received its
// shares while the phase is in "starting_sks". Once every SK has reported,
// the phase advances to "started".
func (p *Phase) StoreSKStarted(skUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStartingSKs || !p.needShares[skUID] {
		return
	}
	delete(p.needShares, skUID)
	if len(p.needShares) == 0 {
		p.changeState(StateStarted)
	}
}

// StoreStopResult records a client's STOP reply while the phase is in
// "stopping". ok is false if the client reported no counts (or reported
// them while the phase is in its error state); in either case the phase's
// error flag is raised and that client's counts are discarded. Once every
// client has reported, it runs the stop step again itself, which completes
// the "stopped" transition.
func (p *Phase) StoreStopResult(clientUID string, ok bool, snapshot counters.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStopping || !p.needCounts[clientUID] {
		return
	}
	if !ok {
		p.errorFlag = true
	} else if !p.errorFlag {
		p.finalCounts[clientUID] = snapshot
	}
	delete(p.needCounts, clientUID)
	if len(p.needCounts) == 0 {
		p.stopLocked()
	}
}

// IsParticipating reports whether clientUID is one of this phase's
// registered DCs or SKs.
func (p *Phase) IsParticipating(clientUID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, uid := range p.cfg.DCUIDs {
		if uid == clientUID {
			return true
		}
	}
	for _, uid := range p.cfg.SKUIDs {
		if uid == clientUID {
			return true
		}
	}
	return false
}

// IsExpired reports whether the phase has been running at least its
// configured period.
func (p *Phase) IsExpired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startingAt.IsZero() {
		return false
	}
	return time.Since(p.startingAt) >= p.cfg.Period
}

// IsError reports whether the phase is in its error state (no tally will
// be produced).
func (p *Phase) IsError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errorFlag
}

// IsStopped reports whether the phase has fully stopped.
func (p *Phase) IsStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateStopped
}

// State returns the phase's current state.
func (p *Phase) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// FinalCounts returns the snapshots collected from every client that
// reported successfully, once the phase has stopped without error.
func (p *Phase) FinalCounts() map[string]counters.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalCounts
}

// Export snapshots p's current state into the spec's "Round state (TS)"
// shape, suitable for roundstate.SaveFile. Set keys (need_shares,
// need_counts) are flattened to sorted-free slices; iteration order is not
// significant since callers only ever test set membership after reload.
func (p *Phase) Export() roundstate.State {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := roundstate.State{
		State:           string(p.state),
		NeedShares:      mapKeys(p.needShares),
		EncryptedShares: p.encryptedShares,
		NeedCounts:      mapKeys(p.needCounts),
		FinalCounts:     p.finalCounts,
		ErrorFlag:       p.errorFlag,
	}
	if !p.startingAt.IsZero() {
		s.StartingTS = p.startingAt.Unix()
	}
	if !p.stoppingAt.IsZero() {
		s.StoppingTS = p.stoppingAt.Unix()
	}
	return s
}

// Import restores p's state from a previously Exported snapshot. cfg must
// be re-supplied by the caller (it is not part of the persisted state,
// since it is reloaded fresh from the TS's own config file on restart).
func Import(cfg Config, s roundstate.State) *Phase {
	p := &Phase{
		cfg:             cfg,
		state:           State(s.State),
		needShares:      sliceToSet(s.NeedShares),
		encryptedShares: s.EncryptedShares,
		needCounts:      sliceToSet(s.NeedCounts),
		finalCounts:     s.FinalCounts,
		errorFlag:       s.ErrorFlag,
	}
	if s.StartingTS != 0 {
		p.startingAt = time.Unix(s.StartingTS, 0)
	}
	if s.StoppingTS != 0 {
		p.stoppingAt = time.Unix(s.StoppingTS, 0)
	}
	if p.finalCounts == nil {
		p.finalCounts = make(map[string]counters.Snapshot)
	}
	return p
}

func mapKeys(m map[string]bool) []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sliceToSet(s []string) map[string]bool {
	if s == nil {
		return nil
	}
	out := make(map[string]bool, len(s))
	for _, v := range s {
		out[v] = true
	}
	return out
}

// DCStartConfig is the START payload sent to a data collector.
type DCStartConfig struct {
	ShareKeepers  map[string]string  `json:"sharekeepers"` // sk_uid -> base64 PEM public key
	Counters      counters.Config    `json:"counters"`
	Noise         interface{}        `json:"noise"`
	NoiseWeight   map[string]float64 `json:"noise_weight"`
	DCThreshold   int                `json:"dc_threshold"`
	DeferTime     float64            `json:"defer_time"`
	CollectPeriod float64            `json:"collect_period"`
}

// SKStartConfig is the START payload sent to a share keeper.
type SKStartConfig struct {
	Shares        []json.RawMessage  `json:"shares"`
	Counters      counters.Config    `json:"counters"`
	Noise         interface{}        `json:"noise"`
	NoiseWeight   map[string]float64 `json:"noise_weight"`
	DCThreshold   int                `json:"dc_threshold"`
	CollectPeriod float64            `json:"collect_period"`
}

// GetDCStartConfig returns the DC START payload for dcUID, or nil if dcUID
// isn't an outstanding DC in "starting_dcs".
func (p *Phase) GetDCStartConfig(dcUID string, pemByUID map[string][]byte) *DCStartConfig {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStartingDCs || !p.needShares[dcUID] {
		return nil
	}
	skKeys := make(map[string]string, len(pemByUID))
	for uid, pem := range pemByUID {
		skKeys[uid] = base64.StdEncoding.EncodeToString(pem)
	}
	return &DCStartConfig{
		ShareKeepers:  skKeys,
		Counters:      p.cfg.CountersConfig,
		Noise:         p.cfg.NoiseConfig,
		NoiseWeight:   p.cfg.NoiseWeightConfig,
		DCThreshold:   p.cfg.DCThreshold,
		DeferTime:     p.cfg.ClockPadding.Seconds(),
		CollectPeriod: p.cfg.Period.Seconds(),
	}
}

// GetSKStartConfig returns the SK START payload for skUID, or nil if skUID
// isn't an outstanding SK in "starting_sks".
func (p *Phase) GetSKStartConfig(skUID string) *SKStartConfig {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStartingSKs || !p.needShares[skUID] {
		return nil
	}
	return &SKStartConfig{
		Shares:        p.encryptedShares[skUID],
		Counters:      p.cfg.CountersConfig,
		Noise:         p.cfg.NoiseConfig,
		NoiseWeight:   p.cfg.NoiseWeightConfig,
		DCThreshold:   p.cfg.DCThreshold,
		CollectPeriod: p.cfg.Period.Seconds(),
	}
}

// StopConfig is the STOP payload sent to every participating client.
type StopConfig struct {
	SendCounters bool `json:"send_counters"`
}

// GetStopConfig returns the STOP payload for clientUID, or nil if
// clientUID isn't outstanding in "stopping".
func (p *Phase) GetStopConfig(clientUID string) *StopConfig {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStopping || !p.needCounts[clientUID] {
		return nil
	}
	return &StopConfig{SendCounters: !p.errorFlag}
}
