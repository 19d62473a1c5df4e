// Package tallyserver implements PrivCount's tally-server role: it accepts
// connections from data collectors and share keepers, gates and drives
// collection rounds through pkg/round.Phase, persists round state across
// restarts via pkg/roundstate, and writes the per-round outcome files of
// spec §6.
package tallyserver

import (
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/privcount/core/internal/config"
	"github.com/privcount/core/pkg/counters"
	"github.com/privcount/core/pkg/logging"
	"github.com/privcount/core/pkg/modq"
	"github.com/privcount/core/pkg/round"
	"github.com/privcount/core/pkg/roundstate"
	"github.com/privcount/core/pkg/wire"
)

// ClientType distinguishes the two kinds of round participant the tally
// server tracks, matching the original's clients[uid]['type'] tag.
type ClientType string

const (
	ClientDataCollector ClientType = "DataCollector"
	ClientShareKeeper   ClientType = "ShareKeeper"
)

// ClientInfo is everything the tally server remembers about a connected
// node between STATUS checkins, mirroring tally_server.py's per-uid client
// dict.
type ClientInfo struct {
	Type         ClientType
	State        string
	Fingerprint  string // DC only: the noise-weight lookup key
	PublicKeyPEM []byte // SK only
	LastSeen     time.Time
	RTT          float64
	ClockSkew    float64
}

func (c *ClientInfo) dead(checkinPeriod time.Duration) bool {
	// a client not seen for 6x the checkin period is declared dead, per
	// spec §5 "Cancellation and timeouts".
	return time.Since(c.LastSeen) > 6*checkinPeriod
}

// Server drives PrivCount's tally-server role.
type Server struct {
	cfg *config.TallyServer
	log *logging.Logger

	mu      sync.Mutex
	clients map[string]*ClientInfo
	delay   *round.Delay
	phase   *round.Phase
	noiseAllocation map[string]float64
	roundsRun       int
}

// NewServer builds a Server from a validated tally server configuration. If
// a previous round's state is on disk at cfg.StatePath, it is loaded so a
// restarted server can continue requesting the counts it's still owed; a
// round resumed this way reuses cfg's current counters/noise configuration,
// since only the dynamic state (not the config in effect when the round
// started) is persisted — see DESIGN.md.
func NewServer(cfg *config.TallyServer) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		log:     logging.New("tally_server: "),
		clients: make(map[string]*ClientInfo),
		delay:   round.NewDelay(),
	}
	if cfg.StatePath != "" {
		st, ok, err := roundstate.LoadFile(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("tallyserver: loading state: %w", err)
		}
		if ok && st.State != string(round.StateStopped) && st.State != "" {
			s.log.Info("resuming round in state %s from %s", st.State, cfg.StatePath)
			s.phase = round.Import(s.roundConfig(), st)
		}
	}
	return s, nil
}

// saveState persists the current round phase, if any, to cfg.StatePath.
func (s *Server) saveState() {
	if s.cfg.StatePath == "" || s.phase == nil {
		return
	}
	if err := roundstate.SaveFile(s.cfg.StatePath, s.phase.Export()); err != nil {
		s.log.Error("saving round state: %v", err)
	}
}

// noiseEcho is the wire shape of the "noise" START field, a standalone echo
// of each counter's sigma kept separate from the bin-layout "counters"
// field, matching the original's ts_conf['noise']['counters'].
type noiseEcho struct {
	Counters map[string]float64 `json:"counters"`
}

func (s *Server) roundConfig() round.Config {
	return round.Config{
		Period:            s.cfg.CollectPeriod.AsDuration(),
		CountersConfig:    s.cfg.Counters,
		NoiseConfig:       noiseEcho{Counters: sigmaMap(s.cfg.Counters)},
		NoiseWeightConfig: s.cfg.NoiseWeight,
		DCThreshold:       s.cfg.DCThreshold,
		ClockPadding:      s.cfg.ClockPadding.AsDuration(),
	}
}

// Serve listens on cfg.ListenPort and handles connections until the
// listener is closed or an unrecoverable error occurs.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("tallyserver: listen: %w", err)
	}
	defer ln.Close()
	s.log.Info("listening on port %d", s.cfg.ListenPort)

	go s.roundLoop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("tallyserver: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// roundLoop periodically checks whether a round should be started or
// advanced, matching the original's Twisted LoopingCall that drives
// start_new_collection_phase and the collect_period expiry timer.
func (s *Server) roundLoop() {
	ticker := time.NewTicker(s.cfg.EventPeriod.AsDuration())
	defer ticker.Stop()
	for range ticker.C {
		s.tick()
	}
}

func (s *Server) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == nil {
		s.maybeStartRoundLocked()
		return
	}
	switch s.phase.State() {
	case round.StateStarted:
		if s.phase.IsExpired() {
			s.phase.Stop()
			s.saveState()
		}
	case round.StateStopped:
		s.finishRoundLocked()
	}
}

// maybeStartRoundLocked checks quorum, noise-weight, and CollectionDelay
// preconditions and starts a new round if they all hold. Failing any of
// these is a round-precondition failure (spec §7): log and keep polling,
// never fatal.
func (s *Server) maybeStartRoundLocked() {
	dcUIDs, skUIDs := s.activeUIDsLocked()
	if len(dcUIDs) < s.cfg.DCThreshold {
		return
	}
	if len(skUIDs) < s.cfg.SKThreshold {
		return
	}

	proposed, dcUIDs, err := s.effectiveNoiseWeightsLocked(dcUIDs)
	if err != nil {
		s.log.Warning("not starting round: %v", err)
		return
	}
	if len(dcUIDs) < s.cfg.DCThreshold {
		s.log.Warning("not starting round: only %d DCs have a usable noise weight, need %d", len(dcUIDs), s.cfg.DCThreshold)
		return
	}

	if !s.delay.RoundStartPermitted(proposed, time.Now(), s.cfg.DelayPeriod.AsDuration(), s.cfg.AlwaysDelay, s.cfg.SigmaDecreaseTolerance) {
		return
	}

	skPublicKeys := make(map[string][]byte, len(skUIDs))
	for _, uid := range skUIDs {
		skPublicKeys[uid] = s.clients[uid].PublicKeyPEM
	}

	s.phase = round.New(round.Config{
		Period:            s.cfg.CollectPeriod.AsDuration(),
		CountersConfig:    s.cfg.Counters,
		NoiseConfig:       noiseEcho{Counters: sigmaMap(s.cfg.Counters)},
		NoiseWeightConfig: s.cfg.NoiseWeight,
		DCThreshold:       s.cfg.DCThreshold,
		SKUIDs:            skUIDs,
		SKPublicKeys:      skPublicKeys,
		DCUIDs:            dcUIDs,
		ClockPadding:      s.cfg.ClockPadding.AsDuration(),
	})
	s.phase.Start()
	s.noiseAllocation = proposed
	s.saveState()
	s.log.Info("starting round %d with %d DCs, %d SKs", s.roundsRun+1, len(dcUIDs), len(skUIDs))
}

func sigmaMap(cfg counters.Config) map[string]float64 {
	out := make(map[string]float64, len(cfg))
	for name, cc := range cfg {
		out[name] = cc.Sigma
	}
	return out
}

// activeUIDsLocked returns the UIDs of every currently-live DC and SK.
func (s *Server) activeUIDsLocked() (dcUIDs, skUIDs []string) {
	for uid, c := range s.clients {
		if c.dead(s.cfg.CheckinPeriod.AsDuration()) {
			continue
		}
		switch c.Type {
		case ClientDataCollector:
			dcUIDs = append(dcUIDs, uid)
		case ClientShareKeeper:
			skUIDs = append(skUIDs, uid)
		}
	}
	return dcUIDs, skUIDs
}

// effectiveNoiseWeightsLocked resolves each active DC's noise weight from
// the explicit fingerprint map or the "*" default, per spec §4.3's quorum
// check and §9 Open Question (a): a DC with neither, or with a weight out
// of range, self-excludes from this round rather than blocking every other
// DC and SK from starting one — it returns the weight map and the subset
// of dcUIDs that remain usable, so the caller can re-check quorum against
// the reduced set. Only a cross-DC problem (the surviving weights' sum
// exceeding the tally modulus' ceiling) is still reported as an error,
// since no single DC's exclusion can be blamed for it.
func (s *Server) effectiveNoiseWeightsLocked(dcUIDs []string) (weights map[string]float64, usable []string, err error) {
	out := make(map[string]float64, len(dcUIDs))
	usable = make([]string, 0, len(dcUIDs))
	defaultWeight, hasDefault := s.cfg.NoiseWeight["*"]
	total := 0.0
	for _, uid := range dcUIDs {
		fp := s.clients[uid].Fingerprint
		weight, ok := s.cfg.NoiseWeight[fp]
		if !ok {
			if !hasDefault {
				s.log.Warning("dc %s has no noise weight and no default, excluding it from this round", uid)
				continue
			}
			weight = defaultWeight
		}
		if weight < 0 || weight > noiseWeightCeiling() {
			s.log.Warning("dc %s noise weight %v out of range, excluding it from this round", uid, weight)
			continue
		}
		out[uid] = weight
		usable = append(usable, uid)
		total += weight
	}
	if total > noiseWeightCeiling() {
		return nil, nil, fmt.Errorf("sum of noise weights %v exceeds max tally counter value", total)
	}
	return out, usable, nil
}

func noiseWeightCeiling() float64 {
	v, _ := new(big.Float).SetInt(modq.MaxTallyCounterValue()).Float64()
	return v
}

// finishRoundLocked tallies and writes the outcome for a just-stopped
// round, then records the round's outcome with the delay clock and clears
// phase so the next tick can consider starting a new one.
func (s *Server) finishRoundLocked() {
	exported := s.phase.Export()
	successful := !s.phase.IsError()
	if successful {
		if err := s.writeOutcome(exported); err != nil {
			s.log.Error("writing outcome: %v", err)
			successful = false
		}
	} else {
		s.log.Warning("round ended in error, no outcome written")
	}

	endTime := time.Now()
	s.delay.SetStopResult(successful, s.noiseAllocation, endTime, s.cfg.SigmaDecreaseTolerance)
	s.roundsRun++
	s.phase = nil
	s.saveState()
}

// handleConn runs one client connection: handshake, registration, then the
// request/reply loop that drives it through the current round phase.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	wc := wire.NewConn(conn)
	if err := wire.ServerHandshake(wc); err != nil {
		s.log.Warning("handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}

	uid, clientType, err := s.registerClient(wc)
	if err != nil {
		s.log.Warning("registration from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	s.log.Info("%s %s connected from %s", clientType, uid, conn.RemoteAddr())

	for {
		if err := s.driveClient(wc, uid, clientType); err != nil {
			s.log.Warning("%s %s: %v", clientType, uid, err)
			return
		}
	}
}

// registerClient reads the client's first STATUS line, records its
// identity and RTT, and replies with a CHECKIN line carrying the checkin
// period.
func (s *Server) registerClient(wc *wire.Conn) (uid string, clientType ClientType, err error) {
	line, err := wc.ReadLine()
	if err != nil {
		return "", "", fmt.Errorf("reading initial STATUS: %w", err)
	}
	ev := wire.ParseEvent(line)
	if ev.Type != "STATUS" {
		return "", "", fmt.Errorf("expected STATUS, got %q", ev.Type)
	}
	se, err := wire.DecodeStatus(ev.Payload)
	if err != nil {
		return "", "", err
	}

	name, _ := se.Status["name"].(string)
	if name == "" {
		return "", "", fmt.Errorf("STATUS missing name")
	}
	typeStr, _ := se.Status["type"].(string)
	info := &ClientInfo{Type: ClientType(typeStr), State: "active", LastSeen: time.Now()}
	if fp, ok := se.Status["fingerprint"].(string); ok {
		info.Fingerprint = fp
	}
	if pkPEM, ok := se.Status["public_key"].(string); ok {
		info.PublicKeyPEM = []byte(pkPEM)
	}

	rtt := time.Since(se.SentAt).Seconds()
	info.RTT = rtt

	s.mu.Lock()
	s.clients[name] = info
	s.mu.Unlock()

	if err := wc.WriteLine(wire.EncodeCheckin(int(s.cfg.CheckinPeriod.AsDuration().Seconds()))); err != nil {
		return "", "", err
	}
	return name, info.Type, nil
}

// driveClient handles exactly one protocol exchange with an already
// registered client: either hand it the next command the round phase owes
// it, or answer an unsolicited STATUS from it with a CHECKIN.
func (s *Server) driveClient(wc *wire.Conn, uid string, clientType ClientType) error {
	s.mu.Lock()
	cmd, kind := s.pendingCommandLocked(uid, clientType)
	s.mu.Unlock()

	if cmd != "" {
		if err := wc.WriteLine(cmd); err != nil {
			return err
		}
		line, err := wc.ReadLine()
		if err != nil {
			return err
		}
		return s.handleReply(uid, clientType, kind, line)
	}

	line, err := wc.ReadLine()
	if err != nil {
		return err
	}
	ev := wire.ParseEvent(line)
	switch ev.Type {
	case "STATUS":
		se, err := wire.DecodeStatus(ev.Payload)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if c, ok := s.clients[uid]; ok {
			c.LastSeen = time.Now()
			c.RTT = time.Since(se.SentAt).Seconds()
		}
		s.mu.Unlock()
		return wc.WriteLine(wire.EncodeCheckin(int(s.cfg.CheckinPeriod.AsDuration().Seconds())))
	default:
		return fmt.Errorf("unexpected line %q", line)
	}
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingStart
	pendingStop
)

// pendingCommandLocked returns the next START/STOP line owed to uid by the
// current round phase, or "" if nothing is pending.
func (s *Server) pendingCommandLocked(uid string, clientType ClientType) (string, pendingKind) {
	if s.phase == nil {
		return "", pendingNone
	}
	switch clientType {
	case ClientDataCollector:
		if cfg := s.phase.GetDCStartConfig(uid, s.skPublicKeysLocked()); cfg != nil {
			line, _ := wire.EncodeStart(cfg)
			return line, pendingStart
		}
	case ClientShareKeeper:
		if cfg := s.phase.GetSKStartConfig(uid); cfg != nil {
			line, _ := wire.EncodeStart(cfg)
			return line, pendingStart
		}
	}
	if cfg := s.phase.GetStopConfig(uid); cfg != nil {
		line, _ := wire.EncodeStop(cfg)
		return line, pendingStop
	}
	return "", pendingNone
}

func (s *Server) skPublicKeysLocked() map[string][]byte {
	out := make(map[string][]byte)
	for uid, c := range s.clients {
		if c.Type == ClientShareKeeper && c.PublicKeyPEM != nil {
			out[uid] = c.PublicKeyPEM
		}
	}
	return out
}

// handleReply parses a client's reply to a pending START/STOP command and
// feeds it into the round phase.
func (s *Server) handleReply(uid string, clientType ClientType, kind pendingKind, line string) error {
	ev := wire.ParseEvent(line)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == nil {
		return fmt.Errorf("reply %q with no active round", line)
	}
	switch kind {
	case pendingStart:
		if ev.Type != "START" {
			return fmt.Errorf("expected START reply, got %q", ev.Type)
		}
		ok, result, err := wire.DecodeStartResult(ev.Payload)
		if err != nil {
			return err
		}
		if !ok {
			s.phase.Stop()
			s.saveState()
			return fmt.Errorf("client %s reported START FAIL", uid)
		}
		if err := s.handleStartResult(uid, clientType, result); err != nil {
			return err
		}
		s.saveState()
		return nil
	case pendingStop:
		if ev.Type != "STOP" {
			return fmt.Errorf("expected STOP reply, got %q", ev.Type)
		}
		ok, result, err := wire.DecodeStopResult(ev.Payload)
		if err != nil {
			return err
		}
		snapshot, _ := decodeSnapshot(result)
		s.phase.StoreStopResult(uid, ok, snapshot)
		s.saveState()
		return nil
	}
	return nil
}
