// Package datacollector implements PrivCount's data-collector role: it
// accumulates per-event secure counters over a collection round, blinds
// and distributes shares to the round's share keepers, adds its own
// calibrated noise exactly once, and reports its final counts to the
// tally server at STOP.
//
// Feeding events into a round's counters is the caller's job (see Client's
// Increment and IncrementTrafficModel methods): parsing the Tor control
// port's event stream is an external collaborator, out of scope here.
package datacollector

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/privcount/core/internal/config"
	"github.com/privcount/core/pkg/counters"
	"github.com/privcount/core/pkg/cryptutil"
	"github.com/privcount/core/pkg/logging"
	"github.com/privcount/core/pkg/round"
	"github.com/privcount/core/pkg/trafficmodel"
	"github.com/privcount/core/pkg/wire"
)

const defaultCheckinPeriod = 30 * time.Second

// Client drives PrivCount's data-collector role against one tally server.
type Client struct {
	cfg *config.DataCollector
	log *logging.Logger

	// authorizedSKDigests maps each configured share keeper's UID to the
	// SHA-256 digest of the public key file cfg.ShareKeepers names it, so
	// a TS-supplied key can be checked against the DC's own trust store.
	authorizedSKDigests map[string]string

	writeMu sync.Mutex

	mu            sync.Mutex
	sc            *counters.SecureCounters
	model         *trafficmodel.Model
	checkinPeriod time.Duration
	ipWindow      *IPRotationWindow
}

// ipRotationPeriod matches the original's fixed 600-second circuit-window
// rotation cadence.
const ipRotationPeriod = 600 * time.Second

// NewClient validates that every share keeper named in cfg.ShareKeepers has
// a loadable public key file, and precomputes each one's digest for the
// START-time authorization check spec §4.4 describes.
func NewClient(cfg *config.DataCollector) (*Client, error) {
	digests := make(map[string]string, len(cfg.ShareKeepers))
	for uid, path := range cfg.ShareKeepers {
		pub, err := cryptutil.LoadPublicKeyFile(path)
		if err != nil {
			return nil, fmt.Errorf("datacollector: loading share keeper %s key: %w", uid, err)
		}
		digest, err := cryptutil.PublicDigest(pub)
		if err != nil {
			return nil, fmt.Errorf("datacollector: digesting share keeper %s key: %w", uid, err)
		}
		digests[uid] = digest
	}
	return &Client{
		cfg:                 cfg,
		log:                 logging.New("data_collector: "),
		authorizedSKDigests: digests,
		ipWindow:            NewIPRotationWindow(time.Now()),
	}, nil
}

// WithTrafficModel attaches a traffic model for stream-level Viterbi
// decoding; IncrementTrafficModel is a no-op without one.
func (c *Client) WithTrafficModel(m *trafficmodel.Model) *Client {
	c.mu.Lock()
	c.model = m
	c.mu.Unlock()
	return c
}

// Run connects to the tally server and services it until ctxDone closes or
// an unrecoverable protocol error occurs, reconnecting with a fixed
// backoff after a dropped connection.
func (c *Client) Run(ctxDone <-chan struct{}) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.TallyServerInfo.IP, c.cfg.TallyServerInfo.Port)
	for {
		select {
		case <-ctxDone:
			return nil
		default:
		}
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			c.log.Warning("connecting to %s: %v", addr, err)
			time.Sleep(5 * time.Second)
			continue
		}
		if err := c.serveConnection(conn, ctxDone); err != nil {
			c.log.Warning("connection to %s ended: %v", addr, err)
		}
		conn.Close()
		select {
		case <-ctxDone:
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}

func (c *Client) writeLine(wc *wire.Conn, line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wc.WriteLine(line)
}

func (c *Client) serveConnection(conn net.Conn, ctxDone <-chan struct{}) error {
	wc := wire.NewConn(conn)
	if err := wire.ClientHandshake(wc); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	status, err := wire.EncodeStatus(wire.Status{
		"name":        c.cfg.Name,
		"type":        "DataCollector",
		"fingerprint": c.cfg.Fingerprint,
	})
	if err != nil {
		return err
	}
	if err := c.writeLine(wc, status); err != nil {
		return err
	}
	ackLine, err := wc.ReadLine()
	if err != nil {
		return fmt.Errorf("reading registration ack: %w", err)
	}
	c.applyCheckinAck(wire.ParseEvent(ackLine))
	c.log.Info("registered with tally server as %s", c.cfg.Name)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat(wc, stop)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.rotateIPWindowPeriodically(stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		select {
		case <-ctxDone:
			return nil
		default:
		}
		line, err := wc.ReadLine()
		if err != nil {
			return err
		}
		if err := c.dispatch(wc, wire.ParseEvent(line)); err != nil {
			return err
		}
	}
}

func (c *Client) applyCheckinAck(ev wire.Event) {
	if ev.Type != "CHECKIN" {
		return
	}
	seconds, err := wire.DecodeCheckinPeriod(ev.Payload)
	if err != nil || seconds <= 0 {
		return
	}
	c.mu.Lock()
	c.checkinPeriod = time.Duration(seconds) * time.Second
	c.mu.Unlock()
}

func (c *Client) currentCheckinPeriod() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkinPeriod <= 0 {
		return defaultCheckinPeriod
	}
	return c.checkinPeriod
}

func (c *Client) heartbeat(wc *wire.Conn, stop <-chan struct{}) {
	timer := time.NewTimer(c.currentCheckinPeriod())
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			status, err := wire.EncodeStatus(wire.Status{
				"name":        c.cfg.Name,
				"type":        "DataCollector",
				"fingerprint": c.cfg.Fingerprint,
			})
			if err != nil {
				c.log.Error("encoding heartbeat status: %v", err)
			} else if err := c.writeLine(wc, status); err != nil {
				c.log.Warning("sending heartbeat: %v", err)
				return
			}
			timer.Reset(c.currentCheckinPeriod())
		}
	}
}

func (c *Client) dispatch(wc *wire.Conn, ev wire.Event) error {
	switch ev.Type {
	case "START":
		return c.handleStart(wc, ev.Payload)
	case "STOP":
		return c.handleStop(wc, ev.Payload)
	case "CHECKIN":
		c.applyCheckinAck(ev)
		return nil
	default:
		return fmt.Errorf("datacollector: unexpected event %q", ev.Type)
	}
}

// startResult is the wire shape of a data collector's START SUCCESS
// payload: one hybrid-encrypted blinding share per share keeper.
type startResult struct {
	Shares map[string]json.RawMessage `json:"shares"`
}

// handleStart verifies the tally server's claimed share keeper keys
// against our own trust store, builds this round's secure counters,
// generates and encrypts a blinding share for each share keeper, generates
// our noise contribution exactly once using our own fingerprint's weight,
// and reports the encrypted shares back. Any verification failure aborts
// the round (spec §9 Open Question (a): fail-closed, no participation).
func (c *Client) handleStart(wc *wire.Conn, payload string) error {
	var cfg round.DCStartConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return fmt.Errorf("datacollector: decoding START: %w", err)
	}

	skPublicKeys, err := c.verifyShareKeeperKeys(cfg.ShareKeepers)
	if err != nil {
		c.log.Error("share keeper key verification failed: %v", err)
		return c.replyStartFail(wc)
	}

	weight, ok := cfg.NoiseWeight[c.cfg.Fingerprint]
	if !ok {
		weight, ok = cfg.NoiseWeight["*"]
	}
	if !ok {
		c.log.Warning("tally server did not provide a noise weight for fingerprint %s, not counting this round", c.cfg.Fingerprint)
		return c.replyStartFail(wc)
	}

	sc := counters.New(cfg.Counters, true)
	skUIDs := make([]string, 0, len(skPublicKeys))
	for uid := range skPublicKeys {
		skUIDs = append(skUIDs, uid)
	}
	if err := sc.GenerateBlindingShares(skUIDs); err != nil {
		c.log.Error("generating blinding shares: %v", err)
		return c.replyStartFail(wc)
	}
	if err := sc.GenerateNoise(weight); err != nil {
		c.log.Error("generating noise: %v", err)
		return c.replyStartFail(wc)
	}

	rawShares := sc.DetachBlindingShares()
	encrypted := make(map[string]json.RawMessage, len(rawShares))
	for uid, share := range rawShares {
		pub := skPublicKeys[uid]
		env, err := cryptutil.Encrypt(pub, share)
		if err != nil {
			c.log.Error("encrypting share for %s: %v", uid, err)
			return c.replyStartFail(wc)
		}
		envJSON, err := json.Marshal(env)
		if err != nil {
			return err
		}
		encrypted[uid] = envJSON
	}

	c.mu.Lock()
	c.sc = sc
	c.mu.Unlock()

	reply, err := wire.EncodeStartResult(startResult{Shares: encrypted})
	if err != nil {
		return err
	}
	return c.writeLine(wc, reply)
}

func (c *Client) replyStartFail(wc *wire.Conn) error {
	reply, err := wire.EncodeStartResult(nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sc = nil
	c.mu.Unlock()
	return c.writeLine(wc, reply)
}

// verifyShareKeeperKeys decodes each base64 PEM key the tally server
// handed us and checks its digest against the one we computed from our own
// configured ShareKeepers trust store at startup, rejecting any key the TS
// didn't tell us about or that doesn't match.
func (c *Client) verifyShareKeeperKeys(b64PEMByUID map[string]string) (map[string]*rsa.PublicKey, error) {
	out := make(map[string]*rsa.PublicKey, len(b64PEMByUID))
	for uid, b64pem := range b64PEMByUID {
		wantDigest, ok := c.authorizedSKDigests[uid]
		if !ok {
			return nil, fmt.Errorf("share keeper %s is not in our trust store", uid)
		}
		pemBytes, err := base64.StdEncoding.DecodeString(b64pem)
		if err != nil {
			return nil, fmt.Errorf("share keeper %s: decoding key: %w", uid, err)
		}
		pub, err := cryptutil.LoadPublicKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("share keeper %s: %w", uid, err)
		}
		digest, err := cryptutil.PublicDigest(pub)
		if err != nil {
			return nil, fmt.Errorf("share keeper %s: %w", uid, err)
		}
		if digest != wantDigest {
			return nil, fmt.Errorf("share keeper %s key digest mismatch", uid)
		}
		out[uid] = pub
	}
	return out, nil
}

// handleStop detaches this round's counters and reports them, unless the
// tally server tells us the round ended in error, in which case we discard
// them without reporting a value.
func (c *Client) handleStop(wc *wire.Conn, payload string) error {
	var cfg round.StopConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return fmt.Errorf("datacollector: decoding STOP: %w", err)
	}

	c.mu.Lock()
	sc := c.sc
	c.sc = nil
	c.mu.Unlock()

	if sc == nil || !cfg.SendCounters {
		reply, err := wire.EncodeStopResult(nil)
		if err != nil {
			return err
		}
		return c.writeLine(wc, reply)
	}

	snapshot := sc.DetachCounts()
	reply, err := wire.EncodeStopResult(snapshot)
	if err != nil {
		return err
	}
	return c.writeLine(wc, reply)
}

// rotateIPWindowPeriodically rotates the client-IP window on a fixed
// cadence, tallying the fully-elapsed window into whatever round is
// currently active (a no-op between rounds).
func (c *Client) rotateIPWindowPeriodically(stop <-chan struct{}) {
	ticker := time.NewTicker(ipRotationPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			sc := c.sc
			c.mu.Unlock()
			c.ipWindow.Rotate(now, sc)
		}
	}
}

// RecordEntryCircuit feeds one completed entry-position circuit's client
// IP into the rotation window; see IPRotationWindow.
func (c *Client) RecordEntryCircuit(ip string, isActive bool, start time.Time) {
	c.ipWindow.RecordEntryCircuit(ip, isActive, start)
}

// Increment feeds one event-derived increment into the active round's
// counters. A no-op if no round is active, matching the original's
// tolerant behavior toward events that straddle a round boundary.
func (c *Client) Increment(counterName string, binKey float64, inc int64) {
	c.mu.Lock()
	sc := c.sc
	c.mu.Unlock()
	if sc == nil {
		return
	}
	sc.Increment(counterName, binKey, inc)
}

// IncrementTrafficModel decodes one stream's packet bundles through the
// attached traffic model's Viterbi path and increments its counters. A
// no-op if no round or no model is active.
func (c *Client) IncrementTrafficModel(bundles []trafficmodel.Bundle) error {
	c.mu.Lock()
	sc, model := c.sc, c.model
	c.mu.Unlock()
	if sc == nil || model == nil {
		return nil
	}
	states := model.RunViterbi(bundles)
	if states == nil {
		return nil
	}
	return model.IncrementTrafficCounters(bundles, states, sc)
}
