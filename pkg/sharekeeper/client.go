// Package sharekeeper implements PrivCount's share-keeper role: it holds
// one long-term RSA keypair, decrypts the blinding shares a round's data
// collectors send it, folds them into its own SecureCounters, and reports
// the result back to the tally server at STOP.
package sharekeeper

import (
	"crypto/rsa"
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
	"github.com/privcount/core/pkg/wire"
)

// Client drives PrivCount's share-keeper role against one tally server.
type Client struct {
	cfg  *config.ShareKeeper
	priv *rsa.PrivateKey
	pem  []byte
	uid  string
	log  *logging.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	sc            *counters.SecureCounters // non-nil only while a round is in "starting_sks"/"started"/"stopping"
	checkinPeriod time.Duration
}

// defaultCheckinPeriod is used until the tally server's first CHECKIN
// reply tells us the period it actually wants.
const defaultCheckinPeriod = 30 * time.Second

// NewClient loads (or generates, on first run) the share keeper's RSA
// keypair and derives its UID as the SHA-256 digest of its public key,
// matching spec §6's "SK: key (path; auto-generated if absent), derived
// name = SHA-256 of public key bytes".
func NewClient(cfg *config.ShareKeeper) (*Client, error) {
	priv, err := cryptutil.EnsureKeypair(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("sharekeeper: %w", err)
	}
	pem, err := cryptutil.PublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("sharekeeper: %w", err)
	}
	uid, err := cryptutil.PublicDigest(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("sharekeeper: %w", err)
	}
	return &Client{cfg: cfg, priv: priv, pem: pem, uid: uid, log: logging.New("share_keeper: ")}, nil
}

// Run connects to the tally server and services it until ctxDone is
// closed or an unrecoverable protocol error occurs, reconnecting with a
// fixed backoff after a dropped connection — the original's Twisted
// ReconnectingClientFactory, reimplemented as a plain retry loop.
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

// serveConnection runs one connection's lifetime: handshake, registration,
// a heartbeat goroutine, and the blocking read/dispatch loop.
func (c *Client) serveConnection(conn net.Conn, ctxDone <-chan struct{}) error {
	wc := wire.NewConn(conn)
	if err := wire.ClientHandshake(wc); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	status, err := wire.EncodeStatus(wire.Status{
		"name":       c.uid,
		"type":       "ShareKeeper",
		"public_key": string(c.pem),
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
	c.log.Info("registered with tally server as %s", c.uid)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat(wc, stop)
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

// applyCheckinAck updates the client's heartbeat cadence from the tally
// server's CHECKIN reply; any other ack shape is ignored and the current
// cadence is kept.
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

// heartbeat sends a STATUS line on the current checkin cadence so the
// tally server's otherwise-blocking read loop has something to wake up on
// between round commands.
func (c *Client) heartbeat(wc *wire.Conn, stop <-chan struct{}) {
	timer := time.NewTimer(c.currentCheckinPeriod())
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			status, err := wire.EncodeStatus(wire.Status{"name": c.uid, "type": "ShareKeeper"})
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
	case "STATUS":
		se, err := wire.DecodeStatus(ev.Payload)
		if err != nil {
			return err
		}
		_ = se
		reply, err := wire.EncodeStatus(wire.Status{"name": c.uid, "type": "ShareKeeper"})
		if err != nil {
			return err
		}
		return c.writeLine(wc, reply)
	case "CHECKIN":
		c.applyCheckinAck(ev)
		return nil
	default:
		return fmt.Errorf("sharekeeper: unexpected event %q", ev.Type)
	}
}

// handleStart decrypts every encrypted share the tally server relayed to
// us and folds each into a fresh SecureCounters, aborting the round on any
// shape mismatch rather than silently corrupting the tally.
func (c *Client) handleStart(wc *wire.Conn, payload string) error {
	var cfg round.SKStartConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return fmt.Errorf("sharekeeper: decoding START: %w", err)
	}

	sc := counters.New(cfg.Counters, false)
	for _, raw := range cfg.Shares {
		var env cryptutil.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Error("decoding share envelope: %v", err)
			return c.replyStartFail(wc)
		}
		var share counters.Share
		if err := cryptutil.Decrypt(c.priv, env, &share); err != nil {
			c.log.Error("decrypting share: %v", err)
			return c.replyStartFail(wc)
		}
		if !sc.ImportBlindingShare(share) {
			c.log.Error("share from %s has unexpected shape, aborting round", share.SKUID)
			return c.replyStartFail(wc)
		}
	}

	c.mu.Lock()
	c.sc = sc
	c.mu.Unlock()

	reply, err := wire.EncodeStartResult(map[string]interface{}{})
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

// handleStop detaches this round's counters and reports them, unless the
// tally server tells us the round ended in error (send_counters=false), in
// which case we discard them and reply FAIL so the tally server's error
// flag (already set) stays consistent.
func (c *Client) handleStop(wc *wire.Conn, payload string) error {
	var cfg round.StopConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return fmt.Errorf("sharekeeper: decoding STOP: %w", err)
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
