package sharekeeper_test

import (
	"crypto/rsa"
	"encoding/json"
	"math"
	"math/big"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privcount/core/internal/config"
	"github.com/privcount/core/pkg/counters"
	"github.com/privcount/core/pkg/cryptutil"
	"github.com/privcount/core/pkg/round"
	"github.com/privcount/core/pkg/sharekeeper"
	"github.com/privcount/core/pkg/wire"
)

func testCounters() counters.Config {
	return counters.Config{"Z": {Bins: []counters.Bin{{Lo: 0, Hi: math.Inf(1)}}, Sigma: 0}}
}

// fakeTSResult carries everything the main test goroutine needs to assert
// about the fake tally server's run, so the background goroutine itself
// never calls into testify (only the test goroutine does), matching the
// "capture into variables, assert after Wait" pattern pkg/wire's own
// handshake tests use for cross-goroutine checks.
type fakeTSResult struct {
	err            error
	registeredName string
	startOK        bool
	stopOK         bool
	reconstructed  *big.Int
}

// TestClientImportsShareAndReportsCounts drives a share keeper Client
// through one full round against a hand-rolled fake tally server,
// confirming it registers with a digest-derived UID, decrypts and imports
// the one blinding share it's handed, and reports a count that, once
// summed with the data collector's own snapshot, reconstructs the
// original increments — the secret-sharing round trip, exercised through
// the real wire protocol instead of in-process counters calls.
func TestClientImportsShareAndReportsCounts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dir := t.TempDir()
	cfg := &config.ShareKeeper{
		Common: config.Common{Name: "sk", KeyPath: filepath.Join(dir, "sk.key")},
		TallyServerInfo: config.TallyServerInfo{
			IP:   "127.0.0.1",
			Port: ln.Addr().(*net.TCPAddr).Port,
		},
	}
	client, err := sharekeeper.NewClient(cfg)
	require.NoError(t, err)

	skPriv, err := cryptutil.LoadPrivateKeyFile(cfg.KeyPath)
	require.NoError(t, err)
	skDigest, err := cryptutil.PublicDigest(&skPriv.PublicKey)
	require.NoError(t, err)

	done := make(chan struct{})
	resultCh := make(chan fakeTSResult, 1)

	go func() { resultCh <- runFakeTallyServer(ln, skDigest, skPriv) }()
	go func() { _ = client.Run(done) }()

	var result fakeTSResult
	select {
	case result = <-resultCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fake tally server to finish")
	}
	close(done)

	require.NoError(t, result.err)
	assert.Equal(t, skDigest, result.registeredName)
	assert.True(t, result.startOK, "expected START SUCCESS")
	assert.True(t, result.stopOK, "expected STOP SUCCESS")
	require.NotNil(t, result.reconstructed)
	assert.Equal(t, big.NewInt(7), result.reconstructed)
}

// runFakeTallyServer plays the tally server's side of one round: it
// registers the share keeper, hands it one data-collector-generated
// blinding share (encrypted to the share keeper's own key), and collects
// the reported snapshot at STOP, reconstructing the true total the same
// way the tally server itself would.
func runFakeTallyServer(ln net.Listener, skDigest string, skPriv *rsa.PrivateKey) fakeTSResult {
	var res fakeTSResult

	conn, err := ln.Accept()
	if err != nil {
		res.err = err
		return res
	}
	defer conn.Close()
	wc := wire.NewConn(conn)
	if err := wire.ServerHandshake(wc); err != nil {
		res.err = err
		return res
	}

	line, err := wc.ReadLine()
	if err != nil {
		res.err = err
		return res
	}
	ev := wire.ParseEvent(line)
	se, err := wire.DecodeStatus(ev.Payload)
	if err != nil {
		res.err = err
		return res
	}
	res.registeredName, _ = se.Status["name"].(string)
	if err := wc.WriteLine(wire.EncodeCheckin(3600)); err != nil {
		res.err = err
		return res
	}

	cfgCounters := testCounters()
	dc := counters.New(cfgCounters, true)
	if err := dc.GenerateBlindingShares([]string{skDigest}); err != nil {
		res.err = err
		return res
	}
	if err := dc.GenerateNoise(0); err != nil {
		res.err = err
		return res
	}
	for i := 0; i < 7; i++ {
		dc.Increment("Z", counters.SingleBinKey, 1)
	}
	shares := dc.DetachBlindingShares()
	dcSnap := dc.DetachCounts()

	env, err := cryptutil.Encrypt(&skPriv.PublicKey, shares[skDigest])
	if err != nil {
		res.err = err
		return res
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		res.err = err
		return res
	}

	startLine, err := wire.EncodeStart(round.SKStartConfig{
		Shares:   []json.RawMessage{envJSON},
		Counters: cfgCounters,
	})
	if err != nil {
		res.err = err
		return res
	}
	if err := wc.WriteLine(startLine); err != nil {
		res.err = err
		return res
	}
	reply, err := wc.ReadLine()
	if err != nil {
		res.err = err
		return res
	}
	res.startOK, _, err = wire.DecodeStartResult(wire.ParseEvent(reply).Payload)
	if err != nil {
		res.err = err
		return res
	}

	stopLine, err := wire.EncodeStop(round.StopConfig{SendCounters: true})
	if err != nil {
		res.err = err
		return res
	}
	if err := wc.WriteLine(stopLine); err != nil {
		res.err = err
		return res
	}
	reply, err = wc.ReadLine()
	if err != nil {
		res.err = err
		return res
	}
	var stopResult json.RawMessage
	res.stopOK, stopResult, err = wire.DecodeStopResult(wire.ParseEvent(reply).Payload)
	if err != nil {
		res.err = err
		return res
	}
	var skSnap counters.Snapshot
	if err := json.Unmarshal(stopResult, &skSnap); err != nil {
		res.err = err
		return res
	}

	ts := counters.New(cfgCounters, false)
	if err := ts.TallyCounters([]counters.Snapshot{dcSnap, skSnap}); err != nil {
		res.err = err
		return res
	}
	tally := ts.DetachSignedCounts()
	res.reconstructed = tally["Z"][0].Count
	return res
}
