package datacollector_test

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privcount/core/internal/config"
	"github.com/privcount/core/pkg/counters"
	"github.com/privcount/core/pkg/cryptutil"
	"github.com/privcount/core/pkg/datacollector"
	"github.com/privcount/core/pkg/round"
	"github.com/privcount/core/pkg/wire"
)

func testCounters() counters.Config {
	return counters.Config{"Z": {Bins: []counters.Bin{{Lo: 0, Hi: math.Inf(1)}}, Sigma: 0}}
}

type startResultPayload struct {
	Shares map[string]json.RawMessage `json:"shares"`
}

// fakeTSResult carries everything the main test goroutine needs to
// assert, so only the test goroutine itself ever calls into testify.
type fakeTSResult struct {
	err            error
	registeredName string
	startOK        bool
	shareCoversZ   bool
	stopOK         bool
	snapshotHasZ   bool
}

// TestClientStartStopRoundTrip drives a data collector Client through one
// full round against a hand-rolled fake tally server: it verifies the
// client authorizes the share keeper key it's handed (since it matches
// the trust store it was constructed with), generates and encrypts a
// blinding share for that one share keeper, and reports its incremented
// counts at STOP once told to.
func TestClientStartStopRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dir := t.TempDir()
	skKeyPath := filepath.Join(dir, "sk.key")
	skPriv, err := cryptutil.EnsureKeypair(skKeyPath)
	require.NoError(t, err)
	skPEM, err := cryptutil.PublicKeyPEM(&skPriv.PublicKey)
	require.NoError(t, err)

	const skUID = "sk1"
	cfg := &config.DataCollector{
		Common: config.Common{Name: "dc1"},
		TallyServerInfo: config.TallyServerInfo{
			IP:   "127.0.0.1",
			Port: ln.Addr().(*net.TCPAddr).Port,
		},
		EventSource:  "test",
		ShareKeepers: map[string]string{skUID: skKeyPath},
		Fingerprint:  "relay1",
	}
	client, err := datacollector.NewClient(cfg)
	require.NoError(t, err)

	done := make(chan struct{})
	resultCh := make(chan fakeTSResult, 1)
	readyForIncrement := make(chan struct{})
	incremented := make(chan struct{})

	go func() {
		resultCh <- runFakeTallyServer(ln, skUID, skPEM, skPriv, readyForIncrement, incremented)
	}()
	go func() { _ = client.Run(done) }()

	select {
	case <-readyForIncrement:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for round to start")
	}
	client.Increment("Z", counters.SingleBinKey, 3)
	close(incremented)

	var result fakeTSResult
	select {
	case result = <-resultCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fake tally server to finish")
	}
	close(done)

	require.NoError(t, result.err)
	assert.Equal(t, "dc1", result.registeredName)
	assert.True(t, result.startOK, "expected START SUCCESS")
	assert.True(t, result.shareCoversZ, "expected the decrypted share to cover counter Z")
	assert.True(t, result.stopOK, "expected STOP SUCCESS")
	assert.True(t, result.snapshotHasZ, "expected the stop snapshot to cover counter Z")
}

func runFakeTallyServer(
	ln net.Listener,
	skUID string,
	skPEM []byte,
	skPriv *rsa.PrivateKey,
	readyForIncrement chan<- struct{},
	incremented <-chan struct{},
) fakeTSResult {
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

	startCfg := round.DCStartConfig{
		ShareKeepers:  map[string]string{skUID: base64.StdEncoding.EncodeToString(skPEM)},
		Counters:      testCounters(),
		NoiseWeight:   map[string]float64{"relay1": 0},
		DCThreshold:   1,
		CollectPeriod: 60,
	}
	startLine, err := wire.EncodeStart(startCfg)
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
	var startResult json.RawMessage
	res.startOK, startResult, err = wire.DecodeStartResult(wire.ParseEvent(reply).Payload)
	if err != nil {
		res.err = err
		return res
	}
	if res.startOK {
		var parsed startResultPayload
		if err := json.Unmarshal(startResult, &parsed); err != nil {
			res.err = err
			return res
		}
		if envJSON, ok := parsed.Shares[skUID]; ok {
			var env cryptutil.Envelope
			if err := json.Unmarshal(envJSON, &env); err == nil {
				var share counters.Share
				if err := cryptutil.Decrypt(skPriv, env, &share); err == nil {
					_, res.shareCoversZ = share.Secret["Z"]
				}
			}
		}
	}

	close(readyForIncrement)
	select {
	case <-incremented:
	case <-time.After(2 * time.Second):
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
	if res.stopOK {
		var snap counters.Snapshot
		if err := json.Unmarshal(stopResult, &snap); err == nil {
			_, res.snapshotHasZ = snap["Z"]
		}
	}
	return res
}

// TestClientRejectsUnknownShareKeeper exercises the fail-closed path: a
// share keeper key the data collector never configured is refused, and
// the round is aborted with a START FAIL rather than participating with
// an unverified key.
func TestClientRejectsUnknownShareKeeper(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dir := t.TempDir()
	skKeyPath := filepath.Join(dir, "sk.key")
	_, err = cryptutil.EnsureKeypair(skKeyPath)
	require.NoError(t, err)

	cfg := &config.DataCollector{
		Common: config.Common{Name: "dc1"},
		TallyServerInfo: config.TallyServerInfo{
			IP:   "127.0.0.1",
			Port: ln.Addr().(*net.TCPAddr).Port,
		},
		EventSource:  "test",
		ShareKeepers: map[string]string{"sk1": skKeyPath},
		Fingerprint:  "relay1",
	}
	client, err := datacollector.NewClient(cfg)
	require.NoError(t, err)

	done := make(chan struct{})
	type rejectResult struct {
		err     error
		startOK bool
	}
	resultCh := make(chan rejectResult, 1)

	go func() {
		var res rejectResult
		conn, err := ln.Accept()
		if err != nil {
			res.err = err
			resultCh <- res
			return
		}
		defer conn.Close()
		wc := wire.NewConn(conn)
		if err := wire.ServerHandshake(wc); err != nil {
			res.err = err
			resultCh <- res
			return
		}

		if _, err := wc.ReadLine(); err != nil {
			res.err = err
			resultCh <- res
			return
		}
		if err := wc.WriteLine(wire.EncodeCheckin(3600)); err != nil {
			res.err = err
			resultCh <- res
			return
		}

		otherPriv, err := cryptutil.EnsureKeypair(filepath.Join(dir, "other.key"))
		if err != nil {
			res.err = err
			resultCh <- res
			return
		}
		otherPEM, err := cryptutil.PublicKeyPEM(&otherPriv.PublicKey)
		if err != nil {
			res.err = err
			resultCh <- res
			return
		}

		startCfg := round.DCStartConfig{
			ShareKeepers:  map[string]string{"sk-unknown": base64.StdEncoding.EncodeToString(otherPEM)},
			Counters:      testCounters(),
			NoiseWeight:   map[string]float64{"relay1": 0},
			DCThreshold:   1,
			CollectPeriod: 60,
		}
		startLine, err := wire.EncodeStart(startCfg)
		if err != nil {
			res.err = err
			resultCh <- res
			return
		}
		if err := wc.WriteLine(startLine); err != nil {
			res.err = err
			resultCh <- res
			return
		}

		reply, err := wc.ReadLine()
		if err != nil {
			res.err = err
			resultCh <- res
			return
		}
		res.startOK, _, res.err = wire.DecodeStartResult(wire.ParseEvent(reply).Payload)
		resultCh <- res
	}()

	go func() { _ = client.Run(done) }()

	var result rejectResult
	select {
	case result = <-resultCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fake tally server to finish")
	}
	close(done)

	require.NoError(t, result.err)
	assert.False(t, result.startOK, "expected START FAIL for an unauthorized share keeper")
}
