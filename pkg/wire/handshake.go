package wire

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// HandshakeMagic is the fixed multiplier both sides use to derive the
// shared handshake password from their two cookies. Its value has no
// cryptographic meaning; it exists only so that a node which doesn't know
// the formula can't forge a valid password.
const HandshakeMagic = 759.623

// round6 rounds x to 6 decimal places, matching Python's round(x, 6) as
// used throughout the original handshake, then round-trips through string
// formatting so that both peers compare on the same float64 representation
// regardless of how the value arrived (freshly computed vs. parsed off the
// wire).
func round6(x float64) float64 {
	rounded, _ := strconv.ParseFloat(strconv.FormatFloat(x, 'f', 6, 64), 64)
	return rounded
}

// randomCookie returns a cryptographically random value in [0, 1), rounded
// to 6 decimal places, matching the original's round(random.random(), 6).
// The handshake is not a security boundary on its own (see spec §4.6 / the
// Non-goals on transport security) but using a CSPRNG here costs nothing
// and avoids a predictable cookie sequence.
func randomCookie() (float64, error) {
	const scale = 1_000_000 // 6 decimal places
	n, err := rand.Int(rand.Reader, big.NewInt(scale))
	if err != nil {
		return 0, fmt.Errorf("wire: generating handshake cookie: %w", err)
	}
	return float64(n.Int64()) / scale, nil
}

// password computes the shared handshake password from both cookies.
func password(clientCookie, serverCookie float64) float64 {
	return round6(clientCookie * serverCookie * HandshakeMagic)
}

// ServerHandshake runs the server side of the HANDSHAKE1/2/3 exchange over
// conn: send our cookie, read the client's cookie and claimed password,
// verify it, and tell the client whether it succeeded. Returns nil on
// success; on a password mismatch, returns an error after having already
// sent "HANDSHAKE3 FAIL". A read error or a malformed HANDSHAKE2 returns an
// error without sending anything.
func ServerHandshake(conn *Conn) error {
	serverCookie, err := randomCookie()
	if err != nil {
		return err
	}
	if err := conn.WriteLine(fmt.Sprintf("HANDSHAKE1 %v", serverCookie)); err != nil {
		return err
	}

	line, err := conn.ReadLine()
	if err != nil {
		return fmt.Errorf("wire: reading HANDSHAKE2: %w", err)
	}
	ev := ParseEvent(line)
	parts := strings.Fields(ev.Payload)
	if ev.Type != "HANDSHAKE2" || len(parts) != 2 {
		return fmt.Errorf("wire: expected HANDSHAKE2 with 2 fields, got %q", line)
	}
	clientCookie, err1 := strconv.ParseFloat(parts[0], 64)
	clientPassword, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil {
		return fmt.Errorf("wire: malformed HANDSHAKE2 payload %q", ev.Payload)
	}

	expected := password(clientCookie, serverCookie)
	if clientPassword != expected {
		_ = conn.WriteLine("HANDSHAKE3 FAIL")
		return fmt.Errorf("wire: handshake password mismatch")
	}
	if err := conn.WriteLine("HANDSHAKE3 SUCCESS"); err != nil {
		return err
	}
	conn.AllowLongLines()
	return nil
}

// ClientHandshake runs the client side of the HANDSHAKE1/2/3 exchange.
func ClientHandshake(conn *Conn) error {
	line, err := conn.ReadLine()
	if err != nil {
		return fmt.Errorf("wire: reading HANDSHAKE1: %w", err)
	}
	ev := ParseEvent(line)
	parts := strings.Fields(ev.Payload)
	if ev.Type != "HANDSHAKE1" || len(parts) != 1 {
		return fmt.Errorf("wire: expected HANDSHAKE1 with 1 field, got %q", line)
	}
	serverCookie, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return fmt.Errorf("wire: malformed HANDSHAKE1 payload %q", ev.Payload)
	}

	clientCookie, err := randomCookie()
	if err != nil {
		return err
	}
	clientPassword := password(clientCookie, serverCookie)
	if err := conn.WriteLine(fmt.Sprintf("HANDSHAKE2 %v %v", clientCookie, clientPassword)); err != nil {
		return err
	}

	line, err = conn.ReadLine()
	if err != nil {
		return fmt.Errorf("wire: reading HANDSHAKE3: %w", err)
	}
	ev = ParseEvent(line)
	if ev.Type != "HANDSHAKE3" {
		return fmt.Errorf("wire: expected HANDSHAKE3, got %q", line)
	}
	if strings.TrimSpace(ev.Payload) != "SUCCESS" {
		return fmt.Errorf("wire: handshake rejected by server")
	}
	conn.AllowLongLines()
	return nil
}
