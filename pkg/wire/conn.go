// Package wire implements PrivCount's line-framed wire protocol: the
// cookie-based handshake, and the STATUS/START/STOP/CHECKIN message
// exchange that drives each node's round state forward. It operates over
// any io.ReadWriter; establishing the underlying connection (including any
// TLS handshake) is the caller's responsibility.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// PreAuthMaxLine is the maximum line length accepted before a connection's
// handshake has succeeded. The handshake itself transfers very little, so
// an oversized pre-auth line is treated as an attack and the connection is
// dropped.
const PreAuthMaxLine = 256

// PostAuthMaxLine is the maximum line length accepted once a connection's
// handshake has succeeded — large enough to carry a round's full counter
// configuration or tally snapshot as one JSON payload.
const PostAuthMaxLine = 512 * 1024

// ErrLineTooLong is returned by ReadLine when an incoming line exceeds the
// connection's current length cap.
var ErrLineTooLong = fmt.Errorf("wire: line exceeds maximum length")

// Conn frames a byte stream into newline-terminated PrivCount protocol
// lines, enforcing the pre/post-handshake length caps described in
// spec §4.6 (wire protocol).
type Conn struct {
	r       *bufio.Reader
	w       io.Writer
	maxLine int
}

// NewConn wraps rw as a line-framed PrivCount connection, starting with the
// pre-auth length cap.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{r: bufio.NewReader(rw), w: rw, maxLine: PreAuthMaxLine}
}

// AllowLongLines raises the connection's length cap to PostAuthMaxLine,
// called once the handshake succeeds.
func (c *Conn) AllowLongLines() {
	c.maxLine = PostAuthMaxLine
}

// ReadLine reads one newline-terminated line, stripping the trailing
// newline (and any carriage return). Returns ErrLineTooLong, without
// consuming further input validation, if the line exceeds the connection's
// current cap — the caller should close the connection in that case.
func (c *Conn) ReadLine() (string, error) {
	var buf strings.Builder
	for {
		chunk, err := c.r.ReadString('\n')
		buf.WriteString(chunk)
		if buf.Len() > c.maxLine {
			return "", ErrLineTooLong
		}
		if err == nil {
			break
		}
		if err == io.EOF && chunk != "" {
			break
		}
		return "", err
	}
	return strings.TrimRight(buf.String(), "\r\n"), nil
}

// WriteLine writes line followed by a newline.
func (c *Conn) WriteLine(line string) error {
	if _, err := io.WriteString(c.w, line+"\n"); err != nil {
		return fmt.Errorf("wire: writing line: %w", err)
	}
	return nil
}

// Event is one parsed protocol line: a space-separated event type and the
// remainder of the line as an opaque payload.
type Event struct {
	Type    string
	Payload string
}

// ParseEvent splits a line into its event type and payload, mirroring
// `line.split(' ', 1)` in the original protocol implementation.
func ParseEvent(line string) Event {
	parts := strings.SplitN(line, " ", 2)
	ev := Event{Type: strings.TrimSpace(parts[0])}
	if len(parts) == 2 {
		ev.Payload = parts[1]
	}
	return ev
}

// String renders ev back into wire form.
func (ev Event) String() string {
	if ev.Payload == "" {
		return ev.Type
	}
	return ev.Type + " " + ev.Payload
}
