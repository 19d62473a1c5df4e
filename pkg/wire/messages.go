package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the periodic heartbeat payload exchanged between a node and its
// peer, carrying liveness and round-scheduling state. Extra fields are
// round-specific and carried as generic decoded JSON values, so each role
// reads only the keys it understands.
type Status map[string]interface{}

// StatusEvent is one parsed STATUS line: the sender's wall-clock time (used
// for clock-skew/RTT estimation) and its status payload.
type StatusEvent struct {
	SentAt time.Time
	Status Status
}

// EncodeStatus renders a STATUS line: "STATUS <unix-seconds> <json>".
func EncodeStatus(status Status) (string, error) {
	body, err := json.Marshal(status)
	if err != nil {
		return "", fmt.Errorf("wire: encoding status: %w", err)
	}
	return fmt.Sprintf("STATUS %s %s", formatUnixTime(time.Now()), body), nil
}

// DecodeStatus parses a STATUS event's payload (everything after "STATUS ").
func DecodeStatus(payload string) (StatusEvent, error) {
	parts := strings.SplitN(payload, " ", 2)
	if len(parts) != 2 {
		return StatusEvent{}, fmt.Errorf("wire: malformed STATUS payload %q", payload)
	}
	sentAt, err := parseUnixTime(parts[0])
	if err != nil {
		return StatusEvent{}, fmt.Errorf("wire: malformed STATUS timestamp: %w", err)
	}
	var status Status
	if err := json.Unmarshal([]byte(parts[1]), &status); err != nil {
		return StatusEvent{}, fmt.Errorf("wire: decoding status body: %w", err)
	}
	return StatusEvent{SentAt: sentAt, Status: status}, nil
}

// EncodeStart renders a START line carrying the round configuration a
// server sends a client.
func EncodeStart(config interface{}) (string, error) {
	body, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("wire: encoding start config: %w", err)
	}
	return fmt.Sprintf("START %s", body), nil
}

// EncodeStartResult renders a client's START reply: SUCCESS with a result
// payload, or FAIL with none.
func EncodeStartResult(result interface{}) (string, error) {
	if result == nil {
		return "START FAIL", nil
	}
	body, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("wire: encoding start result: %w", err)
	}
	return fmt.Sprintf("START SUCCESS %s", body), nil
}

// DecodeStartResult parses a client's START reply payload (everything after
// "START "). ok is false for FAIL; result is nil in that case.
func DecodeStartResult(payload string) (ok bool, result json.RawMessage, err error) {
	parts := strings.SplitN(payload, " ", 2)
	if len(parts) == 0 || parts[0] == "" {
		return false, nil, fmt.Errorf("wire: empty START reply")
	}
	if parts[0] == "FAIL" {
		return false, nil, nil
	}
	if parts[0] != "SUCCESS" || len(parts) != 2 {
		return false, nil, fmt.Errorf("wire: malformed START reply %q", payload)
	}
	return true, json.RawMessage(parts[1]), nil
}

// EncodeStop renders a STOP line carrying the round's stop configuration.
func EncodeStop(config interface{}) (string, error) {
	body, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("wire: encoding stop config: %w", err)
	}
	return fmt.Sprintf("STOP %s", body), nil
}

// EncodeStopResult renders a client's STOP reply: SUCCESS with its snapshot
// payload, or FAIL with none.
func EncodeStopResult(result interface{}) (string, error) {
	if result == nil {
		return "STOP FAIL", nil
	}
	body, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("wire: encoding stop result: %w", err)
	}
	return fmt.Sprintf("STOP SUCCESS %s", body), nil
}

// DecodeStopResult parses a client's STOP reply payload, same shape as
// DecodeStartResult.
func DecodeStopResult(payload string) (ok bool, result json.RawMessage, err error) {
	return DecodeStartResult(payload)
}

// EncodeCheckin renders the server's CHECKIN line: the number of seconds
// between the client's STATUS check-ins. The connection stays open; the
// line does not ask the client to disconnect and reconnect.
func EncodeCheckin(periodSeconds int) string {
	return fmt.Sprintf("CHECKIN %d", periodSeconds)
}

// DecodeCheckinPeriod parses a CHECKIN payload into its period in seconds.
func DecodeCheckinPeriod(payload string) (int, error) {
	period, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return 0, fmt.Errorf("wire: malformed CHECKIN payload %q: %w", payload, err)
	}
	return period, nil
}

func formatUnixTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func parseUnixTime(s string) (time.Time, error) {
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(seconds*1e9)), nil
}
