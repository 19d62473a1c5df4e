// Package roundstate persists the tally server's single per-round snapshot
// to disk between restarts: the "pickle-like snapshot" the spec describes,
// reimplemented here with the teacher's CBOR codec instead of Python's
// pickle.
package roundstate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/privcount/core/pkg/counters"
)

// State is the wire/on-disk shape of a tally server round, matching the
// spec's "Round state (TS)" record field-for-field.
type State struct {
	State           string                         `cbor:"state"`
	StartingTS      int64                          `cbor:"starting_ts"`
	StoppingTS      int64                          `cbor:"stopping_ts"`
	NeedShares      []string                       `cbor:"need_shares"`
	EncryptedShares map[string][]json.RawMessage   `cbor:"encrypted_shares"`
	NeedCounts      []string                       `cbor:"need_counts"`
	FinalCounts     map[string]counters.Snapshot   `cbor:"final_counts"`
	ErrorFlag       bool                           `cbor:"error_flag"`
}

// Encode serializes s to CBOR.
func Encode(s State) ([]byte, error) {
	data, err := cbor.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("roundstate: encode: %w", err)
	}
	return data, nil
}

// Decode deserializes a State previously produced by Encode.
func Decode(data []byte) (State, error) {
	var s State
	if err := cbor.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("roundstate: decode: %w", err)
	}
	return s, nil
}

// SaveFile writes s's CBOR encoding to path, replacing any existing file.
func SaveFile(path string, s State) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("roundstate: write %s: %w", path, err)
	}
	return nil
}

// LoadFile reads and decodes the State stored at path. Returns
// (State{}, false, nil) if path does not exist, matching the original's
// "no previous state on first run" behavior.
func LoadFile(path string) (State, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("roundstate: read %s: %w", path, err)
	}
	s, err := Decode(data)
	if err != nil {
		return State{}, false, err
	}
	return s, true, nil
}
