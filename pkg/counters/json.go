package counters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
)

// MarshalJSON renders a BinCount as the wire triple [lo, hi, count]. lo/hi
// are plain JSON numbers, except that an infinite bound is written as the
// quoted string "Infinity"/"-Infinity": encoding/json's own decoder (unlike
// Python's json module) never accepts a bare Infinity token, so a quoted
// sentinel is the only form that round-trips through Go's parser.
func (b BinCount) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	lo, err := marshalJSONFloat(b.Lo)
	if err != nil {
		return nil, err
	}
	buf.Write(lo)
	buf.WriteByte(',')
	hi, err := marshalJSONFloat(b.Hi)
	if err != nil {
		return nil, err
	}
	buf.Write(hi)
	buf.WriteByte(',')
	if b.Count == nil {
		buf.WriteString("0")
	} else {
		buf.WriteString(b.Count.String())
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalJSONFloat(f float64) ([]byte, error) {
	switch {
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	default:
		return json.Marshal(f)
	}
}

// UnmarshalJSON reverses MarshalJSON.
func (b *BinCount) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("counters: bin count must be a [lo, hi, count] triple: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("counters: bin count must have exactly 3 elements, got %d", len(raw))
	}
	lo, err := unmarshalJSONFloat(raw[0])
	if err != nil {
		return err
	}
	hi, err := unmarshalJSONFloat(raw[1])
	if err != nil {
		return err
	}
	count := new(big.Int)
	if err := count.UnmarshalJSON(raw[2]); err != nil {
		return fmt.Errorf("counters: bin count value: %w", err)
	}
	b.Lo, b.Hi, b.Count = lo, hi, count
	return nil
}

func unmarshalJSONFloat(raw json.RawMessage) (float64, error) {
	switch string(raw) {
	case `"Infinity"`, `"+Infinity"`:
		return math.Inf(1), nil
	case `"-Infinity"`:
		return math.Inf(-1), nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("counters: bin bound %s is not numeric: %w", raw, err)
	}
	return f, nil
}
