package atom

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Frequency holds the JSON text of an atom's frequency field.
//
// Producers are not trusted to write numbers, so the original text is kept
// and interpreted lazily: numbers and numeric strings are valid, anything
// else (null, "abc", "NaN") is not.
type Frequency struct {
	raw string
}

// NewFrequency returns a Frequency holding v.
func NewFrequency(v float64) Frequency {
	return Frequency{raw: strconv.FormatFloat(v, 'f', -1, 64)}
}

// FormatFrequency returns a Frequency holding v with two decimals.
func FormatFrequency(v float64) Frequency {
	return Frequency{raw: fmt.Sprintf("%.2f", v)}
}

// RawFrequency returns a Frequency holding an arbitrary JSON literal. Text
// that is not valid JSON is stored as a JSON string.
func RawFrequency(text string) Frequency {
	if json.Valid([]byte(text)) {
		return Frequency{raw: strings.TrimSpace(text)}
	}
	quoted, _ := json.Marshal(text)
	return Frequency{raw: string(quoted)}
}

// Float returns the numeric value and whether it is usable.
func (f Frequency) Float() (float64, bool) {
	text := f.raw
	if text == "" || text == "null" {
		return 0, false
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return 0, false
		}
		text = strings.TrimSpace(s)
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// String returns the JSON text with string quotes removed.
func (f Frequency) String() string {
	if strings.HasPrefix(f.raw, `"`) {
		var s string
		if err := json.Unmarshal([]byte(f.raw), &s); err == nil {
			return s
		}
	}
	return f.raw
}

// MarshalJSON emits the stored literal, or null when empty.
func (f Frequency) MarshalJSON() ([]byte, error) {
	if f.raw == "" {
		return []byte("null"), nil
	}
	return []byte(f.raw), nil
}

// UnmarshalJSON stores the literal as-is.
func (f *Frequency) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return fmt.Errorf("frequency: invalid JSON %q", data)
	}
	f.raw = string(trimmed)
	return nil
}

// MarshalText returns the stored literal. Binary encoders (the audit log's
// CBOR snapshots) carry frequencies through this.
func (f Frequency) MarshalText() ([]byte, error) {
	return []byte(f.raw), nil
}

// UnmarshalText restores a literal produced by MarshalText.
func (f *Frequency) UnmarshalText(data []byte) error {
	f.raw = string(data)
	return nil
}
