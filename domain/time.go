package domain

import (
	"encoding/json"
	"time"
)

const pgTimestampLayout = "2006-01-02T15:04:05.999999"

// Time is a timestamp as it crosses the wire. Decoding is tolerant:
// a malformed or null value becomes the zero Time instead of failing
// the whole record. The zero value also stands in for "no timestamp"
// on nullable columns such as due_at and deleted_at.
type Time struct {
	time.Time
}

// Now returns the current moment as a wire timestamp.
func Now() Time {
	return Time{time.Now().UTC()}
}

// MarshalJSON renders RFC 3339, or null for the zero value.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts RFC 3339 and zone-less timestamps.
// Anything else decodes to the zero Time without error.
func (t *Time) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}
	var s string
	if err := json.Unmarshal(data, &s); err != nil || s == "" {
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	if parsed, err := time.Parse(pgTimestampLayout, s); err == nil {
		t.Time = parsed.UTC()
	}
	return nil
}
