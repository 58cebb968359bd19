package repo

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// timestampLayout is the TEXT encoding of every datetime column. Fixed width
// so lexical order matches time order.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp is a time.Time stored as UTC RFC 3339 text.
type Timestamp struct {
	time.Time
}

// NewTimestamp returns t truncated to microseconds in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Microsecond)}
}

// TimestampPtr is NewTimestamp returning a pointer, for nullable columns.
func TimestampPtr(t time.Time) *Timestamp {
	ts := NewTimestamp(t)
	return &ts
}

// Value implements driver.Valuer.
func (t Timestamp) Value() (driver.Value, error) {
	return t.UTC().Format(timestampLayout), nil
}

// Scan implements sql.Scanner.
func (t *Timestamp) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case time.Time:
		t.Time = v.UTC()
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Timestamp", src)
	}
	parsed, err := time.Parse(timestampLayout, s)
	if err != nil {
		return fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}
