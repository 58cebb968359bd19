package translate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

const (
	dateLayout = "2006-01-02"
	zeroDate   = "0000-00-00"
)

// Date is a legacy calendar date. "0000-00-00", "" and null read as unset,
// and unset is written back as "0000-00-00".
type Date struct {
	value string
}

// DateOf wraps an internal nullable date.
func DateOf(p *string) Date {
	if p == nil {
		return Date{}
	}
	return Date{value: *p}
}

// Ptr returns the internal nullable date.
func (d Date) Ptr() *string {
	if d.value == "" {
		return nil
	}
	v := d.value
	return &v
}

// Time returns the date at midnight UTC, ok=false when unset.
func (d Date) Time() (time.Time, bool) {
	if d.value == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, d.value)
	return t, err == nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.value == "" {
		return json.Marshal(zeroDate)
	}
	return json.Marshal(d.value)
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("legacy date: %w", err)
	}
	if s == nil || *s == "" || *s == zeroDate {
		d.value = ""
		return nil
	}
	if _, err := time.Parse(dateLayout, *s); err != nil {
		return fmt.Errorf("legacy date %q: %w", *s, err)
	}
	d.value = *s
	return nil
}

// OptString is a legacy optional string: "" on the wire means unset.
type OptString string

// OptStringOf wraps an internal nullable string.
func OptStringOf(p *string) OptString {
	if p == nil {
		return ""
	}
	return OptString(*p)
}

// Ptr returns nil for the empty string.
func (s OptString) Ptr() *string {
	if s == "" {
		return nil
	}
	v := string(s)
	return &v
}

// datetimeOf joins a legacy date and a seconds-since-midnight time.
func datetimeOf(d Date, seconds int64) (repo.Timestamp, bool) {
	t, ok := d.Time()
	if !ok {
		return repo.Timestamp{}, false
	}
	return repo.NewTimestamp(t.Add(time.Duration(seconds) * time.Second)), true
}

// splitDatetime is the inverse of datetimeOf.
func splitDatetime(ts *repo.Timestamp) (Date, int64) {
	if ts == nil {
		return Date{}, 0
	}
	t := ts.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	day := midnight.Format(dateLayout)
	return Date{value: day}, int64(t.Sub(midnight) / time.Second)
}

// enumError reports a legacy enum value without a mapping.
func enumError(field, value string) error {
	return fmt.Errorf("%w: %s %q", ErrUnknownEnum, field, value)
}

// decode parses the legacy payload of a buffer row into v.
func decode(row *repo.SyncBufferRow, v any) error {
	if err := json.Unmarshal([]byte(row.Data), v); err != nil {
		return &Error{Table: row.TableName, RecordID: row.RecordID, Reason: "invalid legacy payload", Err: err}
	}
	return nil
}

// translateErr wraps err with the record identity.
func translateErr(row *repo.SyncBufferRow, reason string, err error) error {
	return &Error{Table: row.TableName, RecordID: row.RecordID, Reason: reason, Err: err}
}

func ptr[T any](v T) *T { return &v }
