package registry

import (
	"fmt"
	"strings"
	"time"
)

// Status is the rotation state of a backend slot.
type Status int

const (
	// StatusOff marks a failed slot awaiting recovery.
	StatusOff Status = 0
	// StatusOn marks a slot in rotation.
	StatusOn Status = 1
	// StatusInactive marks an administratively disabled slot. It is never
	// recovered automatically.
	StatusInactive Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOff:
		return "OFF"
	case StatusOn:
		return "ON"
	case StatusInactive:
		return "INACTIVE"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus parses the names returned by String, case insensitively.
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(s) {
	case "OFF":
		return StatusOff, nil
	case "ON":
		return StatusOn, nil
	case "INACTIVE":
		return StatusInactive, nil
	}
	return StatusOff, fmt.Errorf("unknown slot status %q", s)
}

// Never is the failover time of a slot that has not failed over recently.
// It sorts before every real timestamp, so such a slot counts as the most
// stable one.
var Never = time.Unix(0, 0).UTC()

// maxTime32 is the largest 32-bit unix timestamp. Rows written with it, or
// with the DATETIME maximum in year 9999, also mean "never".
var maxTime32 = time.Unix(1<<31-1, 0).UTC()

// normalizeTime maps the "max time" spellings of never onto Never.
func normalizeTime(t time.Time) time.Time {
	t = t.UTC()
	if t.Equal(maxTime32) || t.Year() >= 9999 {
		return Never
	}
	return t
}

// Record is one row of the registry table: a backend slot assigned to a
// shard.
type Record struct {
	ShardID      int
	Number       int
	URL          string
	Status       Status
	FailoverTime time.Time
	Spare        bool
	Errors       int
	RiskGroup    int
}

// NeverFailedOver reports whether the failover time is the Never sentinel.
func (r Record) NeverFailedOver() bool {
	return !r.FailoverTime.After(Never)
}

func (r Record) String() string {
	return fmt.Sprintf("shard=%d num=%d status=%s url=%s", r.ShardID, r.Number, r.Status, r.URL)
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02",
}

// parseTime converts a scanned failover_time into a UTC time. Drivers hand
// DATETIME values back as time.Time, text or unix seconds depending on
// their options.
func parseTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return Never, nil
	case time.Time:
		return normalizeTime(t), nil
	case int64:
		return normalizeTime(time.Unix(t, 0)), nil
	case []byte:
		return parseTimeString(string(t))
	case string:
		return parseTimeString(t)
	}
	return time.Time{}, fmt.Errorf("unsupported failover time type %T", v)
}

func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0000-00-00") {
		return Never, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return normalizeTime(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse failover time %q", s)
}

func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
