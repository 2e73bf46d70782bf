package discount

import (
	"fmt"
	"strings"
	"time"
)

const dateOnly = "2006-01-02"

// ParseWindowStart reads a validFrom value. A bare date means 00:00:00 local.
func ParseWindowStart(value string, loc *time.Location) (time.Time, error) {
	return parseBoundary(value, loc, false)
}

// ParseWindowEnd reads a validTo value. A bare date means 23:59:59.999 local
// on that date, so a coupon valid "until the 31st" works all day on the 31st.
func ParseWindowEnd(value string, loc *time.Location) (time.Time, error) {
	return parseBoundary(value, loc, true)
}

func parseBoundary(value string, loc *time.Location, end bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if loc == nil {
		loc = time.UTC
	}
	if d, err := time.ParseInLocation(dateOnly, value, loc); err == nil {
		if end {
			return EndOfDay(d, loc), nil
		}
		return d, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("discount: invalid date %q", value)
	}
	return t, nil
}

// EndOfDay returns 23:59:59.999 on t's local calendar day.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 23, 59, 59, int(999*time.Millisecond), loc)
}

// NormalizeEnd widens a stored validTo that sits exactly on local midnight to
// the end of that day. Such values come from date pickers that drop the time.
func NormalizeEnd(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	l := t.In(loc)
	if l.Hour() == 0 && l.Minute() == 0 && l.Second() == 0 && l.Nanosecond() == 0 {
		return EndOfDay(l, loc)
	}
	return t
}
