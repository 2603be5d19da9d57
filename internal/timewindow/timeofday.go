package timewindow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is an offset from local midnight, in [0, 24h).
type TimeOfDay time.Duration

const day = 24 * time.Hour

// Clock builds a TimeOfDay from hour and minute.
func Clock(hour, minute int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// ParseTimeOfDay accepts "H:MM" or "HH:MM" in 24h notation.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok || len(ms) != 2 || len(hs) == 0 || len(hs) > 2 {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid time %q: hour out of range", s)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q: minute out of range", s)
	}
	return Clock(h, m), nil
}

func (t TimeOfDay) Duration() time.Duration { return time.Duration(t) }

func (t TimeOfDay) Valid() bool { return t >= 0 && time.Duration(t) < day }

// On resolves t on the calendar date d in loc. Wall-clock components are
// used so DST shifts keep the configured hour.
func (t TimeOfDay) On(d Date, loc *time.Location) time.Time {
	rem := time.Duration(t)
	h := rem / time.Hour
	rem -= h * time.Hour
	m := rem / time.Minute
	rem -= m * time.Minute
	sec := rem / time.Second
	rem -= sec * time.Second
	return time.Date(d.Year, d.Month, d.Day, int(h), int(m), int(sec), int(rem), loc)
}

// Of extracts the time of day from a timestamp observed in loc.
func Of(ts time.Time, loc *time.Location) TimeOfDay {
	if loc != nil {
		ts = ts.In(loc)
	}
	h, m, s := ts.Clock()
	return TimeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(ts.Nanosecond()))
}

// String renders HH:MM; seconds are dropped.
func (t TimeOfDay) String() string {
	d := time.Duration(t)
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
