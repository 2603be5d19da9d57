package timewindow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Window is the daily active period [Start, End).
type Window struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

var ErrEmptyWindow = errors.New("window end must be after window start")

func (w Window) Validate() error {
	if !w.Start.Valid() || !w.End.Valid() {
		return fmt.Errorf("window %s-%s: time of day out of range", w.Start, w.End)
	}
	if w.End <= w.Start {
		return ErrEmptyWindow
	}
	return nil
}

func (w Window) Span() time.Duration { return time.Duration(w.End - w.Start) }

// Bounds resolves the window on date d.
func (w Window) Bounds(d Date, loc *time.Location) (start, end time.Time) {
	return w.Start.On(d, loc), w.End.On(d, loc)
}

func (w Window) String() string { return w.Start.String() + "-" + w.End.String() }

// ReminderPolicy selects how reminder points are spread over a window.
type ReminderPolicy string

const (
	// PolicyFullSpan spreads points from Start to End inclusive.
	PolicyFullSpan ReminderPolicy = "full_span"
	// PolicyInset keeps one hour clear after Start and before End.
	PolicyInset ReminderPolicy = "inset"
)

const insetBuffer = time.Hour

func ParseReminderPolicy(s string) (ReminderPolicy, error) {
	switch ReminderPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyInset:
		return PolicyInset, nil
	case PolicyFullSpan, "full-span", "fullspan":
		return PolicyFullSpan, nil
	default:
		return "", fmt.Errorf("unknown reminder policy %q", s)
	}
}

// Offsets returns strictly increasing reminder points inside [Start, End].
// A count below 2 yields a single point. With PolicyInset a window shorter
// than two hours collapses to one point at End-1h (clamped to Start).
func Offsets(w Window, count int, policy ReminderPolicy) []TimeOfDay {
	if w.Validate() != nil {
		return nil
	}
	lo, hi := w.Start, w.End
	if policy == PolicyInset {
		lo = w.Start + TimeOfDay(insetBuffer)
		hi = w.End - TimeOfDay(insetBuffer)
		if hi <= lo {
			return []TimeOfDay{clampTo(w, hi)}
		}
	}
	if count < 2 {
		return []TimeOfDay{clampTo(w, lo)}
	}

	span := time.Duration(hi - lo)
	step := span / time.Duration(count-1)
	if step <= 0 {
		return []TimeOfDay{clampTo(w, lo)}
	}
	out := make([]TimeOfDay, 0, count)
	for i := 0; i < count-1; i++ {
		out = append(out, lo+TimeOfDay(step*time.Duration(i)))
	}
	// Pin the last point to the bound so integer division never drifts it.
	out = append(out, hi)
	return out
}

// Instants resolves Offsets on date d.
func Instants(d Date, loc *time.Location, w Window, count int, policy ReminderPolicy) []time.Time {
	offs := Offsets(w, count, policy)
	out := make([]time.Time, 0, len(offs))
	for _, o := range offs {
		out = append(out, o.On(d, loc))
	}
	return out
}

func clampTo(w Window, t TimeOfDay) TimeOfDay {
	if t < w.Start {
		return w.Start
	}
	if t > w.End {
		return w.End
	}
	return t
}
