package challenge

import (
	"time"

	"hundredbot/internal/timewindow"
)

// RepsResult is returned by AddReps and SubtractReps. CatchUp is set when a
// stale previous day had to be settled first.
type RepsResult struct {
	Total       int
	JustReached bool
	CatchUp     Outcome
}

// AddReps adds delta to today's count.
//
// With RepsCap the total never exceeds the threshold; with RepsExceedOnce the
// add that crosses it keeps the overshoot. Either way adds after the target
// is met fail with ErrDayComplete. The first crossing stamps CompletedAt.
//
// The returned error may be non-nil while st was still changed by a catch-up
// settlement; callers persist st whenever res.CatchUp.Settled is true.
func AddReps(st *State, delta int, now time.Time, today timewindow.Date, p Policy) (RepsResult, error) {
	p = p.WithDefaults()
	if err := checkDelta(delta); err != nil {
		return RepsResult{}, err
	}
	res, err := openToday(st, today, p)
	if err != nil {
		return res, err
	}

	cur := st.RepsToday
	if cur >= p.Threshold {
		res.Total = cur
		return res, ErrDayComplete
	}
	total := cur + delta
	if p.Reps == RepsCap && total > p.Threshold {
		total = p.Threshold
	}
	st.RepsToday = total
	st.UpdatedAt = now
	if total >= p.Threshold {
		at := now
		st.CompletedAt = &at
		res.JustReached = true
	}
	res.Total = total
	return res, nil
}

// SubtractReps removes delta from today's count, never going below zero.
// Dropping under the threshold clears CompletedAt.
func SubtractReps(st *State, delta int, now time.Time, today timewindow.Date, p Policy) (RepsResult, error) {
	p = p.WithDefaults()
	if err := checkDelta(delta); err != nil {
		return RepsResult{}, err
	}
	res, err := openToday(st, today, p)
	if err != nil {
		return res, err
	}

	total := st.RepsToday - delta
	if total < 0 {
		total = 0
	}
	st.RepsToday = total
	st.UpdatedAt = now
	if total < p.Threshold {
		st.CompletedAt = nil
	}
	res.Total = total
	return res, nil
}

// openToday makes sure the counters belong to today, settling a stale day.
func openToday(st *State, today timewindow.Date, p Policy) (RepsResult, error) {
	if st.Eliminated {
		return RepsResult{Total: st.RepsToday}, ErrEliminated
	}
	if st.LastProgressDate.After(today) {
		return RepsResult{}, ErrDayClosed
	}
	res := RepsResult{CatchUp: CatchUp(st, today, p)}
	if st.Eliminated {
		return res, ErrEliminated
	}
	return res, nil
}

func checkDelta(delta int) error {
	if delta <= 0 {
		return invalid("count", "must be positive")
	}
	if delta > maxDelta {
		return invalid("count", "at most %d per entry", maxDelta)
	}
	return nil
}
