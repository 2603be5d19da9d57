package challenge

import (
	"hundredbot/internal/timewindow"
)

// Source tells where a settlement was triggered from.
type Source string

const (
	SourceWindow   Source = "window"
	SourceMidnight Source = "midnight"
	SourceCatchUp  Source = "catchup"
	SourceManual   Source = "manual"
)

// Outcome describes one settlement attempt.
type Outcome struct {
	Date timewindow.Date `json:"date"`
	// Settled is false when the day was already settled (or had not
	// started), in which case nothing else is meaningful.
	Settled bool `json:"settled"`

	Day        int  `json:"day"` // day number that was closed
	Reps       int  `json:"reps"`
	Completed  bool `json:"completed"`
	LifeLost   bool `json:"life_lost"`
	Lives      int  `json:"lives"`
	Eliminated bool `json:"eliminated"`
}

// Settle closes day d for st.
//
// A met target advances the day counter and clears a pending failure notice.
// A missed target costs one life; reaching the limit eliminates and freezes
// the counters, otherwise the day advances with a pending failure notice.
// LastProgressDate always moves to d+1, which makes a repeated call for the
// same d a no-op.
func Settle(st *State, d timewindow.Date, p Policy) Outcome {
	p = p.WithDefaults()
	if st.Eliminated || st.LastProgressDate.After(d) {
		return Outcome{Date: d, Day: st.Day, Lives: st.Lives, Eliminated: st.Eliminated}
	}

	out := Outcome{Date: d, Settled: true, Day: st.Day, Reps: st.RepsOn(d)}
	if out.Reps >= p.Threshold {
		out.Completed = true
		st.Day++
		st.PendingFailureNotice = false
	} else {
		out.LifeLost = true
		st.Lives++
		if st.Lives >= p.MaxLives {
			st.Lives = p.MaxLives
			st.Eliminated = true
			st.PendingFailureNotice = false
			out.Eliminated = true
		} else {
			st.PendingFailureNotice = true
			st.Day++
		}
	}
	out.Lives = st.Lives

	st.LastProgressDate = d.AddDays(1)
	if !st.Eliminated {
		st.RepsToday = 0
		st.CompletedAt = nil
	}
	return out
}

// CatchUp settles the day before today when the counters still belong to an
// earlier day. Any number of skipped days costs at most one life.
func CatchUp(st *State, today timewindow.Date, p Policy) Outcome {
	if st.Eliminated || !st.LastProgressDate.Before(today) {
		return Outcome{Date: today.AddDays(-1), Day: st.Day, Lives: st.Lives, Eliminated: st.Eliminated}
	}
	return Settle(st, today.AddDays(-1), p)
}
