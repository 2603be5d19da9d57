// Package challenge holds the participant record and the pure rules that
// move it: registration, reps arithmetic and day settlement. Nothing here
// performs I/O or reads the wall clock; callers pass "now" and "today".
package challenge

import (
	"strings"
	"time"

	"hundredbot/internal/timewindow"
)

// UserID is the chat platform user id. Notifications go to the private chat
// with the same id.
type UserID int64

// Settings is the user-editable part of a participant.
type Settings struct {
	DisplayName   string
	Username      string
	Window        timewindow.Window
	ReminderCount int
}

// Validate checks the schedule fields. The display name is only required on
// registration.
func (s Settings) Validate(requireName bool) error {
	if requireName {
		name := strings.TrimSpace(s.DisplayName)
		if name == "" {
			return invalid("name", "must not be empty")
		}
		if len([]rune(name)) > maxNameLen {
			return invalid("name", "at most %d characters", maxNameLen)
		}
	}
	if err := s.Window.Validate(); err != nil {
		return invalid("window", "%v", err)
	}
	if s.ReminderCount < MinReminders || s.ReminderCount > MaxReminders {
		return invalid("reminders", "must be between %d and %d", MinReminders, MaxReminders)
	}
	return nil
}

// State is the persisted record of one participant.
//
// LastProgressDate is the calendar day the counters currently belong to.
// Settling day D moves it to D+1, so a second settlement of D is a no-op.
type State struct {
	ID            UserID            `json:"id"`
	DisplayName   string            `json:"display_name"`
	Username      string            `json:"username,omitempty"`
	Window        timewindow.Window `json:"window"`
	ReminderCount int               `json:"reminder_count"`

	Day                  int             `json:"day"`
	RepsToday            int             `json:"reps_today"`
	LastProgressDate     timewindow.Date `json:"last_progress_date"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	Lives                int             `json:"lives"`
	RegisteredDate       timewindow.Date `json:"registered_date"`
	Eliminated           bool            `json:"eliminated"`
	PendingFailureNotice bool            `json:"pending_failure_notice"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewState builds a fresh participant. Registering after today's window has
// closed starts the challenge on the next day.
func NewState(id UserID, s Settings, now time.Time, loc *time.Location) (State, error) {
	if err := s.Validate(true); err != nil {
		return State{}, err
	}
	start := timewindow.DateOf(now, loc)
	if !now.Before(s.Window.End.On(start, loc)) {
		start = start.AddDays(1)
	}
	return State{
		ID:               id,
		DisplayName:      strings.TrimSpace(s.DisplayName),
		Username:         strings.TrimSpace(s.Username),
		Window:           s.Window,
		ReminderCount:    s.ReminderCount,
		Day:              1,
		LastProgressDate: start,
		RegisteredDate:   start,
		UpdatedAt:        now,
	}, nil
}

// ApplySettings replaces the schedule. Counters are left alone.
func (st *State) ApplySettings(s Settings) error {
	if err := s.Validate(false); err != nil {
		return err
	}
	st.Window = s.Window
	st.ReminderCount = s.ReminderCount
	if u := strings.TrimSpace(s.Username); u != "" {
		st.Username = u
	}
	return nil
}

// RepsOn returns the count recorded for d; stale counters read as zero.
func (st State) RepsOn(d timewindow.Date) int {
	if st.LastProgressDate != d {
		return 0
	}
	return st.RepsToday
}

// CompletedOn reports whether d's target is met.
func (st State) CompletedOn(d timewindow.Date, p Policy) bool {
	return st.RepsOn(d) >= p.WithDefaults().Threshold
}

// Clone returns a deep copy.
func (st State) Clone() State {
	cp := st
	if st.CompletedAt != nil {
		t := *st.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}
