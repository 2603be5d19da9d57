// Package messages is the text catalog: notification bodies and command
// replies, rendered for Telegram's HTML parse mode.
package messages

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"hundredbot/internal/challenge"
	"hundredbot/internal/timewindow"
)

// Kind names an outbound notification.
type Kind string

const (
	KindDayStarted   Kind = "day_started"
	KindReminder     Kind = "reminder"
	KindDayCompleted Kind = "day_completed"
	KindLifeLost     Kind = "life_lost"
	KindEliminated   Kind = "eliminated"
)

// Payload carries whatever a notification needs. Unused fields stay zero.
type Payload struct {
	Name      string
	Date      timewindow.Date
	Day       int
	Reps      int
	Threshold int
	LivesUsed int
	MaxLives  int
	Window    timewindow.Window
	// Reminder position, 1-based.
	Index int
	Count int
}

var ErrUnknownKind = errors.New("unknown notification kind")

// Render builds the text for a notification.
func Render(kind Kind, p Payload) (string, error) {
	name := esc(displayName(p.Name, ""))
	switch kind {
	case KindDayStarted:
		return fmt.Sprintf("Day %s has started, %s.\nYour window: %s. Target: %d reps.\nLog progress with /add.",
			bold(fmt.Sprint(p.Day)), name, code(p.Window.String()), p.Threshold), nil
	case KindReminder:
		left := p.Threshold - p.Reps
		if left < 0 {
			left = 0
		}
		return fmt.Sprintf("Reminder %d/%d: %d/%d reps so far, %s left today. Window closes at %s.",
			p.Index, p.Count, p.Reps, p.Threshold, bold(fmt.Sprint(left)), code(p.Window.End.String())), nil
	case KindDayCompleted:
		return fmt.Sprintf("Day %d done with %d reps. Well earned rest, %s.", p.Day, p.Reps, name), nil
	case KindLifeLost:
		return fmt.Sprintf("Day %d was missed (%d/%d reps). Lives used: %s.\nTomorrow is a new day.",
			p.Day, p.Reps, p.Threshold, bold(fmt.Sprintf("%d/%d", p.LivesUsed, p.MaxLives))), nil
	case KindEliminated:
		return fmt.Sprintf("%s, that makes %d missed days. You are out of the challenge on day %d.\nUse /reset to start over.",
			name, p.MaxLives, p.Day), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func Help(owner bool) string {
	lines := []string{
		bold("100 reps a day"),
		"",
		code("/start name HH:MM HH:MM reminders") + " register, e.g. " + code("/start Alex 07:00 22:00 3"),
		code("/settings HH:MM HH:MM reminders") + " change window and reminders",
		code("/add n") + " log reps (" + code("/add10") + " " + code("/add15") + " " + code("/add20") + " " + code("/add25") + ")",
		code("/sub n") + " undo reps",
		code("/status") + " today's progress",
		code("/top") + " today's leaderboard",
		code("/history") + " recent days",
		code("/reset") + " delete your progress",
	}
	if owner {
		lines = append(lines,
			code("/settle")+" settle yesterday for everyone",
			code("/broadcast text")+" message every participant",
		)
	}
	return strings.Join(lines, "\n")
}

func Welcome(st challenge.State, p challenge.Policy, today timewindow.Date) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Welcome to the challenge, %s!\n", esc(displayName(st.DisplayName, st.Username)))
	fmt.Fprintf(&b, "Do %d reps every day inside %s. %d missed days and you are out.\n",
		p.Threshold, code(st.Window.String()), p.MaxLives)
	if st.RegisteredDate.After(today) {
		fmt.Fprintf(&b, "Today's window is already over, so day 1 is %s.", st.RegisteredDate)
	} else {
		b.WriteString("Day 1 is today. Good luck!")
	}
	return b.String()
}

func SettingsSaved(st challenge.State) string {
	return fmt.Sprintf("Saved. Window %s with %d reminders, starting with the next day.",
		code(st.Window.String()), st.ReminderCount)
}

func RepsAdded(delta, total, threshold int, reached bool) string {
	if reached {
		return fmt.Sprintf("+%d. That's %d/%d, today's target is done!", delta, total, threshold)
	}
	return fmt.Sprintf("+%d. Progress: %s", delta, bold(fmt.Sprintf("%d/%d", total, threshold)))
}

func RepsSubtracted(delta, total, threshold int) string {
	return fmt.Sprintf("-%d. Progress: %s", delta, bold(fmt.Sprintf("%d/%d", total, threshold)))
}

func ResetDone() string {
	return "All progress deleted. Register again with /start."
}

// StatusView is what /status shows.
type StatusView struct {
	Name          string
	Day           int
	Reps          int
	Threshold     int
	LivesUsed     int
	MaxLives      int
	Eliminated    bool
	Window        timewindow.Window
	ReminderCount int
	StartsOn      timewindow.Date // non-zero when the current day has not opened yet
	FailureNotice bool
}

func Status(v StatusView) string {
	var b strings.Builder
	if v.FailureNotice {
		fmt.Fprintf(&b, "You missed the previous day. Lives used: %d/%d.\n\n", v.LivesUsed, v.MaxLives)
	}
	if v.Eliminated {
		fmt.Fprintf(&b, "%s is out of the challenge after %d days. Use /reset to start over.",
			esc(displayName(v.Name, "")), v.Day)
		return b.String()
	}
	fmt.Fprintf(&b, "%s, day %s\n", esc(displayName(v.Name, "")), bold(fmt.Sprint(v.Day)))
	if !v.StartsOn.IsZero() {
		fmt.Fprintf(&b, "Next day opens on %s.\n", v.StartsOn)
	} else {
		fmt.Fprintf(&b, "Today: %s\n", bold(fmt.Sprintf("%d/%d", v.Reps, v.Threshold)))
	}
	fmt.Fprintf(&b, "Lives used: %d/%d\n", v.LivesUsed, v.MaxLives)
	fmt.Fprintf(&b, "Window: %s, %d reminders", code(v.Window.String()), v.ReminderCount)
	return b.String()
}

// Standing is one leaderboard row.
type Standing struct {
	Name        string
	Username    string
	Reps        int
	Completed   bool
	CompletedAt *time.Time
}

func Leaderboard(rows []Standing, threshold int, loc *time.Location) string {
	if len(rows) == 0 {
		return "Nobody has logged reps today yet."
	}
	var b strings.Builder
	b.WriteString(bold("Today") + "\n")
	for i, r := range rows {
		fmt.Fprintf(&b, "%d. %s: %d/%d", i+1, esc(displayName(r.Name, r.Username)), r.Reps, threshold)
		if r.Completed && r.CompletedAt != nil {
			fmt.Fprintf(&b, " (done %s)", r.CompletedAt.In(loc).Format("15:04"))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// HistoryRow is one settled day.
type HistoryRow struct {
	Date       timewindow.Date
	Day        int
	Reps       int
	Completed  bool
	Eliminated bool
}

func History(rows []HistoryRow) string {
	if len(rows) == 0 {
		return "No settled days yet."
	}
	var b strings.Builder
	b.WriteString(bold("Recent days") + "\n")
	for _, r := range rows {
		mark := "missed"
		switch {
		case r.Completed:
			mark = "done"
		case r.Eliminated:
			mark = "out"
		}
		fmt.Fprintf(&b, "%s  day %d  %d reps  %s\n", code(r.Date.String()), r.Day, r.Reps, mark)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Usage replies for malformed commands.
const (
	UsageStart     = "Usage: /start name HH:MM HH:MM reminders\nExample: /start Alex 07:00 22:00 3"
	UsageSettings  = "Usage: /settings HH:MM HH:MM reminders"
	UsageAdd       = "Usage: /add n (a positive number)"
	UsageSub       = "Usage: /sub n (a positive number)"
	UsageBroadcast = "Usage: /broadcast text"

	AskReps     = "How many reps? Send a number."
	PrivateOnly = "Please message me privately for this."
)

func BroadcastQueued(id string, targets int) string {
	return fmt.Sprintf("Broadcast %s queued for %d participants.", code(id), targets)
}

func BroadcastDone(id string, sent, failed int) string {
	return fmt.Sprintf("Broadcast %s finished: %d sent, %d failed.", code(id), sent, failed)
}

// SettleSummary reports an on-demand sweep.
func SettleSummary(day timewindow.Date, checked, settled, eliminated, failed int) string {
	return fmt.Sprintf("Settled %s: %d checked, %d settled, %d eliminated, %d errors.",
		day, checked, settled, eliminated, failed)
}

// ErrorReply maps a domain error to a reply. ok is false for errors the user
// cannot act on; those get a generic apology.
func ErrorReply(err error) (text string, ok bool) {
	var ve *challenge.ValidationError
	switch {
	case err == nil:
		return "", true
	case errors.As(err, &ve):
		return fmt.Sprintf("Invalid %s: %s.", ve.Field, ve.Reason), true
	case errors.Is(err, challenge.ErrNotRegistered):
		return "You are not registered yet. Use /start first.", true
	case errors.Is(err, challenge.ErrAlreadyRegistered):
		return "You are already registered. Use /settings to change your window or /reset to start over.", true
	case errors.Is(err, challenge.ErrEliminated):
		return "You are out of the challenge. Use /reset to start over.", true
	case errors.Is(err, challenge.ErrDayComplete):
		return "Today's target is already done. Rest up!", true
	case errors.Is(err, challenge.ErrDayClosed):
		return "Today's day is already closed. Your next day starts soon.", true
	default:
		return "Something went wrong. Please try again later.", false
	}
}
