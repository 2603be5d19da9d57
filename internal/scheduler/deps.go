// Package scheduler drives every participant through the day.
//
// Each participant gets one long-running Task (announce, reminders, settle,
// report, next day). A Registry owns the tasks, and Midnight settles
// whatever the tasks missed once a day.
package scheduler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"hundredbot/internal/challenge"
	"hundredbot/internal/eventbus"
	"hundredbot/internal/messages"
	"hundredbot/internal/storage"
	"hundredbot/internal/timewindow"
	logx "hundredbot/pkg/logx"
)

// Progress is the part of progress.Store the scheduler needs.
type Progress interface {
	GetUser(ctx context.Context, id challenge.UserID) (challenge.State, error)
	ListUsers(ctx context.Context) ([]challenge.State, error)
	SettleDay(ctx context.Context, id challenge.UserID, d timewindow.Date, src challenge.Source) (challenge.Outcome, challenge.State, error)
	ClearFailureNotice(ctx context.Context, id challenge.UserID) (bool, error)
	History(ctx context.Context, id challenge.UserID, limit int) ([]storage.DayRecord, error)
	Policy() challenge.Policy
	Location() *time.Location
}

// Notifier delivers one participant notification.
type Notifier interface {
	Notify(ctx context.Context, id challenge.UserID, kind messages.Kind, p messages.Payload) error
}

type Config struct {
	ReminderPolicy timewindow.ReminderPolicy
	// RetryBackoff is the pause before a failed phase is tried again.
	RetryBackoff time.Duration
	// CallTimeout bounds each store or notifier call made by a task.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReminderPolicy == "" {
		c.ReminderPolicy = timewindow.PolicyInset
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// Deps is shared by every task of a registry.
type Deps struct {
	Progress Progress
	Notifier Notifier
	Clock    clockwork.Clock
	Bus      eventbus.Bus
	Log      logx.Logger
	Config   Config
}

func (d Deps) normalized() Deps {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	d.Config = d.Config.withDefaults()
	return d
}
