// Package tracker is the chat-facing side of the challenge. Handlers call it
// instead of touching the progress store directly so that every change that
// affects a participant's schedule also re-arms or cancels their task.
package tracker

import (
	"context"
	"errors"
	"time"

	"hundredbot/internal/challenge"
	"hundredbot/internal/progress"
	"hundredbot/internal/scheduler"
	"hundredbot/internal/storage"
	"hundredbot/internal/timewindow"
	logx "hundredbot/pkg/logx"
)

// Tasks is the part of scheduler.Registry the tracker drives.
type Tasks interface {
	Register(id challenge.UserID) error
	Cancel(id challenge.UserID) bool
}

// Sweeper settles a whole day for everyone. scheduler.Midnight satisfies it.
type Sweeper interface {
	SettleAll(ctx context.Context, day timewindow.Date) (scheduler.SweepSummary, error)
}

// Snapshot is what a participant sees on a status query.
type Snapshot struct {
	Name          string
	Day           int
	Reps          int
	Threshold     int
	Lives         int
	MaxLives      int
	Eliminated    bool
	Window        timewindow.Window
	ReminderCount int
	// StartsOn is set when the participant's current day has not opened yet.
	StartsOn timewindow.Date
	// FailureNotice is true when this query delivered a pending life-lost notice.
	FailureNotice bool
}

type Service struct {
	prog  *progress.Store
	tasks Tasks
	sweep Sweeper
	log   logx.Logger
}

func New(prog *progress.Store, tasks Tasks, sweep Sweeper, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{prog: prog, tasks: tasks, sweep: sweep, log: log}
}

func (s *Service) Policy() challenge.Policy  { return s.prog.Policy() }
func (s *Service) Location() *time.Location { return s.prog.Location() }
func (s *Service) Today() timewindow.Date   { return s.prog.Today() }

// OnRegister creates the participant and starts their task.
func (s *Service) OnRegister(ctx context.Context, id challenge.UserID, set challenge.Settings) (challenge.State, error) {
	st, err := s.prog.CreateUser(ctx, id, set)
	if err != nil {
		return st, err
	}
	s.arm(id)
	s.log.Info("participant registered",
		logx.Int64("user_id", int64(id)),
		logx.String("window", st.Window.String()),
		logx.String("starts", st.RegisteredDate.String()),
	)
	return st, nil
}

// OnReset stops the task and deletes every trace of the participant.
func (s *Service) OnReset(ctx context.Context, id challenge.UserID) error {
	s.tasks.Cancel(id)
	if err := s.prog.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.log.Info("participant reset", logx.Int64("user_id", int64(id)))
	return nil
}

func (s *Service) OnRepsAdded(ctx context.Context, id challenge.UserID, n int) (challenge.State, challenge.RepsResult, error) {
	st, res, err := s.prog.AddReps(ctx, id, n)
	s.afterReps(id, st, res)
	return st, res, err
}

func (s *Service) OnRepsSubtracted(ctx context.Context, id challenge.UserID, n int) (challenge.State, challenge.RepsResult, error) {
	st, res, err := s.prog.SubtractReps(ctx, id, n)
	s.afterReps(id, st, res)
	return st, res, err
}

// afterReps stops the task when a catch-up settlement eliminated the user.
func (s *Service) afterReps(id challenge.UserID, st challenge.State, res challenge.RepsResult) {
	if res.CatchUp.Settled && st.Eliminated {
		s.tasks.Cancel(id)
	}
}

// OnSettingsChanged saves the new schedule and restarts the task so it
// picks up the new window.
func (s *Service) OnSettingsChanged(ctx context.Context, id challenge.UserID, set challenge.Settings) (challenge.State, error) {
	st, err := s.prog.UpdateSettings(ctx, id, set)
	if err != nil {
		return st, err
	}
	if !st.Eliminated {
		s.arm(id)
	}
	return st, nil
}

// OnStatusQuery returns the participant's view. A pending failure notice is
// reported once and then cleared.
func (s *Service) OnStatusQuery(ctx context.Context, id challenge.UserID) (Snapshot, error) {
	st, err := s.prog.GetUser(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	p := s.prog.Policy()
	today := s.prog.Today()
	snap := Snapshot{
		Name:          st.DisplayName,
		Day:           st.Day,
		Reps:          st.RepsOn(today),
		Threshold:     p.Threshold,
		Lives:         st.Lives,
		MaxLives:      p.MaxLives,
		Eliminated:    st.Eliminated,
		Window:        st.Window,
		ReminderCount: st.ReminderCount,
	}
	if st.LastProgressDate.After(today) && !st.Eliminated {
		snap.StartsOn = st.LastProgressDate
	}
	if st.PendingFailureNotice {
		cleared, err := s.prog.ClearFailureNotice(ctx, id)
		if err != nil {
			s.log.Warn("clear failure notice failed", logx.Int64("user_id", int64(id)), logx.Err(err))
		}
		snap.FailureNotice = cleared
	}
	return snap, nil
}

func (s *Service) Leaderboard(ctx context.Context, limit int) ([]progress.Standing, error) {
	return s.prog.TopToday(ctx, limit)
}

// Participants lists every registered user id, eliminated ones included.
func (s *Service) Participants(ctx context.Context) ([]challenge.UserID, error) {
	return s.prog.ListUserIDs(ctx)
}

func (s *Service) History(ctx context.Context, id challenge.UserID, limit int) ([]storage.DayRecord, error) {
	return s.prog.History(ctx, id, limit)
}

var ErrNoSweeper = errors.New("settlement sweep not available")

// SettleNow runs the midnight sweep for yesterday on demand.
func (s *Service) SettleNow(ctx context.Context) (scheduler.SweepSummary, error) {
	if s.sweep == nil {
		return scheduler.SweepSummary{}, ErrNoSweeper
	}
	return s.sweep.SettleAll(ctx, s.prog.Today().AddDays(-1))
}

func (s *Service) arm(id challenge.UserID) {
	if err := s.tasks.Register(id); err != nil {
		s.log.Warn("arm task failed", logx.Int64("user_id", int64(id)), logx.Err(err))
	}
}
