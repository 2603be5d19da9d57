package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"hundredbot/internal/challenge"
	"hundredbot/internal/eventbus"
	"hundredbot/internal/messages"
	"hundredbot/internal/notifier"
	"hundredbot/internal/timewindow"
	kit "hundredbot/internal/transport"
	logx "hundredbot/pkg/logx"
)

// Phase names the step a task is in. Exposed for the ops endpoint.
type Phase string

const (
	PhaseLoad      Phase = "load"
	PhaseWaitStart Phase = "wait_start"
	PhaseAnnounce  Phase = "announce"
	PhaseReminders Phase = "reminders"
	PhaseWaitEnd   Phase = "wait_end"
	PhaseSettle    Phase = "settle"
	PhaseReport    Phase = "report"
	PhaseDone      Phase = "done"
)

// errStop ends the task without an error: the participant is gone or out.
var errStop = errors.New("task finished")

// TaskStatus is a point-in-time view of one task.
type TaskStatus struct {
	UserID  challenge.UserID  `json:"user_id"`
	Phase   Phase             `json:"phase"`
	Date    timewindow.Date   `json:"date"`
	Retries int               `json:"retries"`
	Last    challenge.Outcome `json:"last"`
}

// Task walks one participant through their days until it is cancelled or the
// participant is deleted or eliminated. Store and notifier calls are not
// interrupted by cancellation; the task only stops at its sleeps.
type Task struct {
	id  challenge.UserID
	d   Deps
	log logx.Logger

	mu     sync.Mutex
	status TaskStatus
}

func NewTask(id challenge.UserID, deps Deps) *Task {
	deps = deps.normalized()
	return &Task{
		id:     id,
		d:      deps,
		log:    deps.Log.With(logx.Int64("user_id", int64(id))),
		status: TaskStatus{UserID: id, Phase: PhaseLoad},
	}
}

func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Run blocks until ctx is cancelled (returning its error) or the participant
// no longer needs a task (returning nil).
func (t *Task) Run(ctx context.Context) error {
	t.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStarted, Data: eventbus.TaskData{UserID: int64(t.id)}})
	defer t.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStopped, Data: eventbus.TaskData{UserID: int64(t.id)}})

	err := t.run(ctx)
	t.setPhase(PhaseDone)
	if errors.Is(err, errStop) {
		t.log.Debug("task finished")
		return nil
	}
	return err
}

func (t *Task) run(ctx context.Context) error {
	st, err := t.load(ctx)
	if err != nil {
		return err
	}
	loc := t.d.Progress.Location()
	d := timewindow.DateOf(t.d.Clock.Now(), loc)
	if st.LastProgressDate.After(d) {
		d = st.LastProgressDate
	}
	if st.LastProgressDate.Before(d) {
		// Offline across at least one close: settle what was missed first.
		if err := t.settleAndReport(ctx, d.AddDays(-1), challenge.SourceCatchUp); err != nil {
			return err
		}
	}
	t.log.Debug("task started", logx.String("date", d.String()))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.runDay(ctx, d); err != nil {
			return err
		}
		d = d.AddDays(1)
	}
}

func (t *Task) runDay(ctx context.Context, d timewindow.Date) error {
	t.setDate(d)
	st, err := t.load(ctx)
	if err != nil {
		return err
	}
	if st.LastProgressDate.After(d) {
		return nil
	}
	loc := t.d.Progress.Location()
	start, end := st.Window.Bounds(d, loc)

	t.setPhase(PhaseWaitStart)
	if err := t.sleepUntil(ctx, start); err != nil {
		return err
	}
	if t.d.Clock.Now().Before(end) {
		if err := t.announce(ctx, d); err != nil {
			return err
		}
		if err := t.reminders(ctx, d); err != nil {
			return err
		}
	}

	t.setPhase(PhaseWaitEnd)
	if err := t.sleepUntil(ctx, end); err != nil {
		return err
	}
	return t.settleAndReport(ctx, d, challenge.SourceWindow)
}

func (t *Task) announce(ctx context.Context, d timewindow.Date) error {
	t.setPhase(PhaseAnnounce)
	st, err := t.load(ctx)
	if err != nil {
		return err
	}
	if st.LastProgressDate.After(d) {
		return nil
	}
	if st.PendingFailureNotice {
		if err := t.deliverPendingFailure(ctx, st, d); err != nil {
			return err
		}
	}
	return t.notify(ctx, messages.KindDayStarted, t.payload(st, d))
}

// deliverPendingFailure sends the life-lost notice for the last settled day
// and clears the flag. The notice is keyed by that day, so it is not repeated
// if the report phase already got it out.
func (t *Task) deliverPendingFailure(ctx context.Context, st challenge.State, d timewindow.Date) error {
	p := t.payload(st, d.AddDays(-1))
	p.Day = max(st.Day-1, 1)
	p.Reps = 0
	err := t.try(ctx, "history", func(ctx context.Context) error {
		recs, err := t.d.Progress.History(ctx, t.id, 1)
		if err != nil {
			return err
		}
		if len(recs) > 0 && !recs[0].Completed {
			p.Date, p.Day, p.Reps = recs[0].Date, recs[0].Day, recs[0].Reps
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := t.notify(ctx, messages.KindLifeLost, p); err != nil {
		return err
	}
	return t.clearFailure(ctx)
}

func (t *Task) reminders(ctx context.Context, d timewindow.Date) error {
	t.setPhase(PhaseReminders)
	st, err := t.load(ctx)
	if err != nil {
		return err
	}
	at := timewindow.Instants(d, t.d.Progress.Location(), st.Window, st.ReminderCount, t.d.Config.ReminderPolicy)
	for i, when := range at {
		if !when.After(t.d.Clock.Now()) {
			continue
		}
		if err := t.sleepUntil(ctx, when); err != nil {
			return err
		}
		st, err := t.load(ctx)
		if err != nil {
			return err
		}
		if st.LastProgressDate.After(d) {
			// Settled early, e.g. by an operator.
			return nil
		}
		if st.CompletedOn(d, t.d.Progress.Policy()) {
			continue
		}
		p := t.payload(st, d)
		p.Index, p.Count = i+1, len(at)
		if err := t.notify(ctx, messages.KindReminder, p); err != nil {
			return err
		}
	}
	return nil
}

func (t *Task) settleAndReport(ctx context.Context, d timewindow.Date, src challenge.Source) error {
	t.setPhase(PhaseSettle)
	var (
		out challenge.Outcome
		st  challenge.State
	)
	err := t.try(ctx, string(PhaseSettle), func(ctx context.Context) error {
		var err error
		out, st, err = t.d.Progress.SettleDay(ctx, t.id, d, src)
		return err
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.status.Last = out
	t.mu.Unlock()
	return t.report(ctx, out, st)
}

func (t *Task) report(ctx context.Context, out challenge.Outcome, st challenge.State) error {
	t.setPhase(PhaseReport)
	if !out.Settled {
		// Someone else closed the day; a pending failure goes out at the next announce.
		if st.Eliminated {
			return errStop
		}
		return nil
	}
	p := t.payload(st, out.Date)
	p.Day, p.Reps, p.LivesUsed = out.Day, out.Reps, out.Lives

	switch {
	case out.Completed:
		return t.notify(ctx, messages.KindDayCompleted, p)
	case out.Eliminated:
		if err := t.notify(ctx, messages.KindEliminated, p); err != nil {
			return err
		}
		t.log.Info("participant eliminated", logx.String("date", out.Date.String()))
		return errStop
	case out.LifeLost:
		if err := t.notify(ctx, messages.KindLifeLost, p); err != nil {
			return err
		}
		return t.clearFailure(ctx)
	}
	return nil
}

func (t *Task) payload(st challenge.State, d timewindow.Date) messages.Payload {
	pol := t.d.Progress.Policy().WithDefaults()
	return messages.Payload{
		Name:      st.DisplayName,
		Date:      d,
		Day:       st.Day,
		Reps:      st.RepsOn(d),
		Threshold: pol.Threshold,
		LivesUsed: st.Lives,
		MaxLives:  pol.MaxLives,
		Window:    st.Window,
	}
}

// load reads the participant, retrying transient errors. It returns errStop
// once the participant is gone or eliminated.
func (t *Task) load(ctx context.Context) (challenge.State, error) {
	var st challenge.State
	err := t.try(ctx, string(PhaseLoad), func(ctx context.Context) error {
		var err error
		st, err = t.d.Progress.GetUser(ctx, t.id)
		return err
	})
	if err != nil {
		return st, err
	}
	if st.Eliminated {
		return st, errStop
	}
	return st, nil
}

func (t *Task) notify(ctx context.Context, kind messages.Kind, p messages.Payload) error {
	return t.try(ctx, "notify."+string(kind), func(ctx context.Context) error {
		err := t.d.Notifier.Notify(ctx, t.id, kind, p)
		switch {
		case errors.Is(err, notifier.ErrDisabled):
			return nil
		case errors.Is(err, kit.ErrUndeliverable):
			// The user blocked the bot. Keep counting their days anyway.
			t.log.Debug("notification undeliverable", logx.String("kind", string(kind)))
			return nil
		}
		return err
	})
}

func (t *Task) clearFailure(ctx context.Context) error {
	return t.try(ctx, "clear_notice", func(ctx context.Context) error {
		_, err := t.d.Progress.ClearFailureNotice(ctx, t.id)
		return err
	})
}

// try runs fn until it succeeds, sleeping RetryBackoff between attempts.
// Each attempt gets a fresh timeout detached from ctx.
func (t *Task) try(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	for {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.d.Config.CallTimeout)
		err := fn(cctx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, challenge.ErrNotRegistered) {
			return errStop
		}

		t.mu.Lock()
		t.status.Retries++
		t.mu.Unlock()
		t.log.Warn("task step failed", logx.String("step", what), logx.Duration("backoff", t.d.Config.RetryBackoff), logx.Err(err))
		t.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeTaskRetry, Data: eventbus.TaskData{
			UserID: int64(t.id),
			Phase:  what,
			Err:    err.Error(),
		}})
		if err := t.sleep(ctx, t.d.Config.RetryBackoff); err != nil {
			return err
		}
	}
}

func (t *Task) sleepUntil(ctx context.Context, at time.Time) error {
	return t.sleep(ctx, at.Sub(t.d.Clock.Now()))
}

func (t *Task) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := t.d.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

func (t *Task) setPhase(p Phase) {
	t.mu.Lock()
	t.status.Phase = p
	t.mu.Unlock()
}

func (t *Task) setDate(d timewindow.Date) {
	t.mu.Lock()
	t.status.Date = d
	t.mu.Unlock()
}
