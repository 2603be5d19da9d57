package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"hundredbot/internal/challenge"
	"hundredbot/internal/messages"
	"hundredbot/internal/progress"
	"hundredbot/internal/runtime/supervisor"
	"hundredbot/internal/storage"
	"hundredbot/internal/timewindow"
	logx "hundredbot/pkg/logx"
)

type sent struct {
	id   challenge.UserID
	kind messages.Kind
	p    messages.Payload
}

type recNotifier struct {
	mu    sync.Mutex
	calls []sent
	fail  int
	tries int
}

func (n *recNotifier) Notify(ctx context.Context, id challenge.UserID, kind messages.Kind, p messages.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tries++
	if n.fail > 0 {
		n.fail--
		return errors.New("send timeout")
	}
	n.calls = append(n.calls, sent{id: id, kind: kind, p: p})
	return nil
}

func (n *recNotifier) kinds() []messages.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]messages.Kind, 0, len(n.calls))
	for _, c := range n.calls {
		out = append(out, c.kind)
	}
	return out
}

func (n *recNotifier) get(i int) sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[i]
}

type harness struct {
	clk  *clockwork.FakeClock
	db   *storage.Memory
	prog *progress.Store
	note *recNotifier
	deps Deps
}

var march4 = timewindow.Date{Year: 2024, Month: time.March, Day: 4}

func at(d timewindow.Date, hour, minute int) time.Time {
	return timewindow.Clock(hour, minute).On(d, time.UTC)
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	clk := clockwork.NewFakeClockAt(now)
	db := storage.NewMemory()
	prog := progress.New(db, progress.Options{Location: time.UTC, Clock: clk})
	note := &recNotifier{}
	return &harness{
		clk:  clk,
		db:   db,
		prog: prog,
		note: note,
		deps: Deps{
			Progress: prog,
			Notifier: note,
			Clock:    clk,
			Log:      logx.Nop(),
			Config:   Config{ReminderPolicy: timewindow.PolicyInset, RetryBackoff: time.Minute, CallTimeout: time.Second},
		},
	}
}

func (h *harness) register(t *testing.T, id challenge.UserID) {
	t.Helper()
	_, err := h.prog.CreateUser(context.Background(), id, challenge.Settings{
		DisplayName:   "runner",
		Window:        timewindow.Window{Start: timewindow.Clock(7, 0), End: timewindow.Clock(22, 0)},
		ReminderCount: 3,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func (h *harness) edit(t *testing.T, id challenge.UserID, fn func(st *challenge.State)) {
	t.Helper()
	_, err := h.db.UpdateParticipant(context.Background(), id, func(st *challenge.State) error {
		fn(st)
		return nil
	})
	if err != nil {
		t.Fatalf("edit user: %v", err)
	}
}

// idle waits until the task is parked on exactly one timer.
func (h *harness) idle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("task never went to sleep: %v", err)
	}
}

func (h *harness) advanceTo(t *testing.T, when time.Time) {
	t.Helper()
	h.idle(t)
	h.clk.Advance(when.Sub(h.clk.Now()))
}

func (h *harness) start(t *testing.T, id challenge.UserID) (*Task, context.CancelFunc, <-chan error) {
	t.Helper()
	task := NewTask(id, h.deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()
	t.Cleanup(cancel)
	return task, cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("task did not return")
		return nil
	}
}

func sameKinds(got, want []messages.Kind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestTaskCompletedDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, at(march4, 6, 0))
	h.register(t, 1)
	_, _, _ = h.start(t, 1)

	h.advanceTo(t, at(march4, 7, 0))  // announce
	h.advanceTo(t, at(march4, 8, 0))  // first reminder
	h.idle(t)
	if _, _, err := h.prog.AddReps(ctx, 1, 100); err != nil {
		t.Fatalf("add reps: %v", err)
	}
	h.advanceTo(t, at(march4, 14, 30)) // skipped: done
	h.advanceTo(t, at(march4, 21, 0))  // skipped: done
	h.advanceTo(t, at(march4, 22, 0))  // settle
	h.idle(t)

	want := []messages.Kind{messages.KindDayStarted, messages.KindReminder, messages.KindDayCompleted}
	if got := h.note.kinds(); !sameKinds(got, want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	if r := h.note.get(1).p; r.Index != 1 || r.Count != 3 {
		t.Fatalf("reminder payload = %+v", r)
	}
	st, err := h.prog.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Day != 2 || st.Lives != 0 || st.LastProgressDate != march4.AddDays(1) {
		t.Fatalf("state after day = %+v", st)
	}
}

func TestTaskLateStartSkipsPastReminders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, at(march4, 15, 0))
	h.register(t, 1)
	_, _, _ = h.start(t, 1)

	h.advanceTo(t, at(march4, 21, 0))
	h.advanceTo(t, at(march4, 22, 0))
	h.idle(t)

	want := []messages.Kind{messages.KindDayStarted, messages.KindReminder, messages.KindLifeLost}
	if got := h.note.kinds(); !sameKinds(got, want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	if r := h.note.get(1).p; r.Index != 3 {
		t.Fatalf("reminder index = %d, want 3", r.Index)
	}
	st, err := h.prog.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Lives != 1 || st.Day != 2 || st.PendingFailureNotice {
		t.Fatalf("state after missed day = %+v", st)
	}
}

func TestTaskRetriesFailedSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(march4, 7, 30))
	h.register(t, 1)
	h.note.fail = 1
	task, _, _ := h.start(t, 1)

	// The failed announcement parks the task on the backoff timer.
	h.advanceTo(t, at(march4, 7, 31))
	h.idle(t)

	if got := h.note.kinds(); !sameKinds(got, []messages.Kind{messages.KindDayStarted}) {
		t.Fatalf("notifications = %v", got)
	}
	if n := task.Status().Retries; n != 1 {
		t.Fatalf("retries = %d, want 1", n)
	}
	if ph := task.Status().Phase; ph != PhaseReminders {
		t.Fatalf("phase = %s", ph)
	}
}

func TestTaskCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(march4, 6, 0))
	h.register(t, 1)
	_, cancel, done := h.start(t, 1)
	h.idle(t)
	cancel()
	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("run = %v, want context.Canceled", err)
	}
	if len(h.note.kinds()) != 0 {
		t.Fatalf("sent after cancel: %v", h.note.kinds())
	}
}

func TestTaskEndsOnElimination(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, at(march4, 6, 0))
	h.register(t, 1)
	h.edit(t, 1, func(st *challenge.State) { st.Lives = 2 })
	h.clk.Advance(16*time.Hour + 30*time.Minute) // 22:30, window closed

	_, _, done := h.start(t, 1)
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run = %v, want nil", err)
	}
	if got := h.note.kinds(); !sameKinds(got, []messages.Kind{messages.KindEliminated}) {
		t.Fatalf("notifications = %v", got)
	}
	st, _ := h.prog.GetUser(ctx, 1)
	if !st.Eliminated || st.Lives != 3 {
		t.Fatalf("state = %+v", st)
	}
}

func TestTaskCatchesUpOnStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(march4, 6, 0))
	h.register(t, 1)
	h.edit(t, 1, func(st *challenge.State) {
		st.LastProgressDate = march4.AddDays(-2)
		st.RepsToday = 40
	})
	_, _, _ = h.start(t, 1)
	h.advanceTo(t, at(march4, 7, 0))
	h.idle(t)

	want := []messages.Kind{messages.KindLifeLost, messages.KindDayStarted}
	if got := h.note.kinds(); !sameKinds(got, want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	if lost := h.note.get(0).p; lost.Date != march4.AddDays(-1) || lost.LivesUsed != 1 {
		t.Fatalf("life lost payload = %+v", lost)
	}
}

func TestTaskStopsWhenUserDeleted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(march4, 6, 0))
	h.register(t, 1)
	_, _, done := h.start(t, 1)
	h.idle(t)
	if err := h.prog.DeleteUser(context.Background(), 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.clk.Advance(time.Hour)
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run = %v", err)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, at(march4, 6, 0))
	h.register(t, 1)
	h.register(t, 2)
	h.register(t, 3)
	h.edit(t, 3, func(st *challenge.State) { st.Eliminated = true })

	sup := supervisor.New(ctx)
	reg := NewRegistry(sup, h.deps)

	if err := reg.Register(1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(1); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if reg.Len() != 1 || !reg.Running(1) {
		t.Fatalf("after replace: len=%d running=%v", reg.Len(), reg.Running(1))
	}
	if !reg.Cancel(1) || reg.Running(1) {
		t.Fatalf("cancel did not remove the task")
	}
	if reg.Cancel(1) {
		t.Fatalf("second cancel reported a task")
	}

	reg.SetConfig(Config{RetryBackoff: 5 * time.Second})
	if c := reg.deps.Config; c.RetryBackoff != 5*time.Second || c.ReminderPolicy != timewindow.PolicyInset {
		t.Fatalf("config after SetConfig = %+v", c)
	}

	n, err := reg.RestartAll(ctx)
	if err != nil {
		t.Fatalf("restart all: %v", err)
	}
	if n != 2 || reg.Len() != 2 || reg.Running(3) {
		t.Fatalf("restart all started %d (len %d, eliminated running %v)", n, reg.Len(), reg.Running(3))
	}
	if got := reg.Statuses(); len(got) != 2 || got[0].UserID != 1 || got[1].UserID != 2 {
		t.Fatalf("statuses = %+v", got)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := reg.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := reg.Register(1); !errors.Is(err, ErrRegistryStopped) {
		t.Fatalf("register after stop = %v", err)
	}
	_ = sup.Stop(stopCtx)
}

func TestMidnightSettleAllIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, at(march4, 6, 0))
	h.register(t, 1) // settled by its task
	h.register(t, 2) // missed, survives
	h.register(t, 3) // missed, last life
	h.edit(t, 3, func(st *challenge.State) { st.Lives = 2 })
	if _, _, err := h.prog.SettleDay(ctx, 1, march4, challenge.SourceWindow); err != nil {
		t.Fatalf("task settle: %v", err)
	}
	h.clk.Advance(18*time.Hour + 30*time.Second) // just past midnight

	sup := supervisor.New(ctx)
	reg := NewRegistry(sup, h.deps)
	m := NewMidnight(reg, "")

	sum, err := m.SettleAll(ctx, march4)
	if err != nil {
		t.Fatalf("settle all: %v", err)
	}
	if sum.Checked != 3 || sum.Settled != 2 || sum.Eliminated != 1 || sum.Rearmed != 2 || sum.Failed != 0 {
		t.Fatalf("first sweep = %+v", sum)
	}
	if reg.Running(3) {
		t.Fatalf("eliminated participant still has a task")
	}

	again, err := m.SettleAll(ctx, march4)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.Checked != 2 || again.Settled != 0 || again.Eliminated != 0 || again.Rearmed != 0 {
		t.Fatalf("second sweep = %+v", again)
	}

	var eliminated int
	for _, k := range h.note.kinds() {
		if k == messages.KindEliminated {
			eliminated++
		}
	}
	if eliminated != 1 {
		t.Fatalf("elimination notices = %d", eliminated)
	}
	st, _ := h.prog.GetUser(ctx, 2)
	if st.Lives != 1 || !st.PendingFailureNotice {
		t.Fatalf("survivor = %+v", st)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = reg.Stop(stopCtx)
	_ = sup.Stop(stopCtx)
}

func TestValidateCron(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		spec string
		ok   bool
	}{
		{"0 0 * * *", true},
		{"30 0 0 * * *", true},
		{"@daily", true},
		{"every day", false},
		{"61 0 * * *", false},
	} {
		if err := ValidateCron(tc.spec); (err == nil) != tc.ok {
			t.Fatalf("ValidateCron(%q) = %v", tc.spec, err)
		}
	}
}
