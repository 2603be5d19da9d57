package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"hundredbot/internal/challenge"
	"hundredbot/internal/runtime/supervisor"
	logx "hundredbot/pkg/logx"
)

var ErrRegistryStopped = errors.New("scheduler registry stopped")

// Registry owns at most one running Task per participant.
type Registry struct {
	sup  *supervisor.Supervisor
	deps Deps
	log  logx.Logger

	mu      sync.Mutex
	tasks   map[challenge.UserID]*entry
	stopped bool
}

type entry struct {
	task *Task
	h    *supervisor.Handle
}

// NewRegistry runs tasks under sup. Cancelling sup stops every task.
func NewRegistry(sup *supervisor.Supervisor, deps Deps) *Registry {
	deps = deps.normalized()
	return &Registry{
		sup:   sup,
		deps:  deps,
		log:   deps.Log,
		tasks: map[challenge.UserID]*entry{},
	}
}

// Register starts a task for id, cancelling any task it replaces. The old
// task is not awaited; an in-flight store call may still finish after this
// returns, which settlement and notification dedup tolerate.
func (r *Registry) Register(id challenge.UserID) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrRegistryStopped
	}
	old := r.tasks[id]
	task := NewTask(id, r.deps)
	e := &entry{task: task}
	e.h = r.sup.GoScopedRestart("scheduler.task", task.Run,
		supervisor.WithRestartBackoff(time.Second, time.Minute),
	)
	r.tasks[id] = e
	r.mu.Unlock()

	if old != nil {
		old.h.Stop()
	}
	go r.forget(id, e)
	r.log.Debug("task registered", logx.Int64("user_id", int64(id)), logx.Bool("replaced", old != nil))
	return nil
}

// forget drops the entry once its goroutine ends, unless it was replaced.
func (r *Registry) forget(id challenge.UserID, e *entry) {
	<-e.h.Done()
	r.mu.Lock()
	if r.tasks[id] == e {
		delete(r.tasks, id)
	}
	r.mu.Unlock()
}

// Cancel stops the task for id and reports whether one was running.
func (r *Registry) Cancel(id challenge.UserID) bool {
	r.mu.Lock()
	e := r.tasks[id]
	delete(r.tasks, id)
	r.mu.Unlock()
	if e == nil {
		return false
	}
	e.h.Stop()
	r.log.Debug("task cancelled", logx.Int64("user_id", int64(id)))
	return true
}

// RestartAll replaces every task with a fresh one per persisted, live
// participant and returns how many were started.
func (r *Registry) RestartAll(ctx context.Context) (int, error) {
	users, err := r.deps.Progress.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	live := map[challenge.UserID]bool{}
	n := 0
	for _, st := range users {
		if st.Eliminated {
			continue
		}
		live[st.ID] = true
		if err := r.Register(st.ID); err != nil {
			return n, err
		}
		n++
	}

	r.mu.Lock()
	var stale []challenge.UserID
	for id := range r.tasks {
		if !live[id] {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	for _, id := range stale {
		r.Cancel(id)
	}

	r.log.Info("tasks restarted", logx.Int("started", n), logx.Int("dropped", len(stale)))
	return n, nil
}

// SetConfig changes the settings given to tasks registered from now on.
// Running tasks keep theirs until RestartAll.
func (r *Registry) SetConfig(c Config) {
	r.mu.Lock()
	r.deps.Config = c.withDefaults()
	r.mu.Unlock()
}

func (r *Registry) Running(id challenge.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Statuses lists running tasks ordered by user id.
func (r *Registry) Statuses() []TaskStatus {
	r.mu.Lock()
	out := make([]TaskStatus, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e.task.Status())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Stop cancels every task and waits for them to return or ctx to expire.
// Later Register calls fail with ErrRegistryStopped.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	all := make([]*entry, 0, len(r.tasks))
	for _, e := range r.tasks {
		all = append(all, e)
	}
	r.mu.Unlock()

	for _, e := range all {
		e.h.Stop()
	}
	for _, e := range all {
		if err := e.h.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
