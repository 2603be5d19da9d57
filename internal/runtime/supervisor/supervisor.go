// Package supervisor runs named goroutines under one cancellable context,
// recovers their panics and keeps per-name counters for the ops endpoint.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "hundredbot/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	started atomic.Uint64
	active  atomic.Int64

	errOnce  sync.Once
	firstErr atomic.Value // error

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	stats map[string]*nameStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first goroutine error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		stats:  map[string]*nameStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded goroutine failure.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Go runs fn in a new goroutine. A returned context.Canceled is a clean stop.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.spawn(s.ctx, name, fn, nil)
}

// Handle controls one goroutine started with GoScoped.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the goroutine's context. It does not wait.
func (h *Handle) Stop() {
	if h != nil {
		h.cancel()
	}
}

// Done is closed after the goroutine has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait stops the goroutine and blocks until it returns or ctx expires.
func (h *Handle) Wait(ctx context.Context) error {
	h.Stop()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GoScoped is like Go but gives the goroutine its own child context, so it
// can be cancelled alone. Cancelling the supervisor still stops it.
func (s *Supervisor) GoScoped(name string, fn func(ctx context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(s.ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	s.spawn(ctx, name, fn, func() {
		cancel()
		close(h.done)
	})
	return h
}

func (s *Supervisor) spawn(ctx context.Context, name string, fn func(ctx context.Context) error, after func()) {
	if fn == nil {
		if after != nil {
			after()
		}
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		if after != nil {
			defer after()
		}
		startedAt := s.noteStart(name, false)
		err := s.runGuarded(ctx, name, startedAt, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err)
			s.setErr(err)
			if s.cancelOnErr {
				s.cancel()
			}
			return
		}
		s.noteStop(name, startedAt, nil)
	}()
}

func (s *Supervisor) runGuarded(ctx context.Context, name string, startedAt time.Time, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name, r)
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
				logx.Duration("ran", time.Since(startedAt)),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
}

// WithRestartBackoff sets the exponential backoff bounds between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n failed runs. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it after an error or panic until the
// supervisor is cancelled. A nil return ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.Go(name+".restart", s.restartLoop(name, fn, opts))
}

// GoScopedRestart combines GoScoped and GoRestart.
func (s *Supervisor) GoScopedRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) *Handle {
	return s.GoScoped(name+".restart", s.restartLoop(name, fn, opts))
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, opts []RestartOption) func(context.Context) error {
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}
	return func(ctx context.Context) error {
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			startedAt := s.noteStart(name, restarts > 0)
			err := s.runGuarded(ctx, name, startedAt, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, startedAt, nil)
				return nil
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, startedAt, err)

			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return err
			}
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff + rand.N(backoff/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	}
}

// Stop cancels the shared context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err != nil {
		s.errOnce.Do(func() { s.firstErr.Store(err) })
	}
}

// Counters are best-effort goroutine totals.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// NameStats aggregates every goroutine that ran under one name.
type NameStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at"`
}

// Snapshot is a point-in-time view for the ops endpoint.
type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Goroutines []NameStats `json:"goroutines"`
}

type nameStats struct {
	NameStats
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, st.NameStats)
	}
	s.mu.Unlock()
	sort.Slice(snap.Goroutines, func(i, j int) bool {
		a, b := snap.Goroutines[i], snap.Goroutines[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}

func (s *Supervisor) statsLocked(name string) *nameStats {
	st := s.stats[name]
	if st == nil {
		st = &nameStats{NameStats{Name: name}}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.statsLocked(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, _ time.Time, err error) {
	s.mu.Lock()
	st := s.statsLocked(name)
	if st.Active > 0 {
		st.Active--
	}
	if err != nil {
		st.LastErr = err.Error()
		st.LastErrAt = time.Now()
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string, _ any) {
	s.mu.Lock()
	s.statsLocked(name).Panics++
	s.mu.Unlock()
}
