// Package broadcast sends one operator message to every participant in the
// background, paced by the notifier's limiter.
package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	kit "hundredbot/internal/transport"
	logx "hundredbot/pkg/logx"
)

var ErrQueueFull = errors.New("broadcast queue full")

// SendFunc delivers one message; notifier.Service.Send fits.
type SendFunc func(ctx context.Context, to kit.ChatTarget, text string) error

// DoneFunc is called once a job has gone through every target.
type DoneFunc func(ctx context.Context, st JobStatus)

type JobStatus struct {
	ID        string
	Total     int
	Sent      int
	Failed    int
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

type job struct {
	id      string
	targets []kit.ChatTarget
	text    string
	done    DoneFunc
}

type Service struct {
	send  SendFunc
	log   logx.Logger
	queue chan job

	mu        sync.RWMutex
	status    map[string]*JobStatus
	statusMax int
}

func New(send SendFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		send:      send,
		log:       log,
		queue:     make(chan job, 16),
		status:    map[string]*JobStatus{},
		statusMax: 50,
	}
}

// Enqueue registers a job and returns its id. done may be nil.
func (s *Service) Enqueue(targets []kit.ChatTarget, text string, done DoneFunc) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	s.status[id] = &JobStatus{ID: id, Total: len(targets), CreatedAt: time.Now()}
	s.pruneLocked()
	s.mu.Unlock()
	select {
	case s.queue <- job{id: id, targets: targets, text: text, done: done}:
	default:
		s.mu.Lock()
		delete(s.status, id)
		s.mu.Unlock()
		return "", ErrQueueFull
	}
	s.log.Info("broadcast queued", logx.String("job", id), logx.Int("total", len(targets)))
	return id, nil
}

// Run processes jobs one at a time until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-s.queue:
			s.exec(ctx, j)
		}
	}
}

func (s *Service) exec(ctx context.Context, j job) {
	s.update(j.id, func(st *JobStatus) {
		st.Running = true
		st.StartedAt = time.Now()
	})
	for _, t := range j.targets {
		if ctx.Err() != nil {
			break
		}
		err := s.send(ctx, t, j.text)
		s.update(j.id, func(st *JobStatus) {
			if err != nil {
				st.Failed++
			} else {
				st.Sent++
			}
		})
		if err != nil {
			s.log.Debug("broadcast send failed", logx.String("job", j.id), logx.Int64("chat_id", t.ChatID), logx.Err(err))
		}
	}
	var final JobStatus
	s.update(j.id, func(st *JobStatus) {
		st.Running = false
		st.DoneAt = time.Now()
		final = *st
	})
	s.log.Info("broadcast finished",
		logx.String("job", j.id),
		logx.Int("sent", final.Sent),
		logx.Int("failed", final.Failed),
		logx.Duration("took", final.DoneAt.Sub(final.StartedAt)),
	)
	if j.done != nil {
		j.done(context.WithoutCancel(ctx), final)
	}
}

func (s *Service) Status(id string) (JobStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	return *st, true
}

func (s *Service) update(id string, fn func(*JobStatus)) {
	s.mu.Lock()
	if st := s.status[id]; st != nil {
		fn(st)
	}
	s.mu.Unlock()
}

// pruneLocked drops the oldest finished jobs beyond statusMax.
func (s *Service) pruneLocked() {
	if len(s.status) <= s.statusMax {
		return
	}
	var finished []*JobStatus
	for _, st := range s.status {
		if !st.DoneAt.IsZero() {
			finished = append(finished, st)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].DoneAt.Before(finished[j].DoneAt) })
	for _, st := range finished {
		if len(s.status) <= s.statusMax {
			break
		}
		delete(s.status, st.ID)
	}
}
