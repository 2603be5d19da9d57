// Package eventbus is an in-process fan-out of small domain signals. The
// scheduler, the progress layer and the notifier publish; metrics and the
// ops endpoint subscribe.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TypeDaySettled       = "day.settled"
	TypeRepsChanged      = "reps.changed"
	TypeParticipantAdded = "participant.added"
	TypeParticipantReset = "participant.reset"
	TypeTaskStarted      = "task.started"
	TypeTaskStopped      = "task.stopped"
	TypeTaskRetry        = "task.retry"
	TypeMidnightRun      = "midnight.run"
	TypeNotifySent       = "notify.sent"
	TypeNotifyFailed     = "notify.failed"
	TypeNotifyDeduped    = "notify.deduped"
	TypeCommandHandled   = "command.handled"
)

// Event is a lightweight signal. Publish never blocks; a slow subscriber
// loses events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// SettledData rides on TypeDaySettled.
type SettledData struct {
	UserID     int64
	Source     string
	Completed  bool
	LifeLost   bool
	Eliminated bool
}

// NotifyData rides on the notify.* events.
type NotifyData struct {
	UserID int64
	Kind   string
	Err    string
}

// TaskData rides on the task.* events.
type TaskData struct {
	UserID int64
	Phase  string
	Err    string
}

// CommandData rides on TypeCommandHandled.
type CommandData struct {
	Command string
	OK      bool
	Took    time.Duration
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries skipped because a subscriber was full.
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
func (nopBus) Dropped() uint64 { return 0 }
