package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"hundredbot/internal/challenge"
)

// Memory keeps everything in process memory.
type Memory struct {
	mu     sync.Mutex
	closed bool
	users  map[challenge.UserID]challenge.State
	days   map[challenge.UserID][]DayRecord
	dedup  map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users: map[challenge.UserID]challenge.State{},
		days:  map[challenge.UserID][]DayRecord{},
		dedup: map[string]time.Time{},
	}
}

func (m *Memory) CreateParticipant(_ context.Context, st challenge.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	if _, ok := m.users[st.ID]; ok {
		return ErrExists
	}
	m.users[st.ID] = st.Clone()
	return nil
}

func (m *Memory) GetParticipant(_ context.Context, id challenge.UserID) (challenge.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return challenge.State{}, ErrDisabled
	}
	st, ok := m.users[id]
	if !ok {
		return challenge.State{}, ErrNotFound
	}
	return st.Clone(), nil
}

func (m *Memory) UpdateParticipant(_ context.Context, id challenge.UserID, fn func(*challenge.State) error) (challenge.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return challenge.State{}, ErrDisabled
	}
	cur, ok := m.users[id]
	if !ok {
		return challenge.State{}, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur.Clone(), err
	}
	next.ID = id
	m.users[id] = next.Clone()
	return next, nil
}

func (m *Memory) DeleteParticipant(_ context.Context, id challenge.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	delete(m.days, id)
	return nil
}

func (m *Memory) ListParticipantIDs(_ context.Context) ([]challenge.UserID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrDisabled
	}
	ids := make([]challenge.UserID, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) ListParticipants(_ context.Context) ([]challenge.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrDisabled
	}
	out := make([]challenge.State, 0, len(m.users))
	for _, st := range m.users {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AppendDayLog(_ context.Context, rec DayRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	m.days[rec.UserID] = append(m.days[rec.UserID], rec)
	return nil
}

func (m *Memory) DayLog(_ context.Context, id challenge.UserID, limit int) ([]DayRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrDisabled
	}
	return newestFirst(m.days[id], limit), nil
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrDisabled
	}
	until, ok := m.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// newestFirst copies recs in reverse order, keeping at most limit items.
func newestFirst(recs []DayRecord, limit int) []DayRecord {
	n := len(recs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DayRecord, 0, n)
	for i := len(recs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, recs[i])
	}
	return out
}
