// Package progress applies the challenge rules to persisted participants.
//
// Every mutation runs inside storage.Store.UpdateParticipant, so a rule from
// package challenge always sees and writes the latest record.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"hundredbot/internal/challenge"
	"hundredbot/internal/eventbus"
	"hundredbot/internal/storage"
	"hundredbot/internal/timewindow"
	logx "hundredbot/pkg/logx"
)

type Options struct {
	Policy   challenge.Policy
	Location *time.Location
	Clock    clockwork.Clock
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Store struct {
	db    storage.Store
	loc   *time.Location
	clock clockwork.Clock
	bus   eventbus.Bus
	log   logx.Logger

	mu     sync.RWMutex
	policy challenge.Policy
}

func New(db storage.Store, opt Options) *Store {
	if opt.Location == nil {
		opt.Location = time.Local
	}
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Store{
		db:     db,
		loc:    opt.Location,
		clock:  opt.Clock,
		bus:    opt.Bus,
		log:    opt.Log,
		policy: opt.Policy.WithDefaults(),
	}
}

func (s *Store) Policy() challenge.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetPolicy swaps the rules used by later operations.
func (s *Store) SetPolicy(p challenge.Policy) {
	s.mu.Lock()
	s.policy = p.WithDefaults()
	s.mu.Unlock()
}

func (s *Store) Location() *time.Location { return s.loc }
func (s *Store) Clock() clockwork.Clock   { return s.clock }
func (s *Store) Now() time.Time           { return s.clock.Now().In(s.loc) }
func (s *Store) Today() timewindow.Date   { return timewindow.DateOf(s.clock.Now(), s.loc) }

func (s *Store) CreateUser(ctx context.Context, id challenge.UserID, set challenge.Settings) (challenge.State, error) {
	st, err := challenge.NewState(id, set, s.Now(), s.loc)
	if err != nil {
		return challenge.State{}, err
	}
	if err := s.db.CreateParticipant(ctx, st); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return challenge.State{}, challenge.ErrAlreadyRegistered
		}
		return challenge.State{}, fmt.Errorf("create participant %d: %w", id, err)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeParticipantAdded, Data: int64(id)})
	return st, nil
}

func (s *Store) GetUser(ctx context.Context, id challenge.UserID) (challenge.State, error) {
	st, err := s.db.GetParticipant(ctx, id)
	if err != nil {
		return challenge.State{}, mapErr(id, err)
	}
	return st, nil
}

// UpdateSettings replaces the window and reminder count. Counters stay.
func (s *Store) UpdateSettings(ctx context.Context, id challenge.UserID, set challenge.Settings) (challenge.State, error) {
	now := s.Now()
	st, err := s.db.UpdateParticipant(ctx, id, func(st *challenge.State) error {
		if err := st.ApplySettings(set); err != nil {
			return err
		}
		st.UpdatedAt = now
		return nil
	})
	if err != nil {
		return challenge.State{}, mapErr(id, err)
	}
	return st, nil
}

// AddReps adds to today's count, settling a stale previous day first.
func (s *Store) AddReps(ctx context.Context, id challenge.UserID, delta int) (challenge.State, challenge.RepsResult, error) {
	return s.reps(ctx, id, delta, challenge.AddReps)
}

func (s *Store) SubtractReps(ctx context.Context, id challenge.UserID, delta int) (challenge.State, challenge.RepsResult, error) {
	return s.reps(ctx, id, delta, challenge.SubtractReps)
}

type repsFunc func(st *challenge.State, delta int, now time.Time, today timewindow.Date, p challenge.Policy) (challenge.RepsResult, error)

func (s *Store) reps(ctx context.Context, id challenge.UserID, delta int, op repsFunc) (challenge.State, challenge.RepsResult, error) {
	now := s.Now()
	today := timewindow.DateOf(now, s.loc)
	p := s.Policy()

	var (
		res    challenge.RepsResult
		domErr error
	)
	st, err := s.db.UpdateParticipant(ctx, id, func(st *challenge.State) error {
		res, domErr = op(st, delta, now, today, p)
		if domErr != nil && !res.CatchUp.Settled {
			return domErr
		}
		// A catch-up settlement is kept even when the add itself is refused.
		return nil
	})
	if err != nil {
		if errors.Is(err, domErr) {
			return st, res, err
		}
		return st, res, mapErr(id, err)
	}
	if res.CatchUp.Settled {
		s.recordSettlement(ctx, st, res.CatchUp, challenge.SourceCatchUp, now)
	}
	if domErr != nil {
		return st, res, domErr
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRepsChanged, Data: int64(id)})
	return st, res, nil
}

// SettleDay closes day d for one participant. Settling an already settled day
// returns an outcome with Settled == false.
func (s *Store) SettleDay(ctx context.Context, id challenge.UserID, d timewindow.Date, src challenge.Source) (challenge.Outcome, challenge.State, error) {
	now := s.Now()
	p := s.Policy()
	var out challenge.Outcome
	st, err := s.db.UpdateParticipant(ctx, id, func(st *challenge.State) error {
		out = challenge.Settle(st, d, p)
		if out.Settled {
			st.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return challenge.Outcome{}, challenge.State{}, mapErr(id, err)
	}
	if out.Settled {
		s.recordSettlement(ctx, st, out, src, now)
	}
	return out, st, nil
}

func (s *Store) recordSettlement(ctx context.Context, st challenge.State, out challenge.Outcome, src challenge.Source, now time.Time) {
	rec := storage.DayRecord{
		UserID:     st.ID,
		Date:       out.Date,
		Day:        out.Day,
		Reps:       out.Reps,
		Completed:  out.Completed,
		Lives:      out.Lives,
		Eliminated: out.Eliminated,
		Source:     string(src),
		SettledAt:  now,
	}
	if err := s.db.AppendDayLog(ctx, rec); err != nil {
		// History is informational; the participant record is already saved.
		s.log.Warn("append day log failed", logx.Int64("user_id", int64(st.ID)), logx.Err(err))
	}
	s.log.Info("day settled",
		logx.Int64("user_id", int64(st.ID)),
		logx.String("date", out.Date.String()),
		logx.String("source", string(src)),
		logx.Int("reps", out.Reps),
		logx.Bool("completed", out.Completed),
		logx.Int("lives", out.Lives),
		logx.Bool("eliminated", out.Eliminated),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDaySettled, Data: eventbus.SettledData{
		UserID:     int64(st.ID),
		Source:     string(src),
		Completed:  out.Completed,
		LifeLost:   out.LifeLost,
		Eliminated: out.Eliminated,
	}})
}

// ClearFailureNotice drops the pending flag and reports whether it was set.
func (s *Store) ClearFailureNotice(ctx context.Context, id challenge.UserID) (bool, error) {
	var was bool
	_, err := s.db.UpdateParticipant(ctx, id, func(st *challenge.State) error {
		was = st.PendingFailureNotice
		if !was {
			return errUnchanged
		}
		st.PendingFailureNotice = false
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, mapErr(id, err)
	}
	return was, nil
}

func (s *Store) DeleteUser(ctx context.Context, id challenge.UserID) error {
	if err := s.db.DeleteParticipant(ctx, id); err != nil {
		return mapErr(id, err)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeParticipantReset, Data: int64(id)})
	return nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]challenge.UserID, error) {
	return s.db.ListParticipantIDs(ctx)
}

func (s *Store) ListUsers(ctx context.Context) ([]challenge.State, error) {
	return s.db.ListParticipants(ctx)
}

func (s *Store) History(ctx context.Context, id challenge.UserID, limit int) ([]storage.DayRecord, error) {
	if _, err := s.GetUser(ctx, id); err != nil {
		return nil, err
	}
	return s.db.DayLog(ctx, id, limit)
}

// Standing is one leaderboard row.
type Standing struct {
	ID          challenge.UserID
	DisplayName string
	Username    string
	Day         int
	Reps        int
	Completed   bool
	CompletedAt *time.Time
}

// TopToday ranks today's active participants: finishers first by who
// finished earliest, then everyone else by reps.
func (s *Store) TopToday(ctx context.Context, limit int) ([]Standing, error) {
	all, err := s.db.ListParticipants(ctx)
	if err != nil {
		return nil, err
	}
	today := s.Today()
	p := s.Policy()
	var rows []Standing
	for _, st := range all {
		reps := st.RepsOn(today)
		if st.Eliminated || reps == 0 {
			continue
		}
		rows = append(rows, Standing{
			ID:          st.ID,
			DisplayName: st.DisplayName,
			Username:    st.Username,
			Day:         st.Day,
			Reps:        reps,
			Completed:   st.CompletedOn(today, p),
			CompletedAt: st.CompletedAt,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Completed != b.Completed {
			return a.Completed
		}
		if a.Completed && a.CompletedAt != nil && b.CompletedAt != nil && !a.CompletedAt.Equal(*b.CompletedAt) {
			return a.CompletedAt.Before(*b.CompletedAt)
		}
		if a.Reps != b.Reps {
			return a.Reps > b.Reps
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

var errUnchanged = errors.New("unchanged")

func mapErr(id challenge.UserID, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return challenge.ErrNotRegistered
	case errors.Is(err, challenge.ErrValidation):
		return err
	default:
		return fmt.Errorf("participant %d: %w", id, err)
	}
}
