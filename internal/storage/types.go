package storage

import (
	"context"
	"errors"
	"time"

	"hundredbot/internal/challenge"
	"hundredbot/internal/timewindow"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
	ErrDisabled = errors.New("storage disabled or closed")
)

// Store is the persistence API used by the progress layer and the notifier.
//
// UpdateParticipant is an atomic read-modify-write: fn sees the current record
// and its changes are written only if it returns nil. Concurrent updates of
// the same participant never interleave.
type Store interface {
	CreateParticipant(ctx context.Context, st challenge.State) error
	GetParticipant(ctx context.Context, id challenge.UserID) (challenge.State, error)
	UpdateParticipant(ctx context.Context, id challenge.UserID, fn func(st *challenge.State) error) (challenge.State, error)
	// DeleteParticipant removes the record and its day log.
	DeleteParticipant(ctx context.Context, id challenge.UserID) error
	ListParticipantIDs(ctx context.Context) ([]challenge.UserID, error)
	ListParticipants(ctx context.Context) ([]challenge.State, error)

	AppendDayLog(ctx context.Context, rec DayRecord) error
	// DayLog returns the newest records first.
	DayLog(ctx context.Context, id challenge.UserID, limit int) ([]DayRecord, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// DayRecord is one settled day in a participant's history.
type DayRecord struct {
	UserID     challenge.UserID `json:"user_id"`
	Date       timewindow.Date  `json:"date"`
	Day        int              `json:"day"`
	Reps       int              `json:"reps"`
	Completed  bool             `json:"completed"`
	Lives      int              `json:"lives"`
	Eliminated bool             `json:"eliminated"`
	Source     string           `json:"source"`
	SettledAt  time.Time        `json:"settled_at"`
}

// Config selects and configures a backend.
//
// Driver values:
//   - "memory": process memory only (tests, dry runs)
//   - "file": JSON snapshot + journal next to Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means default
}
