package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"hundredbot/internal/challenge"
	logx "hundredbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps UpdateParticipant's
	// transaction from racing another on the same file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateParticipant(ctx context.Context, st challenge.State) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO participants(`+participantColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		participantArgs(st)...,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *sqliteStore) GetParticipant(ctx context.Context, id challenge.UserID) (challenge.State, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, int64(id))
	st, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return challenge.State{}, ErrNotFound
	}
	return st, err
}

func (s *sqliteStore) UpdateParticipant(ctx context.Context, id challenge.UserID, fn func(*challenge.State) error) (challenge.State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return challenge.State{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanParticipant(tx.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = ?`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return challenge.State{}, ErrNotFound
	}
	if err != nil {
		return challenge.State{}, err
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur, err
	}
	next.ID = id
	args := participantArgs(next)
	_, err = tx.ExecContext(ctx,
		`UPDATE participants SET display_name=?, username=?, window_start=?, window_end=?,
		   reminder_count=?, day=?, reps_today=?, last_progress_date=?, completed_at_ms=?,
		   lives=?, registered_date=?, eliminated=?, pending_failure_notice=?, updated_at_ms=?
		 WHERE id = ?`,
		append(args[1:], args[0])...,
	)
	if err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}
	return next, nil
}

func (s *sqliteStore) DeleteParticipant(ctx context.Context, id challenge.UserID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE id = ?`, int64(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM day_log WHERE user_id = ?`, int64(id)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListParticipantIDs(ctx context.Context) ([]challenge.UserID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM participants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []challenge.UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, challenge.UserID(id))
	}
	return ids, rows.Err()
}

func (s *sqliteStore) ListParticipants(ctx context.Context) ([]challenge.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []challenge.State
	for rows.Next() {
		st, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendDayLog(ctx context.Context, rec DayRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO day_log(`+dayLogColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		dayLogArgs(rec)...,
	)
	return err
}

func (s *sqliteStore) DayLog(ctx context.Context, id challenge.UserID, limit int) ([]DayRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+dayLogColumns+` FROM day_log WHERE user_id = ? ORDER BY seq DESC LIMIT ?`,
		int64(id), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DayRecord
	for rows.Next() {
		rec, err := scanDayRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 200*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}
