package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hundredbot/internal/challenge"
	logx "hundredbot/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(b)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres storage ready", logx.Int("max_conns", int(poolCfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) CreateParticipant(ctx context.Context, st challenge.State) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO participants(`+participantColumns+`)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		 ON CONFLICT (id) DO NOTHING`,
		participantArgs(st)...,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *postgresStore) GetParticipant(ctx context.Context, id challenge.UserID) (challenge.State, error) {
	st, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return challenge.State{}, ErrNotFound
	}
	return st, err
}

func (s *postgresStore) UpdateParticipant(ctx context.Context, id challenge.UserID, fn func(*challenge.State) error) (challenge.State, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return challenge.State{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanParticipant(tx.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1 FOR UPDATE`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err = tx.Exec(ctx,
		`UPDATE participants SET display_name=$2, username=$3, window_start=$4, window_end=$5,
		   reminder_count=$6, day=$7, reps_today=$8, last_progress_date=$9, completed_at_ms=$10,
		   lives=$11, registered_date=$12, eliminated=$13, pending_failure_notice=$14, updated_at_ms=$15
		 WHERE id = $1`,
		participantArgs(next)...,
	)
	if err != nil {
		return cur, err
	}
	if err := tx.Commit(ctx); err != nil {
		return cur, err
	}
	return next, nil
}

func (s *postgresStore) DeleteParticipant(ctx context.Context, id challenge.UserID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	tag, err := tx.Exec(ctx, `DELETE FROM participants WHERE id = $1`, int64(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM day_log WHERE user_id = $1`, int64(id)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) ListParticipantIDs(ctx context.Context) ([]challenge.UserID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM participants ORDER BY id`)
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

func (s *postgresStore) ListParticipants(ctx context.Context) ([]challenge.State, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+participantColumns+` FROM participants ORDER BY id`)
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

func (s *postgresStore) AppendDayLog(ctx context.Context, rec DayRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO day_log(`+dayLogColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		dayLogArgs(rec)...,
	)
	return err
}

func (s *postgresStore) DayLog(ctx context.Context, id challenge.UserID, limit int) ([]DayRecord, error) {
	q := `SELECT ` + dayLogColumns + ` FROM day_log WHERE user_id = $1 ORDER BY seq DESC`
	args := []any{int64(id)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
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

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dedup(key, until) VALUES($1,$2)
		 ON CONFLICT (key) DO UPDATE SET until = EXCLUDED.until`,
		key, until.UnixMilli(),
	)
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.pool.QueryRow(ctx, `SELECT until FROM dedup WHERE key = $1`, key).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
