package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "hundredbot/pkg/logx"
)

// Open initializes the configured backend. An empty driver means memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "memory":
		log.Warn("using in-memory storage; progress is lost on restart")
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

func unixMilliPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func timeFromMilli(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
