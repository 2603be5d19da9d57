package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hundredbot/internal/challenge"
	"hundredbot/internal/timewindow"
	logx "hundredbot/pkg/logx"
)

func testState(id challenge.UserID) challenge.State {
	day := timewindow.Date{Year: 2024, Month: time.March, Day: 4}
	return challenge.State{
		ID:               id,
		DisplayName:      "alice",
		Username:         "al",
		Window:           timewindow.Window{Start: timewindow.Clock(7, 0), End: timewindow.Clock(22, 0)},
		ReminderCount:    3,
		Day:              1,
		LastProgressDate: day,
		RegisteredDate:   day,
		UpdatedAt:        time.UnixMilli(1_709_539_200_000),
	}
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	bs := []backend{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"file", func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			return st
		}},
		{"sqlite", func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		}},
	}
	if dsn := os.Getenv("HUNDREDBOT_TEST_POSTGRES_DSN"); dsn != "" {
		bs = append(bs, backend{"postgres", func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			if err != nil {
				t.Fatalf("open postgres: %v", err)
			}
			return st
		}})
	}
	return bs
}

func TestStoreContract(t *testing.T) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			defer s.Close()

			// Postgres may share a database across runs.
			id := challenge.UserID(time.Now().UnixNano() % 1_000_000_000)
			_ = s.DeleteParticipant(ctx, id)

			if _, err := s.GetParticipant(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get missing: err=%v", err)
			}
			want := testState(id)
			completed := time.UnixMilli(1_709_560_000_000)
			want.CompletedAt = &completed
			if err := s.CreateParticipant(ctx, want); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := s.CreateParticipant(ctx, want); !errors.Is(err, ErrExists) {
				t.Fatalf("second create: err=%v", err)
			}

			got, err := s.GetParticipant(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.DisplayName != "alice" || got.Window != want.Window || got.LastProgressDate != want.LastProgressDate {
				t.Fatalf("round trip mismatch: %+v", got)
			}
			if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
				t.Fatalf("completed_at: %v", got.CompletedAt)
			}

			updated, err := s.UpdateParticipant(ctx, id, func(st *challenge.State) error {
				st.RepsToday = 40
				st.CompletedAt = nil
				st.PendingFailureNotice = true
				return nil
			})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if updated.RepsToday != 40 || updated.CompletedAt != nil {
				t.Fatalf("update result: %+v", updated)
			}

			boom := errors.New("boom")
			if _, err := s.UpdateParticipant(ctx, id, func(st *challenge.State) error {
				st.RepsToday = 99
				return boom
			}); !errors.Is(err, boom) {
				t.Fatalf("aborted update: err=%v", err)
			}
			got, _ = s.GetParticipant(ctx, id)
			if got.RepsToday != 40 || !got.PendingFailureNotice {
				t.Fatalf("aborted update leaked: %+v", got)
			}

			for i := 1; i <= 3; i++ {
				rec := DayRecord{UserID: id, Date: want.LastProgressDate.AddDays(i - 1), Day: i, Reps: i * 10, Lives: i - 1, Source: "window", SettledAt: time.UnixMilli(int64(i) * 1000)}
				if err := s.AppendDayLog(ctx, rec); err != nil {
					t.Fatalf("append day log: %v", err)
				}
			}
			log, err := s.DayLog(ctx, id, 2)
			if err != nil {
				t.Fatalf("day log: %v", err)
			}
			if len(log) != 2 || log[0].Day != 3 || log[1].Day != 2 {
				t.Fatalf("day log order: %+v", log)
			}

			ids, err := s.ListParticipantIDs(ctx)
			if err != nil || !containsID(ids, id) {
				t.Fatalf("list ids: %v %v", ids, err)
			}

			if err := s.DeleteParticipant(ctx, id); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := s.DeleteParticipant(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second delete: err=%v", err)
			}
			if log, _ := s.DayLog(ctx, id, 0); len(log) != 0 {
				t.Fatalf("day log survived delete: %+v", log)
			}
		})
	}
}

func TestStoreDedup(t *testing.T) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			defer s.Close()

			if _, ok, err := s.GetDedup(ctx, "nope"); ok || err != nil {
				t.Fatalf("missing key: ok=%v err=%v", ok, err)
			}
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := s.PutDedup(ctx, "7:reminder:2024-03-04:1", until); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, ok, err := s.GetDedup(ctx, "7:reminder:2024-03-04:1")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("get: %v %v %v", got, ok, err)
			}
		})
	}
}

func TestUpdateParticipantSerializes(t *testing.T) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			defer s.Close()
			id := challenge.UserID(time.Now().UnixNano()%1_000_000_000 + 1)
			_ = s.DeleteParticipant(ctx, id)
			if err := s.CreateParticipant(ctx, testState(id)); err != nil {
				t.Fatalf("create: %v", err)
			}
			defer s.DeleteParticipant(ctx, id)

			const workers, each = 8, 10
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < each; i++ {
						if _, err := s.UpdateParticipant(ctx, id, func(st *challenge.State) error {
							st.RepsToday++
							return nil
						}); err != nil {
							t.Errorf("update: %v", err)
							return
						}
					}
				}()
			}
			wg.Wait()
			got, err := s.GetParticipant(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.RepsToday != workers*each {
				t.Fatalf("lost updates: reps=%d want %d", got.RepsToday, workers*each)
			}
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path}

	s, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st := testState(7)
	if err := s.CreateParticipant(ctx, st); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.UpdateParticipant(ctx, 7, func(st *challenge.State) error {
		st.RepsToday = 55
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.AppendDayLog(ctx, DayRecord{UserID: 7, Date: st.LastProgressDate, Day: 1, Reps: 55, Source: "window"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.GetParticipant(ctx, 7)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.RepsToday != 55 {
		t.Fatalf("reps after reopen = %d", got.RepsToday)
	}
	if log, _ := s.DayLog(ctx, 7, 0); len(log) != 1 || log[0].Reps != 55 {
		t.Fatalf("day log after reopen: %+v", log)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}

func containsID(ids []challenge.UserID, id challenge.UserID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
