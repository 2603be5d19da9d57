package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"hundredbot/internal/challenge"
	logx "hundredbot/pkg/logx"
)

// fileStore keeps state in memory and persists it as plain files.
//
// Files:
//   - <prefix>.snapshot.json  (participants + dedup, rewritten on compaction)
//   - <prefix>.journal.jsonl  (append-only mutations since the snapshot)
//   - <prefix>.days.jsonl     (append-only day log)
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	mem    *Memory
	writes int

	snapshotPath string
	journal      *os.File
	days         *os.File
}

const fileCompactEvery = 500

type fileSnapshot struct {
	Participants []challenge.State `json:"participants"`
	Dedup        map[string]int64  `json:"dedup"`
}

type journalOp struct {
	Op    string           `json:"op"` // put | del | dedup
	State *challenge.State `json:"state,omitempty"`
	ID    challenge.UserID `json:"id,omitempty"`
	Key   string           `json:"key,omitempty"`
	Until int64            `json:"until,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		mem:          NewMemory(),
		snapshotPath: prefix + ".snapshot.json",
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	daysPath := prefix + ".days.jsonl"
	if err := s.replayDays(daysPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	df, err := os.OpenFile(daysPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal, s.days = jf, df
	return s, nil
}

func (s *fileStore) CreateParticipant(ctx context.Context, st challenge.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.CreateParticipant(ctx, st); err != nil {
		return err
	}
	return s.appendLocked(journalOp{Op: "put", State: &st})
}

func (s *fileStore) GetParticipant(ctx context.Context, id challenge.UserID) (challenge.State, error) {
	return s.mem.GetParticipant(ctx, id)
}

func (s *fileStore) UpdateParticipant(ctx context.Context, id challenge.UserID, fn func(*challenge.State) error) (challenge.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.mem.UpdateParticipant(ctx, id, fn)
	if err != nil {
		return next, err
	}
	if err := s.appendLocked(journalOp{Op: "put", State: &next}); err != nil {
		return next, err
	}
	return next, nil
}

func (s *fileStore) DeleteParticipant(ctx context.Context, id challenge.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.DeleteParticipant(ctx, id); err != nil {
		return err
	}
	// The day log file keeps the rows; replay skips rows that predate the
	// current registration.
	return s.appendLocked(journalOp{Op: "del", ID: id})
}

func (s *fileStore) ListParticipantIDs(ctx context.Context) ([]challenge.UserID, error) {
	return s.mem.ListParticipantIDs(ctx)
}

func (s *fileStore) ListParticipants(ctx context.Context) ([]challenge.State, error) {
	return s.mem.ListParticipants(ctx)
}

func (s *fileStore) AppendDayLog(ctx context.Context, rec DayRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.days == nil {
		return ErrDisabled
	}
	if err := json.NewEncoder(s.days).Encode(rec); err != nil {
		return err
	}
	return s.mem.AppendDayLog(ctx, rec)
}

func (s *fileStore) DayLog(ctx context.Context, id challenge.UserID, limit int) ([]DayRecord, error) {
	return s.mem.DayLog(ctx, id, limit)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.PutDedup(ctx, key, until); err != nil {
		return err
	}
	return s.appendLocked(journalOp{Op: "dedup", Key: key, Until: until.UnixMilli()})
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	return s.mem.GetDedup(ctx, key)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.days != nil {
		errs = append(errs, s.days.Close())
		s.days = nil
	}
	_ = s.mem.Close()
	return errors.Join(errs...)
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return ErrDisabled
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes a fresh snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{Dedup: map[string]int64{}}
	s.mem.mu.Lock()
	now := time.Now()
	for _, st := range s.mem.users {
		snap.Participants = append(snap.Participants, st.Clone())
	}
	for k, until := range s.mem.dedup {
		if until.Before(now) {
			delete(s.mem.dedup, k)
			continue
		}
		snap.Dedup[k] = until.UnixMilli()
	}
	s.mem.mu.Unlock()
	sort.Slice(snap.Participants, func(i, j int) bool { return snap.Participants[i].ID < snap.Participants[j].ID })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, st := range snap.Participants {
		s.mem.users[st.ID] = st
	}
	for k, ms := range snap.Dedup {
		s.mem.dedup[k] = time.UnixMilli(ms)
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn final line after a crash is expected.
			s.log.Warn("skip bad journal line", logx.Err(err))
			continue
		}
		switch op.Op {
		case "put":
			if op.State != nil {
				s.mem.users[op.State.ID] = *op.State
			}
		case "del":
			delete(s.mem.users, op.ID)
		case "dedup":
			if op.Key != "" {
				s.mem.dedup[op.Key] = time.UnixMilli(op.Until)
			}
		}
	}
	return sc.Err()
}

func (s *fileStore) replayDays(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec DayRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		st, ok := s.mem.users[rec.UserID]
		if !ok || rec.Date.Before(st.RegisteredDate) {
			continue
		}
		s.mem.days[rec.UserID] = append(s.mem.days[rec.UserID], rec)
	}
	return sc.Err()
}
