package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"timerbot/internal/timer"
	logx "timerbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (full state snapshot)
//   - <prefix>.journal.jsonl (append-only mutation journal)
//
// Each mutation appends one journal record; the journal is periodically
// compacted into the snapshot. On open the snapshot is loaded and the
// journal replayed over it.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	users        map[int64]*fileUser

	writes int
}

type fileUser struct {
	Paused bool                  `json:"paused,omitempty"`
	Timers map[string]*fileTimer `json:"timers,omitempty"`
}

type fileTimer struct {
	TargetAt   int64 `json:"target_at"`
	RequireAck bool  `json:"require_ack,omitempty"`
	LastAlert  int64 `json:"last_alert,omitempty"`
	CreatedAt  int64 `json:"created_at"`
}

type journalRecord struct {
	Op     string     `json:"op"` // put, delete, alert, pause
	UserID int64      `json:"user"`
	Desc   string     `json:"desc,omitempty"`
	Timer  *fileTimer `json:"timer,omitempty"`
	At     int64      `json:"at,omitempty"`
	Paused bool       `json:"paused,omitempty"`
}

const compactEvery = 256

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	users := map[int64]*fileUser{}
	_ = loadSnapshot(snapPath, users)
	_ = replayJournal(journalPath, users)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		users:        users,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("snapshot compact on close failed", logx.Err(err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) LoadAll(ctx context.Context) ([]UserRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]UserRecord, 0, len(s.users))
	for id, u := range s.users {
		rec := UserRecord{UserID: id, Paused: u.Paused}
		for desc, ft := range u.Timers {
			rec.Timers = append(rec.Timers, ft.toTimer(desc))
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *fileStore) PutTimer(ctx context.Context, userID int64, t *timer.Timer) error {
	_ = ctx
	ft := fromTimer(t)
	return s.apply(journalRecord{Op: "put", UserID: userID, Desc: t.Description, Timer: ft})
}

func (s *fileStore) DeleteTimer(ctx context.Context, userID int64, description string) error {
	_ = ctx
	return s.apply(journalRecord{Op: "delete", UserID: userID, Desc: description})
}

func (s *fileStore) SetLastAlert(ctx context.Context, userID int64, description string, at time.Time) error {
	_ = ctx
	return s.apply(journalRecord{Op: "alert", UserID: userID, Desc: description, At: at.UnixMilli()})
}

func (s *fileStore) SetPaused(ctx context.Context, userID int64, paused bool) error {
	_ = ctx
	return s.apply(journalRecord{Op: "pause", UserID: userID, Paused: paused})
}

func (s *fileStore) apply(r journalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("journal closed")
	}

	applyRecord(s.users, r)

	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("snapshot compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.users); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func applyRecord(users map[int64]*fileUser, r journalRecord) {
	u := users[r.UserID]
	if u == nil {
		u = &fileUser{}
		users[r.UserID] = u
	}
	switch r.Op {
	case "put":
		if r.Timer == nil || r.Desc == "" {
			return
		}
		if u.Timers == nil {
			u.Timers = map[string]*fileTimer{}
		}
		u.Timers[r.Desc] = r.Timer
	case "delete":
		delete(u.Timers, r.Desc)
	case "alert":
		if t := u.Timers[r.Desc]; t != nil {
			t.LastAlert = r.At
		}
	case "pause":
		u.Paused = r.Paused
	}
}

func loadSnapshot(path string, out map[int64]*fileUser) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[int64]*fileUser
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[int64]*fileUser) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		applyRecord(out, r)
	}
	return sc.Err()
}

func fromTimer(t *timer.Timer) *fileTimer {
	ft := &fileTimer{
		TargetAt:   t.TargetAt.UnixMilli(),
		RequireAck: t.RequireAck,
		CreatedAt:  t.CreatedAt.UnixMilli(),
	}
	if !t.LastAlert.IsZero() {
		ft.LastAlert = t.LastAlert.UnixMilli()
	}
	return ft
}

func (ft *fileTimer) toTimer(desc string) *timer.Timer {
	t := &timer.Timer{
		Description: desc,
		TargetAt:    time.UnixMilli(ft.TargetAt),
		RequireAck:  ft.RequireAck,
		CreatedAt:   time.UnixMilli(ft.CreatedAt),
	}
	if ft.LastAlert != 0 {
		t.LastAlert = time.UnixMilli(ft.LastAlert)
	}
	return t
}
