package storage

import (
	"context"
	"errors"
	"time"

	"timerbot/internal/timer"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and timers live in
// memory only.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// UserRecord is one user's persisted state.
type UserRecord struct {
	UserID int64
	Paused bool
	Timers []*timer.Timer
}

// Store is the persistence API used by the registry and the app.
// Writes happen synchronously after each mutating operation, so a crash
// loses at most the operation in flight.
type Store interface {
	LoadAll(ctx context.Context) ([]UserRecord, error)
	PutTimer(ctx context.Context, userID int64, t *timer.Timer) error
	DeleteTimer(ctx context.Context, userID int64, description string) error
	SetLastAlert(ctx context.Context, userID int64, description string, at time.Time) error
	SetPaused(ctx context.Context, userID int64, paused bool) error
	Close() error
}
