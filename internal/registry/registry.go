// Package registry owns the per-user timer collections and their
// lifecycle: creation, acknowledgement, listing, the notifiability
// (pause) flag, and the due-timer sweep over one user.
//
// All mutations of a user's collection are serialized by that user's
// mutex; operations on different users never contend. The registry is
// an explicit store handed to its callers, not ambient global state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"timerbot/internal/timer"
	logx "timerbot/pkg/logx"
)

var (
	ErrTimerExists   = errors.New("timer already exists")
	ErrTimerNotFound = errors.New("timer not found")
)

// Store is the persistence sink invoked after every mutating operation.
// Implementations must be safe for concurrent use. A nil Store keeps
// timers in memory only.
type Store interface {
	PutTimer(ctx context.Context, userID int64, t *timer.Timer) error
	DeleteTimer(ctx context.Context, userID int64, description string) error
	SetLastAlert(ctx context.Context, userID int64, description string, at time.Time) error
	SetPaused(ctx context.Context, userID int64, paused bool) error
}

type userState struct {
	mu     sync.Mutex
	timers map[string]*timer.Timer
	paused bool
}

type Registry struct {
	mu    sync.RWMutex
	users map[int64]*userState

	store Store
	log   logx.Logger
}

func New(store Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		users: map[int64]*userState{},
		store: store,
		log:   log,
	}
}

func (r *Registry) user(id int64) *userState {
	r.mu.RLock()
	u := r.users[id]
	r.mu.RUnlock()
	if u != nil {
		return u
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if u = r.users[id]; u == nil {
		u = &userState{timers: map[string]*timer.Timer{}}
		r.users[id] = u
	}
	return u
}

// Seed installs state loaded from storage at startup. It replaces any
// in-memory state for the user and does not write back to the store.
func (r *Registry) Seed(userID int64, paused bool, timers []*timer.Timer) {
	u := r.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paused = paused
	u.timers = make(map[string]*timer.Timer, len(timers))
	for _, t := range timers {
		u.timers[t.Description] = t.Clone()
	}
}

// Create parses raw and inserts the resulting timer into the user's
// collection. It fails without touching the collection when the text is
// unparsable, the description collides with an existing timer, or the
// persistence write fails.
func (r *Registry) Create(ctx context.Context, userID int64, raw string, now time.Time) (*timer.Timer, error) {
	t, err := timer.Parse(raw, now)
	if err != nil {
		return nil, err
	}

	u := r.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.timers[t.Description]; ok {
		return nil, fmt.Errorf("%w: %q", ErrTimerExists, t.Description)
	}
	if r.store != nil {
		if err := r.store.PutTimer(ctx, userID, t); err != nil {
			return nil, fmt.Errorf("persist timer: %w", err)
		}
	}
	u.timers[t.Description] = t
	return t.Clone(), nil
}

// Ack removes the named timer. It is valid at any time, before or after
// the timer fired.
func (r *Registry) Ack(ctx context.Context, userID int64, description string) error {
	u := r.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.timers[description]; !ok {
		return fmt.Errorf("%w: %q", ErrTimerNotFound, description)
	}
	delete(u.timers, description)
	if r.store != nil {
		if err := r.store.DeleteTimer(ctx, userID, description); err != nil {
			r.log.Warn("timer removal not persisted",
				logx.Int64("user", userID), logx.String("timer", description), logx.Err(err))
		}
	}
	return nil
}

// List returns copies of the user's timers sorted by target time.
func (r *Registry) List(userID int64) []*timer.Timer {
	u := r.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]*timer.Timer, 0, len(u.timers))
	for _, t := range u.timers {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TargetAt.Equal(out[j].TargetAt) {
			return out[i].TargetAt.Before(out[j].TargetAt)
		}
		return out[i].Description < out[j].Description
	})
	return out
}

// SetPaused flips the user's notifiability flag. Paused users are
// skipped by the sweep; their timers fire on the first sweep after
// resuming.
func (r *Registry) SetPaused(ctx context.Context, userID int64, paused bool) error {
	u := r.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	u.paused = paused
	if r.store != nil {
		if err := r.store.SetPaused(ctx, userID, paused); err != nil {
			return fmt.Errorf("persist pause flag: %w", err)
		}
	}
	return nil
}

func (r *Registry) Paused(userID int64) bool {
	u := r.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.paused
}

// UserIDs returns a snapshot of all known user ids.
func (r *Registry) UserIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SendFunc delivers one notification text to the user. A non-nil error
// leaves the timer untouched so the next sweep cycle retries it.
type SendFunc func(ctx context.Context, text string) error

// SweepUser runs one sweep cycle over a single user: it plans the due
// actions, delivers each notification, and applies the state change
// only after successful delivery. The user's lock is held for the whole
// cycle, so a concurrent Ack either runs before planning (suppressing
// the notification) or after the cycle; a timer can never fire and be
// acknowledged twice.
func (r *Registry) SweepUser(ctx context.Context, userID int64, now time.Time, realertEvery time.Duration, send SendFunc) (sent int, err error) {
	u := r.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.paused {
		return 0, nil
	}

	timers := make([]*timer.Timer, 0, len(u.timers))
	for _, t := range u.timers {
		timers = append(timers, t)
	}
	var errs []error
	for _, act := range Plan(timers, now, realertEvery) {
		if serr := send(ctx, act.Text); serr != nil {
			// A failed delivery is isolated to its timer: that timer is
			// left unchanged for the next cycle while the rest of the
			// planned actions still run.
			errs = append(errs, fmt.Errorf("notify %q: %w", act.Timer.Description, serr))
			continue
		}
		sent++

		switch act.Kind {
		case ActionFire:
			delete(u.timers, act.Timer.Description)
			if r.store != nil {
				if derr := r.store.DeleteTimer(ctx, userID, act.Timer.Description); derr != nil {
					r.log.Warn("fired timer removal not persisted",
						logx.Int64("user", userID), logx.String("timer", act.Timer.Description), logx.Err(derr))
				}
			}
		case ActionRealert:
			act.Timer.LastAlert = now
			if r.store != nil {
				if aerr := r.store.SetLastAlert(ctx, userID, act.Timer.Description, now); aerr != nil {
					r.log.Warn("alert time not persisted",
						logx.Int64("user", userID), logx.String("timer", act.Timer.Description), logx.Err(aerr))
				}
			}
		}
	}
	if len(errs) > 0 {
		return sent, fmt.Errorf("user %d: %w", userID, errors.Join(errs...))
	}
	return sent, nil
}
