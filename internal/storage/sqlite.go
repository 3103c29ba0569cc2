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
	"time"

	_ "modernc.org/sqlite"

	"timerbot/internal/timer"
	logx "timerbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
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

func (s *sqliteStore) LoadAll(ctx context.Context) ([]UserRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}

	byUser := map[int64]*UserRecord{}
	get := func(id int64) *UserRecord {
		if r := byUser[id]; r != nil {
			return r
		}
		r := &UserRecord{UserID: id}
		byUser[id] = r
		return r
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id, paused FROM users`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		var paused int
		if err := rows.Scan(&id, &paused); err != nil {
			_ = rows.Close()
			return nil, err
		}
		get(id).Paused = paused != 0
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT user_id, description, target_at, require_ack, last_alert, created_at FROM timers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, target, created int64
			desc                string
			reqAck              int
			lastAlert           sql.NullInt64
		)
		if err := rows.Scan(&id, &desc, &target, &reqAck, &lastAlert, &created); err != nil {
			return nil, err
		}
		t := &timer.Timer{
			Description: desc,
			TargetAt:    time.UnixMilli(target),
			RequireAck:  reqAck != 0,
			CreatedAt:   time.UnixMilli(created),
		}
		if lastAlert.Valid {
			t.LastAlert = time.UnixMilli(lastAlert.Int64)
		}
		u := get(id)
		u.Timers = append(u.Timers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]UserRecord, 0, len(byUser))
	for _, r := range byUser {
		out = append(out, *r)
	}
	return out, nil
}

func (s *sqliteStore) PutTimer(ctx context.Context, userID int64, t *timer.Timer) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id) VALUES(?) ON CONFLICT(user_id) DO NOTHING`, userID); err != nil {
		return err
	}
	var lastAlert any
	if !t.LastAlert.IsZero() {
		lastAlert = t.LastAlert.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timers(user_id, description, target_at, require_ack, last_alert, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id, description) DO UPDATE SET
		   target_at=excluded.target_at,
		   require_ack=excluded.require_ack,
		   last_alert=excluded.last_alert,
		   created_at=excluded.created_at`,
		userID, t.Description, t.TargetAt.UnixMilli(), boolInt(t.RequireAck), lastAlert, t.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteTimer(ctx context.Context, userID int64, description string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM timers WHERE user_id = ? AND description = ?`, userID, description)
	return err
}

func (s *sqliteStore) SetLastAlert(ctx context.Context, userID int64, description string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE timers SET last_alert = ? WHERE user_id = ? AND description = ?`,
		at.UnixMilli(), userID, description)
	return err
}

func (s *sqliteStore) SetPaused(ctx context.Context, userID int64, paused bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, paused) VALUES(?,?)
		 ON CONFLICT(user_id) DO UPDATE SET paused=excluded.paused`,
		userID, boolInt(paused))
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
