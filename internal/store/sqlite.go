package store

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

	logx "mutemebot/pkg/logx"
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
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

func (s *sqliteStore) Load(ctx context.Context) (State, error) {
	st := NewState()
	if s == nil || s.db == nil {
		return st, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, timezone FROM users`)
	if err != nil {
		s.log.Warn("users query failed; starting empty", logx.Err(err))
	} else {
		for rows.Next() {
			var id int64
			var tz sql.NullString
			if err := rows.Scan(&id, &tz); err != nil {
				continue
			}
			st.Users[id] = &User{Timezone: tz.String}
		}
		_ = rows.Close()
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, user_id, chat_id, original_time, repeat, next_fire, snooze, unix_time FROM events`)
	if err != nil {
		s.log.Warn("events query failed; starting empty", logx.Err(err))
		return st, nil
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, origTime, repeat, nextFire string
			userID, chatID, unixTime       int64
			snooze                         int
		)
		if err := rows.Scan(&id, &userID, &chatID, &origTime, &repeat, &nextFire, &snooze, &unixTime); err != nil {
			continue
		}
		at, err := time.Parse(time.RFC3339, nextFire)
		if err != nil {
			s.log.Warn("event row has bad next_fire; skipping", logx.String("id", id), logx.Err(err))
			continue
		}
		st.Events[id] = &Event{
			UserID:       userID,
			ChatID:       chatID,
			OriginalTime: origTime,
			Repeat:       repeat,
			NextFire:     at.UTC(),
			Snooze:       snooze != 0,
			UnixTime:     unixTime,
		}
	}
	return st, nil
}

func (s *sqliteStore) Save(ctx context.Context, st State) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM users`); err != nil {
		return err
	}
	for id, u := range st.Users {
		if u == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users(id, timezone) VALUES(?,?)`, id, nullStr(u.Timezone)); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return err
	}
	for id, e := range st.Events {
		if e == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events(id, user_id, chat_id, original_time, repeat, next_fire, snooze, unix_time)
			 VALUES(?,?,?,?,?,?,?,?)`,
			id, e.UserID, e.ChatID, e.OriginalTime, e.Repeat,
			e.NextFire.UTC().Format(time.RFC3339), boolInt(e.Snooze), e.UnixTime); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
