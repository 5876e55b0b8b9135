// Package sqlite implements store.Store on modernc.org/sqlite (CGO-free).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/renkaru/servisr/internal/store"
)

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path. Use ":memory:" for in-memory.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_state(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service_key TEXT NOT NULL,
			port INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			state TEXT NOT NULL,
			restarts INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP NULL,
			exit_err TEXT NULL,
			uniq TEXT NOT NULL UNIQUE,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_state_key ON service_state(service_key);`,
		`CREATE INDEX IF NOT EXISTS idx_service_state_state ON service_state(state);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordStart(ctx context.Context, rec store.Record) error {
	rec.StoppedAt = sql.NullTime{}
	rec.ExitErr = sql.NullString{}
	rec.UpdatedAt = time.Now().UTC()
	if rec.State == "" {
		rec.State = "running"
	}
	uniq := rec.RunKey()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_state(service_key, port, pid, state, restarts, started_at, stopped_at, exit_err, uniq, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)
		ON CONFLICT(uniq) DO UPDATE SET
			service_key=excluded.service_key,
			port=excluded.port,
			pid=excluded.pid,
			state=excluded.state,
			restarts=excluded.restarts,
			started_at=excluded.started_at,
			stopped_at=NULL,
			exit_err=NULL,
			updated_at=excluded.updated_at;`,
		rec.Key, rec.Port, rec.PID, rec.State, rec.Restarts, rec.StartedAt.UTC(), uniq, rec.UpdatedAt)
	return err
}

func (s *DB) RecordStop(ctx context.Context, uniq string, stoppedAt time.Time, exitErr error) error {
	var errStr sql.NullString
	if exitErr != nil {
		errStr = sql.NullString{String: exitErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE service_state
		SET state='stopped', stopped_at=?, exit_err=?, updated_at=?
		WHERE uniq=?;`,
		stoppedAt.UTC(), errStr, time.Now().UTC(), uniq)
	return err
}

func (s *DB) UpsertStatus(ctx context.Context, rec store.Record) error {
	rec.UpdatedAt = time.Now().UTC()
	uniq := rec.RunKey()
	var stoppedAt any
	if rec.StoppedAt.Valid {
		stoppedAt = rec.StoppedAt.Time.UTC()
	}
	var exitErr any
	if rec.ExitErr.Valid {
		exitErr = rec.ExitErr.String
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_state(service_key, port, pid, state, restarts, started_at, stopped_at, exit_err, uniq, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uniq) DO UPDATE SET
			service_key=excluded.service_key,
			port=excluded.port,
			pid=excluded.pid,
			state=excluded.state,
			restarts=excluded.restarts,
			started_at=excluded.started_at,
			stopped_at=excluded.stopped_at,
			exit_err=excluded.exit_err,
			updated_at=excluded.updated_at;`,
		rec.Key, rec.Port, rec.PID, rec.State, rec.Restarts, rec.StartedAt.UTC(), stoppedAt, exitErr, uniq, rec.UpdatedAt)
	return err
}

func (s *DB) GetByKey(ctx context.Context, key string, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_key, port, pid, state, restarts, started_at, stopped_at, exit_err, uniq, updated_at
		FROM service_state
		WHERE service_key=?
		ORDER BY started_at DESC
		LIMIT ?;`, key, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *DB) GetRunning(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_key, port, pid, state, restarts, started_at, stopped_at, exit_err, uniq, updated_at
		FROM service_state
		WHERE state IN ('starting','running','unhealthy')
		ORDER BY updated_at DESC;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM service_state WHERE state NOT IN ('starting','running','unhealthy') AND updated_at < ?;`,
		olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRecords(rows *sql.Rows) ([]store.Record, error) {
	out := make([]store.Record, 0)
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.ID, &r.Key, &r.Port, &r.PID, &r.State, &r.Restarts,
			&r.StartedAt, &r.StoppedAt, &r.ExitErr, &r.Uniq, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
