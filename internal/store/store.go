package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Record is one persisted run of a supervised service. A new row is
// created per run (Uniq identifies the run); the latest row per key is
// the service's last known state, used for visibility across daemon
// restarts.
type Record struct {
	ID        int64
	Key       string
	Port      int
	PID       int
	State     string
	Restarts  int
	StartedAt time.Time
	StoppedAt sql.NullTime
	ExitErr   sql.NullString
	Uniq      string
	UpdatedAt time.Time
}

// UniqueKey identifies one run: PID alone is not unique over time.
func UniqueKey(pid int, startedAt time.Time) string {
	return fmt.Sprintf("%d-%d", pid, startedAt.UnixNano())
}

// RunKey returns the run identity for this record, preferring an
// explicitly assigned Uniq over the derived one.
func (r Record) RunKey() string {
	if r.Uniq != "" {
		return r.Uniq
	}
	return UniqueKey(r.PID, r.StartedAt)
}

// Store persists service run state.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Close() error
	RecordStart(ctx context.Context, rec Record) error
	RecordStop(ctx context.Context, uniq string, stoppedAt time.Time, exitErr error) error
	UpsertStatus(ctx context.Context, rec Record) error
	GetByKey(ctx context.Context, key string, limit int) ([]Record, error)
	GetRunning(ctx context.Context) ([]Record, error)
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
}

// LiveStates are the State values GetRunning matches.
var LiveStates = []string{"starting", "running", "unhealthy"}
