package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Record is the persisted view of one service instance run. Uniq identifies
// a single run (pid + start time) so restarts create new rows instead of
// overwriting history.
type Record struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	PID       int            `json:"pid"`
	State     string         `json:"state"`
	Restarts  int            `json:"restarts"`
	StartedAt time.Time      `json:"started_at"`
	StoppedAt sql.NullTime   `json:"stopped_at"`
	Running   bool           `json:"running"`
	ExitCode  sql.NullInt64  `json:"exit_code"`
	ExitErr   sql.NullString `json:"exit_err"`
	Uniq      string         `json:"uniq"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// UniqueKey builds the per-run key from pid and start time.
func UniqueKey(pid int, startedAt time.Time) string {
	return fmt.Sprintf("%d-%d", pid, startedAt.UTC().UnixNano())
}

// Key returns the record's run key.
func (r Record) Key() string { return UniqueKey(r.PID, r.StartedAt) }

// Store persists instance lifecycle state so a restarted daemon can report
// what happened to its services.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordStart(ctx context.Context, rec Record) error
	RecordStop(ctx context.Context, uniq string, stoppedAt time.Time, exitCode int, exitErr error) error
	UpsertStatus(ctx context.Context, rec Record) error
	GetByName(ctx context.Context, name string, limit int) ([]Record, error)
	GetRunning(ctx context.Context, namePrefix string) ([]Record, error)
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
