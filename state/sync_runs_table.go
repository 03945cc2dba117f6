package state

import (
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openattend/fleet-sync/internal"
)

const (
	SyncStatusInProgress = "in_progress"
	SyncStatusCompleted  = "completed"
	SyncStatusFailed     = "failed"
)

// SyncRun records one attempt to harvest one device: append-only audit
// history, one row per device per cycle.
type SyncRun struct {
	ID            int64      `db:"id"`
	DeviceID      int64      `db:"device_id"`
	StartedAt     time.Time  `db:"started_at"`
	CompletedAt   *time.Time `db:"completed_at"`
	Status        string     `db:"status"`
	RecordsSynced int        `db:"records_synced"`
	ErrorMessage  string     `db:"error_message"`
}

type SyncRunsTable struct {
	db *sqlx.DB
}

func NewSyncRunsTable(db *sqlx.DB) *SyncRunsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS fleetsync_sync_runs (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'in_progress',
		records_synced INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	);`)
	return &SyncRunsTable{db: db}
}

func (t *SyncRunsTable) Start(deviceID int64, at time.Time) (int64, error) {
	var id int64
	err := t.db.QueryRow(
		`INSERT INTO fleetsync_sync_runs(device_id, started_at, status) VALUES($1,$2,$3) RETURNING id`,
		deviceID, at, SyncStatusInProgress,
	).Scan(&id)
	return id, err
}

func (t *SyncRunsTable) Complete(id int64, at time.Time, recordsSynced int) error {
	_, err := t.db.Exec(
		`UPDATE fleetsync_sync_runs SET completed_at = $1, status = $2, records_synced = $3 WHERE id = $4`,
		at, SyncStatusCompleted, recordsSynced, id,
	)
	return err
}

// Fail closes the run with a bounded error message.
func (t *SyncRunsTable) Fail(id int64, at time.Time, errMsg string) error {
	_, err := t.db.Exec(
		`UPDATE fleetsync_sync_runs SET completed_at = $1, status = $2, error_message = $3 WHERE id = $4`,
		at, SyncStatusFailed, internal.TruncateError(errMsg), id,
	)
	return err
}

// RecentForDevice returns the newest runs for a device, newest first.
func (t *SyncRunsTable) RecentForDevice(deviceID int64, limit int) ([]SyncRun, error) {
	var runs []SyncRun
	err := t.db.Select(&runs,
		`SELECT * FROM fleetsync_sync_runs WHERE device_id = $1 ORDER BY started_at DESC, id DESC LIMIT $2`,
		deviceID, limit,
	)
	return runs, err
}
