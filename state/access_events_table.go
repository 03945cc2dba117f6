package state

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// AccessEvent is one ingested clock event. EventTime is always UTC by the
// time it reaches this table; the unique index over (device_id,
// device_user_id, event_time) is the dedup key and the only guard against
// duplicate inserts from overlapping syncs.
type AccessEvent struct {
	ID           int64     `db:"id"`
	DeviceID     int64     `db:"device_id"`
	LocationID   int64     `db:"location_id"`
	PersonID     *int64    `db:"person_id"`
	DeviceUserID string    `db:"device_user_id"`
	EventTime    time.Time `db:"event_time"`
	Direction    string    `db:"direction"`
	Source       string    `db:"source"`
	RawPayload   []byte    `db:"raw_payload"` // CBOR of the decoded record
}

type AccessEventsTable struct {
	db *sqlx.DB
}

func NewAccessEventsTable(db *sqlx.DB) *AccessEventsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS fleetsync_access_events (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL,
		location_id BIGINT NOT NULL DEFAULT 0,
		person_id BIGINT,
		device_user_id TEXT NOT NULL,
		event_time TIMESTAMPTZ NOT NULL,
		direction TEXT NOT NULL DEFAULT 'both',
		source TEXT NOT NULL DEFAULT 'device-sync',
		raw_payload BYTEA,
		UNIQUE(device_id, device_user_id, event_time)
	);`)
	return &AccessEventsTable{db: db}
}

// Exists checks the dedup key.
func (t *AccessEventsTable) Exists(deviceID int64, deviceUserID string, eventTime time.Time) (bool, error) {
	var count int
	err := t.db.Get(&count,
		`SELECT count(*) FROM fleetsync_access_events WHERE device_id = $1 AND device_user_id = $2 AND event_time = $3`,
		deviceID, deviceUserID, eventTime,
	)
	return count > 0, err
}

// Insert adds an event, reporting whether a row was actually created. The
// ON CONFLICT clause makes ingestion idempotent even when two syncs race the
// Exists check.
func (t *AccessEventsTable) Insert(ev AccessEvent) (bool, error) {
	res, err := t.db.Exec(`
	INSERT INTO fleetsync_access_events(device_id, location_id, person_id, device_user_id, event_time, direction, source, raw_payload)
	VALUES($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (device_id, device_user_id, event_time) DO NOTHING`,
		ev.DeviceID, ev.LocationID, ev.PersonID, ev.DeviceUserID, ev.EventTime, ev.Direction, ev.Source, ev.RawPayload,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertTxn is Insert inside an existing transaction, so a whole device
// sweep lands atomically.
func (t *AccessEventsTable) InsertTxn(txn *sqlx.Tx, ev AccessEvent) (bool, error) {
	res, err := txn.Exec(`
	INSERT INTO fleetsync_access_events(device_id, location_id, person_id, device_user_id, event_time, direction, source, raw_payload)
	VALUES($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (device_id, device_user_id, event_time) DO NOTHING`,
		ev.DeviceID, ev.LocationID, ev.PersonID, ev.DeviceUserID, ev.EventTime, ev.Direction, ev.Source, ev.RawPayload,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountForDevice is used by the health endpoint.
func (t *AccessEventsTable) CountForDevice(deviceID int64) (int64, error) {
	var count int64
	err := t.db.Get(&count, `SELECT count(*) FROM fleetsync_access_events WHERE device_id = $1`, deviceID)
	return count, err
}
