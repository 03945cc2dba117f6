package state

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Device is one physical terminal as registered by the administration layer.
// The sync engine only ever writes the status fields (online, last_online_at,
// last_sync_at); everything else is read-only here.
type Device struct {
	ID         int64        `db:"id"`
	Name       string       `db:"name"`
	IP         string       `db:"ip"`
	Port       int          `db:"port"`
	CommKey    string       `db:"comm_key"`
	Direction  string       `db:"direction"` // in | out | both
	Timezone   string       `db:"timezone"`  // IANA name of the device's wall clock
	LocationID int64        `db:"location_id"`
	Active     bool         `db:"active"`
	Online     bool         `db:"online"`
	LastOnline sql.NullTime `db:"last_online_at"`
	LastSync   sql.NullTime `db:"last_sync_at"`
}

// DevicesTable is the device registry.
type DevicesTable struct {
	db *sqlx.DB
}

func NewDevicesTable(db *sqlx.DB) *DevicesTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS fleetsync_devices (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		ip TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 4370,
		comm_key TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL DEFAULT 'both',
		timezone TEXT NOT NULL DEFAULT 'UTC',
		location_id BIGINT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		online BOOLEAN NOT NULL DEFAULT FALSE,
		last_online_at TIMESTAMPTZ,
		last_sync_at TIMESTAMPTZ
	);`)
	return &DevicesTable{db: db}
}

// SelectActive returns the devices the fleet sweep should visit, in a stable
// order.
func (t *DevicesTable) SelectActive() ([]Device, error) {
	var devices []Device
	err := t.db.Select(&devices, `SELECT * FROM fleetsync_devices WHERE active ORDER BY id`)
	return devices, err
}

// Insert registers a device. Used by tests and provisioning tooling; the
// sync engine itself never creates devices.
func (t *DevicesTable) Insert(d Device) (int64, error) {
	var id int64
	err := t.db.QueryRow(`
	INSERT INTO fleetsync_devices(name, ip, port, comm_key, direction, timezone, location_id, active)
	VALUES($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		d.Name, d.IP, d.Port, d.CommKey, d.Direction, d.Timezone, d.LocationID, d.Active,
	).Scan(&id)
	return id, err
}

func (t *DevicesTable) MarkOnline(id int64, at time.Time) error {
	_, err := t.db.Exec(
		`UPDATE fleetsync_devices SET online = TRUE, last_online_at = $1 WHERE id = $2`, at, id,
	)
	return err
}

func (t *DevicesTable) MarkSynced(id int64, at time.Time) error {
	_, err := t.db.Exec(
		`UPDATE fleetsync_devices SET online = TRUE, last_online_at = $1, last_sync_at = $1 WHERE id = $2`, at, id,
	)
	return err
}

func (t *DevicesTable) MarkOffline(id int64) error {
	_, err := t.db.Exec(`UPDATE fleetsync_devices SET online = FALSE WHERE id = $1`, id)
	return err
}
