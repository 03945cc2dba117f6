package state

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// Person links a device-local user id to an organisation member. Owned by
// the administration layer; the sync engine only reads it.
type Person struct {
	ID           int64  `db:"id"`
	FullName     string `db:"full_name"`
	DeviceUserID string `db:"device_user_id"`
}

type PersonsTable struct {
	db *sqlx.DB
}

func NewPersonsTable(db *sqlx.DB) *PersonsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS fleetsync_persons (
		id BIGSERIAL PRIMARY KEY,
		full_name TEXT NOT NULL,
		device_user_id TEXT NOT NULL UNIQUE
	);`)
	return &PersonsTable{db: db}
}

// ByDeviceUserID returns the person enrolled under the given device-local
// user id, or nil if nobody matches.
func (t *PersonsTable) ByDeviceUserID(deviceUserID string) (*Person, error) {
	var p Person
	err := t.db.Get(&p, `SELECT * FROM fleetsync_persons WHERE device_user_id = $1`, deviceUserID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *PersonsTable) Insert(p Person) (int64, error) {
	var id int64
	err := t.db.QueryRow(
		`INSERT INTO fleetsync_persons(full_name, device_user_id) VALUES($1,$2) RETURNING id`,
		p.FullName, p.DeviceUserID,
	).Scan(&id)
	return id, err
}
