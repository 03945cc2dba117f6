package fleet

import (
	"time"

	"github.com/openattend/fleet-sync/state"
	"github.com/openattend/fleet-sync/zk"
)

// The sync engine talks to the rest of the system through these narrow
// contracts. state.Storage satisfies all four; tests substitute hand mocks.

// DeviceRegistry reads the active fleet and writes back status fields. The
// engine never mutates anything else about a device.
type DeviceRegistry interface {
	SelectActive() ([]state.Device, error)
	MarkOnline(id int64, at time.Time) error
	MarkSynced(id int64, at time.Time) error
	MarkOffline(id int64) error
}

// PersonDirectory resolves a device-local user id to at most one person.
type PersonDirectory interface {
	ByDeviceUserID(deviceUserID string) (*state.Person, error)
}

// AccessEventStore ingests a batch of events idempotently: rows colliding on
// the (device_id, device_user_id, event_time) dedup key are skipped, and the
// return value is the number of rows actually created.
type AccessEventStore interface {
	IngestEvents(evs []state.AccessEvent) (int, error)
}

// SyncRunStore is the append-only per-device sync audit history.
type SyncRunStore interface {
	Start(deviceID int64, at time.Time) (int64, error)
	Complete(id int64, at time.Time, recordsSynced int) error
	Fail(id int64, at time.Time, errMsg string) error
}

// DeviceClient is the slice of zk.Session the engine drives. One client is
// one open session; the owner must call Disconnect on every exit path.
type DeviceClient interface {
	Kind() zk.Kind
	GetInfo() (*zk.Info, error)
	GetFirmwareVersion() (string, error)
	GetTime() (time.Time, error)
	SetTime(t time.Time) error
	GetUsers() ([]zk.UserRecord, int, error)
	GetAttendances() ([]zk.AttendanceRecord, int, error)
	SetUser(u zk.UserRecord) error
	DeleteUser(uid uint16) error
	PulseRelay(d time.Duration) error
	Disconnect() error
}

// Connector opens a fresh session to a device.
type Connector interface {
	Connect(d state.Device) (DeviceClient, error)
}

// ZKConnector dials real devices. The size cache and dialer are shared
// process-wide so layout hints and the UDP port pool survive across sessions.
type ZKConnector struct {
	Opts zk.SessionOpts
}

func (c *ZKConnector) Connect(d state.Device) (DeviceClient, error) {
	return zk.Connect(d.IP, d.Port, d.CommKey, c.Opts)
}
