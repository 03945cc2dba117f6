package fleet

import (
	"context"
	"os"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/openattend/fleet-sync/state"
	"github.com/openattend/fleet-sync/zk"
)

// DefaultSessionIdle is how long a manually opened session may sit unused
// before the manager closes it. A dangling session holds a UDP pool port,
// so idle expiry is a resource guard, not a convenience.
const DefaultSessionIdle = 30 * time.Minute

// Syncer runs a single-device harvest. Satisfied by *Orchestrator.
type Syncer interface {
	SyncDevice(ctx context.Context, d state.Device) error
}

// ConnectionManager serves the manual operations triggered outside the sync
// cycle: test-connection, explicit connect/disconnect, enroll, delete, relay
// pulse and single-device sync. Every operation runs under the same
// per-device lease the fleet sweep takes, so two code paths never hold
// concurrent sessions to one physical device.
type ConnectionManager struct {
	connector Connector
	leases    *LeaseRegistry
	syncer    Syncer
	sessions  *ttlcache.Cache[int64, DeviceClient]
	log       zerolog.Logger
}

func NewConnectionManager(connector Connector, leases *LeaseRegistry, syncer Syncer) *ConnectionManager {
	m := &ConnectionManager{
		connector: connector,
		leases:    leases,
		syncer:    syncer,
		sessions: ttlcache.New[int64, DeviceClient](
			ttlcache.WithTTL[int64, DeviceClient](DefaultSessionIdle),
		),
		log: zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}),
	}
	// ttlcache fires eviction callbacks on a fresh goroutine, so explicit
	// closes must not rely on them: Connect, Disconnect and Teardown close the
	// socket themselves before deleting. Only idle expiry lands here.
	m.sessions.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[int64, DeviceClient]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		if err := item.Value().Disconnect(); err != nil {
			m.log.Warn().Int64("device_id", item.Key()).Err(err).Msg("failed to close idle session")
		}
	})
	go m.sessions.Start()
	return m
}

// Connect opens a long-lived session for a device, replacing any existing
// one. The session stays open until Disconnect or idle expiry.
func (m *ConnectionManager) Connect(d state.Device) error {
	release := m.leases.Acquire(d.ID)
	defer release()
	m.closeSession(d.ID)
	sess, err := m.connector.Connect(d)
	if err != nil {
		return err
	}
	m.sessions.Set(d.ID, sess, ttlcache.DefaultTTL)
	return nil
}

// Disconnect closes the device's long-lived session if one is open. It is
// idempotent.
func (m *ConnectionManager) Disconnect(deviceID int64) {
	release := m.leases.Acquire(deviceID)
	defer release()
	m.closeSession(deviceID)
}

// closeSession disconnects and drops the device's long-lived session, if any,
// before the call returns. Callers hold the device lease.
func (m *ConnectionManager) closeSession(deviceID int64) {
	item := m.sessions.Get(deviceID)
	if item == nil {
		return
	}
	if err := item.Value().Disconnect(); err != nil {
		m.log.Warn().Int64("device_id", deviceID).Err(err).Msg("failed to close session")
	}
	m.sessions.Delete(deviceID)
}

// IsOpen reports whether a long-lived session exists for the device.
func (m *ConnectionManager) IsOpen(deviceID int64) bool {
	return m.sessions.Get(deviceID) != nil
}

// ProbeResult is what TestConnection learned about a device.
type ProbeResult struct {
	Transport      zk.Kind
	Firmware       string
	UserCount      uint32
	RecordCount    uint32
	RecordCapacity uint32
	DeviceTime     time.Time
}

// TestConnection opens a throwaway session and reads the device's identity
// and counters. Errors propagate to the caller unmasked.
func (m *ConnectionManager) TestConnection(d state.Device) (*ProbeResult, error) {
	var res *ProbeResult
	err := m.withSession(d, func(sess DeviceClient) error {
		firmware, err := sess.GetFirmwareVersion()
		if err != nil {
			return err
		}
		info, err := sess.GetInfo()
		if err != nil {
			return err
		}
		deviceTime, err := sess.GetTime()
		if err != nil {
			return err
		}
		res = &ProbeResult{
			Transport:      sess.Kind(),
			Firmware:       firmware,
			UserCount:      info.UserCount,
			RecordCount:    info.RecordCount,
			RecordCapacity: info.RecordCapacity,
			DeviceTime:     deviceTime,
		}
		return nil
	})
	return res, err
}

// EnrollUser writes an enrollment record to the device.
func (m *ConnectionManager) EnrollUser(d state.Device, u zk.UserRecord) error {
	return m.withSession(d, func(sess DeviceClient) error {
		return sess.SetUser(u)
	})
}

// RemoveUser deletes an enrollment slot from the device.
func (m *ConnectionManager) RemoveUser(d state.Device, uid uint16) error {
	return m.withSession(d, func(sess DeviceClient) error {
		return sess.DeleteUser(uid)
	})
}

// PulseRelay energises the device's door relay.
func (m *ConnectionManager) PulseRelay(d state.Device, dur time.Duration) error {
	return m.withSession(d, func(sess DeviceClient) error {
		return sess.PulseRelay(dur)
	})
}

// SyncDevice runs a one-off harvest for a single device, same path as the
// fleet sweep.
func (m *ConnectionManager) SyncDevice(ctx context.Context, d state.Device) error {
	return m.syncer.SyncDevice(ctx, d)
}

// withSession runs fn under the device lease, reusing the long-lived session
// when one is open and dialing a throwaway one otherwise. Operation failures
// do not tear down a long-lived session; the owner decides that.
func (m *ConnectionManager) withSession(d state.Device, fn func(sess DeviceClient) error) error {
	release := m.leases.Acquire(d.ID)
	defer release()
	if item := m.sessions.Get(d.ID); item != nil {
		return fn(item.Value())
	}
	sess, err := m.connector.Connect(d)
	if err != nil {
		return err
	}
	defer sess.Disconnect()
	return fn(sess)
}

// Teardown closes every open session and stops the expiry loop. All sockets
// are closed by the time it returns.
func (m *ConnectionManager) Teardown() {
	for id, item := range m.sessions.Items() {
		if err := item.Value().Disconnect(); err != nil {
			m.log.Warn().Int64("device_id", id).Err(err).Msg("failed to close session")
		}
	}
	m.sessions.DeleteAll()
	m.sessions.Stop()
}
