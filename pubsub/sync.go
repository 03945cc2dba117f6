package pubsub

import "time"

// The channel which carries device sync outcomes.
const ChanSync = "syncch"

// SyncListener receives the outcome of each device sweep. Implementations
// must not block: payloads are dispatched from the single Listen goroutine.
type SyncListener interface {
	OnDeviceSynced(p *DeviceSynced)
	OnDeviceSyncFailed(p *DeviceSyncFailed)
	OnDeviceClockAdjusted(p *DeviceClockAdjusted)
	OnDeviceOffline(p *DeviceOffline)
}

type DeviceSynced struct {
	DeviceID   int64
	DeviceName string
	Records    int
	Duplicates int
	Duration   time.Duration
}

func (v DeviceSynced) Type() string { return "s" }

type DeviceSyncFailed struct {
	DeviceID   int64
	DeviceName string
	Error      string
}

func (v DeviceSyncFailed) Type() string { return "f" }

type DeviceClockAdjusted struct {
	DeviceID int64
	Drift    time.Duration
}

func (v DeviceClockAdjusted) Type() string { return "c" }

type DeviceOffline struct {
	DeviceID   int64
	DeviceName string
}

func (v DeviceOffline) Type() string { return "o" }

type SyncSub struct {
	listener Listener
	receiver SyncListener
}

func NewSyncSub(l Listener, recv SyncListener) *SyncSub {
	return &SyncSub{
		listener: l,
		receiver: recv,
	}
}

func (v *SyncSub) Teardown() {
	v.listener.Close()
}

func (v *SyncSub) onMessage(p Payload) {
	switch p.Type() {
	case DeviceSynced{}.Type():
		v.receiver.OnDeviceSynced(p.(*DeviceSynced))
	case DeviceSyncFailed{}.Type():
		v.receiver.OnDeviceSyncFailed(p.(*DeviceSyncFailed))
	case DeviceClockAdjusted{}.Type():
		v.receiver.OnDeviceClockAdjusted(p.(*DeviceClockAdjusted))
	case DeviceOffline{}.Type():
		v.receiver.OnDeviceOffline(p.(*DeviceOffline))
	}
}

func (v *SyncSub) Listen() error {
	return v.listener.Listen(ChanSync, v.onMessage)
}
