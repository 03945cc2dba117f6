package fleet

import "sync"

// LeaseRegistry hands out one mutex per device id. A lease covers the full
// connect, operate, disconnect sequence, so a manual operation and the
// scheduled sweep can never hold two concurrent sessions to the same
// physical device. Leases live for the process lifetime.
type LeaseRegistry struct {
	mu     sync.Mutex
	leases map[int64]*sync.Mutex
}

func NewLeaseRegistry() *LeaseRegistry {
	return &LeaseRegistry{
		leases: make(map[int64]*sync.Mutex),
	}
}

// Acquire blocks until the device lease is held and returns the release
// function. Callers must release on every exit path.
func (r *LeaseRegistry) Acquire(deviceID int64) func() {
	r.mu.Lock()
	l := r.leases[deviceID]
	if l == nil {
		l = &sync.Mutex{}
		r.leases[deviceID] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}
