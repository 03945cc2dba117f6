package zk

import (
	"sync"
)

// PortPool hands out local UDP ports round-robin from a fixed range. The OS
// can hold a port in TIME_WAIT-like state after a session ends, so reusing
// the same port back-to-back risks EADDRINUSE; rotating through the range
// sidesteps that. Ports are exclusively owned by one session at a time.
type PortPool struct {
	mu    sync.Mutex
	first int
	last  int
	next  int
}

// NewPortPool creates a pool over [first, last] inclusive.
func NewPortPool(first, last int) *PortPool {
	return &PortPool{first: first, last: last, next: first}
}

// DefaultPortPool covers the range reserved for device sessions.
func DefaultPortPool() *PortPool {
	return NewPortPool(5200, 5500)
}

// Next returns the next candidate port.
func (p *PortPool) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	port := p.next
	p.next++
	if p.next > p.last {
		p.next = p.first
	}
	return port
}
