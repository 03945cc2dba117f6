package zk

import "sync"

// SizeCache remembers the winning record layout per device IP so writes to a
// device reuse the layout its firmware last proved it understands. It is an
// in-memory hint, not authoritative: entries live for the process lifetime,
// last writer wins, and a wrong hint just costs one extra write attempt.
type SizeCache struct {
	mu    sync.Mutex
	users map[string]UserLayout
	att   map[string]AttendanceLayout
}

func NewSizeCache() *SizeCache {
	return &SizeCache{
		users: make(map[string]UserLayout),
		att:   make(map[string]AttendanceLayout),
	}
}

func (c *SizeCache) UserLayout(ip string) (UserLayout, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.users[ip]
	return l, ok
}

func (c *SizeCache) SetUserLayout(ip string, l UserLayout) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[ip] = l
}

func (c *SizeCache) AttendanceLayout(ip string) (AttendanceLayout, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.att[ip]
	return l, ok
}

func (c *SizeCache) SetAttendanceLayout(ip string, l AttendanceLayout) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.att[ip] = l
}
