package gateway

import "sync"

// Sessions tracks live authenticated connections. At most one session exists
// per device; registering a second connection for a device returns the
// predecessor for eviction. The user index is derived and maintained on
// register/remove.
type Sessions struct {
	mu       sync.RWMutex
	byDevice map[string]*Client
	byUser   map[string]map[*Client]struct{}
}

func NewSessions() *Sessions {
	return &Sessions{
		byDevice: make(map[string]*Client),
		byUser:   make(map[string]map[*Client]struct{}),
	}
}

// Register installs c under its device id and returns any replaced session.
func (s *Sessions) Register(c *Client) (evicted *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byDevice[c.deviceID]; ok && prev != c {
		evicted = prev
		s.removeLocked(prev)
	}
	s.byDevice[c.deviceID] = c
	set, ok := s.byUser[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		s.byUser[c.userID] = set
	}
	set[c] = struct{}{}
	return evicted
}

// Unregister removes c if it is still the registered session for its device.
func (s *Sessions) Unregister(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byDevice[c.deviceID]; !ok || cur != c {
		return
	}
	s.removeLocked(c)
}

func (s *Sessions) removeLocked(c *Client) {
	delete(s.byDevice, c.deviceID)
	if set, ok := s.byUser[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.byUser, c.userID)
		}
	}
}

// ByDevice returns the live session for a device.
func (s *Sessions) ByDevice(deviceID string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byDevice[deviceID]
	return c, ok
}

// ForUser snapshots the sessions of one user.
func (s *Sessions) ForUser(userID string) []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byUser[userID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// All snapshots every live session.
func (s *Sessions) All() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.byDevice))
	for _, c := range s.byDevice {
		out = append(out, c)
	}
	return out
}
