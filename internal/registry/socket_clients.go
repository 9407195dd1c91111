package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/koltyakov/deskrelay/internal/domain"
)

// SocketClients indexes persistent-socket clients by device ID. A device maps
// to exactly one live connection.
type SocketClients struct {
	mu       sync.RWMutex
	clock    clock.Clock
	byDevice map[domain.DeviceID]*domain.SocketClient
}

// NewSocketClients returns an empty store. A nil clock uses wall time.
func NewSocketClients(c clock.Clock) *SocketClients {
	if c == nil {
		c = clock.New()
	}
	return &SocketClients{clock: c, byDevice: make(map[domain.DeviceID]*domain.SocketClient)}
}

// Bind records conn as the device's live connection. If the device already
// had an entry, the previous snapshot is returned so the caller can close a
// superseded connection; entries are replaced, never merged.
func (r *SocketClients) Bind(device domain.DeviceID, tunnel domain.TunnelID, conn domain.ConnHandle) (current, previous domain.SocketClient, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byDevice[device]; ok {
		previous = *prev
		existed = true
	}
	now := r.clock.Now()
	c := &domain.SocketClient{
		DeviceID:    device,
		TunnelID:    tunnel,
		Conn:        conn,
		Status:      domain.ClientConnected,
		LastPing:    now,
		ConnectedAt: now,
	}
	r.byDevice[device] = c
	return *c, previous, existed
}

// Get returns a snapshot of the device's entry.
func (r *SocketClients) Get(device domain.DeviceID) (domain.SocketClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byDevice[device]
	if !ok {
		return domain.SocketClient{}, false
	}
	return *c, true
}

// Touch records activity if the device is still bound to connID.
func (r *SocketClients) Touch(device domain.DeviceID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byDevice[device]; ok && c.Conn != nil && c.Conn.ID() == connID {
		c.LastPing = r.clock.Now()
	}
}

// RemoveIfConn deletes the device's entry only when it is still bound to
// connID, so a late close from a superseded socket cannot evict its
// successor.
func (r *SocketClients) RemoveIfConn(device domain.DeviceID, connID string) (domain.SocketClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byDevice[device]
	if !ok || c.Conn == nil || c.Conn.ID() != connID {
		return domain.SocketClient{}, false
	}
	delete(r.byDevice, device)
	c.Status = domain.ClientDisconnected
	return *c, true
}

// ByTunnel returns all clients bound to tunnel.
func (r *SocketClients) ByTunnel(tunnel domain.TunnelID) []domain.SocketClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.SocketClient
	for _, c := range r.byDevice {
		if c.TunnelID == tunnel {
			out = append(out, *c)
		}
	}
	return out
}

// Stale returns clients whose last ping is older than maxIdle.
func (r *SocketClients) Stale(maxIdle time.Duration) []domain.SocketClient {
	cutoff := r.clock.Now().Add(-maxIdle)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.SocketClient
	for _, c := range r.byDevice {
		if c.LastPing.Before(cutoff) {
			out = append(out, *c)
		}
	}
	return out
}

// Len returns the number of bound clients.
func (r *SocketClients) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDevice)
}

// Close drops every entry and closes their connections.
func (r *SocketClients) Close() error {
	r.mu.Lock()
	entries := r.byDevice
	r.byDevice = make(map[domain.DeviceID]*domain.SocketClient)
	r.mu.Unlock()

	var err error
	for _, c := range entries {
		if c.Conn != nil {
			err = errors.Join(err, c.Conn.Close())
		}
	}
	return err
}
