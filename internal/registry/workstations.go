package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/koltyakov/deskrelay/internal/domain"
)

// Workstations indexes registered workstations by tunnel ID.
type Workstations struct {
	mu    sync.RWMutex
	clock clock.Clock
	byID  map[domain.TunnelID]*domain.Workstation
}

// NewWorkstations returns an empty store. A nil clock uses wall time.
func NewWorkstations(c clock.Clock) *Workstations {
	if c == nil {
		c = clock.New()
	}
	return &Workstations{clock: c, byID: make(map[domain.TunnelID]*domain.Workstation)}
}

// Get returns a snapshot of the workstation registered under id.
func (r *Workstations) Get(id domain.TunnelID) (domain.Workstation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.byID[id]
	if !ok {
		return domain.Workstation{}, false
	}
	return *ws, true
}

// Insert registers ws under its tunnel ID, marking it online. It fails with
// [domain.ErrTunnelIDExists] if the ID is already held.
func (r *Workstations) Insert(ws domain.Workstation) (domain.Workstation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[ws.TunnelID]; exists {
		return domain.Workstation{}, domain.ErrTunnelIDExists
	}
	now := r.clock.Now()
	ws.Status = domain.WorkstationOnline
	ws.LastPing = now
	ws.ConnectedSince = now
	stored := ws
	r.byID[ws.TunnelID] = &stored
	return stored, nil
}

// Rebind attaches a new connection to an existing workstation and marks it
// online. The returned handle is the connection it replaced, if any.
func (r *Workstations) Rebind(id domain.TunnelID, conn domain.ConnHandle, name string, key domain.AuthKey) (domain.Workstation, domain.ConnHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.byID[id]
	if !ok {
		return domain.Workstation{}, nil, domain.ErrTunnelNotFound
	}
	prev := ws.Conn
	now := r.clock.Now()
	ws.Conn = conn
	ws.Status = domain.WorkstationOnline
	ws.LastPing = now
	ws.ConnectedSince = now
	if name != "" {
		ws.Name = name
	}
	if key != "" {
		ws.AuthKey = key
	}
	return *ws, prev, nil
}

// MarkOffline flips the workstation to offline if it is still bound to the
// connection connID. A stale close from a superseded socket is a no-op.
func (r *Workstations) MarkOffline(id domain.TunnelID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.byID[id]
	if !ok || ws.Conn == nil || ws.Conn.ID() != connID {
		return false
	}
	ws.Conn = nil
	ws.Status = domain.WorkstationOffline
	return true
}

// Touch records activity from the workstation's current connection.
func (r *Workstations) Touch(id domain.TunnelID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ws, ok := r.byID[id]; ok && ws.Conn != nil && ws.Conn.ID() == connID {
		ws.LastPing = r.clock.Now()
	}
}

// Remove unregisters the workstation entirely.
func (r *Workstations) Remove(id domain.TunnelID) (domain.Workstation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.byID[id]
	if !ok {
		return domain.Workstation{}, false
	}
	delete(r.byID, id)
	return *ws, true
}

// Stale returns online workstations whose last ping is older than maxIdle.
func (r *Workstations) Stale(maxIdle time.Duration) []domain.Workstation {
	cutoff := r.clock.Now().Add(-maxIdle)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Workstation
	for _, ws := range r.byID {
		if ws.Online() && ws.LastPing.Before(cutoff) {
			out = append(out, *ws)
		}
	}
	return out
}

// Counts returns the number of registered and online workstations.
func (r *Workstations) Counts() (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ws := range r.byID {
		if ws.Online() {
			online++
		}
	}
	return len(r.byID), online
}

// Close drops every entry and closes the connections still bound to them.
func (r *Workstations) Close() error {
	r.mu.Lock()
	entries := r.byID
	r.byID = make(map[domain.TunnelID]*domain.Workstation)
	r.mu.Unlock()

	var err error
	for _, ws := range entries {
		if ws.Conn != nil {
			err = errors.Join(err, ws.Conn.Close())
		}
	}
	return err
}
