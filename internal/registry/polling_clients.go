package registry

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/mailbox"
)

type pollingKey struct {
	tunnel domain.TunnelID
	device domain.DeviceID
}

// PollingClients indexes stateless polling clients by tunnel and device.
type PollingClients struct {
	mu          sync.RWMutex
	clock       clock.Clock
	mailboxOpts []mailbox.Option
	byKey       map[pollingKey]*domain.PollingClient
}

// NewPollingClients returns an empty store whose mailboxes are created with
// opts. A nil clock uses wall time.
func NewPollingClients(c clock.Clock, opts ...mailbox.Option) *PollingClients {
	if c == nil {
		c = clock.New()
	}
	return &PollingClients{
		clock:       c,
		mailboxOpts: append([]mailbox.Option{mailbox.WithClock(c)}, opts...),
		byKey:       make(map[pollingKey]*domain.PollingClient),
	}
}

// Activate returns the client for (tunnel, device), creating it with an
// empty mailbox when absent, and records a poll.
func (r *PollingClients) Activate(tunnel domain.TunnelID, device domain.DeviceID) (domain.PollingClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pollingKey{tunnel: tunnel, device: device}
	c, ok := r.byKey[key]
	if !ok {
		c = &domain.PollingClient{
			DeviceID: device,
			TunnelID: tunnel,
			Mailbox:  mailbox.New(r.mailboxOpts...),
		}
		r.byKey[key] = c
	}
	c.Status = domain.PollingActive
	c.LastPoll = r.clock.Now()
	return *c, !ok
}

// Get returns a snapshot of the client without recording a poll.
func (r *PollingClients) Get(tunnel domain.TunnelID, device domain.DeviceID) (domain.PollingClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byKey[pollingKey{tunnel: tunnel, device: device}]
	if !ok {
		return domain.PollingClient{}, false
	}
	return *c, true
}

// Remove deletes the client.
func (r *PollingClients) Remove(tunnel domain.TunnelID, device domain.DeviceID) (domain.PollingClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pollingKey{tunnel: tunnel, device: device}
	c, ok := r.byKey[key]
	if !ok {
		return domain.PollingClient{}, false
	}
	delete(r.byKey, key)
	c.Status = domain.PollingInactive
	return *c, true
}

// ByTunnel returns every client of tunnel, active or not. Inactive clients
// keep receiving into their mailbox until they are expired.
func (r *PollingClients) ByTunnel(tunnel domain.TunnelID) []domain.PollingClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.PollingClient
	for k, c := range r.byKey {
		if k.tunnel == tunnel {
			out = append(out, *c)
		}
	}
	return out
}

// MarkInactive flips active clients idle for longer than maxIdle to
// inactive and returns them.
func (r *PollingClients) MarkInactive(maxIdle time.Duration) []domain.PollingClient {
	cutoff := r.clock.Now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PollingClient
	for _, c := range r.byKey {
		if c.Status == domain.PollingActive && c.LastPoll.Before(cutoff) {
			c.Status = domain.PollingInactive
			out = append(out, *c)
		}
	}
	return out
}

// Expire removes clients idle for longer than maxIdle and returns them.
func (r *PollingClients) Expire(maxIdle time.Duration) []domain.PollingClient {
	cutoff := r.clock.Now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PollingClient
	for k, c := range r.byKey {
		if c.LastPoll.Before(cutoff) {
			delete(r.byKey, k)
			c.Status = domain.PollingInactive
			out = append(out, *c)
		}
	}
	return out
}

// Len returns the number of tracked clients.
func (r *PollingClients) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Close drops every entry.
func (r *PollingClients) Close() error {
	r.mu.Lock()
	r.byKey = make(map[pollingKey]*domain.PollingClient)
	r.mu.Unlock()
	return nil
}
