package workstation

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

// DefaultBroadcastTimeout bounds each per-device send of a broadcast.
const DefaultBroadcastTimeout = 2 * time.Second

var errBroadcastTimeout = errors.New("broadcast send timed out")

// Sender is the tunnel surface the broadcaster writes through.
type Sender interface {
	Send(msg tunnelproto.Message) error
	SendToDevice(deviceID string, msg tunnelproto.Message) error
}

// BroadcastResult reports which subscribers a broadcast reached.
type BroadcastResult struct {
	Delivered []string
	Failed    []string
}

// Broadcaster tracks which devices follow which sessions and fans session
// output out to them through the tunnel. It holds no client connections;
// every send goes through the relay.
type Broadcaster struct {
	sender  Sender
	log     *slog.Logger
	clock   clock.Clock
	timeout time.Duration

	mu   sync.RWMutex
	subs map[string]map[string]struct{}
}

// NewBroadcaster creates a broadcaster writing through sender. A
// non-positive timeout uses DefaultBroadcastTimeout.
func NewBroadcaster(sender Sender, timeout time.Duration, logger *slog.Logger, c clock.Clock) *Broadcaster {
	if timeout <= 0 {
		timeout = DefaultBroadcastTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if c == nil {
		c = clock.New()
	}
	return &Broadcaster{
		sender:  sender,
		log:     logger,
		clock:   c,
		timeout: timeout,
		subs:    make(map[string]map[string]struct{}),
	}
}

func (b *Broadcaster) Subscribe(sessionID, deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[string]struct{})
		b.subs[sessionID] = set
	}
	set[deviceID] = struct{}{}
}

func (b *Broadcaster) Unsubscribe(sessionID, deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sessionID]
	if !ok {
		return
	}
	delete(set, deviceID)
	if len(set) == 0 {
		delete(b.subs, sessionID)
	}
}

// ReleaseDevice drops every subscription held by deviceID and returns the
// sessions it was following.
func (b *Broadcaster) ReleaseDevice(deviceID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var released []string
	for sessionID, set := range b.subs {
		if _, ok := set[deviceID]; !ok {
			continue
		}
		delete(set, deviceID)
		released = append(released, sessionID)
		if len(set) == 0 {
			delete(b.subs, sessionID)
		}
	}
	slices.Sort(released)
	return released
}

// Subscribers returns the devices following sessionID, sorted.
func (b *Broadcaster) Subscribers(sessionID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs[sessionID]))
	for d := range b.subs[sessionID] {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

// BroadcastToSubscribers sends msg to every subscriber of sessionID in
// parallel. Each send races the per-device timeout independently, so one
// stalled device delays the call by at most one timeout. Failures are logged
// and reported in the result, never returned.
func (b *Broadcaster) BroadcastToSubscribers(ctx context.Context, sessionID string, msg tunnelproto.Message) BroadcastResult {
	devices := b.Subscribers(sessionID)
	var (
		mu  sync.Mutex
		res BroadcastResult
		g   errgroup.Group
	)
	for _, device := range devices {
		g.Go(func() error {
			err := b.sendWithTimeout(ctx, device, msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.log.Warn("broadcast to subscriber failed", "session_id", sessionID, "device_id", device, "err", err)
				res.Failed = append(res.Failed, device)
				return nil
			}
			res.Delivered = append(res.Delivered, device)
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(res.Delivered)
	slices.Sort(res.Failed)
	return res
}

// BroadcastToAll sends msg to every client of the tunnel.
func (b *Broadcaster) BroadcastToAll(msg tunnelproto.Message) error {
	return b.sender.Send(msg)
}

// SendToClient sends msg to a single device.
func (b *Broadcaster) SendToClient(deviceID string, msg tunnelproto.Message) error {
	return b.sender.SendToDevice(deviceID, msg)
}

func (b *Broadcaster) sendWithTimeout(ctx context.Context, deviceID string, msg tunnelproto.Message) error {
	done := make(chan error, 1)
	go func() { done <- b.sender.SendToDevice(deviceID, msg) }()

	timer := b.clock.Timer(b.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errBroadcastTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
