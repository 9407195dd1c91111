package workstation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

type fakeSender struct {
	mu      sync.Mutex
	hang    map[string]chan struct{}
	fail    map[string]bool
	sent    []string
	tunnels []string
}

func newFakeSender() *fakeSender {
	return &fakeSender{hang: map[string]chan struct{}{}, fail: map[string]bool{}}
}

func (f *fakeSender) Send(msg tunnelproto.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tunnels = append(f.tunnels, msg.Type)
	return nil
}

func (f *fakeSender) SendToDevice(deviceID string, _ tunnelproto.Message) error {
	f.mu.Lock()
	block := f.hang[deviceID]
	fail := f.fail[deviceID]
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if fail {
		return errors.New("send failed")
	}
	f.mu.Lock()
	f.sent = append(f.sent, deviceID)
	f.mu.Unlock()
	return nil
}

func TestSubscriptions(t *testing.T) {
	t.Parallel()
	b := NewBroadcaster(newFakeSender(), 0, nil, nil)

	b.Subscribe("s1", "phone")
	b.Subscribe("s1", "tablet")
	b.Subscribe("s1", "phone")
	b.Subscribe("s2", "phone")
	require.Equal(t, []string{"phone", "tablet"}, b.Subscribers("s1"))

	b.Unsubscribe("s1", "tablet")
	require.Equal(t, []string{"phone"}, b.Subscribers("s1"))

	require.Equal(t, []string{"s1", "s2"}, b.ReleaseDevice("phone"))
	require.Empty(t, b.Subscribers("s1"))
	require.Empty(t, b.Subscribers("s2"))
	require.Empty(t, b.ReleaseDevice("phone"))
}

func TestBroadcastIsolatesStalledSubscriber(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	release := make(chan struct{})
	defer close(release)
	sender.hang["stuck"] = release
	sender.fail["broken"] = true

	const timeout = 150 * time.Millisecond
	b := NewBroadcaster(sender, timeout, nil, nil)
	for _, d := range []string{"a", "stuck", "broken", "c"} {
		b.Subscribe("s1", d)
	}

	start := time.Now()
	res := b.BroadcastToSubscribers(context.Background(), "s1", tunnelproto.MustNew("output", nil))
	elapsed := time.Since(start)

	require.Equal(t, []string{"a", "c"}, res.Delivered)
	require.Equal(t, []string{"broken", "stuck"}, res.Failed)
	require.GreaterOrEqual(t, elapsed, timeout)
	require.Less(t, elapsed, 2*timeout)
}

func TestBroadcastWithoutSubscribers(t *testing.T) {
	t.Parallel()
	b := NewBroadcaster(newFakeSender(), 0, nil, nil)
	res := b.BroadcastToSubscribers(context.Background(), "nobody", tunnelproto.MustNew("output", nil))
	require.Empty(t, res.Delivered)
	require.Empty(t, res.Failed)
}

func TestBroadcastToAllGoesThroughTunnel(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	b := NewBroadcaster(sender, 0, nil, nil)
	require.NoError(t, b.BroadcastToAll(tunnelproto.MustNew("status", nil)))
	require.NoError(t, b.SendToClient("phone", tunnelproto.MustNew("notice", nil)))
	require.Equal(t, []string{"status"}, sender.tunnels)
	require.Equal(t, []string{"phone"}, sender.sent)
}
