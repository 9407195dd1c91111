package relay

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

func TestSweepClosesSilentSockets(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	s := New(testConfig(), nil, WithClock(mock))

	desk := newFakeHandle("desk-conn")
	res, err := s.register(registerReq(desk, tunnelproto.RegisterPayload{}))
	require.NoError(t, err)
	tunnel := domain.TunnelID(res.TunnelID)

	quiet := newFakeHandle("quiet")
	chatty := newFakeHandle("chatty")
	s.sockets.Bind("quiet", tunnel, quiet)
	s.sockets.Bind("chatty", tunnel, chatty)

	mock.Add(60 * time.Second)
	s.workstations.Touch(tunnel, "desk-conn")
	s.sockets.Touch("chatty", "chatty")
	mock.Add(40 * time.Second)

	s.sweep()
	require.True(t, quiet.closed.Load())
	require.False(t, chatty.closed.Load())
	require.False(t, desk.closed.Load())

	mock.Add(60 * time.Second)
	s.sweep()
	require.True(t, desk.closed.Load())
}

func TestSweepAgesOutPollingClients(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	s := New(testConfig(), nil, WithClock(mock))

	desk := newFakeHandle("desk-conn")
	res, err := s.register(registerReq(desk, tunnelproto.RegisterPayload{}))
	require.NoError(t, err)
	tunnel := domain.TunnelID(res.TunnelID)
	s.activatePolling(tunnel, "tablet", true)

	mock.Add(3 * time.Minute)
	s.workstations.Touch(tunnel, "desk-conn")
	s.sweep()
	pc, ok := s.polling.Get(tunnel, "tablet")
	require.True(t, ok)
	require.Equal(t, domain.PollingInactive, pc.Status)

	// A poll revives the client.
	s.activatePolling(tunnel, "tablet", false)
	pc, _ = s.polling.Get(tunnel, "tablet")
	require.Equal(t, domain.PollingActive, pc.Status)

	for range 31 {
		mock.Add(time.Minute)
		s.workstations.Touch(tunnel, "desk-conn")
		s.sweep()
	}
	_, ok = s.polling.Get(tunnel, "tablet")
	require.False(t, ok)
	require.Contains(t, desk.types(), tunnelproto.TypeClientDisconnected)
}

func TestRunJanitorTicks(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	s := New(testConfig(), nil, WithClock(mock))
	quiet := newFakeHandle("quiet")
	s.sockets.Bind("quiet", "desk-0001", quiet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runJanitor(ctx)
	}()

	require.Eventually(t, func() bool {
		mock.Add(30 * time.Second)
		return quiet.closed.Load()
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
