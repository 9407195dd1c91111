package relay

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/deskrelay/internal/auth"
	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

func TestRegisterRejectsWrongAPIKeyWithoutMutation(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil)
	h := newFakeHandle("c1")

	_, err := s.register(registerReq(h, tunnelproto.RegisterPayload{APIKey: "wrong-key-wrong-key-wrong-key-wrong"}))
	require.ErrorIs(t, err, domain.ErrInvalidAPIKey)
	require.Equal(t, domain.CodeInvalidAPIKey, domain.CodeOf(err))

	_, err = s.register(registerReq(h, tunnelproto.RegisterPayload{
		APIKey:           "wrong-key-wrong-key-wrong-key-wrong",
		Reconnect:        true,
		PreviousTunnelID: "desk-0001",
	}))
	require.ErrorIs(t, err, domain.ErrInvalidAPIKey)

	total, _ := s.workstations.Counts()
	require.Zero(t, total)
}

func TestRegisterValidatesPayload(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil)

	_, err := s.register(registerReq(newFakeHandle("c1"), tunnelproto.RegisterPayload{AuthKey: "short"}))
	require.Equal(t, domain.CodeInvalidPayload, domain.CodeOf(err))

	_, err = s.register(registerReq(newFakeHandle("c2"), tunnelproto.RegisterPayload{Name: "   "}))
	require.Equal(t, domain.CodeInvalidPayload, domain.CodeOf(err))
}

func TestRegisterFresh(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil)

	res, err := s.register(registerReq(newFakeHandle("c1"), tunnelproto.RegisterPayload{}))
	require.NoError(t, err)
	require.True(t, auth.ValidTunnelID(res.TunnelID))
	require.False(t, res.Restored)
	require.Equal(t, "https://relay.test/t/"+res.TunnelID, res.PublicURL)

	ws, ok := s.workstations.Get(domain.TunnelID(res.TunnelID))
	require.True(t, ok)
	require.True(t, ws.Online())
	require.Equal(t, "c1", ws.Conn.ID())
}

func TestRegisterRestoreKeepsTunnelID(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil)
	first := newFakeHandle("c1")
	res, err := s.register(registerReq(first, tunnelproto.RegisterPayload{}))
	require.NoError(t, err)

	client := newFakeHandle("phone-conn")
	s.sockets.Bind("phone", domain.TunnelID(res.TunnelID), client)

	second := newFakeHandle("c2")
	again, err := s.register(registerReq(second, tunnelproto.RegisterPayload{
		Reconnect:        true,
		PreviousTunnelID: res.TunnelID,
	}))
	require.NoError(t, err)
	require.Equal(t, res.TunnelID, again.TunnelID)
	require.True(t, again.Restored)
	require.True(t, first.closed.Load(), "superseded socket should be closed")

	ws, _ := s.workstations.Get(domain.TunnelID(res.TunnelID))
	require.Equal(t, "c2", ws.Conn.ID())
	require.Contains(t, client.types(), tunnelproto.TypeWorkstationOnline)

	total, _ := s.workstations.Counts()
	require.Equal(t, 1, total)
}

func TestRegisterReclaimGrantsRequestedID(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil)

	res, err := s.register(registerReq(newFakeHandle("c1"), tunnelproto.RegisterPayload{
		Reconnect:        true,
		PreviousTunnelID: "desk-0001",
	}))
	require.NoError(t, err)
	require.Equal(t, "desk-0001", res.TunnelID)
	require.False(t, res.Restored)
}

func TestRegisterCollisionAllocatesFreshID(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil)
	holder := newFakeHandle("c1")
	res, err := s.register(registerReq(holder, tunnelproto.RegisterPayload{
		Reconnect:        true,
		PreviousTunnelID: "desk-0001",
	}))
	require.NoError(t, err)

	other, err := s.register(registerReq(newFakeHandle("c2"), tunnelproto.RegisterPayload{
		AuthKey:          "another-auth-key-999",
		Reconnect:        true,
		PreviousTunnelID: res.TunnelID,
	}))
	require.NoError(t, err)
	require.NotEqual(t, res.TunnelID, other.TunnelID)
	require.False(t, other.Restored)
	require.False(t, holder.closed.Load())

	ws, _ := s.workstations.Get(domain.TunnelID(res.TunnelID))
	require.Equal(t, "c1", ws.Conn.ID())
	require.True(t, ws.AuthKey.Equal(testAuthKey))
}

func TestRegisterTakesOverOfflineSlot(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil)
	res, err := s.register(registerReq(newFakeHandle("c1"), tunnelproto.RegisterPayload{}))
	require.NoError(t, err)
	tunnel := domain.TunnelID(res.TunnelID)
	require.True(t, s.workstations.MarkOffline(tunnel, "c1"))

	phone := newFakeHandle("phone-conn")
	s.sockets.Bind("phone", tunnel, phone)
	s.polling.Activate(tunnel, "tablet")

	newKey := "rotated-auth-key-42"
	again, err := s.register(registerReq(newFakeHandle("c2"), tunnelproto.RegisterPayload{
		AuthKey:          newKey,
		Reconnect:        true,
		PreviousTunnelID: res.TunnelID,
	}))
	require.NoError(t, err)
	require.Equal(t, res.TunnelID, again.TunnelID)
	require.False(t, again.Restored)

	ws, _ := s.workstations.Get(tunnel)
	require.True(t, ws.AuthKey.Equal(domain.AuthKey(newKey)))
	require.True(t, ws.Online())

	// Clients authorized under the old key are gone and saw no online event.
	require.True(t, phone.closed.Load())
	require.Empty(t, phone.types())
	_, ok := s.sockets.Get("phone")
	require.False(t, ok)
	_, ok = s.polling.Get(tunnel, "tablet")
	require.False(t, ok)
}

func TestRegisterRestoreSameKeyNotifiesClients(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil)
	res, err := s.register(registerReq(newFakeHandle("c1"), tunnelproto.RegisterPayload{}))
	require.NoError(t, err)
	tunnel := domain.TunnelID(res.TunnelID)
	require.True(t, s.workstations.MarkOffline(tunnel, "c1"))

	phone := newFakeHandle("phone-conn")
	s.sockets.Bind("phone", tunnel, phone)

	again, err := s.register(registerReq(newFakeHandle("c2"), tunnelproto.RegisterPayload{
		Reconnect:        true,
		PreviousTunnelID: res.TunnelID,
	}))
	require.NoError(t, err)
	require.True(t, again.Restored)
	require.False(t, phone.closed.Load())
	require.Equal(t, []string{tunnelproto.TypeWorkstationOnline}, phone.types())
}

func TestRegisterMalformedPreviousIDIsFresh(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil)

	res, err := s.register(registerReq(newFakeHandle("c1"), tunnelproto.RegisterPayload{
		Reconnect:        true,
		PreviousTunnelID: "../../etc",
	}))
	require.NoError(t, err)
	require.NotEqual(t, "../../etc", res.TunnelID)
	require.True(t, auth.ValidTunnelID(res.TunnelID))
}

func TestRegisterRateLimited(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, WithClock(clock.NewMock()))

	for i := range int(regBurstLimit) {
		_, err := s.register(registerReq(newFakeHandle("c"), tunnelproto.RegisterPayload{}))
		require.NoError(t, err, "registration %d", i)
	}
	_, err := s.register(registerReq(newFakeHandle("c"), tunnelproto.RegisterPayload{}))
	require.Equal(t, domain.CodeRegistrationFailed, domain.CodeOf(err))
	require.Equal(t, "rate limit exceeded", domain.PublicMessage(err))
}
