package relay

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/deskrelay/internal/config"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

const (
	testAPIKey  = "0123456789abcdef0123456789abcdef"
	testAuthKey = "auth-key-0123456"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Listen:             "127.0.0.1:0",
		PublicURL:          "https://relay.test",
		APIKey:             testAPIKey,
		TLSMode:            "off",
		PingTimeout:        90 * time.Second,
		JanitorInterval:    30 * time.Second,
		PollingIdleTimeout: 2 * time.Minute,
		PollingExpiry:      30 * time.Minute,
		MailboxSize:        100,
		MailboxTTL:         5 * time.Minute,
		MaxFrameBytes:      1 << 20,
		WriteTimeout:       5 * time.Second,
		RequestTimeout:     5 * time.Second,
	}
}

type fakeHandle struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed atomic.Bool
}

func newFakeHandle(id string) *fakeHandle { return &fakeHandle{id: id} }

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Send(frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, append([]byte(nil), frame...))
	return nil
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func (h *fakeHandle) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.frames))
	for _, f := range h.frames {
		msg, err := tunnelproto.Decode(f)
		if err == nil {
			out = append(out, msg.Type)
		}
	}
	return out
}

func registerReq(h *fakeHandle, p tunnelproto.RegisterPayload) registerRequest {
	if p.APIKey == "" {
		p.APIKey = testAPIKey
	}
	if p.Name == "" {
		p.Name = "desk"
	}
	if p.AuthKey == "" {
		p.AuthKey = testAuthKey
	}
	return registerRequest{payload: p, conn: h, remoteIP: "203.0.113.1", baseURL: "https://relay.test"}
}

func newTestRelay(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s := New(testConfig(), nil, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Close()
		ts.Close()
	})
	return s, ts
}

func dialRelay(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendFrame(t *testing.T, c *websocket.Conn, typ string, payload any) {
	t.Helper()
	msg, err := tunnelproto.New(typ, payload)
	require.NoError(t, err)
	frame, err := tunnelproto.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, frame))
}

func readFrame(t *testing.T, c *websocket.Conn) tunnelproto.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	msg, err := tunnelproto.Decode(data)
	require.NoError(t, err)
	return msg
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, c *websocket.Conn, typ string) tunnelproto.Message {
	t.Helper()
	for range 20 {
		msg := readFrame(t, c)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s frame received", typ)
	return tunnelproto.Message{}
}

func readError(t *testing.T, c *websocket.Conn) tunnelproto.ErrorPayload {
	t.Helper()
	msg := readUntil(t, c, tunnelproto.TypeError)
	var p tunnelproto.ErrorPayload
	require.NoError(t, msg.DecodePayload(&p))
	return p
}

func registerWS(t *testing.T, ts *httptest.Server, p tunnelproto.RegisterPayload) (*websocket.Conn, tunnelproto.RegisteredPayload) {
	t.Helper()
	if p.APIKey == "" {
		p.APIKey = testAPIKey
	}
	if p.Name == "" {
		p.Name = "desk"
	}
	if p.AuthKey == "" {
		p.AuthKey = testAuthKey
	}
	c := dialRelay(t, ts)
	sendFrame(t, c, tunnelproto.TypeWorkstationRegister, p)
	msg := readUntil(t, c, tunnelproto.TypeWorkstationRegistered)
	var res tunnelproto.RegisteredPayload
	require.NoError(t, msg.DecodePayload(&res))
	return c, res
}

func connectWS(t *testing.T, ts *httptest.Server, tunnel, device string) (*websocket.Conn, tunnelproto.ConnectedPayload) {
	t.Helper()
	c := dialRelay(t, ts)
	sendFrame(t, c, tunnelproto.TypeConnect, tunnelproto.ConnectPayload{
		TunnelID: tunnel,
		AuthKey:  testAuthKey,
		DeviceID: device,
	})
	msg := readUntil(t, c, tunnelproto.TypeConnected)
	var res tunnelproto.ConnectedPayload
	require.NoError(t, msg.DecodePayload(&res))
	return c, res
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
