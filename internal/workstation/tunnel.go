// Package workstation runs the workstation side of a deskrelay tunnel: the
// reconnecting tunnel client, the session broadcaster, and the agent host
// that ties both to application handlers.
package workstation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/koltyakov/deskrelay/internal/config"
	"github.com/koltyakov/deskrelay/internal/netutil"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

// State is the tunnel client's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRegistered   State = "registered"
	StateClosed       State = "closed"
)

const (
	controlQueueSize    = 64
	defaultSendBuffer   = 256
	defaultWriteTimeout = 10 * time.Second
	dialTimeout         = 15 * time.Second
)

// FrameConn is the subset of *websocket.Conn the tunnel client uses.
type FrameConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens the websocket to the relay.
type DialFunc func(ctx context.Context, url string) (FrameConn, error)

// StateStore persists the tunnel ID across process restarts so a restarted
// workstation asks the relay to reclaim it.
type StateStore interface {
	LoadTunnelID(ctx context.Context) (string, error)
	SaveTunnelID(ctx context.Context, id string) error
}

type registrationRecorder interface {
	RecordRegistration(ctx context.Context, tunnelID string, restored bool) error
}

// MessageHandler receives every relay frame that is not tunnel plumbing.
// It runs on the connection's event loop and must not block for long.
type MessageHandler func(msg tunnelproto.Message)

// Option configures a TunnelClient.
type Option func(*TunnelClient)

// WithClock overrides the time source for timers and backoff.
func WithClock(c clock.Clock) Option {
	return func(t *TunnelClient) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithDialer overrides how the relay websocket is opened.
func WithDialer(d DialFunc) Option {
	return func(t *TunnelClient) {
		if d != nil {
			t.dial = d
		}
	}
}

// WithStateStore enables tunnel ID persistence.
func WithStateStore(s StateStore) Option {
	return func(t *TunnelClient) { t.store = s }
}

// WithMessageHandler sets the receiver for application frames.
func WithMessageHandler(h MessageHandler) Option {
	return func(t *TunnelClient) { t.onMessage = h }
}

// WithStateHook registers an observer called after every state change.
func WithStateHook(fn func(State)) Option {
	return func(t *TunnelClient) { t.onState = fn }
}

type pendingFrame struct {
	frame   []byte
	control bool
}

// session is one connection attempt.
type session struct {
	gen  uint64
	conn FrameConn
	pump *tunnelproto.WritePump
	fail chan error
}

func (s *session) reportFailure(err error) {
	select {
	case s.fail <- err:
	default:
	}
}

// TunnelClient keeps a workstation registered with the relay.
//
// It moves through disconnected, connecting, connected and registered, and
// any failure returns it to disconnected with one reconnect scheduled after
// an exponential backoff. Frames sent before registration completes are
// buffered and flushed in order once it does.
type TunnelClient struct {
	cfg       config.WorkstationConfig
	log       *slog.Logger
	clock     clock.Clock
	dial      DialFunc
	store     StateStore
	onMessage MessageHandler
	onState   func(State)

	mu        sync.Mutex
	state     State
	gen       uint64
	sess      *session
	buffer    []pendingFrame
	tunnelID  string
	publicURL string
	attempt   int

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTunnelClient creates a client for cfg. Call Run to connect.
func NewTunnelClient(cfg config.WorkstationConfig, logger *slog.Logger, opts ...Option) *TunnelClient {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := &TunnelClient{
		cfg:   cfg,
		log:   logger,
		clock: clock.New(),
		dial:  dialWebSocket,
		state: StateDisconnected,
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func dialWebSocket(ctx context.Context, rawURL string) (FrameConn, error) {
	d := websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: websocket.DefaultDialer.Proxy}
	conn, resp, err := d.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// relaySocketURL appends the default /ws path when the configured relay URL
// names only a host.
func relaySocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Path == "" || u.Path == "/" {
		return netutil.WebSocketURL(raw, "/ws")
	}
	return raw, nil
}

// State returns the current connection state.
func (t *TunnelClient) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// TunnelID returns the tunnel ID granted by the relay, or the persisted one
// before the first registration.
func (t *TunnelClient) TunnelID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tunnelID
}

// PublicURL returns the relay's public URL for this tunnel.
func (t *TunnelClient) PublicURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.publicURL
}

// Run connects and keeps the tunnel up until ctx is cancelled or Close is
// called, in which case it returns nil. It returns an error only when the
// relay rejects the registration in a way retrying cannot fix.
func (t *TunnelClient) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	t.loadTunnelID(ctx)

	target, err := relaySocketURL(t.cfg.RelayURL)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}

	for {
		err := t.connectOnce(ctx, target)
		if ctx.Err() != nil {
			t.setState(StateClosed)
			return nil
		}
		if isFatal(err) {
			t.log.Error("relay rejected registration; giving up", "err", err)
			t.setState(StateClosed)
			return err
		}

		t.mu.Lock()
		attempt := t.attempt
		t.attempt++
		t.mu.Unlock()
		delay := backoffDelay(t.cfg.ReconnectMin, t.cfg.ReconnectMax, attempt)
		timer := t.clock.Timer(delay)
		t.setState(StateDisconnected)
		t.log.Warn("tunnel disconnected; reconnecting", "err", err, "retry_in", delay.String())

		select {
		case <-ctx.Done():
			timer.Stop()
			t.setState(StateClosed)
			return nil
		case <-timer.C:
		}
	}
}

// Close stops Run and fails further sends.
func (t *TunnelClient) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	t.setState(StateClosed)
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess != nil {
		_ = sess.conn.Close()
	}
	return nil
}

// Send writes msg to the relay, which broadcasts it to every client of the
// tunnel. Before registration completes the frame is buffered.
func (t *TunnelClient) Send(msg tunnelproto.Message) error {
	frame, err := tunnelproto.Encode(msg)
	if err != nil {
		return err
	}
	return t.sendFrame(frame, tunnelproto.IsControl(msg.Type))
}

// SendToDevice asks the relay to deliver msg to a single device.
func (t *TunnelClient) SendToDevice(deviceID string, msg tunnelproto.Message) error {
	inner, err := tunnelproto.Encode(msg)
	if err != nil {
		return err
	}
	return t.Send(tunnelproto.MustNew(tunnelproto.TypeForwardToDevice, tunnelproto.ForwardToDevicePayload{
		DeviceID: deviceID,
		Payload:  inner,
	}))
}

func (t *TunnelClient) sendFrame(frame []byte, control bool) error {
	t.mu.Lock()
	switch t.state {
	case StateRegistered:
		sess := t.sess
		t.mu.Unlock()
		if sess == nil {
			return ErrNotConnected
		}
		if err := sess.pump.Write(frame, control); err != nil {
			t.dropSession(sess.gen, err)
			return fmt.Errorf("tunnel write: %w", err)
		}
		return nil
	case StateConnecting, StateConnected:
		defer t.mu.Unlock()
		if len(t.buffer) >= t.bufferCap() {
			return ErrBufferFull
		}
		t.buffer = append(t.buffer, pendingFrame{frame: frame, control: control})
		return nil
	case StateClosed:
		t.mu.Unlock()
		return ErrClosed
	default:
		t.mu.Unlock()
		return ErrNotConnected
	}
}

func (t *TunnelClient) bufferCap() int {
	if t.cfg.SendBuffer > 0 {
		return t.cfg.SendBuffer
	}
	return defaultSendBuffer
}

// dropSession ends the connection of generation gen. Reports from older
// generations are ignored.
func (t *TunnelClient) dropSession(gen uint64, err error) {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess != nil && sess.gen == gen {
		sess.reportFailure(err)
	}
}

func (t *TunnelClient) setState(s State) {
	t.mu.Lock()
	if t.state == s || (t.state == StateClosed && s != StateClosed) {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.notifyState(s)
}

func (t *TunnelClient) notifyState(s State) {
	t.log.Debug("tunnel state", "state", string(s))
	if t.onState != nil {
		t.onState(s)
	}
}

func (t *TunnelClient) loadTunnelID(ctx context.Context) {
	if t.store == nil || t.TunnelID() != "" {
		return
	}
	id, err := t.store.LoadTunnelID(ctx)
	if err != nil {
		t.log.Warn("failed to load persisted tunnel id", "err", err)
		return
	}
	if id == "" {
		return
	}
	t.mu.Lock()
	t.tunnelID = id
	t.mu.Unlock()
	t.log.Info("requesting persisted tunnel id", "tunnel_id", id)
}

func (t *TunnelClient) persist(ctx context.Context, id string, restored bool) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveTunnelID(ctx, id); err != nil {
		t.log.Warn("failed to persist tunnel id", "tunnel_id", id, "err", err)
	}
	if rec, ok := t.store.(registrationRecorder); ok {
		if err := rec.RecordRegistration(ctx, id, restored); err != nil {
			t.log.Debug("failed to record registration", "tunnel_id", id, "err", err)
		}
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

var errPumpStopped = errors.New("write pump stopped")
