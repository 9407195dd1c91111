// Package mobile implements the client side of a deskrelay tunnel: a socket
// client holding a persistent websocket and a polling client for networks
// where long-lived sockets do not survive.
package mobile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/netutil"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

// DefaultTimeout bounds connect handshakes and pings when the context has
// no deadline of its own.
const DefaultTimeout = 15 * time.Second

const (
	socketWriteTimeout = 10 * time.Second
	inboxSize          = 128
	// heartbeatMisses is how many intervals may pass without a pong before
	// the heartbeat gives up on the connection.
	heartbeatMisses = 3
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client closed")
	// ErrPongTimeout is the read error after the relay stopped answering
	// heartbeat pings.
	ErrPongTimeout = errors.New("relay stopped answering pings")
)

// SocketOption configures DialSocket.
type SocketOption func(*socketOptions)

type socketOptions struct {
	heartbeat time.Duration
}

// WithHeartbeat pings the relay every interval. The relay drops sockets that
// stay silent past its ping timeout, so an idle client needs a heartbeat
// shorter than that timeout. A zero interval disables it.
func WithHeartbeat(interval time.Duration) SocketOption {
	return func(o *socketOptions) { o.heartbeat = interval }
}

// Credentials identify a device to a tunnel.
type Credentials struct {
	TunnelID string
	AuthKey  string
	DeviceID string
}

// SocketClient is a device connected to a tunnel over a websocket.
type SocketClient struct {
	conn  *websocket.Conn
	pump  *tunnelproto.WritePump
	log   *slog.Logger
	info  tunnelproto.ConnectedPayload
	creds Credentials

	inbox chan tunnelproto.Message
	pongs chan tunnelproto.PingPayload
	done  chan struct{}
	stop  chan struct{}

	mu       sync.Mutex
	readErr  error
	lastPong atomic.Int64

	closeOnce sync.Once
}

// DialSocket connects to the relay at relayURL and binds to the tunnel named
// by creds. A relay refusal is returned as *domain.RelayError.
func DialSocket(ctx context.Context, relayURL string, creds Credentials, logger *slog.Logger, opts ...SocketOption) (*SocketClient, error) {
	var o socketOptions
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	target, err := socketURL(relayURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &SocketClient{
		conn:  conn,
		pump:  tunnelproto.NewWritePump(conn, socketWriteTimeout, 16, inboxSize),
		log:   logger,
		creds: creds,
		inbox: make(chan tunnelproto.Message, inboxSize),
		pongs: make(chan tunnelproto.PingPayload, 4),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
	if err := c.handshake(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.lastPong.Store(time.Now().UnixNano())
	go c.readLoop()
	if o.heartbeat > 0 {
		go c.heartbeat(o.heartbeat)
	}
	return c, nil
}

// heartbeat keeps the socket alive on the relay and closes the client once
// pongs stop coming back.
func (c *SocketClient) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, c.lastPong.Load())) > heartbeatMisses*interval {
				c.log.Warn("relay stopped answering pings; closing", "interval", interval)
				c.fail(ErrPongTimeout)
				return
			}
			ping := tunnelproto.MustNew(tunnelproto.TypePing, tunnelproto.PingPayload{Timestamp: now.UnixMilli()})
			if err := c.pump.WriteMessage(ping); err != nil {
				c.log.Debug("heartbeat ping failed", "err", err)
				return
			}
		}
	}
}

func (c *SocketClient) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	}
	err := c.pump.WriteMessage(tunnelproto.MustNew(tunnelproto.TypeConnect, tunnelproto.ConnectPayload{
		TunnelID: c.creds.TunnelID,
		AuthKey:  c.creds.AuthKey,
		DeviceID: c.creds.DeviceID,
	}))
	if err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await connected: %w", err)
		}
		msg, err := tunnelproto.Decode(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case tunnelproto.TypeConnected:
			return msg.DecodePayload(&c.info)
		case tunnelproto.TypeError:
			return relayErrorFrom(msg)
		}
	}
}

// Info returns the relay's answer to the connect.
func (c *SocketClient) Info() tunnelproto.ConnectedPayload {
	return c.info
}

// Send writes msg to the tunnel's workstation.
func (c *SocketClient) Send(msg tunnelproto.Message) error {
	if err := c.pump.WriteMessage(msg); err != nil {
		if errors.Is(err, tunnelproto.ErrWritePumpClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Recv returns the next frame from the relay. It returns the read error once
// the connection is gone.
func (c *SocketClient) Recv(ctx context.Context) (tunnelproto.Message, error) {
	select {
	case msg, ok := <-c.inbox:
		if !ok {
			return tunnelproto.Message{}, c.err()
		}
		return msg, nil
	case <-ctx.Done():
		return tunnelproto.Message{}, ctx.Err()
	}
}

// Ping measures a round trip to the relay.
func (c *SocketClient) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	start := time.Now()
	if err := c.Send(tunnelproto.MustNew(tunnelproto.TypePing, tunnelproto.PingPayload{Timestamp: start.UnixMilli()})); err != nil {
		return 0, err
	}
	for {
		select {
		case p := <-c.pongs:
			if p.Timestamp == start.UnixMilli() {
				return time.Since(start), nil
			}
		case <-c.done:
			return 0, c.err()
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close drops the connection.
func (c *SocketClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.pump.Close()
		err = c.conn.Close()
	})
	return err
}

func (c *SocketClient) readLoop() {
	defer close(c.inbox)
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		msg, err := tunnelproto.Decode(data)
		if err != nil {
			c.log.Debug("dropping malformed frame", "err", err)
			continue
		}
		if msg.Type == tunnelproto.TypePong {
			var p tunnelproto.PingPayload
			_ = msg.DecodePayload(&p)
			c.lastPong.Store(time.Now().UnixNano())
			select {
			case c.pongs <- p:
			default:
			}
			continue
		}
		select {
		case c.inbox <- msg:
		case <-c.stop:
			return
		}
	}
}

// fail records the first terminal error and closes the client.
func (c *SocketClient) fail(err error) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.mu.Unlock()
	_ = c.Close()
}

func (c *SocketClient) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClosed
}

func socketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Path == "" || u.Path == "/" {
		return netutil.WebSocketURL(raw, "/ws")
	}
	return netutil.WebSocketURL(raw, u.Path)
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}

func relayErrorFrom(msg tunnelproto.Message) error {
	var p tunnelproto.ErrorPayload
	if err := msg.DecodePayload(&p); err != nil {
		return domain.Errorf(domain.CodeInternalError, err, "undecodable error frame")
	}
	return &domain.RelayError{Code: domain.ErrorCode(p.Code), Message: p.Message, Details: p.Details}
}
