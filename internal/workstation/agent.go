package workstation

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/deskrelay/internal/config"
	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

// Messages the agent answers itself.
const (
	TypeSubscribe    = "subscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribe  = "unsubscribe"
	TypeUnsubscribed = "unsubscribed"
	TypeEcho         = "echo"
)

const inboxSize = 256

// SessionPayload is the body of subscribe and unsubscribe messages.
type SessionPayload struct {
	SessionID string `json:"session_id"`
}

// Handler receives the client messages and relay events the agent does not
// handle itself. deviceID is empty for events that name no device.
type Handler interface {
	HandleMessage(ctx context.Context, agent *Agent, deviceID string, msg tunnelproto.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, agent *Agent, deviceID string, msg tunnelproto.Message)

func (f HandlerFunc) HandleMessage(ctx context.Context, agent *Agent, deviceID string, msg tunnelproto.Message) {
	f(ctx, agent, deviceID, msg)
}

// Agent hosts a workstation: it owns the tunnel client and the session
// broadcaster and dispatches inbound frames to a Handler on a single worker,
// so the tunnel's event loop never waits on application code.
type Agent struct {
	tunnel      *TunnelClient
	broadcaster *Broadcaster
	handler     Handler
	log         *slog.Logger
	inbox       chan tunnelproto.Message
}

// NewAgent builds an agent for cfg. handler may be nil.
func NewAgent(cfg config.WorkstationConfig, logger *slog.Logger, handler Handler, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &Agent{
		handler: handler,
		log:     logger,
		inbox:   make(chan tunnelproto.Message, inboxSize),
	}
	opts = append(opts, WithMessageHandler(a.enqueue))
	a.tunnel = NewTunnelClient(cfg, logger, opts...)
	a.broadcaster = NewBroadcaster(a.tunnel, cfg.BroadcastTimeout, logger, a.tunnel.clock)
	return a
}

func (a *Agent) Tunnel() *TunnelClient { return a.tunnel }

func (a *Agent) Broadcaster() *Broadcaster { return a.broadcaster }

// Run keeps the tunnel up and dispatches frames until ctx is cancelled or
// the tunnel gives up.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		defer func() { _ = a.tunnel.Close() }()
		return a.tunnel.Run(ctx)
	})
	g.Go(func() error {
		a.work(ctx)
		return nil
	})
	return g.Wait()
}

func (a *Agent) enqueue(msg tunnelproto.Message) {
	select {
	case a.inbox <- msg:
	default:
		a.log.Warn("agent inbox full; dropping frame", "type", msg.Type)
	}
}

func (a *Agent) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.inbox:
			a.dispatch(ctx, msg)
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, msg tunnelproto.Message) {
	switch msg.Type {
	case tunnelproto.TypeClientMessage:
		var p tunnelproto.ClientMessagePayload
		if err := msg.DecodePayload(&p); err != nil {
			a.log.Warn("invalid client message", "err", err)
			return
		}
		inner, err := tunnelproto.Decode(p.Message)
		if err != nil {
			a.log.Warn("invalid client envelope", "device_id", p.DeviceID, "err", err)
			return
		}
		a.handleClientMessage(ctx, p.DeviceID, inner)
	case tunnelproto.TypeClientDisconnected:
		var p tunnelproto.ClientDisconnectedPayload
		_ = msg.DecodePayload(&p)
		if released := a.broadcaster.ReleaseDevice(p.DeviceID); len(released) > 0 {
			a.log.Info("released subscriptions", "device_id", p.DeviceID, "sessions", released)
		}
		a.handle(ctx, p.DeviceID, msg)
	case tunnelproto.TypeClientConnected:
		var p tunnelproto.ClientConnectedPayload
		_ = msg.DecodePayload(&p)
		a.log.Info("client connected", "device_id", p.DeviceID, "transport", p.Transport)
		a.handle(ctx, p.DeviceID, msg)
	default:
		a.handle(ctx, "", msg)
	}
}

func (a *Agent) handleClientMessage(ctx context.Context, deviceID string, msg tunnelproto.Message) {
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		var p SessionPayload
		if err := msg.DecodePayload(&p); err != nil || p.SessionID == "" {
			a.reply(deviceID, tunnelproto.ErrorMessage(string(domain.CodeInvalidPayload), "session_id is required", nil))
			return
		}
		reply := TypeSubscribed
		if msg.Type == TypeSubscribe {
			a.broadcaster.Subscribe(p.SessionID, deviceID)
		} else {
			a.broadcaster.Unsubscribe(p.SessionID, deviceID)
			reply = TypeUnsubscribed
		}
		a.reply(deviceID, tunnelproto.MustNew(reply, p))
	case TypeEcho:
		a.reply(deviceID, tunnelproto.Message{Type: TypeEcho, Payload: msg.Payload})
	default:
		a.handle(ctx, deviceID, msg)
	}
}

func (a *Agent) reply(deviceID string, msg tunnelproto.Message) {
	if err := a.broadcaster.SendToClient(deviceID, msg); err != nil {
		a.log.Warn("reply to client failed", "device_id", deviceID, "type", msg.Type, "err", err)
	}
}

func (a *Agent) handle(ctx context.Context, deviceID string, msg tunnelproto.Message) {
	if a.handler != nil {
		a.handler.HandleMessage(ctx, a, deviceID, msg)
	}
}
