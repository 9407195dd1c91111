package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/netutil"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

// frameHandler processes one decoded envelope. A returned error is sent back
// to the connection as an error frame.
type frameHandler func(s *Server, c *conn, msg tunnelproto.Message) error

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if s.cfg.MaxFrameBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxFrameBytes)
	}

	base := s.cfg.PublicURL
	if base == "" {
		base = netutil.RequestBaseURL(r)
	}
	c := newConn(ws, s.writeTimeout(), netutil.ClientIP(r), base, s.clock.Now())
	s.trackConn(c)
	s.log.Debug("socket accepted", "conn_id", c.id, "remote", c.remoteIP)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(c)
	}()
}

func (s *Server) readLoop(c *conn) {
	defer s.handleClose(c)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug("socket read error", "conn_id", c.id, "err", err)
			}
			return
		}
		s.touch(c)

		msg, err := tunnelproto.Decode(data)
		if err != nil {
			s.replyError(c, domain.Errorf(domain.CodeInvalidPayload, err, "malformed envelope"))
			continue
		}
		if err := s.dispatch(c, msg, data); err != nil {
			s.replyError(c, err)
		}
	}
}

// dispatch routes a decoded envelope. Relay-level types go through the
// route table; everything else is forwarded according to the sender's role.
func (s *Server) dispatch(c *conn, msg tunnelproto.Message, raw []byte) error {
	if h, ok := s.routes[msg.Type]; ok {
		return h(s, c, msg)
	}
	role, tunnel, device := c.identity()
	switch role {
	case roleWorkstation:
		if tunnelproto.IsControl(msg.Type) {
			return domain.NewError(domain.CodeInvalidPayload, "reserved message type "+msg.Type)
		}
		s.broadcast(tunnel, raw)
		s.metrics.forwarded.WithLabelValues("to_clients").Inc()
		return nil
	case roleClient:
		if tunnelproto.IsControl(msg.Type) {
			return domain.NewError(domain.CodeInvalidPayload, "reserved message type "+msg.Type)
		}
		return s.deliverToWorkstation(tunnel, device, raw)
	}
	return domain.NewError(domain.CodeInvalidPayload, "not authenticated")
}

func (s *Server) replyError(c *conn, err error) {
	code := domain.CodeOf(err)
	if code == domain.CodeInternalError {
		s.log.Error("frame handling failed", "conn_id", c.id, "err", err)
	}
	s.metrics.errors.WithLabelValues(string(code)).Inc()
	msg := tunnelproto.ErrorMessage(string(code), domain.PublicMessage(err), domain.PublicDetails(err))
	if sendErr := c.SendMessage(msg); sendErr != nil && !errors.Is(sendErr, tunnelproto.ErrWritePumpClosed) {
		s.log.Debug("failed to send error frame", "conn_id", c.id, "err", sendErr)
	}
}

// touch records activity for whichever entity the connection speaks for.
// Any inbound frame counts, not only pings.
func (s *Server) touch(c *conn) {
	role, tunnel, device := c.identity()
	switch role {
	case roleWorkstation:
		s.workstations.Touch(tunnel, c.id)
	case roleClient:
		s.sockets.Touch(device, c.id)
	}
}

func (s *Server) handleClose(c *conn) {
	s.untrackConn(c)
	_ = c.Close()

	role, tunnel, device := c.identity()
	switch role {
	case roleWorkstation:
		if s.workstations.MarkOffline(tunnel, c.id) {
			s.log.Info("workstation offline", "tunnel_id", tunnel, "conn_id", c.id)
			s.notifyClients(tunnel, tunnelproto.MustNew(tunnelproto.TypeWorkstationOffline,
				tunnelproto.WorkstationStatusPayload{TunnelID: string(tunnel)}))
		}
	case roleClient:
		if _, ok := s.sockets.RemoveIfConn(device, c.id); ok {
			s.log.Info("client disconnected", "tunnel_id", tunnel, "device_id", device, "conn_id", c.id)
			s.notifyWorkstation(tunnel, tunnelproto.MustNew(tunnelproto.TypeClientDisconnected,
				tunnelproto.ClientDisconnectedPayload{DeviceID: string(device), TunnelID: string(tunnel)}))
		}
	}
}

func (s *Server) handlePingFrame(c *conn, msg tunnelproto.Message) error {
	var p tunnelproto.PingPayload
	if err := msg.DecodePayload(&p); err != nil {
		return domain.Errorf(domain.CodeInvalidPayload, err, "invalid ping payload")
	}
	return c.SendMessage(tunnelproto.MustNew(tunnelproto.TypePong, p))
}

func (s *Server) handlePongFrame(*conn, tunnelproto.Message) error {
	return nil
}

const defaultWriteTimeout = 10 * time.Second

func (s *Server) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return defaultWriteTimeout
}
