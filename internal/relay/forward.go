package relay

import (
	"encoding/json"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

// broadcast sends frame verbatim to every socket client of tunnel and queues
// it into every polling mailbox of tunnel. Each socket send is independent;
// a slow or failed client does not hold back the others.
func (s *Server) broadcast(tunnel domain.TunnelID, frame []byte) {
	clients := s.sockets.ByTunnel(tunnel)
	var g errgroup.Group
	for _, sc := range clients {
		g.Go(func() error {
			if err := sc.Conn.Send(frame); err != nil {
				s.log.Debug("broadcast to client failed", "tunnel_id", tunnel, "device_id", sc.DeviceID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, pc := range s.polling.ByTunnel(tunnel) {
		pc.Mailbox.Queue(frame)
	}
}

// notifyClients broadcasts a relay-generated event to the tunnel's clients.
func (s *Server) notifyClients(tunnel domain.TunnelID, msg tunnelproto.Message) {
	frame, err := tunnelproto.Encode(msg)
	if err != nil {
		s.log.Error("encode event", "type", msg.Type, "err", err)
		return
	}
	clients := s.sockets.ByTunnel(tunnel)
	var g errgroup.Group
	for _, sc := range clients {
		g.Go(func() error {
			_ = deliver(sc.Conn, msg)
			return nil
		})
	}
	_ = g.Wait()

	for _, pc := range s.polling.ByTunnel(tunnel) {
		pc.Mailbox.Queue(frame)
	}
}

// notifyWorkstation sends a relay-generated event to the tunnel's
// workstation if it is online. Events for offline workstations are dropped.
func (s *Server) notifyWorkstation(tunnel domain.TunnelID, msg tunnelproto.Message) {
	ws, ok := s.workstations.Get(tunnel)
	if !ok || !ws.Online() {
		return
	}
	if err := deliver(ws.Conn, msg); err != nil {
		s.log.Debug("workstation event dropped", "tunnel_id", tunnel, "type", msg.Type, "err", err)
	}
}

// deliverToWorkstation wraps a client frame as client.message and hands it
// to the tunnel's workstation. An offline workstation is reported to the
// caller.
func (s *Server) deliverToWorkstation(tunnel domain.TunnelID, device domain.DeviceID, message json.RawMessage) error {
	ws, ok := s.workstations.Get(tunnel)
	if !ok {
		return domain.ErrTunnelNotFound
	}
	if !ws.Online() {
		return domain.ErrWorkstationOffline
	}
	msg := tunnelproto.MustNew(tunnelproto.TypeClientMessage, tunnelproto.ClientMessagePayload{
		DeviceID: string(device),
		Message:  message,
	})
	if err := deliver(ws.Conn, msg); err != nil {
		return domain.Errorf(domain.CodeWorkstationOffline, err, "workstation unreachable")
	}
	s.metrics.forwarded.WithLabelValues("to_workstation").Inc()
	return nil
}

func (s *Server) handleForwardToDeviceFrame(c *conn, msg tunnelproto.Message) error {
	role, tunnel, _ := c.identity()
	if role != roleWorkstation {
		return domain.NewError(domain.CodeInvalidPayload, "only a registered workstation may target devices")
	}
	var p tunnelproto.ForwardToDevicePayload
	if err := msg.DecodePayload(&p); err != nil {
		return domain.Errorf(domain.CodeInvalidPayload, err, "invalid forward payload")
	}
	return s.forwardToDevice(tunnel, domain.DeviceID(strings.TrimSpace(p.DeviceID)), p.Payload)
}

// forwardToDevice delivers payload to a single device of tunnel: its socket
// if it has one, otherwise its polling mailbox.
func (s *Server) forwardToDevice(tunnel domain.TunnelID, device domain.DeviceID, payload json.RawMessage) error {
	if device == "" {
		return domain.NewError(domain.CodeInvalidPayload, "device_id is required")
	}
	if len(payload) == 0 || string(payload) == "null" {
		return domain.NewError(domain.CodeInvalidPayload, "payload is required")
	}
	if sc, ok := s.sockets.Get(device); ok && sc.TunnelID == tunnel {
		if err := sc.Conn.Send(payload); err != nil {
			s.log.Debug("targeted send failed", "tunnel_id", tunnel, "device_id", device, "err", err)
		}
		s.metrics.forwarded.WithLabelValues("to_device").Inc()
		return nil
	}
	if pc, ok := s.polling.Get(tunnel, device); ok {
		pc.Mailbox.Queue(payload)
		s.metrics.forwarded.WithLabelValues("to_device").Inc()
		return nil
	}
	err := domain.Errorf(domain.CodeInvalidPayload, domain.ErrDeviceNotConnected, "device not connected")
	err.Details = map[string]any{"device_id": string(device)}
	return err
}
