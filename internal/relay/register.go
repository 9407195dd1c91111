package relay

import (
	"errors"
	"strings"

	"github.com/koltyakov/deskrelay/internal/auth"
	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

type registerOutcome string

const (
	outcomeFresh     registerOutcome = "fresh"
	outcomeRestore   registerOutcome = "restore"
	outcomeReclaim   registerOutcome = "reclaim"
	outcomeCollision registerOutcome = "collision"
	outcomeTakeover  registerOutcome = "takeover"
	outcomeRejected  registerOutcome = "rejected"
)

const maxTunnelIDAttempts = 5

// registerRequest is a registration after envelope decoding.
type registerRequest struct {
	payload  tunnelproto.RegisterPayload
	conn     domain.ConnHandle
	remoteIP string
	baseURL  string
}

func (s *Server) handleRegisterFrame(c *conn, msg tunnelproto.Message) error {
	if role, _, _ := c.identity(); role != roleUnknown {
		return domain.NewError(domain.CodeInvalidPayload, "connection already bound as "+role.String())
	}
	var p tunnelproto.RegisterPayload
	if err := msg.DecodePayload(&p); err != nil {
		return domain.Errorf(domain.CodeInvalidPayload, err, "invalid registration payload")
	}
	res, err := s.register(registerRequest{payload: p, conn: c, remoteIP: c.remoteIP, baseURL: c.baseURL})
	if err != nil {
		return err
	}
	c.bind(roleWorkstation, domain.TunnelID(res.TunnelID), "")
	return c.SendMessage(tunnelproto.MustNew(tunnelproto.TypeWorkstationRegistered, res))
}

// register runs the restore / reclaim / fresh decision for a workstation.
//
// A reconnecting workstation whose tunnel is still registered gets it back
// when its auth key matches. A live holder with a different key forces a
// fresh ID. An unknown previous ID is reclaimed if nobody holds it. The
// relay's registry is the only source of truth for "held", so reclaim assumes
// a single relay instance.
//
// An offline slot can be taken over with a different auth key. Any caller
// holding the API key and a known tunnel ID can therefore claim a tunnel
// whose workstation is down. The takeover is not reported as restored, no
// workstation.online event is sent, and every client authorized under the
// old key is dropped, so existing devices must re-authenticate with the new
// key.
func (s *Server) register(req registerRequest) (tunnelproto.RegisteredPayload, error) {
	p := req.payload
	if !s.limiter.allow(req.remoteIP) {
		s.metrics.registrations.WithLabelValues(string(outcomeRejected)).Inc()
		return tunnelproto.RegisteredPayload{}, domain.Errorf(domain.CodeRegistrationFailed, domain.ErrRegistrationFailed, "rate limit exceeded")
	}
	if !auth.ConstantTimeEquals(p.APIKey, s.cfg.APIKey) {
		s.metrics.registrations.WithLabelValues(string(outcomeRejected)).Inc()
		s.log.Warn("registration rejected: invalid api key", "remote", req.remoteIP)
		return tunnelproto.RegisteredPayload{}, domain.ErrInvalidAPIKey
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return tunnelproto.RegisteredPayload{}, domain.NewError(domain.CodeInvalidPayload, "name is required")
	}
	if len(p.AuthKey) < auth.MinAuthKeyLength {
		return tunnelproto.RegisteredPayload{}, domain.NewError(domain.CodeInvalidPayload, "auth key too short")
	}
	key := domain.AuthKey(p.AuthKey)

	s.registerMu.Lock()
	defer s.registerMu.Unlock()

	prevID := domain.TunnelID(strings.TrimSpace(p.PreviousTunnelID))
	outcome := outcomeFresh
	if p.Reconnect && auth.ValidTunnelID(string(prevID)) {
		existing, ok := s.workstations.Get(prevID)
		switch {
		case ok && existing.AuthKey.Equal(key):
			return s.restore(req, existing, name, key)
		case ok && !existing.Online():
			return s.takeover(req, existing, name, key)
		case ok:
			outcome = outcomeCollision
			s.log.Warn("tunnel id held by another live workstation", "tunnel_id", prevID, "remote", req.remoteIP)
		default:
			ws, err := s.workstations.Insert(domain.Workstation{
				TunnelID:  prevID,
				Name:      name,
				AuthKey:   key,
				Conn:      req.conn,
				PublicURL: publicURL(req.baseURL, prevID),
			})
			if err == nil {
				return s.registered(ws, outcomeReclaim, false), nil
			}
			if !errors.Is(err, domain.ErrTunnelIDExists) {
				return tunnelproto.RegisteredPayload{}, err
			}
			outcome = outcomeCollision
		}
	}

	for range maxTunnelIDAttempts {
		id, err := auth.GenerateTunnelID()
		if err != nil {
			return tunnelproto.RegisteredPayload{}, domain.Errorf(domain.CodeInternalError, err, "generate tunnel id")
		}
		ws, err := s.workstations.Insert(domain.Workstation{
			TunnelID:  domain.TunnelID(id),
			Name:      name,
			AuthKey:   key,
			Conn:      req.conn,
			PublicURL: publicURL(req.baseURL, domain.TunnelID(id)),
		})
		if errors.Is(err, domain.ErrTunnelIDExists) {
			continue
		}
		if err != nil {
			return tunnelproto.RegisteredPayload{}, err
		}
		return s.registered(ws, outcome, false), nil
	}
	return tunnelproto.RegisteredPayload{}, domain.Errorf(domain.CodeRegistrationFailed, domain.ErrRegistrationFailed, "could not allocate a tunnel id")
}

func (s *Server) restore(req registerRequest, existing domain.Workstation, name string, key domain.AuthKey) (tunnelproto.RegisteredPayload, error) {
	ws, prev, err := s.workstations.Rebind(existing.TunnelID, req.conn, name, key)
	if err != nil {
		return tunnelproto.RegisteredPayload{}, err
	}
	if prev != nil && prev.ID() != req.conn.ID() {
		s.log.Info("closing superseded workstation socket", "tunnel_id", ws.TunnelID, "conn_id", prev.ID())
		_ = prev.Close()
	}
	return s.registered(ws, outcomeRestore, true), nil
}

func (s *Server) takeover(req registerRequest, existing domain.Workstation, name string, key domain.AuthKey) (tunnelproto.RegisteredPayload, error) {
	ws, _, err := s.workstations.Rebind(existing.TunnelID, req.conn, name, key)
	if err != nil {
		return tunnelproto.RegisteredPayload{}, err
	}
	s.log.Warn("offline tunnel taken over with a new auth key", "tunnel_id", ws.TunnelID, "remote", req.remoteIP)
	s.dropClients(ws.TunnelID)
	s.metrics.registrations.WithLabelValues(string(outcomeTakeover)).Inc()
	return tunnelproto.RegisteredPayload{
		TunnelID:  string(ws.TunnelID),
		PublicURL: ws.PublicURL,
	}, nil
}

// dropClients disconnects every client bound to tunnel.
func (s *Server) dropClients(tunnel domain.TunnelID) {
	for _, sc := range s.sockets.ByTunnel(tunnel) {
		if _, ok := s.sockets.RemoveIfConn(sc.DeviceID, sc.Conn.ID()); ok {
			_ = sc.Conn.Close()
		}
	}
	for _, pc := range s.polling.ByTunnel(tunnel) {
		s.polling.Remove(tunnel, pc.DeviceID)
	}
}

func (s *Server) registered(ws domain.Workstation, outcome registerOutcome, restored bool) tunnelproto.RegisteredPayload {
	s.metrics.registrations.WithLabelValues(string(outcome)).Inc()
	s.log.Info("workstation registered", "tunnel_id", ws.TunnelID, "name", ws.Name, "outcome", string(outcome))
	s.notifyClients(ws.TunnelID, tunnelproto.MustNew(tunnelproto.TypeWorkstationOnline,
		tunnelproto.WorkstationStatusPayload{TunnelID: string(ws.TunnelID)}))
	return tunnelproto.RegisteredPayload{
		TunnelID:  string(ws.TunnelID),
		PublicURL: ws.PublicURL,
		Restored:  restored,
	}
}

func (s *Server) handleUnregisterFrame(c *conn, _ tunnelproto.Message) error {
	role, tunnel, _ := c.identity()
	if role != roleWorkstation {
		return domain.NewError(domain.CodeInvalidPayload, "not registered")
	}
	ws, ok := s.workstations.Get(tunnel)
	if !ok || ws.Conn == nil || ws.Conn.ID() != c.id {
		c.unbind()
		return nil
	}
	s.workstations.Remove(tunnel)
	c.unbind()
	s.log.Info("workstation unregistered", "tunnel_id", tunnel)
	s.notifyClients(tunnel, tunnelproto.MustNew(tunnelproto.TypeWorkstationOffline,
		tunnelproto.WorkstationStatusPayload{TunnelID: string(tunnel)}))
	return nil
}
