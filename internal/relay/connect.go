package relay

import (
	"strings"

	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

func (s *Server) handleConnectFrame(c *conn, msg tunnelproto.Message) error {
	if role, _, _ := c.identity(); role != roleUnknown {
		return domain.NewError(domain.CodeInvalidPayload, "connection already bound as "+role.String())
	}
	var p tunnelproto.ConnectPayload
	if err := msg.DecodePayload(&p); err != nil {
		return domain.Errorf(domain.CodeInvalidPayload, err, "invalid connect payload")
	}
	res, err := s.connectSocket(c, p)
	if err != nil {
		return err
	}
	c.bind(roleClient, domain.TunnelID(res.TunnelID), domain.DeviceID(strings.TrimSpace(p.DeviceID)))
	return c.SendMessage(tunnelproto.MustNew(tunnelproto.TypeConnected, res))
}

// authorizeClient checks a client's credentials against the tunnel's
// workstation.
func (s *Server) authorizeClient(tunnelID, authKey, deviceID string) (domain.Workstation, error) {
	tunnel := domain.TunnelID(strings.TrimSpace(tunnelID))
	if tunnel == "" {
		return domain.Workstation{}, domain.NewError(domain.CodeInvalidPayload, "tunnel_id is required")
	}
	if strings.TrimSpace(deviceID) == "" {
		return domain.Workstation{}, domain.NewError(domain.CodeInvalidPayload, "device_id is required")
	}
	ws, ok := s.workstations.Get(tunnel)
	if !ok {
		return domain.Workstation{}, domain.ErrTunnelNotFound
	}
	if !ws.AuthKey.Equal(domain.AuthKey(authKey)) {
		return domain.Workstation{}, domain.ErrInvalidAuthKey
	}
	return ws, nil
}

// connectSocket binds a socket client to its tunnel. A device reconnecting
// on a new socket supersedes its old one; the old socket is closed, never
// merged.
func (s *Server) connectSocket(h domain.ConnHandle, p tunnelproto.ConnectPayload) (tunnelproto.ConnectedPayload, error) {
	ws, err := s.authorizeClient(p.TunnelID, p.AuthKey, p.DeviceID)
	if err != nil {
		return tunnelproto.ConnectedPayload{}, err
	}
	device := domain.DeviceID(strings.TrimSpace(p.DeviceID))

	_, prev, existed := s.sockets.Bind(device, ws.TunnelID, h)
	if existed && prev.Conn != nil && prev.Conn.ID() != h.ID() {
		s.log.Info("closing superseded client socket", "device_id", device, "conn_id", prev.Conn.ID())
		_ = prev.Conn.Close()
		if prev.TunnelID != ws.TunnelID {
			s.notifyWorkstation(prev.TunnelID, tunnelproto.MustNew(tunnelproto.TypeClientDisconnected,
				tunnelproto.ClientDisconnectedPayload{DeviceID: string(device), TunnelID: string(prev.TunnelID)}))
		}
	}

	s.log.Info("client connected", "tunnel_id", ws.TunnelID, "device_id", device, "transport", domain.TransportSocket)
	s.notifyWorkstation(ws.TunnelID, tunnelproto.MustNew(tunnelproto.TypeClientConnected,
		tunnelproto.ClientConnectedPayload{DeviceID: string(device), TunnelID: string(ws.TunnelID), Transport: domain.TransportSocket}))

	return tunnelproto.ConnectedPayload{
		TunnelID:          string(ws.TunnelID),
		Restored:          existed && prev.TunnelID == ws.TunnelID,
		WorkstationOnline: ws.Online(),
		WorkstationName:   ws.Name,
	}, nil
}
