package relay

import (
	"context"
	"time"

	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

func (s *Server) runJanitor(ctx context.Context) {
	interval := s.cfg.JanitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := s.clock.Ticker(interval)
	bucketTicker := s.clock.Ticker(regCleanupAge)
	defer ticker.Stop()
	defer bucketTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		case <-bucketTicker.C:
			s.limiter.cleanup()
		}
	}
}

// sweep closes silent sockets and ages out polling clients. Closing a socket
// runs the normal close path, which marks workstations offline and notifies
// peers.
func (s *Server) sweep() {
	for _, ws := range s.workstations.Stale(s.cfg.PingTimeout) {
		s.log.Info("expiring silent workstation", "tunnel_id", ws.TunnelID, "last_ping", ws.LastPing)
		s.metrics.sweeps.WithLabelValues("workstation").Inc()
		if ws.Conn != nil {
			_ = ws.Conn.Close()
		}
	}
	for _, sc := range s.sockets.Stale(s.cfg.PingTimeout) {
		s.log.Info("expiring silent client", "tunnel_id", sc.TunnelID, "device_id", sc.DeviceID)
		s.metrics.sweeps.WithLabelValues("socket_client").Inc()
		if sc.Conn != nil {
			_ = sc.Conn.Close()
		}
	}
	s.closeUnauthenticated()

	for _, pc := range s.polling.MarkInactive(s.cfg.PollingIdleTimeout) {
		s.log.Debug("polling client inactive", "tunnel_id", pc.TunnelID, "device_id", pc.DeviceID)
	}
	for _, pc := range s.polling.Expire(s.cfg.PollingExpiry) {
		s.log.Info("expiring polling client", "tunnel_id", pc.TunnelID, "device_id", pc.DeviceID)
		s.metrics.sweeps.WithLabelValues("polling_client").Inc()
		s.notifyWorkstation(pc.TunnelID, tunnelproto.MustNew(tunnelproto.TypeClientDisconnected,
			tunnelproto.ClientDisconnectedPayload{DeviceID: string(pc.DeviceID), TunnelID: string(pc.TunnelID)}))
	}
}

// closeUnauthenticated drops sockets that never registered or connected
// within the ping timeout.
func (s *Server) closeUnauthenticated() {
	cutoff := s.clock.Now().Add(-s.cfg.PingTimeout)
	var idle []*conn
	s.connsMu.Lock()
	for _, c := range s.conns {
		if role, _, _ := c.identity(); role == roleUnknown && c.connectedAt.Before(cutoff) {
			idle = append(idle, c)
		}
	}
	s.connsMu.Unlock()
	for _, c := range idle {
		s.log.Debug("closing unauthenticated socket", "conn_id", c.id)
		s.metrics.sweeps.WithLabelValues("unbound").Inc()
		_ = c.Close()
	}
}
