// Package relay implements the public tunnel relay: it accepts workstation
// and mobile client websockets, authenticates them, and routes envelopes
// between a workstation and the clients bound to its tunnel. Clients that
// cannot hold a socket use the polling REST surface, backed by a per-client
// mailbox.
//
// Delivery is at-most-once per socket client, with a bounded best-effort
// replay log for polling clients.
package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/koltyakov/deskrelay/internal/config"
	"github.com/koltyakov/deskrelay/internal/mailbox"
	"github.com/koltyakov/deskrelay/internal/registry"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

// Server is a relay instance. Its registries are owned by the instance and
// torn down by Close, so several servers can run side by side in tests.
type Server struct {
	cfg   config.ServerConfig
	log   *slog.Logger
	clock clock.Clock

	workstations *registry.Workstations
	sockets      *registry.SocketClients
	polling      *registry.PollingClients

	limiter  *rateLimiter
	metrics  *metrics
	upgrader websocket.Upgrader
	routes   map[string]frameHandler

	// registerMu serialises the restore/reclaim/fresh decision so two
	// registrations can never both claim one tunnel ID.
	registerMu sync.Mutex

	connsMu sync.Mutex
	conns   map[string]*conn
	wg      sync.WaitGroup
}

// Option customises a Server.
type Option func(*Server)

// WithClock overrides the time source of the server and its registries.
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// New builds a relay from a validated configuration.
func New(cfg config.ServerConfig, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		cfg:   cfg,
		log:   logger,
		clock: clock.New(),
		conns: make(map[string]*conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	var mbOpts []mailbox.Option
	if cfg.MailboxSize > 0 {
		mbOpts = append(mbOpts, mailbox.WithMaxSize(cfg.MailboxSize))
	}
	if cfg.MailboxTTL > 0 {
		mbOpts = append(mbOpts, mailbox.WithTTL(cfg.MailboxTTL))
	}
	s.workstations = registry.NewWorkstations(s.clock)
	s.sockets = registry.NewSocketClients(s.clock)
	s.polling = registry.NewPollingClients(s.clock, mbOpts...)
	s.limiter = newRateLimiter(s.clock)
	s.metrics = newMetrics(s)
	s.routes = map[string]frameHandler{
		tunnelproto.TypeWorkstationRegister:   (*Server).handleRegisterFrame,
		tunnelproto.TypeWorkstationUnregister: (*Server).handleUnregisterFrame,
		tunnelproto.TypeConnect:               (*Server).handleConnectFrame,
		tunnelproto.TypePing:                  (*Server).handlePingFrame,
		tunnelproto.TypePong:                  (*Server).handlePongFrame,
		tunnelproto.TypeForwardToDevice:       (*Server).handleForwardToDeviceFrame,
	}
	return s
}

// Handler returns the relay's HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("/poll/", http.TimeoutHandler(s.pollingHandler(), s.requestTimeout(), `{"success":false,"error":{"code":"INTERNAL_ERROR","message":"request timeout"}}`))
	mux.HandleFunc("GET /t/{tunnel_id}", s.handleTunnelInfo)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", s.metrics.handler())
	return mux
}

// Close drops every connection and tears down the registries.
func (s *Server) Close() error {
	s.connsMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	waitGroupWait(&s.wg, 15*time.Second)

	_ = s.sockets.Close()
	_ = s.polling.Close()
	return s.workstations.Close()
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg.RequestTimeout > 0 {
		return s.cfg.RequestTimeout
	}
	return 15 * time.Second
}

func (s *Server) trackConn(c *conn) {
	s.connsMu.Lock()
	s.conns[c.id] = c
	s.connsMu.Unlock()
	s.metrics.connections.Inc()
}

func (s *Server) untrackConn(c *conn) {
	s.connsMu.Lock()
	_, ok := s.conns[c.id]
	delete(s.conns, c.id)
	s.connsMu.Unlock()
	if ok {
		s.metrics.connections.Dec()
	}
}
