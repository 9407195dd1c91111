package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"time"

	"github.com/koltyakov/deskrelay/internal/debughttp"
)

const (
	httpReadHeaderTimeout = 10 * time.Second
	httpIdleTimeout       = 120 * time.Second
	httpMaxHeaderBytes    = 64 << 10
)

// Run serves the relay until ctx is cancelled or a listener fails. With TLS
// mode auto it also serves ACME HTTP-01 challenges.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if _, err := debughttp.StartPprofServer(ctx, s.cfg.PprofListen, s.log.With("component", "relay")); err != nil {
		_ = ln.Close()
		return fmt.Errorf("pprof: %w", err)
	}
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go s.runJanitor(janitorCtx)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
		ErrorLog:          stdlog.New(&serverErrorLogWriter{log: s.log}, "", 0),
	}

	errCh := make(chan error, 2)
	var challengeServer *http.Server

	switch s.cfg.TLSMode {
	case tlsModeAuto:
		manager := s.autocertManager()
		srv.TLSConfig = manager.TLSConfig()
		srv.TLSConfig.MinVersion = tls.VersionTLS12
		challengeServer = &http.Server{
			Addr:              s.cfg.ListenHTTPChallenge,
			Handler:           manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			MaxHeaderBytes:    httpMaxHeaderBytes,
		}
		go func() {
			s.log.Info("starting ACME challenge server", "addr", s.cfg.ListenHTTPChallenge)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
	case tlsModeStatic:
		cert, err := s.loadStaticCertificate()
		if err != nil {
			_ = ln.Close()
			return err
		}
		srv.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{*cert},
		}
	}

	go func() {
		s.log.Info("relay listening", "addr", ln.Addr().String(), "tls_mode", s.cfg.TLSMode)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := shutdownServer(srv, 5*time.Second); err != nil && runErr == nil {
		runErr = err
	}
	if challengeServer != nil {
		if err := shutdownServer(challengeServer, 5*time.Second); err != nil && runErr == nil {
			runErr = err
		}
	}
	if err := s.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
