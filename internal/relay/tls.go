package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/deskrelay/internal/netutil"
)

const (
	tlsModeOff    = "off"
	tlsModeAuto   = "auto"
	tlsModeStatic = "static"
)

// loadStaticCertificate reads the configured key pair and, when a domain is
// configured, checks that the certificate covers it.
func (s *Server) loadStaticCertificate() (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load static TLS certificate: %w", err)
	}
	if len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parse static TLS certificate: %w", err)
		}
		if host := netutil.NormalizeHost(s.cfg.Domain); host != "" {
			if err := leaf.VerifyHostname(host); err != nil {
				return nil, fmt.Errorf("static TLS certificate must include %s: %w", host, err)
			}
		}
		cert.Leaf = leaf
		s.log.Info("static TLS certificate loaded", "cert_file", s.cfg.TLSCertFile, "subject", leaf.Subject.String())
	}
	return &cert, nil
}

// autocertManager issues certificates for the configured domain only.
func (s *Server) autocertManager() *autocert.Manager {
	host := netutil.NormalizeHost(s.cfg.Domain)
	return &autocert.Manager{
		Cache:  autocert.DirCache(s.cfg.CertCacheDir),
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(_ context.Context, h string) error {
			if netutil.NormalizeHost(h) == host {
				return nil
			}
			return errors.New("host not allowed")
		},
	}
}

// serverErrorLogWriter routes net/http's error log into slog, demoting TLS
// handshake noise from scanners to debug.
type serverErrorLogWriter struct {
	log                  *slog.Logger
	provisioningHintOnce sync.Once
}

func (w *serverErrorLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	const marker = "TLS handshake error from "
	idx := strings.Index(line, marker)
	if idx < 0 {
		w.log.Warn("http server error", "err", line)
		return len(p), nil
	}
	addr, reason, _ := strings.Cut(line[idx+len(marker):], ": ")
	reason = strings.ToLower(strings.TrimSpace(reason))
	switch {
	case isScannerTLSReason(reason):
		w.log.Debug("tls handshake rejected", "remote_addr", addr, "reason", reason)
	case strings.Contains(reason, "x509:") || strings.Contains(reason, "bad certificate"):
		w.provisioningHintOnce.Do(func() {
			w.log.Info("TLS certificate provisioning in progress; initial handshake retries are expected")
		})
		w.log.Debug("tls handshake retried", "remote_addr", addr, "reason", reason)
	default:
		w.log.Warn("tls handshake failed", "remote_addr", addr, "reason", reason)
	}
	return len(p), nil
}

func isScannerTLSReason(reason string) bool {
	if reason == "" || reason == "eof" {
		return true
	}
	for _, s := range []string{
		"missing server name",
		"unsupported versions",
		"no cipher suite supported",
		"host not allowed",
		"connection reset by peer",
		"i/o timeout",
		"does not look like a tls handshake",
		"http request to an https server",
	} {
		if strings.Contains(reason, s) {
			return true
		}
	}
	return false
}
