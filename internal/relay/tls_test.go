package relay

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeSelfSigned writes a self-signed key pair for host and 127.0.0.1 and
// returns the file paths and the parsed certificate.
func writeSelfSigned(t *testing.T, host string) (certFile, keyFile string, leaf *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err = x509.ParseCertificate(der)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile, leaf
}

func TestLoadStaticCertificate(t *testing.T) {
	t.Parallel()
	certFile, keyFile, _ := writeSelfSigned(t, "relay.test")

	tests := []struct {
		name    string
		domain  string
		cert    string
		wantErr string
	}{
		{name: "no domain", cert: certFile},
		{name: "matching domain", domain: "Relay.Test", cert: certFile},
		{name: "foreign domain", domain: "other.test", cert: certFile, wantErr: "must include other.test"},
		{name: "missing file", cert: filepath.Join(t.TempDir(), "absent.pem"), wantErr: "load static TLS certificate"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.TLSMode = tlsModeStatic
			cfg.Domain = tc.domain
			cfg.TLSCertFile = tc.cert
			cfg.TLSKeyFile = keyFile
			s := New(cfg, nil)

			cert, err := s.loadStaticCertificate()
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cert.Leaf)
			require.Equal(t, "relay.test", cert.Leaf.Subject.CommonName)
		})
	}
}

func TestAutocertManagerHostPolicy(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TLSMode = tlsModeAuto
	cfg.Domain = "relay.test"
	cfg.CertCacheDir = t.TempDir()
	m := New(cfg, nil).autocertManager()

	ctx := context.Background()
	require.NoError(t, m.HostPolicy(ctx, "relay.test"))
	require.NoError(t, m.HostPolicy(ctx, "RELAY.test"))
	require.ErrorContains(t, m.HostPolicy(ctx, "evil.test"), "host not allowed")
	require.Error(t, m.HostPolicy(ctx, "sub.relay.test"))
}

func TestServeStaticTLSAndShutdown(t *testing.T) {
	t.Parallel()
	certFile, keyFile, leaf := writeSelfSigned(t, "relay.test")
	cfg := testConfig()
	cfg.TLSMode = tlsModeStatic
	cfg.TLSCertFile = certFile
	cfg.TLSKeyFile = keyFile
	s := New(cfg, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
	}
	require.Eventually(t, func() bool {
		resp, err := client.Get("https://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	_, err = client.Get("https://" + ln.Addr().String() + "/healthz")
	require.Error(t, err)
}

func TestServeRejectsBadStaticCertificate(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TLSMode = tlsModeStatic
	cfg.TLSCertFile = filepath.Join(t.TempDir(), "absent.pem")
	cfg.TLSKeyFile = cfg.TLSCertFile
	s := New(cfg, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	err = s.Serve(context.Background(), ln)
	require.ErrorContains(t, err, "load static TLS certificate")
}

func TestServerErrorLogWriterLevels(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := &serverErrorLogWriter{log: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	tests := []struct {
		line  string
		level string
		msg   string
	}{
		{"http: TLS handshake error from 1.2.3.4:5: EOF", "DEBUG", "tls handshake rejected"},
		{"http: TLS handshake error from 1.2.3.4:5: acme/autocert: host not allowed", "DEBUG", "tls handshake rejected"},
		{"http: TLS handshake error from 1.2.3.4:5: remote error: tls: bad certificate", "DEBUG", "tls handshake retried"},
		{"http: TLS handshake error from 1.2.3.4:5: tls: internal error", "WARN", "tls handshake failed"},
		{"http: panic serving 1.2.3.4:5", "WARN", "http server error"},
	}
	for _, tc := range tests {
		buf.Reset()
		n, err := w.Write([]byte(tc.line + "\n"))
		require.NoError(t, err)
		require.Equal(t, len(tc.line)+1, n)
		require.Contains(t, buf.String(), "level="+tc.level, tc.line)
		require.Contains(t, buf.String(), tc.msg, tc.line)
	}
}
