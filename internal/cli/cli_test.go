package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koltyakov/deskrelay/internal/config"
	"github.com/koltyakov/deskrelay/internal/relay"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
	"github.com/koltyakov/deskrelay/internal/workstation"
)

const (
	testAPIKey  = "0123456789abcdef0123456789abcdef"
	testAuthKey = "auth-key-0123456"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func writeDotEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunDispatch(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
		out  string
	}{
		{"help", []string{"help"}, 0, "deskrelay server"},
		{"version", []string{"version"}, 0, "deskrelay "},
		{"no args", nil, 2, "Usage:"},
		{"unknown", []string{"bogus"}, 2, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tc.args, strings.NewReader(""), &stdout, &stderr)
			require.Equal(t, tc.code, code)
			require.Contains(t, stdout.String(), tc.out)
		})
	}
}

func TestSubcommandConfigErrors(t *testing.T) {
	clearEnv(t, "DESKRELAY_API_KEY", "DESKRELAY_RELAY", "DESKRELAY_AUTH_KEY", "DESKRELAY_CONFIG")
	for _, args := range [][]string{
		{"server", "--api-key", "short"},
		{"workstation", "--relay", "http://relay.test"},
		{"attach", "--relay", "http://relay.test", "--transport", "carrier-pigeon"},
	} {
		var stdout, stderr bytes.Buffer
		code := run(context.Background(), args, strings.NewReader(""), &stdout, &stderr)
		require.Equal(t, 2, code, args)
		require.Contains(t, stderr.String(), "config error", args)
	}
}

func TestLoadEnvFromDotEnvLoadsMissingVars(t *testing.T) {
	clearEnv(t, "DESKRELAY_NAME", "OTHER_VAR")
	path := writeDotEnv(t, "DESKRELAY_NAME=from-file\nOTHER_VAR=skip\n")

	loadEnvFromDotEnv(path)

	require.Equal(t, "from-file", os.Getenv("DESKRELAY_NAME"))
	require.Empty(t, os.Getenv("OTHER_VAR"))
}

func TestLoadEnvFromDotEnvKeepsExistingEnv(t *testing.T) {
	clearEnv(t, "DESKRELAY_NAME")
	t.Setenv("DESKRELAY_NAME", "from-env")
	path := writeDotEnv(t, "DESKRELAY_NAME=from-file\n")

	loadEnvFromDotEnv(path)

	require.Equal(t, "from-env", os.Getenv("DESKRELAY_NAME"))
}

func TestFlagsBeatDotEnv(t *testing.T) {
	clearEnv(t, "DESKRELAY_NAME", "DESKRELAY_RELAY", "DESKRELAY_API_KEY", "DESKRELAY_AUTH_KEY", "DESKRELAY_CONFIG")
	path := writeDotEnv(t, strings.Join([]string{
		"DESKRELAY_NAME=from-file",
		"DESKRELAY_RELAY=ws://relay.test/ws",
		"DESKRELAY_API_KEY=" + testAPIKey,
		"DESKRELAY_AUTH_KEY=" + testAuthKey,
	}, "\n"))

	loadEnvFromDotEnv(path)
	cfg, err := config.ParseWorkstationFlags([]string{"--name", "from-cli"})
	require.NoError(t, err)
	require.Equal(t, "from-cli", cfg.Name)
	require.Equal(t, "ws://relay.test/ws", cfg.RelayURL)
}

func TestParseEnvAssignment(t *testing.T) {
	tests := []struct {
		line       string
		key, value string
		ok         bool
	}{
		{"DESKRELAY_NAME=desk", "DESKRELAY_NAME", "desk", true},
		{"export DESKRELAY_NAME = \"my desk\"", "DESKRELAY_NAME", "my desk", true},
		{"DESKRELAY_NAME='x'", "DESKRELAY_NAME", "x", true},
		{"DESKRELAY_NAME=\"mismatched'", "DESKRELAY_NAME", "\"mismatched'", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"no-equals", "", "", false},
		{"BAD KEY=1", "", "", false},
	}
	for _, tc := range tests {
		key, value, ok := parseEnvAssignment(tc.line)
		require.Equal(t, tc.ok, ok, tc.line)
		require.Equal(t, tc.key, key, tc.line)
		require.Equal(t, tc.value, value, tc.line)
	}
}

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startEchoStack runs a relay and a workstation that answers each input
// message with an output message carrying the same payload.
func startEchoStack(t *testing.T) (string, string) {
	t.Helper()
	srv := relay.New(config.ServerConfig{
		APIKey:             testAPIKey,
		PingTimeout:        90 * time.Second,
		JanitorInterval:    30 * time.Second,
		PollingIdleTimeout: 2 * time.Minute,
		PollingExpiry:      30 * time.Minute,
		MailboxSize:        100,
		MailboxTTL:         5 * time.Minute,
		MaxFrameBytes:      1 << 20,
		WriteTimeout:       5 * time.Second,
		RequestTimeout:     5 * time.Second,
	}, nil)
	ts := httptest.NewServer(srv.Handler())

	handler := workstation.HandlerFunc(func(_ context.Context, a *workstation.Agent, deviceID string, msg tunnelproto.Message) {
		if msg.Type == typeInput {
			_ = a.Broadcaster().SendToClient(deviceID, tunnelproto.MustNew("output", msg.Payload))
		}
	})
	agent := workstation.NewAgent(config.WorkstationConfig{
		RelayURL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		APIKey:              testAPIKey,
		AuthKey:             testAuthKey,
		Name:                "desk",
		HeartbeatInterval:   30 * time.Second,
		PongTimeout:         10 * time.Second,
		RegistrationTimeout: 5 * time.Second,
		ReconnectMin:        100 * time.Millisecond,
		ReconnectMax:        time.Second,
		BroadcastTimeout:    2 * time.Second,
		SendBuffer:          64,
	}, nil, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = srv.Close()
		ts.Close()
	})
	require.Eventually(t, func() bool {
		return agent.Tunnel().State() == workstation.StateRegistered
	}, 5*time.Second, 10*time.Millisecond)
	return ts.URL, agent.Tunnel().TunnelID()
}

func TestAttachRoundTrip(t *testing.T) {
	clearEnv(t, "DESKRELAY_RELAY", "DESKRELAY_TUNNEL", "DESKRELAY_AUTH_KEY", "DESKRELAY_DEVICE", "DESKRELAY_TRANSPORT", "DESKRELAY_CONFIG")
	relayURL, tunnelID := startEchoStack(t)

	for _, transport := range []string{"socket", "polling"} {
		t.Run(transport, func(t *testing.T) {
			stdinR, stdinW := io.Pipe()
			stdout := &syncBuffer{}
			var stderr syncBuffer

			done := make(chan int, 1)
			go func() {
				done <- run(context.Background(), []string{
					"attach",
					"--relay", relayURL,
					"--transport", transport,
					"--tunnel", tunnelID,
					"--auth-key", testAuthKey,
					"--device", "cli-" + transport,
					"--poll-interval", "50ms",
					"--timeout", "5s",
					"--log-level", "error",
				}, stdinR, stdout, &stderr)
			}()

			_, err := io.WriteString(stdinW, "hello\n")
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				for line := range strings.SplitSeq(stdout.String(), "\n") {
					var msg tunnelproto.Message
					if json.Unmarshal([]byte(line), &msg) != nil || msg.Type != "output" {
						continue
					}
					return string(msg.Payload) == `{"data":"hello"}`
				}
				return false
			}, 5*time.Second, 20*time.Millisecond, "stdout: %s stderr: %s", stdout.String(), stderr.String())

			require.NoError(t, stdinW.Close())
			select {
			case code := <-done:
				require.Equal(t, 0, code, stderr.String())
			case <-time.After(5 * time.Second):
				t.Fatal("attach did not exit after stdin closed")
			}
		})
	}
}

func TestAttachRefused(t *testing.T) {
	clearEnv(t, "DESKRELAY_RELAY", "DESKRELAY_TUNNEL", "DESKRELAY_AUTH_KEY", "DESKRELAY_DEVICE", "DESKRELAY_TRANSPORT", "DESKRELAY_CONFIG")
	relayURL, tunnelID := startEchoStack(t)

	for _, transport := range []string{"socket", "polling"} {
		var stdout, stderr bytes.Buffer
		code := run(context.Background(), []string{
			"attach",
			"--relay", relayURL,
			"--transport", transport,
			"--tunnel", tunnelID,
			"--auth-key", "wrong-key-0123456",
			"--log-level", "error",
		}, strings.NewReader(""), &stdout, &stderr)
		require.Equal(t, 1, code, transport)
		require.Contains(t, stderr.String(), "INVALID_AUTH_KEY", transport)
	}
}
