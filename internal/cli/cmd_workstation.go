package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/koltyakov/deskrelay/internal/config"
	"github.com/koltyakov/deskrelay/internal/debughttp"
	ilog "github.com/koltyakov/deskrelay/internal/log"
	"github.com/koltyakov/deskrelay/internal/store/sqlite"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
	"github.com/koltyakov/deskrelay/internal/workstation"
)

func runWorkstation(ctx context.Context, args []string, stderr io.Writer) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseWorkstationFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "workstation config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	opts := []workstation.Option{}
	if path := strings.TrimSpace(cfg.StatePath); path != "" {
		store, err := sqlite.Open(ctx, path)
		if err != nil {
			fmt.Fprintln(stderr, "state db error:", err)
			return 1
		}
		defer func() { _ = store.Close() }()
		state := store.ForRelay(cfg.RelayURL)
		logRecentRegistrations(ctx, logger, state)
		opts = append(opts, workstation.WithStateStore(state))
	}
	if _, err := debughttp.StartPprofServer(ctx, cfg.PprofListen, logger.With("component", "workstation")); err != nil {
		fmt.Fprintln(stderr, "pprof error:", err)
		return 1
	}

	var agent *workstation.Agent
	opts = append(opts, workstation.WithStateHook(func(s workstation.State) {
		if s == workstation.StateRegistered && agent != nil {
			logger.Info("tunnel ready",
				"tunnel_id", agent.Tunnel().TunnelID(),
				"public_url", agent.Tunnel().PublicURL())
		}
	}))
	agent = workstation.NewAgent(cfg, logger, logUnhandled(logger), opts...)

	logger.Info("starting workstation", "version", Version, "relay", cfg.RelayURL, "name", cfg.Name)
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "workstation error:", err)
		return 1
	}
	return 0
}

// logUnhandled is the default handler: application frames are only logged.
func logUnhandled(logger *slog.Logger) workstation.Handler {
	return workstation.HandlerFunc(func(_ context.Context, _ *workstation.Agent, deviceID string, msg tunnelproto.Message) {
		logger.Debug("unhandled message", "device_id", deviceID, "type", msg.Type)
	})
}

func logRecentRegistrations(ctx context.Context, logger *slog.Logger, state sqlite.RelayState) {
	regs, err := state.Registrations(ctx, 1)
	if err != nil {
		logger.Warn("failed to read registration history", "err", err)
		return
	}
	if len(regs) == 0 {
		return
	}
	last := regs[0]
	logger.Info("previous registration",
		"tunnel_id", last.TunnelID,
		"restored", last.Restored,
		"registered_at", last.RegisteredAt)
}
