package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/koltyakov/deskrelay/internal/config"
	ilog "github.com/koltyakov/deskrelay/internal/log"
	"github.com/koltyakov/deskrelay/internal/relay"
)

func runServer(ctx context.Context, args []string, stderr io.Writer) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting relay", "version", Version, "listen", cfg.Listen, "public_url", cfg.PublicURL)

	s := relay.New(cfg, logger)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(stderr, "server error:", err)
		return 1
	}
	return 0
}
