package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/deskrelay/internal/config"
	"github.com/koltyakov/deskrelay/internal/domain"
	ilog "github.com/koltyakov/deskrelay/internal/log"
	"github.com/koltyakov/deskrelay/internal/mobile"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

// typeInput carries one line of attach stdin to the workstation.
const typeInput = "input"

var errInputClosed = errors.New("input closed")

type inputPayload struct {
	Data string `json:"data"`
}

// runAttach attaches to a tunnel as a client device. Every frame received is
// printed to stdout as one JSON line; every stdin line is sent as an input
// message. The session ends when stdin closes or ctx is cancelled.
func runAttach(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseAttachFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "attach config error:", err)
		return 2
	}
	logger := ilog.NewWriter(stderr, cfg.LogLevel, cfg.LogFormat)
	creds := mobile.Credentials{TunnelID: cfg.TunnelID, AuthKey: cfg.AuthKey, DeviceID: cfg.DeviceID}
	out := &frameWriter{w: stdout}
	lines := readLines(stdin)

	if cfg.Transport == "polling" {
		err = attachPolling(ctx, cfg, creds, lines, out, logger)
	} else {
		err = attachSocket(ctx, cfg, creds, lines, out, logger)
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	var re *domain.RelayError
	if errors.As(err, &re) {
		fmt.Fprintf(stderr, "attach refused: %s: %s\n", re.Code, re.Message)
		return 1
	}
	fmt.Fprintln(stderr, "attach error:", err)
	return 1
}

func attachSocket(ctx context.Context, cfg config.AttachConfig, creds mobile.Credentials, lines <-chan string, out *frameWriter, logger *slog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	c, err := mobile.DialSocket(dialCtx, cfg.RelayURL, creds, logger, mobile.WithHeartbeat(cfg.Heartbeat))
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	info := c.Info()
	logger.Info("attached", "transport", "socket", "tunnel_id", info.TunnelID,
		"device_id", creds.DeviceID, "workstation_online", info.WorkstationOnline)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			msg, err := c.Recv(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("receive: %w", err)
			}
			out.message(msg)
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errInputClosed
				}
				if err := c.Send(tunnelproto.MustNew(typeInput, inputPayload{Data: line})); err != nil {
					return fmt.Errorf("send: %w", err)
				}
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errInputClosed) {
		return err
	}
	return nil
}

func attachPolling(ctx context.Context, cfg config.AttachConfig, creds mobile.Credentials, lines <-chan string, out *frameWriter, logger *slog.Logger) error {
	c, err := mobile.NewPollingClient(cfg.RelayURL, creds, &http.Client{Timeout: cfg.Timeout})
	if err != nil {
		return err
	}
	info, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	logger.Info("attached", "transport", "polling", "tunnel_id", info.TunnelID,
		"device_id", creds.DeviceID, "workstation_online", info.WorkstationOnline)
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout)
		defer cancel()
		if err := c.Disconnect(dctx); err != nil {
			logger.Debug("disconnect failed", "err", err)
		}
	}()

	poll := func() error {
		res, err := c.Poll(ctx)
		if err != nil {
			if code := domain.CodeOf(err); code == domain.CodeInvalidAuthKey || code == domain.CodeInvalidPayload {
				return err
			}
			logger.Warn("poll failed", "err", err)
			return nil
		}
		if res.MayHaveMissedMessages {
			logger.Warn("messages may have been missed", "oldest_available", res.OldestAvailableSequence)
		}
		for _, m := range res.Messages {
			out.raw(m.Data)
		}
		return nil
	}

	ticker := time.NewTicker(cfg.PollEvery)
	defer ticker.Stop()
	if err := poll(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := poll(); err != nil {
				return err
			}
		case line, ok := <-lines:
			if !ok {
				// Pick up replies to the last input before leaving.
				return poll()
			}
			if err := c.Command(ctx, tunnelproto.MustNew(typeInput, inputPayload{Data: line})); err != nil {
				if domain.CodeOf(err) != domain.CodeWorkstationOffline {
					return err
				}
				logger.Warn("workstation offline; input dropped")
			}
		}
	}
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// frameWriter prints frames as JSON lines.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (f *frameWriter) message(msg tunnelproto.Message) {
	data, err := tunnelproto.Encode(msg)
	if err != nil {
		return
	}
	f.raw(data)
}

func (f *frameWriter) raw(data json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = f.w.Write(append(append([]byte(nil), data...), '\n'))
}
