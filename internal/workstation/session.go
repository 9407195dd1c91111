package workstation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

// connectOnce runs a single connection attempt from dial to drop. It always
// returns a non-nil error describing why the connection ended.
func (t *TunnelClient) connectOnce(ctx context.Context, target string) error {
	gen, ok := t.beginAttempt()
	if !ok {
		return ErrClosed
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := t.dial(dialCtx, target)
	cancel()
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	sess := &session{
		gen:  gen,
		conn: conn,
		pump: tunnelproto.NewWritePump(conn, defaultWriteTimeout, controlQueueSize, t.bufferCap()),
		fail: make(chan error, 1),
	}
	defer t.endSession(sess)

	frames := make(chan tunnelproto.Message, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go t.readLoop(sess, frames, readErr, done)

	t.mu.Lock()
	t.sess = sess
	t.mu.Unlock()

	regTimer := t.clock.Timer(durationOr(t.cfg.RegistrationTimeout, dialTimeout))
	defer regTimer.Stop()
	t.setState(StateConnected)

	if err := sess.pump.WriteMessage(tunnelproto.MustNew(tunnelproto.TypeWorkstationRegister, t.registerPayload())); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	var (
		registered bool
		regC       = regTimer.C
		heartbeat  *clock.Ticker
		beatC      <-chan time.Time
		pongTimer  *clock.Timer
		pongC      <-chan time.Time
	)
	defer func() {
		if heartbeat != nil {
			heartbeat.Stop()
		}
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("read: %w", err)
		case err := <-sess.fail:
			return err
		case <-sess.pump.Done():
			return errPumpStopped
		case <-regC:
			return errRegistrationTimeout
		case <-pongC:
			return errPongTimeout
		case <-beatC:
			if pongC != nil {
				// Previous ping still outstanding; its timer decides.
				continue
			}
			ping := tunnelproto.MustNew(tunnelproto.TypePing, tunnelproto.PingPayload{Timestamp: t.clock.Now().UnixMilli()})
			if err := sess.pump.WriteMessage(ping); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
			pongTimer = t.clock.Timer(durationOr(t.cfg.PongTimeout, 10*time.Second))
			pongC = pongTimer.C
		case msg := <-frames:
			switch msg.Type {
			case tunnelproto.TypeWorkstationRegistered:
				if registered {
					continue
				}
				var p tunnelproto.RegisteredPayload
				if err := msg.DecodePayload(&p); err != nil {
					return fmt.Errorf("invalid registration reply: %w", err)
				}
				if p.TunnelID == "" {
					return errors.New("registration reply without tunnel id")
				}
				regTimer.Stop()
				regC = nil
				registered = true
				heartbeat = t.clock.Ticker(durationOr(t.cfg.HeartbeatInterval, 30*time.Second))
				beatC = heartbeat.C
				if err := t.onRegistered(ctx, sess, p); err != nil {
					return err
				}
			case tunnelproto.TypePong:
				if pongTimer != nil {
					pongTimer.Stop()
				}
				pongC = nil
			case tunnelproto.TypePing:
				var p tunnelproto.PingPayload
				_ = msg.DecodePayload(&p)
				if err := sess.pump.WriteMessage(tunnelproto.MustNew(tunnelproto.TypePong, p)); err != nil {
					return fmt.Errorf("send pong: %w", err)
				}
			case tunnelproto.TypeError:
				var p tunnelproto.ErrorPayload
				_ = msg.DecodePayload(&p)
				if !registered {
					return &RegistrationError{Code: domain.ErrorCode(p.Code), Message: p.Message}
				}
				t.log.Warn("relay reported error", "code", p.Code, "message", p.Message, "details", p.Details)
				t.deliver(msg)
			default:
				t.deliver(msg)
			}
		}
	}
}

func (t *TunnelClient) beginAttempt() (uint64, bool) {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return 0, false
	}
	t.gen++
	gen := t.gen
	t.state = StateConnecting
	t.mu.Unlock()
	t.notifyState(StateConnecting)
	return gen, true
}

// onRegistered flushes the pre-registration buffer and only then opens the
// tunnel for direct writes, so buffered frames keep their order.
func (t *TunnelClient) onRegistered(ctx context.Context, sess *session, p tunnelproto.RegisteredPayload) error {
	t.mu.Lock()
	prev := t.tunnelID
	t.tunnelID = p.TunnelID
	t.publicURL = p.PublicURL
	t.attempt = 0
	t.mu.Unlock()

	if prev != "" && prev != p.TunnelID {
		t.log.Warn("relay assigned a new tunnel id", "previous", prev, "tunnel_id", p.TunnelID)
	}
	t.log.Info("tunnel registered", "tunnel_id", p.TunnelID, "public_url", p.PublicURL, "restored", p.Restored)
	t.persist(ctx, p.TunnelID, p.Restored)

	for {
		t.mu.Lock()
		pending := t.buffer
		t.buffer = nil
		if len(pending) == 0 {
			if t.state == StateClosed {
				t.mu.Unlock()
				return ErrClosed
			}
			t.state = StateRegistered
			t.mu.Unlock()
			break
		}
		t.mu.Unlock()
		for _, f := range pending {
			if err := sess.pump.Write(f.frame, f.control); err != nil {
				return fmt.Errorf("flush buffered frame: %w", err)
			}
		}
	}
	t.notifyState(StateRegistered)
	return nil
}

func (t *TunnelClient) registerPayload() tunnelproto.RegisterPayload {
	t.mu.Lock()
	prev := t.tunnelID
	t.mu.Unlock()
	return tunnelproto.RegisterPayload{
		APIKey:           t.cfg.APIKey,
		Name:             t.cfg.Name,
		AuthKey:          t.cfg.AuthKey,
		Reconnect:        prev != "",
		PreviousTunnelID: prev,
	}
}

func (t *TunnelClient) readLoop(sess *session, frames chan<- tunnelproto.Message, errs chan<- error, done <-chan struct{}) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		msg, err := tunnelproto.Decode(data)
		if err != nil {
			t.log.Warn("dropping malformed frame from relay", "err", err)
			continue
		}
		select {
		case frames <- msg:
		case <-done:
			return
		}
	}
}

func (t *TunnelClient) endSession(sess *session) {
	t.mu.Lock()
	if t.sess == sess {
		t.sess = nil
	}
	t.mu.Unlock()
	sess.pump.Close()
	_ = sess.conn.Close()
}

func (t *TunnelClient) deliver(msg tunnelproto.Message) {
	if t.onMessage != nil {
		t.onMessage(msg)
	}
}
