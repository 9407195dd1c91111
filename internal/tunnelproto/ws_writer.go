package tunnelproto

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrWritePumpClosed = errors.New("write pump closed")
var ErrWritePumpBackpressure = errors.New("write pump backpressure")

const (
	defaultControlEnqueueTimeout = 2 * time.Second
	defaultDataEnqueueTimeout    = 500 * time.Millisecond
)

// FrameWriter is the subset of *websocket.Conn the pump needs.
type FrameWriter interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type writeRequest struct {
	frame []byte
	done  chan error
}

// WritePump serialises websocket writes for one connection while
// prioritising control traffic ahead of bulk payload frames.
//
// Enqueueing is bounded by a timeout. A receiver too slow to drain its queue
// within that window is treated as dead: the pump closes the underlying
// connection instead of blocking the caller.
type WritePump struct {
	writeFn     func([]byte) error
	closeFn     func()
	high        chan writeRequest
	low         chan writeRequest
	stop        chan struct{}
	done        chan struct{}
	closed      atomic.Bool
	stopOnce    sync.Once
	highTimeout time.Duration
	lowTimeout  time.Duration
}

// NewWritePump starts a pump writing text frames to w. Each write is bounded
// by writeTimeout.
func NewWritePump(w FrameWriter, writeTimeout time.Duration, highCap, lowCap int) *WritePump {
	return newWritePumpWithWriter(func(frame []byte) error {
		if w == nil {
			return ErrWritePumpClosed
		}
		if err := w.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			_ = w.Close()
			return err
		}
		defer func() { _ = w.SetWriteDeadline(time.Time{}) }()

		if err := w.WriteMessage(websocket.TextMessage, frame); err != nil {
			_ = w.Close()
			return err
		}
		return nil
	}, func() {
		if w != nil {
			_ = w.Close()
		}
	}, highCap, lowCap, defaultControlEnqueueTimeout, defaultDataEnqueueTimeout)
}

func newWritePumpWithWriter(
	writeFn func([]byte) error,
	closeFn func(),
	highCap, lowCap int,
	highTimeout, lowTimeout time.Duration,
) *WritePump {
	if highCap <= 0 {
		highCap = 1
	}
	if lowCap <= 0 {
		lowCap = 1
	}
	if highTimeout <= 0 {
		highTimeout = defaultControlEnqueueTimeout
	}
	if lowTimeout <= 0 {
		lowTimeout = defaultDataEnqueueTimeout
	}
	p := &WritePump{
		writeFn:     writeFn,
		closeFn:     closeFn,
		high:        make(chan writeRequest, highCap),
		low:         make(chan writeRequest, lowCap),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		highTimeout: highTimeout,
		lowTimeout:  lowTimeout,
	}
	go p.run()
	return p
}

// WriteMessage encodes msg and writes it, waiting for the write to finish.
// Control types go through the priority lane.
func (p *WritePump) WriteMessage(msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	return p.Write(frame, IsControl(msg.Type))
}

// Write queues frame and waits for the write result.
func (p *WritePump) Write(frame []byte, control bool) error {
	req := writeRequest{frame: frame, done: make(chan error, 1)}
	if err := p.enqueue(req, control); err != nil {
		return err
	}
	return <-req.done
}

// Enqueue queues frame without waiting for it to reach the socket. Write
// failures surface by the pump closing the connection.
func (p *WritePump) Enqueue(frame []byte, control bool) error {
	return p.enqueue(writeRequest{frame: frame}, control)
}

// Done is closed once the pump has stopped.
func (p *WritePump) Done() <-chan struct{} {
	return p.done
}

// Close stops the pump and fails every queued write.
func (p *WritePump) Close() {
	p.closed.Store(true)
	p.signalStop()
	<-p.done
}

func (p *WritePump) enqueue(req writeRequest, high bool) error {
	if p.closed.Load() {
		return ErrWritePumpClosed
	}

	target := p.low
	wait := p.lowTimeout
	if high {
		target = p.high
		wait = p.highTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-p.stop:
		return ErrWritePumpClosed
	case target <- req:
		return nil
	case <-timer.C:
		p.triggerBackpressure()
		return ErrWritePumpBackpressure
	}
}

func (p *WritePump) run() {
	defer close(p.done)

	for {
		req, ok := p.next()
		if !ok {
			p.failPending(ErrWritePumpClosed)
			return
		}
		err := p.write(req.frame)
		req.reply(err)
		if err != nil {
			p.closed.Store(true)
			p.signalStop()
			p.failPending(err)
			return
		}
		if p.closed.Load() {
			p.signalStop()
			p.failPending(ErrWritePumpClosed)
			return
		}
	}
}

func (p *WritePump) next() (writeRequest, bool) {
	select {
	case req := <-p.high:
		return req, true
	default:
	}

	select {
	case <-p.stop:
		return writeRequest{}, false
	case req := <-p.high:
		return req, true
	case req := <-p.low:
		return req, true
	}
}

func (p *WritePump) write(frame []byte) error {
	if p.writeFn == nil {
		return io.ErrClosedPipe
	}
	return p.writeFn(frame)
}

func (p *WritePump) failPending(err error) {
	for {
		select {
		case req := <-p.high:
			req.reply(err)
		case req := <-p.low:
			req.reply(err)
		default:
			return
		}
	}
}

func (p *WritePump) signalStop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

func (p *WritePump) triggerBackpressure() {
	if p.closed.Swap(true) {
		return
	}
	if p.closeFn != nil {
		p.closeFn()
	}
	p.signalStop()
}

func (r writeRequest) reply(err error) {
	if r.done != nil {
		r.done <- err
	}
}
