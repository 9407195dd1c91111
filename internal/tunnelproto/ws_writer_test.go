package tunnelproto

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWritePumpPrioritizesControlWrites(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	order := make([]string, 0, 3)

	pump := newWritePumpWithWriter(func(frame []byte) error {
		label := string(frame)
		if label == "low-1" {
			close(started)
			<-release
		}

		mu.Lock()
		order = append(order, label)
		mu.Unlock()
		return nil
	}, nil, 4, 4, time.Second, time.Second)
	defer pump.Close()

	errCh := make(chan error, 3)
	go func() {
		errCh <- pump.Write([]byte("low-1"), false)
	}()

	<-started

	lowReq := writeRequest{frame: []byte("low-2"), done: make(chan error, 1)}
	highReq := writeRequest{frame: []byte("ping"), done: make(chan error, 1)}
	pump.low <- lowReq
	pump.high <- highReq

	go func() { errCh <- <-lowReq.done }()
	go func() { errCh <- <-highReq.done }()

	close(release)

	for range 3 {
		if err := <-errCh; err != nil {
			t.Fatalf("unexpected write error: %v", err)
		}
	}

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()

	want := []string{"low-1", "ping", "low-2"}
	if len(got) != len(want) {
		t.Fatalf("unexpected write order length: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected write order: got %v want %v", got, want)
		}
	}
}

func TestWritePumpCloseRejectsNewWrites(t *testing.T) {
	t.Parallel()

	pump := newWritePumpWithWriter(func([]byte) error { return nil }, nil, 1, 1, time.Second, time.Second)
	pump.Close()

	if err := pump.WriteMessage(Message{Type: TypePing}); !errors.Is(err, ErrWritePumpClosed) {
		t.Fatalf("expected ErrWritePumpClosed, got %v", err)
	}
	if err := pump.Enqueue([]byte("x"), false); !errors.Is(err, ErrWritePumpClosed) {
		t.Fatalf("expected ErrWritePumpClosed, got %v", err)
	}
}

func TestWritePumpBackpressureClosesConnection(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	closed := make(chan struct{})

	pump := newWritePumpWithWriter(func([]byte) error {
		<-block
		return nil
	}, func() { close(closed) }, 1, 1, 20*time.Millisecond, 20*time.Millisecond)

	// First frame occupies the writer, second fills the queue.
	if err := pump.Enqueue([]byte("a"), false); err != nil {
		t.Fatal(err)
	}
	if err := pump.Enqueue([]byte("b"), false); err != nil {
		t.Fatal(err)
	}
	// Depending on scheduling the writer may not have dequeued "a" yet, so
	// keep pushing until the bounded enqueue gives up.
	var err error
	for range 3 {
		if err = pump.Enqueue([]byte("c"), false); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrWritePumpBackpressure) {
		t.Fatalf("expected ErrWritePumpBackpressure, got %v", err)
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("expected backpressure to close the connection")
	}
}

func TestWritePumpWriteFailureStopsPump(t *testing.T) {
	t.Parallel()

	boom := errors.New("broken pipe")
	pump := newWritePumpWithWriter(func([]byte) error { return boom }, nil, 1, 1, time.Second, time.Second)

	if err := pump.Write([]byte("x"), true); !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
	select {
	case <-pump.Done():
	case <-time.After(time.Second):
		t.Fatal("expected pump to stop after write failure")
	}
	if err := pump.Write([]byte("y"), true); !errors.Is(err, ErrWritePumpClosed) {
		t.Fatalf("expected ErrWritePumpClosed, got %v", err)
	}
}
