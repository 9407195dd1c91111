// Package mailbox implements the sequence-numbered, TTL-bounded message
// queue that serves clients which cannot hold a persistent socket.
//
// Delivery is best effort: entries older than the TTL are pruned on every
// read and the queue keeps at most MaxSize entries, dropping the oldest.
// Clients re-derive what they missed from the sequence watermark they send
// back on each poll.
package mailbox

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultMaxSize = 100
	DefaultTTL     = 5 * time.Minute
)

// Entry is one queued payload.
type Entry struct {
	Sequence  uint64
	Timestamp time.Time
	Payload   []byte
}

// Batch is the result of a [Mailbox.Since] read.
type Batch struct {
	Messages []Entry
	// OldestAvailableSequence is the lowest sequence still retained, or the
	// next sequence to be issued when the queue is empty.
	OldestAvailableSequence uint64
	// MayHaveMissedMessages is true when the requester's watermark is older
	// than what the mailbox still retains.
	MayHaveMissedMessages bool
	CurrentSequence       uint64
}

// Mailbox is safe for concurrent use.
type Mailbox struct {
	mu      sync.Mutex
	clock   clock.Clock
	maxSize int
	ttl     time.Duration
	seq     uint64
	entries []Entry
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Mailbox) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithMaxSize overrides the retained entry limit.
func WithMaxSize(n int) Option {
	return func(m *Mailbox) {
		if n > 0 {
			m.maxSize = n
		}
	}
}

// WithTTL overrides the per-entry time to live.
func WithTTL(d time.Duration) Option {
	return func(m *Mailbox) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// New creates an empty mailbox.
func New(opts ...Option) *Mailbox {
	m := &Mailbox{
		clock:   clock.New(),
		maxSize: DefaultMaxSize,
		ttl:     DefaultTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Queue appends payload and returns its sequence number. Sequences start at
// 1 and are never reused.
func (m *Mailbox) Queue(payload []byte) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.entries = append(m.entries, Entry{
		Sequence:  m.seq,
		Timestamp: m.clock.Now(),
		Payload:   payload,
	})
	if over := len(m.entries) - m.maxSize; over > 0 {
		// Copy so the dropped prefix can be collected.
		m.entries = append([]Entry(nil), m.entries[over:]...)
	}
	return m.seq
}

// Since returns the retained entries with a sequence greater than since.
// A since of 0 means "everything retained" and never reports a gap.
func (m *Mailbox) Since(since uint64) Batch {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	oldest := m.seq + 1
	if len(m.entries) > 0 {
		oldest = m.entries[0].Sequence
	}

	var out []Entry
	for _, e := range m.entries {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return Batch{
		Messages:                out,
		OldestAvailableSequence: oldest,
		MayHaveMissedMessages:   since > 0 && since+1 < oldest,
		CurrentSequence:         m.seq,
	}
}

// Ack drops every entry with a sequence up to and including upto and
// returns how many were removed.
func (m *Mailbox) Ack(upto uint64) int {
	if upto == 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	i := 0
	for i < len(m.entries) && m.entries[i].Sequence <= upto {
		i++
	}
	if i > 0 {
		m.entries = append([]Entry(nil), m.entries[i:]...)
	}
	return i
}

// Prune drops TTL-expired entries and returns how many were removed.
func (m *Mailbox) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked()
}

// Len returns the number of retained entries, without pruning.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// CurrentSequence returns the last issued sequence number.
func (m *Mailbox) CurrentSequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

func (m *Mailbox) pruneLocked() int {
	cutoff := m.clock.Now().Add(-m.ttl)
	i := 0
	for i < len(m.entries) && m.entries[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.entries = append([]Entry(nil), m.entries[i:]...)
	}
	return i
}
