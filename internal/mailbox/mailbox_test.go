package mailbox

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestQueueIssuesIncreasingSequences(t *testing.T) {
	t.Parallel()

	m := New()
	var last uint64
	for i := range 10 {
		seq := m.Queue([]byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.Greater(t, seq, last)
		last = seq
	}
	require.Equal(t, uint64(10), m.CurrentSequence())
}

func TestSinceZeroNeverReportsGap(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	m := New(WithClock(mock))
	for range 5 {
		m.Queue([]byte(`{}`))
	}
	mock.Add(10 * time.Minute)
	m.Queue([]byte(`{}`))

	batch := m.Since(0)
	require.False(t, batch.MayHaveMissedMessages)
	require.Len(t, batch.Messages, 1)
}

func TestQueueTrimsToMaxSize(t *testing.T) {
	t.Parallel()

	m := New(WithMaxSize(100))
	for i := range 150 {
		m.Queue([]byte(fmt.Sprintf("%d", i)))
	}

	batch := m.Since(0)
	require.Len(t, batch.Messages, 100)
	require.Equal(t, uint64(51), batch.Messages[0].Sequence)
	require.Equal(t, uint64(150), batch.Messages[99].Sequence)
	require.Equal(t, "149", string(batch.Messages[99].Payload))
}

func TestGapDetectionAfterExpiry(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	m := New(WithClock(mock), WithTTL(5*time.Minute))

	m.Queue([]byte("1"))
	m.Queue([]byte("2"))
	mock.Add(4 * time.Minute)
	m.Queue([]byte("3"))
	mock.Add(90 * time.Second)

	batch := m.Since(1)
	require.Len(t, batch.Messages, 1)
	require.Equal(t, uint64(3), batch.OldestAvailableSequence)
	require.True(t, batch.MayHaveMissedMessages)

	batch = m.Since(0)
	require.Len(t, batch.Messages, 1)
	require.False(t, batch.MayHaveMissedMessages)

	batch = m.Since(2)
	require.False(t, batch.MayHaveMissedMessages, "client already holds everything before the oldest entry")
}

func TestAckRemovesUpToSequence(t *testing.T) {
	t.Parallel()

	m := New()
	for range 5 {
		m.Queue([]byte(`{}`))
	}

	require.Equal(t, 3, m.Ack(3))
	require.Equal(t, 2, m.Len())
	require.Equal(t, 0, m.Ack(3))

	batch := m.Since(0)
	require.Equal(t, uint64(4), batch.Messages[0].Sequence)

	seq := m.Queue([]byte(`{}`))
	require.Equal(t, uint64(6), seq, "ack must not rewind the sequence counter")
}

func TestEmptyMailboxReportsGapForStaleWatermark(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	m := New(WithClock(mock))
	m.Queue([]byte("a"))
	m.Queue([]byte("b"))
	mock.Add(6 * time.Minute)

	batch := m.Since(1)
	require.Empty(t, batch.Messages)
	require.Equal(t, uint64(3), batch.OldestAvailableSequence)
	require.True(t, batch.MayHaveMissedMessages)

	batch = m.Since(2)
	require.False(t, batch.MayHaveMissedMessages)
}

func TestPrune(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	m := New(WithClock(mock), WithTTL(time.Minute))
	m.Queue([]byte("a"))
	mock.Add(2 * time.Minute)
	m.Queue([]byte("b"))

	require.Equal(t, 1, m.Prune())
	require.Equal(t, 1, m.Len())
}
