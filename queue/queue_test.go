// ABOUTME: Tests for the bounded FIFO queue, wake signaling, and backpressure policies.
// ABOUTME: Validates FIFO order, the depth bound, purge accounting, and batch peeks.

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwork/acctrelay/wire"
)

// logCounter is a slog.Handler that counts records by message text.
type logCounter struct {
	mu    sync.Mutex
	byMsg map[string]int
}

func (h *logCounter) Enabled(context.Context, slog.Level) bool { return true }

func (h *logCounter) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byMsg == nil {
		h.byMsg = make(map[string]int)
	}
	h.byMsg[r.Message]++
	return nil
}

func (h *logCounter) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *logCounter) WithGroup(string) slog.Handler { return h }

func (h *logCounter) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byMsg[msg]
}

func pending(t *testing.T, msg wire.Message) *wire.PendingMessage {
	t.Helper()
	p, err := wire.NewPending(msg)
	require.NoError(t, err)
	return p
}

func jobStart(t *testing.T, id uint64) *wire.PendingMessage {
	return pending(t, wire.JobStart{JobID: id, Name: fmt.Sprintf("job-%d", id)})
}

func stepStart(t *testing.T, id uint64) *wire.PendingMessage {
	return pending(t, wire.StepStart{JobID: id, StepID: 0})
}

func TestEnqueueFIFO(t *testing.T) {
	q := New(Config{MaxDepth: 10}, slog.Default())

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(jobStart(t, i)))
	}
	assert.Equal(t, 3, q.Depth())

	batch := q.PeekBatch(10, 1<<20)
	require.Len(t, batch, 3)
	for i, m := range batch {
		decoded, _, err := wire.DecodeFrame(m.Frame)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), decoded.(wire.JobStart).JobID)
	}

	// Peek is non-destructive.
	assert.Equal(t, 3, q.Depth())

	q.RemoveBatch(2)
	assert.Equal(t, 1, q.Depth())
	head := q.PeekBatch(1, 1<<20)
	decoded, _, err := wire.DecodeFrame(head[0].Frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), decoded.(wire.JobStart).JobID)
}

func TestWakeSignal(t *testing.T) {
	q := New(Config{MaxDepth: 4}, slog.Default())
	require.NoError(t, q.Enqueue(jobStart(t, 1)))

	select {
	case <-q.Wake():
	default:
		t.Fatal("enqueue should signal the wake channel")
	}
}

func TestPeekBatchBounds(t *testing.T) {
	q := New(Config{MaxDepth: 100}, slog.Default())
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, q.Enqueue(jobStart(t, i)))
	}

	t.Run("item bound", func(t *testing.T) {
		assert.Len(t, q.PeekBatch(4, 1<<20), 4)
	})

	t.Run("byte bound", func(t *testing.T) {
		one := q.PeekBatch(1, 1<<20)
		require.Len(t, one, 1)
		// Budget for roughly two and a half messages.
		batch := q.PeekBatch(10, one[0].Size()*2+one[0].Size()/2)
		assert.Len(t, batch, 2)
	})

	t.Run("oversized head still returned", func(t *testing.T) {
		batch := q.PeekBatch(10, 1)
		assert.Len(t, batch, 1, "first message always included")
	})
}

func TestFailFastPolicy(t *testing.T) {
	q := New(Config{MaxDepth: 2, Policy: PolicyFailFast}, slog.Default())
	require.NoError(t, q.Enqueue(jobStart(t, 1)))
	require.NoError(t, q.Enqueue(jobStart(t, 2)))

	err := q.Enqueue(jobStart(t, 3))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Depth(), "refused message must not change depth")
}

func TestDiscardPolicy(t *testing.T) {
	t.Run("purges step telemetry to make room", func(t *testing.T) {
		q := New(Config{MaxDepth: 3, Policy: PolicyDiscard}, slog.Default())
		require.NoError(t, q.Enqueue(jobStart(t, 1)))
		require.NoError(t, q.Enqueue(stepStart(t, 1)))
		require.NoError(t, q.Enqueue(stepStart(t, 2)))

		// At capacity; the two step records should be purged.
		require.NoError(t, q.Enqueue(jobStart(t, 2)))
		assert.Equal(t, 2, q.Depth())
		assert.LessOrEqual(t, q.Depth(), 3, "depth never exceeds max")

		kinds := []wire.Kind{}
		for _, m := range q.PeekBatch(10, 1<<20) {
			kinds = append(kinds, m.MsgKind)
		}
		assert.Equal(t, []wire.Kind{wire.KindJobStart, wire.KindJobStart}, kinds,
			"job lifecycle records survive the purge")

		assert.Equal(t, uint64(2), q.PurgedCounts()[wire.KindStepStart])
	})

	t.Run("nothing purgeable refuses the enqueue", func(t *testing.T) {
		q := New(Config{MaxDepth: 2, Policy: PolicyDiscard}, slog.Default())
		require.NoError(t, q.Enqueue(jobStart(t, 1)))
		require.NoError(t, q.Enqueue(jobStart(t, 2)))

		err := q.Enqueue(jobStart(t, 3))
		assert.ErrorIs(t, err, ErrQueueFull)
		assert.Equal(t, 2, q.Depth())
	})
}

func TestHighWaterWarnsOncePerCrossing(t *testing.T) {
	const warning = "queue depth crossed high-water mark"
	h := &logCounter{}
	q := New(Config{MaxDepth: 10, HighWater: 3}, slog.New(h))

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(jobStart(t, i)))
	}
	assert.Equal(t, 1, h.count(warning), "one warning on crossing the mark")

	require.NoError(t, q.Enqueue(jobStart(t, 4)))
	assert.Equal(t, 1, h.count(warning), "no repeat warnings while above the mark")

	// Draining below the mark resets the latch.
	q.RemoveBatch(2)
	require.NoError(t, q.Enqueue(jobStart(t, 5)))
	assert.Equal(t, 2, h.count(warning), "a second crossing warns again")
}

func TestDepthBoundProperty(t *testing.T) {
	q := New(Config{MaxDepth: 5, Policy: PolicyDiscard}, slog.Default())
	for i := uint64(0); i < 50; i++ {
		var msg *wire.PendingMessage
		if i%2 == 0 {
			msg = stepStart(t, i)
		} else {
			msg = jobStart(t, i)
		}
		_ = q.Enqueue(msg)
		assert.LessOrEqual(t, q.Depth(), 5)
	}
}

func TestRestoreAndSnapshot(t *testing.T) {
	q := New(Config{MaxDepth: 10}, slog.Default())
	msgs := []*wire.PendingMessage{jobStart(t, 1), jobStart(t, 2)}
	q.Restore(msgs)
	assert.Equal(t, 2, q.Depth())

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, msgs[0].ID, snap[0].ID)
	assert.Equal(t, msgs[1].ID, snap[1].ID)
}

func TestRestoreBeyondCapacityDropsTail(t *testing.T) {
	q := New(Config{MaxDepth: 2}, slog.Default())
	q.Restore([]*wire.PendingMessage{jobStart(t, 1), jobStart(t, 2), jobStart(t, 3)})
	assert.Equal(t, 2, q.Depth())

	head := q.PeekBatch(2, 1<<20)
	decoded, _, err := wire.DecodeFrame(head[0].Frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), decoded.(wire.JobStart).JobID, "head of restored state is preserved")
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("discard")
	require.NoError(t, err)
	assert.Equal(t, PolicyDiscard, p)

	p, err = ParsePolicy("exit")
	require.NoError(t, err)
	assert.Equal(t, PolicyFailFast, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyDiscard, p, "default is discard")

	_, err = ParsePolicy("panic")
	assert.Error(t, err)
}
