package pipeline

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intItems(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return items
}

func TestQueue(t *testing.T) {
	items := []string{"a", "b"}
	q := NewQueue(items)
	items[0] = "changed"

	assert.Equal(t, 2, q.Len())
	v, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = q.TryPop()
	assert.False(t, ok)
	assert.Zero(t, q.Len())
}

func TestPoolProcessesEachItemOnce(t *testing.T) {
	testCases := []struct {
		name    string
		items   int
		workers int
	}{
		{"fewer workers than items", 50, 4},
		{"more workers than items", 3, 8},
		{"single worker", 10, 1},
		{"empty queue", 0, 4},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var (
				mu   sync.Mutex
				seen = make(map[int]int)
			)

			pool := NewPool[int](tc.workers, 0, FailContinue)
			failures := pool.Run(context.Background(), NewQueue(intItems(tc.items)), func(_ context.Context, item int) error {
				mu.Lock()
				seen[item]++
				mu.Unlock()
				return nil
			})

			assert.Empty(t, failures)
			assert.Len(t, seen, tc.items)
			for item, count := range seen {
				assert.Equal(t, 1, count, "item %d", item)
			}
		})
	}
}

func TestPoolRunsWorkersConcurrently(t *testing.T) {
	var active, peak int32
	pool := NewPool[int](4, 0, FailContinue)

	pool.Run(context.Background(), NewQueue(intItems(8)), func(_ context.Context, _ int) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})

	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
}

func TestPoolContinuePolicy(t *testing.T) {
	errBroken := errors.New("broken slide")
	var processed int32

	pool := NewPool[int](2, 0, FailContinue)
	failures := pool.Run(context.Background(), NewQueue(intItems(10)), func(_ context.Context, item int) error {
		atomic.AddInt32(&processed, 1)
		if item%3 == 0 {
			return errBroken
		}
		return nil
	})

	assert.Equal(t, int32(10), processed)
	require.Len(t, failures, 4)
	var failed []int
	for _, f := range failures {
		assert.ErrorIs(t, f, errBroken)
		failed = append(failed, f.Item)
	}
	assert.ElementsMatch(t, []int{0, 3, 6, 9}, failed)
}

func TestPoolAbortPolicy(t *testing.T) {
	errBroken := errors.New("broken slide")
	var processed []int

	q := NewQueue(intItems(5))
	pool := NewPool[int](1, 0, FailAbort)
	failures := pool.Run(context.Background(), q, func(_ context.Context, item int) error {
		processed = append(processed, item)
		if item == 1 {
			return errBroken
		}
		return nil
	})

	assert.Equal(t, []int{0, 1}, processed)
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Item)
	assert.Equal(t, 3, q.Len())
}

func TestPoolStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var processed int32
	q := NewQueue(intItems(5))
	NewPool[int](3, 0, FailContinue).Run(ctx, q, func(_ context.Context, _ int) error {
		atomic.AddInt32(&processed, 1)
		return nil
	})

	assert.Zero(t, processed)
	assert.Equal(t, 5, q.Len())
}

func TestPoolCooldownIsInterruptible(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed int32
	q := NewQueue(intItems(3))
	pool := NewPool[int](1, time.Hour, FailContinue)

	start := time.Now()
	pool.Run(ctx, q, func(_ context.Context, _ int) error {
		atomic.AddInt32(&processed, 1)
		cancel()
		return nil
	})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int32(1), processed)
	assert.Equal(t, 2, q.Len())
}

func TestPoolCooldownBetweenItems(t *testing.T) {
	pool := NewPool[int](1, 10*time.Millisecond, FailContinue)

	start := time.Now()
	pool.Run(context.Background(), NewQueue(intItems(3)), func(_ context.Context, _ int) error {
		return nil
	})
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("abort")
	require.NoError(t, err)
	assert.Equal(t, FailAbort, p)

	p, err = ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailContinue, p)

	_, err = ParseFailurePolicy("retry")
	assert.Error(t, err)
}

func TestPoolLogsFailuresAtDebug(t *testing.T) {
	errBoom := errors.New("boom")
	fail := func(context.Context, int) error { return errBoom }

	var info bytes.Buffer
	failures := NewPool[int](1, 0, FailContinue).
		WithLogger(zerolog.New(&info).Level(zerolog.InfoLevel)).
		Run(context.Background(), NewQueue(intItems(2)), fail)
	require.Len(t, failures, 2)
	assert.Empty(t, info.String())

	var debug bytes.Buffer
	NewPool[int](1, 0, FailContinue).
		WithLogger(zerolog.New(&debug).Level(zerolog.DebugLevel)).
		Run(context.Background(), NewQueue(intItems(1)), fail)
	assert.Contains(t, debug.String(), "Job failed")
	assert.Contains(t, debug.String(), "boom")
}
