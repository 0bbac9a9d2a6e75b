package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tolerance = 5 * time.Millisecond

func TestExecute_EnforcesMinDelayBetweenStarts(t *testing.T) {
	d := 40 * time.Millisecond
	e := NewExecutor(d)
	ctx := context.Background()

	var starts []time.Time
	for i := 0; i < 4; i++ {
		require.NoError(t, e.Execute(ctx, func(context.Context) error {
			starts = append(starts, time.Now())
			return nil
		}))
	}

	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, d-tolerance, "第 %d 次调用间隔过短: %s", i, gap)
	}
}

func TestExecute_FirstCallDoesNotWait(t *testing.T) {
	e := NewExecutor(time.Second)
	begin := time.Now()
	require.NoError(t, e.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Less(t, time.Since(begin), 100*time.Millisecond)
}

func TestExecute_SerializesConcurrentCallers(t *testing.T) {
	d := 20 * time.Millisecond
	e := NewExecutor(d)

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
		starts   []time.Time
		wg       sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Execute(context.Background(), func(context.Context) error {
				mu.Lock()
				inFlight++
				if inFlight > maxSeen {
					maxSeen = inFlight
				}
				starts = append(starts, time.Now())
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	require.Len(t, starts, 5)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), d-tolerance)
	}
}

func TestExecute_PropagatesErrorUnmodified(t *testing.T) {
	sentinel := errors.New("upstream 429")
	e := NewExecutor(0)
	calls := 0
	err := e.Execute(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	})
	assert.Same(t, sentinel, err)
	assert.Equal(t, 1, calls, "执行器自身不应重试")
}

func TestExecute_ContextCancelledWhileWaiting(t *testing.T) {
	e := NewExecutor(time.Second)
	require.NoError(t, e.Execute(context.Background(), func(context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err := e.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}

func TestDo_ReturnsValue(t *testing.T) {
	e := NewExecutor(0)
	v, err := Do(context.Background(), e, func(context.Context) (string, error) { return "summary", nil })
	require.NoError(t, err)
	assert.Equal(t, "summary", v)
}

func TestExecuteBatch(t *testing.T) {
	t.Run("按顺序执行并回调进度", func(t *testing.T) {
		e := NewExecutor(time.Millisecond)
		var progress [][2]int
		out, err := ExecuteBatch(context.Background(), e, []int{1, 2, 3},
			func(_ context.Context, n int) (int, error) { return n * 10, nil },
			func(p, total int) { progress = append(progress, [2]int{p, total}) })
		require.NoError(t, err)
		assert.Equal(t, []int{10, 20, 30}, out)
		assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, progress)
	})

	t.Run("失败时停止", func(t *testing.T) {
		e := NewExecutor(0)
		boom := errors.New("boom")
		var seen []int
		out, err := ExecuteBatch(context.Background(), e, []int{1, 2, 3},
			func(_ context.Context, n int) (int, error) {
				seen = append(seen, n)
				if n == 2 {
					return 0, boom
				}
				return n, nil
			}, nil)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []int{1}, out)
		assert.Equal(t, []int{1, 2}, seen)
	})
}
