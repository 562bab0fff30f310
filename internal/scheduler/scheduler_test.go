package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/mynah/internal/mynah"
)

const testPacing = 2500 * time.Millisecond

// Records what happened on the worker, in the order it happened.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(event string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

// A scheduler whose sleeps return immediately and get journaled.
func newTestScheduler(t *testing.T, j *journal, opts ...Option) *Scheduler {
	t.Helper()

	opts = append([]Option{
		WithSleep(func(_ context.Context, d time.Duration) error {
			if d != testPacing {
				j.add(fmt.Sprintf("backoff %s", d))
			}
			return nil
		}),
		WithPacing(func() time.Duration { return testPacing }),
	}, opts...)
	s := New(context.Background(), opts...)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestEnqueue_FIFOWithoutFailures(t *testing.T) {
	var (
		j        = &journal{}
		s        = newTestScheduler(t, j)
		inFlight atomic.Int32
		futures  []*Future[int]
	)

	for i := range 20 {
		futures = append(futures, Enqueue(s, "op", func(context.Context) (int, error) {
			if inFlight.Add(1) > 1 {
				t.Error("two operations ran at once")
			}
			defer inFlight.Add(-1)

			j.add(fmt.Sprintf("op%d", i))
			return i, nil
		}))
	}

	for i, f := range futures {
		v, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	want := make([]string, 0, 20)
	for i := range 20 {
		want = append(want, fmt.Sprintf("op%d", i))
	}
	assert.Equal(t, want, j.snapshot())
}

func TestEnqueue_RetriedOperationKeepsItsPlace(t *testing.T) {
	var (
		j        = &journal{}
		s        = newTestScheduler(t, j)
		start    = make(chan struct{})
		attempts int
	)

	op1 := Enqueue(s, "op1", func(context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			// Hold the first attempt until everything has been queued.
			<-start
		}
		if attempts <= 2 {
			return "", errors.New("rate limited")
		}

		j.add("op1")
		return "one", nil
	})
	op2 := Enqueue(s, "op2", func(context.Context) (string, error) {
		j.add("op2")
		return "two", nil
	})
	op3 := Enqueue(s, "op3", func(context.Context) (string, error) {
		j.add("op3")
		return "three", nil
	})
	close(start)

	for f, want := range map[*Future[string]]string{op1: "one", op2: "two", op3: "three"} {
		got, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Each failure requeued op1 in front of op2 and op3: a depth of 3.
	assert.Equal(t, []string{"backoff 8s", "backoff 8s", "op1", "op2", "op3"}, j.snapshot())
	assert.Equal(t, 3, attempts)

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Completed)
	assert.Equal(t, uint64(2), stats.FailedAttempts)
}

func TestEnqueue_FailuresAreInvisibleToTheCaller(t *testing.T) {
	var (
		s     = newTestScheduler(t, &journal{})
		calls int
	)

	got, err := Do(context.Background(), s, "flaky", func(context.Context) (int, error) {
		calls++
		if calls < 5 {
			return 0, errors.New("boom")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 5, calls)
}

func TestEnqueue_MaxAttempts(t *testing.T) {
	var (
		s     = newTestScheduler(t, &journal{}, WithMaxAttempts(3))
		calls int
		last  = errors.New("third strike")
	)

	_, err := Do(context.Background(), s, "doomed", func(context.Context) (int, error) {
		calls++
		if calls == 3 {
			return 0, last
		}
		return 0, errors.New("strike")
	})
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 3, calls)

	// The worker moves on to the next operation.
	got, err := Do(context.Background(), s, "fine", func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestFuture_WaitTimeoutLeavesOperationQueued(t *testing.T) {
	var (
		s       = newTestScheduler(t, &journal{})
		release = make(chan struct{})
		ran     atomic.Bool
	)

	f := Enqueue(s, "slow", func(context.Context) (int, error) {
		<-release
		ran.Store(true)
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	got, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.True(t, ran.Load())
}

func TestScheduler_RestartsWhenIdle(t *testing.T) {
	s := newTestScheduler(t, &journal{})

	_, err := Do(context.Background(), s, "first", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !s.Stats().Processing }, time.Second, time.Millisecond)

	got, err := Do(context.Background(), s, "second", func(context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestScheduler_CloseRejectsPending(t *testing.T) {
	var (
		s       = New(context.Background(), WithPacing(func() time.Duration { return 0 }))
		started = make(chan struct{})
	)

	running := Enqueue(s, "running", func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	queued := Enqueue(s, "queued", func(context.Context) (int, error) { return 1, nil })

	<-started
	require.NoError(t, s.Close())

	_, err := queued.Wait(context.Background())
	assert.ErrorIs(t, err, mynah.ErrClosed)
	_, err = running.Wait(context.Background())
	assert.ErrorIs(t, err, mynah.ErrClosed)

	_, err = Do(context.Background(), s, "late", func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, mynah.ErrClosed)
}

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		depth int
		want  time.Duration
	}{
		{depth: 0, want: time.Second},
		{depth: 1, want: 2 * time.Second},
		{depth: 3, want: 8 * time.Second},
		{depth: 10, want: 1024 * time.Second},
		{depth: 64, want: time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.depth), func(t *testing.T) {
			assert.Equal(t, tt.want, ExponentialBackoff(tt.depth))
		})
	}
}

func TestMaxBackoffCapsTheWait(t *testing.T) {
	var (
		j     = &journal{}
		s     = newTestScheduler(t, j, WithMaxBackoff(3*time.Second))
		calls int
	)

	_, err := Do(context.Background(), s, "flaky", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("boom")
		}
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"backoff 2s"}, j.snapshot())

	// Anything over the cap gets clamped to it.
	j2 := &journal{}
	s2 := newTestScheduler(t, j2, WithMaxBackoff(3*time.Second), WithBackoff(func(int) time.Duration { return time.Hour }))
	calls = 0
	_, err = Do(context.Background(), s2, "flaky", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("boom")
		}
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"backoff 3s"}, j2.snapshot())
}

func TestRandomPacingRange(t *testing.T) {
	for range 1000 {
		d := randomPacing()
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.Less(t, d, 3500*time.Millisecond)
	}
}

func TestEnqueue_PermanentErrorsAreNotRetried(t *testing.T) {
	var (
		j     = &journal{}
		s     = newTestScheduler(t, j)
		calls int
	)

	_, err := Do(context.Background(), s, "missing", func(context.Context) (int, error) {
		calls++
		return 0, Permanent(mynah.ErrNotFound)
	})
	assert.ErrorIs(t, err, mynah.ErrNotFound)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, j.snapshot())
	assert.Nil(t, Permanent(nil))
}

func TestEnqueue_AttemptsFreesTheQueue(t *testing.T) {
	var (
		j     = &journal{}
		s     = newTestScheduler(t, j)
		start = make(chan struct{})
		calls int
		down  = errors.New("503 service unavailable")
	)

	// Without its own limit this would be retried forever, ahead of "next".
	failing := Enqueue(s, "search", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			<-start
		}
		return 0, down
	}, Attempts(2))
	next := Enqueue(s, "next", func(context.Context) (string, error) {
		j.add("next")
		return "ok", nil
	})
	close(start)

	_, err := failing.Wait(context.Background())
	assert.ErrorIs(t, err, down)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 2, calls)

	got, err := next.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, []string{"backoff 4s", "next"}, j.snapshot())
}

func TestAttemptLimit(t *testing.T) {
	tests := []struct {
		name      string
		scheduler int
		op        int
		want      int
	}{
		{name: "neither", want: 0},
		{name: "scheduler only", scheduler: 5, want: 5},
		{name: "operation only", op: 2, want: 2},
		{name: "operation is tighter", scheduler: 5, op: 2, want: 2},
		{name: "scheduler is tighter", scheduler: 1, op: 2, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Scheduler{maxAttempts: tt.scheduler}
			assert.Equal(t, tt.want, s.attemptLimit(&operation{maxAttempts: tt.op}))
		})
	}
}

func TestEnqueue_PanicRejectsTheOperation(t *testing.T) {
	s := newTestScheduler(t, &journal{})

	_, err := Do(context.Background(), s, "broken", func(context.Context) (int, error) {
		panic("nil map")
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "nil map")

	// The worker survived and keeps draining.
	got, err := Do(context.Background(), s, "fine", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}
