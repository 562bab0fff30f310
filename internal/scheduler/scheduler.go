// Package scheduler serializes calls into a rate-limited remote.
//
// A single worker drains a queue of operations one at a time. A failed
// operation goes back to the front of the queue and the worker backs off for
// 2^depth seconds before trying again, where depth is the queue length after
// the reinsert. Every attempt, failed or not, is followed by a randomized
// pacing delay.
//
// Retries are unbounded unless [WithMaxAttempts] or [Attempts] is given or the
// operation returns an error marked with [Permanent], so callers that need
// bounded latency race [Future.Wait] against their own deadline. A caller that
// gives up waiting still leaves its operation in line: best-effort operations
// should carry [Attempts] so a failing one can't hold up the queue behind it.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jdholdren/mynah/internal/mynah"
)

const (
	minPacing    = 1500 * time.Millisecond
	pacingSpread = 2 * time.Second
)

type (
	// Scheduler is a single-flight queue in front of a remote.
	Scheduler struct {
		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		mu         sync.Mutex
		queue      []*operation
		processing bool
		closed     bool
		completed  uint64
		failures   uint64

		sleep       SleepFunc
		pacing      func() time.Duration
		backoff     func(depth int) time.Duration
		maxAttempts int
		maxBackoff  time.Duration
	}

	operation struct {
		name        string
		attempts    int
		maxAttempts int

		// run returns nil once it has settled the future with a value.
		run    func(ctx context.Context) error
		reject func(err error)
	}

	// SleepFunc blocks for d or until ctx is done.
	SleepFunc func(ctx context.Context, d time.Duration) error

	Option func(*Scheduler)

	// OpOption configures a single operation.
	OpOption func(*operation)

	// Stats is a snapshot of the scheduler's state.
	Stats struct {
		Depth          int    `json:"depth"`
		Processing     bool   `json:"processing"`
		Completed      uint64 `json:"completed"`
		FailedAttempts uint64 `json:"failed_attempts"`
	}
)

// WithSleep replaces the real clock.
func WithSleep(f SleepFunc) Option {
	return func(s *Scheduler) { s.sleep = f }
}

// WithPacing replaces the uniform [1.5s, 3.5s) delay taken after each attempt.
func WithPacing(f func() time.Duration) Option {
	return func(s *Scheduler) { s.pacing = f }
}

// WithBackoff replaces the 2^depth seconds backoff.
func WithBackoff(f func(depth int) time.Duration) Option {
	return func(s *Scheduler) { s.backoff = f }
}

// WithMaxAttempts rejects an operation with its last error after n failed attempts.
//
// Zero, the default, retries forever.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) { s.maxAttempts = n }
}

// WithMaxBackoff caps a single backoff. Zero, the default, leaves it uncapped.
func WithMaxBackoff(d time.Duration) Option {
	return func(s *Scheduler) { s.maxBackoff = d }
}

// Attempts rejects the operation with its last error after n failed attempts.
// It only ever tightens the scheduler's own [WithMaxAttempts] limit.
func Attempts(n int) OpOption {
	return func(op *operation) { op.maxAttempts = n }
}

// New creates a scheduler. Operations run with a context derived from ctx,
// so values on it (like log attributes) reach every operation.
func New(ctx context.Context, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		ctx:     ctx,
		cancel:  cancel,
		sleep:   sleepCtx,
		pacing:  randomPacing,
		backoff: ExponentialBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ExponentialBackoff waits 2^depth seconds.
//
// Depths past what a time.Duration can hold saturate instead of overflowing.
func ExponentialBackoff(depth int) time.Duration {
	if depth < 0 {
		depth = 0
	}
	if depth > 33 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(1<<depth) * time.Second
}

func randomPacing() time.Duration {
	return minPacing + rand.N(pacingSpread)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue adds fn to the back of the queue.
//
// The returned future settles with fn's first successful result. Failures are
// retried and never observed by the caller unless they are [Permanent], a max
// attempt count is set, or the scheduler is closed. A panic in fn rejects the
// future instead of taking the worker down.
func Enqueue[T any](s *Scheduler, name string, fn func(ctx context.Context) (T, error), opts ...OpOption) *Future[T] {
	f := newFuture[T]()
	op := &operation{
		name: name,
		run: func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = Permanent(fmt.Errorf("operation panicked: %v", r))
				}
			}()

			v, err := fn(ctx)
			if err != nil {
				return err
			}

			f.settle(v, nil)
			return nil
		},
		reject: func(err error) {
			var zero T
			f.settle(zero, err)
		},
	}
	for _, opt := range opts {
		opt(op)
	}
	s.push(op)

	return f
}

// Do enqueues fn and waits for it. A ctx that ends first stops the wait, not the operation.
func Do[T any](ctx context.Context, s *Scheduler, name string, fn func(ctx context.Context) (T, error), opts ...OpOption) (T, error) {
	return Enqueue(s, name, fn, opts...).Wait(ctx)
}

func (s *Scheduler) push(op *operation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		op.reject(mynah.ErrClosed)
		return
	}

	s.queue = append(s.queue, op)
	if s.processing {
		// The running worker picks it up.
		return
	}

	s.processing = true
	s.wg.Add(1)
	go s.process()
}

func (s *Scheduler) process() {
	defer s.wg.Done()

	for {
		op, ok := s.next()
		if !ok {
			return
		}

		if err := op.run(s.ctx); err != nil {
			s.fail(op, err)
		} else {
			s.mu.Lock()
			s.completed++
			s.mu.Unlock()
		}

		// Errors here only mean we're closing, which next handles.
		_ = s.sleep(s.ctx, s.pacing())
	}
}

// next pops the head of the queue, or marks the worker idle when there's nothing left.
func (s *Scheduler) next() (*operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		for _, op := range s.queue {
			op.reject(mynah.ErrClosed)
		}
		s.queue = nil
		s.processing = false
		return nil, false
	}
	if len(s.queue) == 0 {
		s.processing = false
		return nil, false
	}

	op := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return op, true
}

func (s *Scheduler) fail(op *operation, err error) {
	op.attempts++

	s.mu.Lock()
	s.failures++
	if IsPermanent(err) {
		s.mu.Unlock()

		slog.WarnContext(s.ctx, "operation failed permanently",
			"operation", op.name,
			"error", err,
		)
		op.reject(err)
		return
	}
	if limit := s.attemptLimit(op); limit > 0 && op.attempts >= limit {
		s.mu.Unlock()

		slog.ErrorContext(s.ctx, "operation exhausted its attempts",
			"operation", op.name,
			"attempts", op.attempts,
			"error", err,
		)
		op.reject(err)
		return
	}
	s.queue = append([]*operation{op}, s.queue...)
	depth := len(s.queue)
	s.mu.Unlock()

	wait := s.backoff(depth)
	if s.maxBackoff > 0 && wait > s.maxBackoff {
		wait = s.maxBackoff
	}

	slog.WarnContext(s.ctx, "operation failed, backing off",
		"operation", op.name,
		"attempt", op.attempts,
		"depth", depth,
		"backoff", wait,
		"error", err,
	)
	_ = s.sleep(s.ctx, wait)
}

// attemptLimit is the tighter of the scheduler's and the operation's limits, zero for none.
func (s *Scheduler) attemptLimit(op *operation) int {
	switch {
	case op.maxAttempts <= 0:
		return s.maxAttempts
	case s.maxAttempts <= 0:
		return op.maxAttempts
	default:
		return min(s.maxAttempts, op.maxAttempts)
	}
}

// Stats reports the current queue state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Depth:          len(s.queue),
		Processing:     s.processing,
		Completed:      s.completed,
		FailedAttempts: s.failures,
	}
}

// Close stops the worker and rejects everything still queued with [mynah.ErrClosed].
//
// It waits for the running operation, if any, to return.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	return nil
}
