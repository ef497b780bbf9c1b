package sync

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorbox/mirrorbox/internal/queue"
	"github.com/mirrorbox/mirrorbox/internal/remote"
)

const (
	DefaultParallelism = 6

	retryFactor      = 2.0
	retryMaxAttempts = 5
	retryJitter      = 0.2
)

// Retry delays are variables so tests can shorten the schedule.
var (
	retryBaseDelay = time.Second
	retryMaxDelay  = 60 * time.Second
)

// taskClass splits a depth level into its serialized and parallel parts.
type taskClass int

const (
	classDelete taskClass = iota
	classFolder
	classFile
)

// Task is one resolved action bound for the local FS or the remote client.
type Task struct {
	Path  string
	Level int // sort level: negated depth for deletes
	Class taskClass

	// Priority orders the parallel file batch within a level; lower runs
	// first. Transfers use the payload size so small files land early.
	Priority int

	Run func(ctx context.Context) error
}

// Outcome is the packaged result of one task. Workers never raise across
// the pool boundary; the monitor inspects outcomes and decides escalation.
type Outcome struct {
	Path string
	Err  error
}

// Transient reports whether the failure would have been retried further had
// attempts remained.
func (o Outcome) Transient() bool {
	return o.Err != nil && retryableError(o.Err)
}

// inflightSet guards the at-most-one-in-flight-per-path invariant across
// both directions. Acquire blocks while another worker holds the path.
type inflightSet struct {
	mu    sync.Mutex
	cond  *sync.Cond
	paths mapset.Set[string]
}

func newInflightSet() *inflightSet {
	s := &inflightSet{paths: mapset.NewThreadUnsafeSet[string]()}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *inflightSet) acquire(ctx context.Context, path string) error {
	// wake waiters when the context dies so they can observe it
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.paths.Contains(path) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.paths.Add(path)
	return nil
}

func (s *inflightSet) release(path string) {
	s.mu.Lock()
	s.paths.Remove(path)
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *inflightSet) holds(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths.Contains(path)
}

// Pool executes resolved tasks level by level. Within one level, deletions
// and folder operations run serialized in batch order; the file batch fans
// out up to the configured parallelism. Cancellation prevents new starts;
// a running task sees it through the context passed to its I/O calls and
// stops waiting between retry attempts.
type Pool struct {
	limit    int
	inflight *inflightSet
}

func NewPool(limit int, inflight *inflightSet) *Pool {
	if limit <= 0 {
		limit = DefaultParallelism
	}
	return &Pool{limit: limit, inflight: inflight}
}

// Run drains tasks, which must arrive in normalized batch order, and
// returns one outcome per task.
func (p *Pool) Run(ctx context.Context, tasks []Task) []Outcome {
	outcomes := make([]Outcome, 0, len(tasks))

	for start := 0; start < len(tasks); {
		end := start
		for end < len(tasks) && tasks[end].Level == tasks[start].Level {
			end++
		}
		outcomes = append(outcomes, p.runLevel(ctx, tasks[start:end])...)
		start = end
	}

	return outcomes
}

func (p *Pool) runLevel(ctx context.Context, level []Task) []Outcome {
	outcomes := make([]Outcome, len(level))

	var files []int
	for i, task := range level {
		if task.Class == classFile {
			files = append(files, i)
			continue
		}
		outcomes[i] = p.execute(ctx, task)
	}

	if len(files) == 0 {
		return outcomes
	}

	// dispatch the file batch in priority order, bounded by the pool limit
	pending := queue.NewPriorityQueue[int]()
	for _, i := range files {
		pending.Enqueue(i, level[i].Priority)
	}

	g := &errgroup.Group{}
	g.SetLimit(p.limit)
	for {
		i, ok := pending.Dequeue()
		if !ok {
			break
		}
		g.Go(func() error {
			outcomes[i] = p.execute(ctx, level[i])
			return nil
		})
	}
	g.Wait()

	return outcomes
}

func (p *Pool) execute(ctx context.Context, task Task) Outcome {
	if err := p.inflight.acquire(ctx, task.Path); err != nil {
		return Outcome{Path: task.Path, Err: err}
	}
	defer p.inflight.release(task.Path)

	err := withRetry(ctx, task.Path, task.Run)
	return Outcome{Path: task.Path, Err: err}
}

// withRetry runs fn with exponential backoff on transient failures: base
// 1s, factor 2, cap 60s, jitter ±20%, at most 5 attempts. Rate-limit
// responses extend the delay to the server's hint.
func withRetry(ctx context.Context, path string, fn func(ctx context.Context) error) error {
	var err error

	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, err)
			slog.Debug("retrying", "path", path, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !retryableError(err) {
			return err
		}
	}

	return err
}

func retryableError(err error) bool {
	if errors.Is(err, ErrStorageIO) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

func backoffDelay(attempt int, lastErr error) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * retryFactor)
		if delay >= retryMaxDelay {
			delay = retryMaxDelay
			break
		}
	}

	var apiErr *remote.APIError
	if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > delay {
		delay = apiErr.RetryAfter
	}

	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}
