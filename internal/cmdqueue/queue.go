// Package cmdqueue serializes command execution per user. Each user
// with pending work owns one worker goroutine draining a FIFO queue,
// so a slow command never reorders or interleaves that user's output
// while other users keep executing in parallel.
package cmdqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/termbot/termbot/internal/metrics"
	"github.com/termbot/termbot/internal/profile"
	"github.com/termbot/termbot/internal/runtime"
	"github.com/termbot/termbot/internal/session"
)

const (
	// queueCapacity bounds commands waiting per user.
	queueCapacity = 64
	// defaultIdleTimeout is how long an empty worker lingers before it
	// exits and frees its goroutine.
	defaultIdleTimeout = 5 * time.Minute
)

var (
	// ErrCommandForbidden is returned for deny-listed commands in
	// untrusted sessions.
	ErrCommandForbidden = errors.New("command forbidden")
	// ErrFeatureRestricted is returned when a probationary session
	// attempts a background command.
	ErrFeatureRestricted = errors.New("feature restricted in probationary session")
	// ErrCommandTimeout is returned when a probationary command exceeds
	// its execution budget.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrQueueFull is returned when a user's queue has no room left.
	ErrQueueFull = errors.New("command queue full")
	// ErrShuttingDown is returned for submissions after Close.
	ErrShuttingDown = errors.New("shutting down")
)

// Sink receives the outcome of one command exactly once.
type Sink func(output string, err error)

type entry struct {
	command string
	sink    Sink
}

type worker struct {
	ch     chan entry
	cancel context.CancelFunc
}

// Queue is the per-user command execution registry.
type Queue struct {
	sessions *session.Manager
	runtime  runtime.Runtime
	metrics  *metrics.Collector
	idle     time.Duration
	budget   time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

// New creates a command queue. collector may be nil.
func New(sessions *session.Manager, rt runtime.Runtime, collector *metrics.Collector) *Queue {
	return &Queue{
		sessions: sessions,
		runtime:  rt,
		metrics:  collector,
		idle:     defaultIdleTimeout,
		budget:   profile.ProbationaryCommandTimeout,
		workers:  make(map[string]*worker),
	}
}

// SetIdleTimeout overrides the worker idle timeout. Zero keeps the
// default.
func (q *Queue) SetIdleTimeout(d time.Duration) {
	if d > 0 {
		q.idle = d
	}
}

// SetCommandBudget overrides the probationary command timeout. Zero
// keeps the default.
func (q *Queue) SetCommandBudget(d time.Duration) {
	if d > 0 {
		q.budget = d
	}
}

// Submit enqueues a command for the user and returns the number of
// commands already waiting ahead of it.
func (q *Queue) Submit(user, command string, sink Sink) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrShuttingDown
	}

	w, ok := q.workers[user]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		w = &worker{ch: make(chan entry, queueCapacity), cancel: cancel}
		q.workers[user] = w
		q.wg.Add(1)
		go q.run(ctx, user, w)
	}

	depth := len(w.ch)
	select {
	case w.ch <- entry{command: command, sink: sink}:
	default:
		return 0, ErrQueueFull
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.Inc()
	}
	return depth, nil
}

// CancelAll discards the user's pending commands and stops the worker.
func (q *Queue) CancelAll(user string) {
	q.mu.Lock()
	w, ok := q.workers[user]
	if ok {
		delete(q.workers, user)
	}
	q.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// Close rejects further submissions, cancels every worker and waits
// for in-flight commands up to the deadline in ctx.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	for user, w := range q.workers {
		w.cancel()
		delete(q.workers, user)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run(ctx context.Context, user string, w *worker) {
	defer q.wg.Done()

	timer := time.NewTimer(q.idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			q.drain(w)
			return
		case e := <-w.ch:
			if q.metrics != nil {
				q.metrics.QueueDepth.Dec()
			}
			q.execute(ctx, user, e)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(q.idle)
		case <-timer.C:
			// Deregister under the registry lock so a racing Submit
			// either finds this worker still present or creates a
			// fresh one.
			q.mu.Lock()
			if len(w.ch) == 0 {
				if q.workers[user] == w {
					delete(q.workers, user)
				}
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			timer.Reset(q.idle)
		}
	}
}

func (q *Queue) drain(w *worker) {
	for {
		select {
		case <-w.ch:
			if q.metrics != nil {
				q.metrics.QueueDepth.Dec()
			}
		default:
			return
		}
	}
}

func (q *Queue) execute(ctx context.Context, user string, e entry) {
	start := time.Now()
	output, err := q.executeOne(ctx, user, e.command)
	if q.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		q.metrics.CommandsExecutedTotal.WithLabelValues(status).Inc()
		q.metrics.CommandDuration.Observe(time.Since(start).Seconds())
	}
	if e.sink != nil {
		e.sink(output, err)
	}
}

func (q *Queue) executeOne(ctx context.Context, user, command string) (string, error) {
	rec, err := q.sessions.Lookup(user)
	if err != nil {
		return "", err
	}

	if rec.Probationary && backgroundForm(command) {
		return "", ErrFeatureRestricted
	}
	if rec.TrustTier == session.TierUntrusted && forbidden(command) {
		slog.Info("command refused", "user", user)
		return "", ErrCommandForbidden
	}

	execCtx := ctx
	if rec.Probationary {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, q.budget)
		defer cancel()
	}

	result, err := q.runtime.Exec(execCtx, rec.EnvironmentID, rec.Shell, command)
	if err != nil {
		if rec.Probationary && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			q.killStragglers(rec)
			return "", ErrCommandTimeout
		}
		return "", err
	}

	return renderOutput(result), nil
}

// killStragglers signals everything inside the environment after a
// probationary timeout. The placeholder process is pid 1 and survives.
func (q *Queue) killStragglers(rec session.Record) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := q.runtime.Exec(ctx, rec.EnvironmentID, "sh", "kill -9 -1"); err != nil {
			slog.Debug("straggler kill failed", "environment_id", rec.EnvironmentID, "error", err)
		}
	}()
}

func renderOutput(result runtime.ExecResult) string {
	output := strings.TrimRight(result.Output, "\n")
	if output != "" {
		return output
	}
	if result.ExitCode != 0 {
		return fmt.Sprintf("command failed with exit code %d", result.ExitCode)
	}
	return "command succeeded with no output"
}
