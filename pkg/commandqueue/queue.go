package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/roomsync/internal/observability"
	"github.com/harun/roomsync/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "roomsync.commandqueue"

// ErrClosed is returned for work offered to, or still queued in, a closed queue
var ErrClosed = errors.New("command queue closed")

// Task is one unit of lane work
type Task func(ctx context.Context) error

type job struct {
	id         string
	ctx        context.Context
	task       Task
	enqueuedAt time.Time
	// done is nil for fire-and-forget submissions
	done chan error
}

// lane holds the pending jobs of one key. A lane exists only while it has work.
type lane struct {
	queue   []*job
	running bool
}

// Queue runs tasks one at a time per lane, in submission order.
// Different lanes run concurrently.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	seq    int
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty queue
func New() *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit queues task on laneName and returns immediately. Failures are logged.
func (q *Queue) Submit(ctx context.Context, laneName string, task func(ctx context.Context) error) {
	if err := q.push(ctx, laneName, task, nil); err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Str("lane", laneName).Msg("Task dropped")
	}
}

// Enqueue queues task on laneName and waits for it to finish.
// If ctx ends first, the task still runs but its result is discarded.
func (q *Queue) Enqueue(ctx context.Context, laneName string, task Task) error {
	done := make(chan error, 1)
	if err := q.push(ctx, laneName, task, done); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) push(ctx context.Context, laneName string, task Task, done chan error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	q.seq++
	j := &job{
		id:         fmt.Sprintf("%s-%d", laneName, q.seq),
		ctx:        ctx,
		task:       task,
		enqueuedAt: time.Now(),
		done:       done,
	}

	l, ok := q.lanes[laneName]
	if !ok {
		l = &lane{}
		q.lanes[laneName] = l
	}
	l.queue = append(l.queue, j)
	size := len(l.queue)

	start := !l.running
	if start {
		l.running = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	observability.RecordQueueEnqueue(laneKind(laneName), size)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", laneName).
		Str("taskId", j.id).
		Int("queueSize", size).
		Msg("Task enqueued")

	if start {
		go q.drain(laneName, l)
	}
	return nil
}

// drain runs the jobs of one lane until it is empty, then forgets the lane
func (q *Queue) drain(laneName string, l *lane) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if q.ctx.Err() != nil {
			pending := l.queue
			l.queue = nil
			l.running = false
			delete(q.lanes, laneName)
			q.mu.Unlock()
			for _, j := range pending {
				finish(j, ErrClosed)
			}
			return
		}
		if len(l.queue) == 0 {
			l.running = false
			delete(q.lanes, laneName)
			q.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue = l.queue[1:]
		remaining := len(l.queue)
		q.mu.Unlock()

		q.execute(laneName, j, remaining)
	}
}

func (q *Queue) execute(laneName string, j *job, remaining int) {
	ctx, span := tracing.StartSpan(j.ctx, tracerName, "commandqueue.execute_task",
		attribute.String("lane", laneName),
		attribute.String("task_id", j.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", laneName).Str("taskId", j.id).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := time.Now()
	err := run(runCtx, j.task)
	duration := time.Since(start)

	if err != nil {
		tracing.FailSpan(span, err)
		logger.Error().Err(err).Dur("duration", duration).Dur("waited", start.Sub(j.enqueuedAt)).Msg("Task failed")
	} else {
		logger.Debug().Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(laneKind(laneName), duration, err == nil, remaining)

	finish(j, err)
}

// run executes task and turns a panic into an error so one bad task cannot
// take the lane down.
func run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// laneKind is the metric label of a lane: "session:42" is reported as "session"
func laneKind(laneName string) string {
	if i := strings.IndexByte(laneName, ':'); i > 0 {
		return laneName[:i]
	}
	return laneName
}

func finish(j *job, err error) {
	if j.done != nil {
		j.done <- err
		close(j.done)
	}
}

// Pending returns the number of queued, not yet started tasks of a lane
func (q *Queue) Pending(laneName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[laneName]; ok {
		return len(l.queue)
	}
	return 0
}

// ActiveLanes returns the number of lanes with queued or running work
func (q *Queue) ActiveLanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// WaitForIdle waits until no lane has work left, up to timeout
func (q *Queue) WaitForIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.ActiveLanes() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Int("lanes", q.ActiveLanes()).Msg("Timeout waiting for queued tasks")
			return false
		}
		<-ticker.C
	}
}

// Close stops accepting work, cancels running tasks and fails queued ones
// with ErrClosed. It waits for every lane to wind down.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
