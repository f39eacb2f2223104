package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neul-labs/openclaw/internal/observability"
	"github.com/neul-labs/openclaw/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrQueueClosed is returned by Enqueue after Close has been called.
	ErrQueueClosed = errors.New("command queue closed")

	// ErrLaneReset is returned to callers whose task was still queued when
	// the lane was reset.
	ErrLaneReset = errors.New("lane reset before task started")
)

// DefaultMaxWorkers caps concurrent task execution across all lanes when
// New is given a non-positive worker count.
const DefaultMaxWorkers = 16

// Task represents one unit of work executed on a lane
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	WarnAfterMs int
	OnWait      func(waitMs int64, queuePos int)
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState manages execution state for a single lane
type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
	activeIDs   map[string]bool
	mu          sync.Mutex
}

// Queue serializes tasks onto named lanes over a shared worker pool.
// Lanes are created on demand with concurrency 1, so a lane keyed by
// session gives strict FIFO execution for that session while distinct
// sessions run in parallel up to the pool cap.
type Queue struct {
	lanes     map[string]*laneState
	workers   chan struct{}
	taskIDSeq int
	closed    bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a Queue whose lanes share a pool of at most maxWorkers
// concurrently executing tasks. maxWorkers <= 0 selects DefaultMaxWorkers.
func New(maxWorkers int) *Queue {
	observability.EnsureRegistered()

	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		lanes:   make(map[string]*laneState),
		workers: make(chan struct{}, maxWorkers),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// lane returns the state for a lane, creating it with concurrency 1 on
// first use.
func (cq *Queue) lane(name string) *laneState {
	cq.mu.RLock()
	ls, exists := cq.lanes[name]
	cq.mu.RUnlock()
	if exists {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, exists = cq.lanes[name]; exists {
		return ls
	}
	ls = &laneState{
		concurrency: 1,
		queue:       make([]*taskRecord, 0),
		activeIDs:   make(map[string]bool),
	}
	cq.lanes[name] = ls
	log.Debug().Str("lane", name).Msg("Lane initialized")
	return ls
}

// Enqueue adds a task to the specified lane and blocks until it completes
func (cq *Queue) Enqueue(lane string, task Task, options *TaskOptions) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext adds a task to the specified lane and propagates context
// metadata. It blocks until the task completes, the lane is reset, or the
// queue is closed, and returns the task's result.
func (cq *Queue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"openclaw.commandqueue",
		"commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, lane)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		span.SetStatus(codes.Error, ErrQueueClosed.Error())
		return nil, ErrQueueClosed
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls := cq.lane(lane)
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfterMs > 0 {
		go cq.startWarnTimer(record, lane)
	}

	go cq.processLane(lane)

	result := <-record.result
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result.value, result.err
}

// processLane dispatches queued tasks while the lane has capacity
func (cq *Queue) processLane(lane string) {
	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		ls.running++
		ls.activeIDs[record.id] = true

		logger := tracing.LoggerFromContext(record.ctx, log.Logger).With().Str("lane", lane).Logger()
		logger.Debug().
			Str("taskId", record.id).
			Int("running", ls.running).
			Msg("Task dispatched")

		cq.wg.Add(1)
		go cq.executeTask(lane, record)
	}
}

// executeTask acquires a worker slot, runs a single task, and dispatches
// the next one on the lane.
func (cq *Queue) executeTask(lane string, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx := record.ctx
	if taskCtx == nil {
		taskCtx = context.Background()
	}
	taskCtx, span := tracing.StartSpan(
		taskCtx,
		"openclaw.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	if tracing.GetSessionKey(taskCtx) == "" {
		taskCtx = tracing.WithSessionKey(taskCtx, lane)
	}
	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()

	var value interface{}
	var err error

	// The pool cap bounds execution, not queueing: the task holds its lane
	// slot while waiting so lane order is preserved.
	select {
	case cq.workers <- struct{}{}:
		logger.Debug().
			Str("taskId", record.id).
			Dur("queueWait", time.Since(record.enqueuedAt)).
			Msg("Task started")
		value, err = record.task(runCtx)
		<-cq.workers
	case <-runCtx.Done():
		err = runCtx.Err()
	}

	duration := time.Since(startTime)

	ls := cq.lane(lane)
	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	go cq.processLane(lane)
}

// startWarnTimer starts a timer to warn about long wait times
func (cq *Queue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(time.Duration(record.options.WarnAfterMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls := cq.lane(lane)
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			waitMs := time.Since(record.enqueuedAt).Milliseconds()
			log.Warn().
				Str("lane", lane).
				Str("taskId", record.id).
				Int64("waitMs", waitMs).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(waitMs, queuePos)
			}
		}
	case <-cq.ctx.Done():
		return
	}
}

// QueueSize returns the number of queued tasks for a lane
func (cq *Queue) QueueSize(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// RunningCount returns the number of currently executing tasks for a lane
func (cq *Queue) RunningCount(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// Stats returns queued/running/concurrency counts per lane
func (cq *Queue) Stats() map[string]map[string]int {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]map[string]int)
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}

	return stats
}

// ResetLane rejects every queued task on the lane with ErrLaneReset and
// returns how many were rejected. In-flight tasks are unaffected; cancel
// their contexts to stop them.
func (cq *Queue) ResetLane(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()

	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneReset}
		close(record.result)
	}
	ls.queue = make([]*taskRecord, 0)

	log.Info().Str("lane", lane).Int("rejected", count).Msg("Lane reset")
	observability.SetQueueSize(lane, 0)

	return count
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *Queue) SetConcurrency(lane string, concurrency int) {
	ls := cq.lane(lane)
	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	log.Info().
		Str("lane", lane).
		Int("oldMax", oldMax).
		Int("newMax", concurrency).
		Msg("Lane concurrency updated")

	if concurrency > oldMax {
		go cq.processLane(lane)
	}
}

// WaitForActive waits for all active tasks to complete with timeout
func (cq *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		allDrained := true

		cq.mu.RLock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if len(ls.activeIDs) > 0 {
				allDrained = false
			}
			ls.mu.Unlock()
		}
		cq.mu.RUnlock()

		if allDrained {
			log.Info().Msg("All active tasks completed")
			return true
		}

		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}

		<-ticker.C
	}
}

// Close stops intake, rejects all queued tasks, cancels in-flight task
// contexts, and waits for running tasks to return.
func (cq *Queue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]*laneState, 0, len(cq.lanes))
	for _, ls := range cq.lanes {
		lanes = append(lanes, ls)
	}
	cq.mu.Unlock()

	for _, ls := range lanes {
		ls.mu.Lock()
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrQueueClosed}
			close(record.result)
		}
		ls.queue = make([]*taskRecord, 0)
		ls.mu.Unlock()
	}

	cq.cancel()
	cq.wg.Wait()
	return nil
}
