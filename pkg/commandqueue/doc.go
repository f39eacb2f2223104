// Package commandqueue serializes tasks onto named lanes backed by a shared
// worker pool. Lanes are created on demand with concurrency 1, so a lane per
// session key gives each session strict FIFO execution while distinct
// sessions run in parallel up to the pool cap.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, one at a time unless the
//   lane's concurrency is raised.
// - Tasks in different lanes execute concurrently, bounded only by the
//   shared worker cap.
// - Enqueue blocks until the task completes and returns its result; queued
//   tasks rejected by ResetLane or Close fail with ErrLaneReset or
//   ErrQueueClosed without running.
//
// Usage:
//
//	queue := commandqueue.New(0)
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
