// Package commandqueue runs work serialized per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, one at a time.
// - Tasks in different lanes may execute concurrently.
// - A lane is dropped as soon as it has no queued or running work, so
//   per-session lane keys do not accumulate.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	queue.Submit(ctx, "session:abc", func(ctx context.Context) error {
//		return nil
//	})
package commandqueue
