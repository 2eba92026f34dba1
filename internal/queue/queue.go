// Package queue serializes asynchronous operations so that at most one runs at a time.
//
// Operations are admitted in call order. The queue has no knowledge of what the
// operations do; it only guarantees mutual exclusion, FIFO hand-off and release of
// the slot on every exit path, including failures, panics and cancellation.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Queue is a FIFO mutex for operations. The zero value is not usable; use New.
type Queue struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}

	seq       atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64

	logger *logrus.Entry
}

// New creates an empty queue. A nil logger is replaced by logrus.New().
func New(logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{logger: logger.WithField("component", "queue")}
}

// Stats is a point-in-time view of queue activity.
type Stats struct {
	Admitted  uint64
	Completed uint64
	Failed    uint64
	Waiting   int
	Busy      bool
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	waiting, busy := len(q.waiters), q.busy
	q.mu.Unlock()

	return Stats{
		Admitted:  q.seq.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Waiting:   waiting,
		Busy:      busy,
	}
}

// acquire blocks until the caller owns the queue or ctx is done.
func (q *Queue) acquire(ctx context.Context) error {
	q.mu.Lock()
	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		return nil
	}
	turn := make(chan struct{})
	q.waiters = append(q.waiters, turn)
	q.mu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	for i, w := range q.waiters {
		if w == turn {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			q.mu.Unlock()
			return ctx.Err()
		}
	}
	q.mu.Unlock()

	// The slot was handed to us while we were giving up; pass it on.
	q.release()
	return ctx.Err()
}

// release hands the slot to the oldest waiter, or marks the queue idle.
func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiters) == 0 {
		q.busy = false
		return
	}
	next := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	close(next)
}

// Run executes op once every previously admitted operation has finished.
func (q *Queue) Run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Enqueue(ctx, q, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Enqueue executes op exclusively on q and returns its result.
//
// The call blocks while another operation holds the queue. If ctx is done before
// op is admitted, op never runs and ctx.Err() is returned. A panic inside op is
// recovered and returned as an error.
func Enqueue[T any](ctx context.Context, q *Queue, op func(ctx context.Context) (T, error)) (result T, err error) {
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if err := q.acquire(ctx); err != nil {
		q.logger.WithError(err).Debug("Command abandoned before admission")
		return result, err
	}

	id := q.seq.Add(1)
	log := q.logger.WithField("op_id", id)
	started := time.Now()
	log.Debug("Command admitted")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queued command %d panicked: %v", id, r)
		}
		q.release()

		if err != nil {
			q.failed.Add(1)
			log.WithError(err).WithField("elapsed", time.Since(started)).Warn("Command failed")
			return
		}
		q.completed.Add(1)
		log.WithField("elapsed", time.Since(started)).Debug("Command completed")
	}()

	return op(ctx)
}
