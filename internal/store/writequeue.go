package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
)

// ErrWriteQueueFull is returned when the bounded write queue is at capacity.
var ErrWriteQueueFull = errors.New("write queue full")

type writeJob struct {
	fn   func(*sql.Tx) error
	done chan error
}

// writeQueue serialises all write transactions through one goroutine. The
// enqueue side never blocks: a full queue fails the writer immediately so
// backpressure surfaces as write_queue_full instead of unbounded latency.
type writeQueue struct {
	db   *sql.DB
	jobs chan writeJob
	quit chan struct{}
	idle chan struct{}
}

func newWriteQueue(db *sql.DB, depth int) *writeQueue {
	if depth <= 0 {
		depth = 256
	}
	return &writeQueue{
		db:   db,
		jobs: make(chan writeJob, depth),
		quit: make(chan struct{}),
		idle: make(chan struct{}),
	}
}

func (q *writeQueue) start() { go q.loop() }

func (q *writeQueue) loop() {
	defer close(q.idle)
	for {
		select {
		case job := <-q.jobs:
			job.done <- q.run(job.fn)
		case <-q.quit:
			// Drain whatever was accepted before stop.
			for {
				select {
				case job := <-q.jobs:
					job.done <- q.run(job.fn)
				default:
					return
				}
			}
		}
	}
}

func (q *writeQueue) run(fn func(*sql.Tx) error) error {
	tx, err := q.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("write queue rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// submit enqueues fn and waits for its transaction to finish.
func (q *writeQueue) submit(ctx context.Context, fn func(*sql.Tx) error) error {
	job := writeJob{fn: fn, done: make(chan error, 1)}
	select {
	case q.jobs <- job:
	default:
		return ErrWriteQueueFull
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		// The transaction still runs to completion; only the wait is cut.
		return ctx.Err()
	}
}

func (q *writeQueue) stop() {
	close(q.quit)
	<-q.idle
}
