// Package worker executes chunk transfers concurrently up to a configured
// parallelism bound. Dispatch is FIFO by chunk index; completion order is
// unspecified.
package worker

import (
	"context"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Task is one unit of chunk work. Run must honor ctx cancellation between
// network operations; it is invoked at most once.
type Task struct {
	Index int
	Run   func(ctx context.Context) error
}

// Pool runs tasks with bounded parallelism. A task error cancels the pool's
// context so in-flight tasks can abandon at their next checkpoint, and no
// further tasks are dispatched.
type Pool struct {
	concurrency int
	logger      log.Logger
}

// NewPool creates a pool. Concurrency below 1 is treated as 1.
func NewPool(concurrency int, logger log.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run dispatches tasks in order and blocks until every started task has
// finished. It returns the first task error, or the context error when the
// caller cancelled. On error the remaining queue is not dispatched.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		semaphore = make(chan struct{}, p.concurrency)

		errOnce  sync.Once
		firstErr error
	)

	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

dispatch:
	for _, task := range tasks {
		// Acquire a worker slot before launching so dispatch stays FIFO
		// and bounded.
		select {
		case <-runCtx.Done():
			break dispatch
		case semaphore <- struct{}{}:
		}

		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if err := task.Run(runCtx); err != nil {
				p.logger.Debugf("chunk %d failed: %s", task.Index, err)
				fail(err)
			}
		}(task)
	}

	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}
