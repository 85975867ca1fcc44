package brinbloom

import (
	"context"
	"sync"
)

// buildTask is a unit of rebuild work: summarize some pages into a
// partial result owned by the task's closure.
type buildTask func() error

type poolResult struct {
	err   error
	index int
}

type poolTask struct {
	fn     buildTask
	result chan<- poolResult
	index  int
}

// workerPool manages a fixed set of goroutines for concurrent range
// summarization during Rebuild.
type workerPool struct {
	workers int
	tasks   chan poolTask
	wg      sync.WaitGroup
	quit    chan struct{}
	once    sync.Once
}

// newWorkerPool creates and starts a pool with the given number of workers.
func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}

	p := &workerPool{
		workers: size,
		tasks:   make(chan poolTask, size*4), // buffered for backpressure
		quit:    make(chan struct{}),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}

	return p
}

// worker is the main loop for a pool goroutine.
func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			task.result <- poolResult{err: task.fn(), index: task.index}
		case <-p.quit:
			return
		}
	}
}

// stop gracefully shuts down the worker pool.
func (p *workerPool) stop() {
	p.once.Do(func() {
		close(p.quit)
		close(p.tasks)
		p.wg.Wait()
	})
}

// runAll executes all tasks on the pool and waits for completion. It
// returns the first task error, or the context error if the context
// expires before all submitted tasks finish.
func (p *workerPool) runAll(ctx context.Context, tasks []buildTask) error {
	n := len(tasks)
	if n == 0 {
		return nil
	}

	resultCh := make(chan poolResult, n)

	submitted := 0
	for i, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		p.tasks <- poolTask{fn: t, result: resultCh, index: i}
		submitted++
	}

	var firstErr error
	for i := 0; i < submitted; i++ {
		select {
		case r := <-resultCh:
			if r.err != nil && firstErr == nil {
				firstErr = r.err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if firstErr == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return firstErr
}
