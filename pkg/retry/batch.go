package retry

import (
	"context"
	"sync"
)

// DefaultConcurrency is the worker count of RunAll when none is given
const DefaultConcurrency = 10

// batchTask is one queued operation of a batch
type batchTask[T any] struct {
	index int
	op    Operation[T]
}

// RunAll runs every operation under e with at most concurrency operations in
// flight, and returns their results in input order. Each operation gets its
// own run, history and operation id. A non-positive concurrency uses
// DefaultConcurrency.
//
// Cancelling ctx stops queued operations from starting; their results fail
// with the context error.
func RunAll[T any](ctx context.Context, e *Executor, ops []Operation[T], concurrency int, opts ...RunOption) []*Result[T] {
	results := make([]*Result[T], len(ops))
	if len(ops) == 0 {
		return results
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	concurrency = min(concurrency, len(ops))

	taskChan := make(chan batchTask[T])
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				results[task.index] = Run(ctx, e, task.op, opts...)
			}
		}()
	}

	for i, op := range ops {
		taskChan <- batchTask[T]{index: i, op: op}
	}
	close(taskChan)
	wg.Wait()

	return results
}
