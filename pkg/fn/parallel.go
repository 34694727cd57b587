package fn

import "sync"

// ParMapResult applies f to each item with at most workers goroutines,
// returning Results in input order. This is the worker pool of the runtime:
// the semaphore bounds concurrency and provides backpressure.
func ParMapResult[T, U any](items []T, workers int, f func(T) Result[U]) []Result[U] {
	out := make([]Result[U], len(items))
	if len(items) == 0 {
		return out
	}
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i, v := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, v T) {
			defer func() { <-sem; wg.Done() }()
			out[i] = f(v)
		}(i, v)
	}
	wg.Wait()
	return out
}

// ParForEach applies f to each item with at most workers goroutines.
func ParForEach[T any](items []T, workers int, f func(T)) {
	ParMapResult(items, workers, func(v T) Result[struct{}] {
		f(v)
		return Ok(struct{}{})
	})
}
