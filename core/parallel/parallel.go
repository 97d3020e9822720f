// Package parallel provides slice-parallelism helpers for numeric hot loops.
package parallel

import (
	"runtime"
	"sync"
)

// Parallelize splits [0, n) into contiguous chunks and runs fn on each chunk
// from its own goroutine, blocking until all chunks finish. fn receives the
// half-open range [start, end). Chunks never overlap, so fn may write to
// disjoint slices without locking.
func Parallelize(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

// ParallelizeWithThreshold runs fn sequentially when n is below threshold,
// avoiding goroutine overhead on small inputs, and parallelizes otherwise.
func ParallelizeWithThreshold(n, threshold int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if n < threshold {
		fn(0, n)
		return
	}
	Parallelize(n, fn)
}
