package tensor

import (
	"runtime"
	"sync"

	"github.com/corvid-systems/nnexec/internal/device"
)

// minBatch is the smallest chunk a single worker is given. AVX2 processes
// elements in wider lanes, so a worker with AVX2 available pays off with a
// larger chunk; without it, splitting finer keeps more cores busy on the
// scalar path. Decided once at startup from the host's actual CPU
// features, not a flag.
var minBatch = func() int {
	if device.HasAVX2() {
		return 4096
	}
	return 1024
}()

// parallelFor splits [0, n) into contiguous ranges, one per worker, and
// runs fn over each range on its own goroutine, blocking until all are
// done. This is the Go equivalent of ov::parallel_for: callers get a
// sequential range per worker rather than an interleaved index stream, so
// fn may rely on processing a contiguous chunk.
func parallelFor(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := runtime.GOMAXPROCS(0)
	if byBatch := n / minBatch; byBatch < workers {
		workers = byBatch
	}
	if workers < 1 {
		workers = 1
	}
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
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}
