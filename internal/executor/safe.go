package executor

import "fmt"

// safeRun is scoped tightly around a subrequest handle call
// (Infer/StartAsync/Wait). A well-behaved handle returns an error on
// failure; safeRun only exists to convert a misbehaving handle's panic
// into the same retryable error shape, so one bad collaborator
// implementation can't take down the whole inference. It is deliberately
// NOT wrapped around closure unpacking, wiring, or the spatial view
// kernels in internal/tensor: a panic from those is a programmer error
// (shape/type mismatch) and must propagate uncaught, never retried on
// another device.
func safeRun(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor: panic during execution: %v", r)
		}
	}()
	return f()
}
