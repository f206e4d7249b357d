package executor

import (
	"fmt"

	"github.com/corvid-systems/nnexec/internal/device"
	"github.com/corvid-systems/nnexec/internal/logger"
)

// runSubrequestForSuccess runs call site idx to completion, retrying on
// the next device in the fallback list whenever the handle fails, per
// invariant 6: a device is never retried twice within one recovery
// sequence, and failure is fatal once the list is exhausted or the
// compiler cannot recompile for the next device.
func (r *Request) runSubrequestForSuccess(idx int) error {
	realIdx := r.real(idx)
	d := r.descriptors[realIdx]
	if d.IsOptimizedOut() {
		return nil
	}

	attempt := 0
	for {
		h := r.subrequests[realIdx]
		r.dumper.DumpInputs(realIdx, attempt, h)

		err := r.unsafeRunThisPrepNext(idx)
		if err == nil {
			r.dumper.DumpOutputs(realIdx, attempt, h)
			return nil
		}

		logger.WithSubgraph(r.log, realIdx).Warn("subrequest failed, attempting failover",
			"device", r.subrequestDevices[realIdx], "attempt", attempt, "error", err)

		if d.Devices.Exhausted() || !r.compiler.CompileForSuccess(realIdx) {
			return &ExecutionError{
				SubgraphIdx: realIdx,
				Device:      r.subrequestDevices[realIdx].String(),
				Attempt:     attempt,
				Err:         fmt.Errorf("%w: %v", ErrNoDeviceLeft, err),
			}
		}

		nextDevice, ok := d.Devices.Advance()
		if !ok {
			return &ExecutionError{
				SubgraphIdx: realIdx,
				Device:      r.subrequestDevices[realIdx].String(),
				Attempt:     attempt,
				Err:         fmt.Errorf("%w: %v", ErrNoDeviceLeft, err),
			}
		}

		if recreateErr := r.recreateSubrequest(realIdx, nextDevice); recreateErr != nil {
			return &ExecutionError{SubgraphIdx: realIdx, Device: nextDevice.String(), Attempt: attempt, Err: recreateErr}
		}
		// A recreated handle has none of the call site's own bindings
		// either: for a function call, the producer-resolved body inputs
		// and the FuncallResult/SpatialIO output bindings only exist
		// because the prologue set them on the handle we just replaced.
		if r.descriptors[idx].IsFunctionCall() {
			if err := r.functionPrologue(idx); err != nil {
				return &ExecutionError{SubgraphIdx: realIdx, Device: nextDevice.String(), Attempt: attempt, Err: err}
			}
		}
		attempt++
	}
}

// recreateSubrequest replaces the primary (and reserve, if pipelining)
// handle for body realIdx after a failed attempt, rebinds static
// closures and global-input bindings, and rewires the whole link graph
// since every handle downstream of this body may now be stale.
func (r *Request) recreateSubrequest(realIdx int, nextDevice device.Kind) error {
	d := r.descriptors[realIdx]
	count := 1
	if r.pipelining && d.IsFunctionCall() {
		count = 2
	}
	handles, _, err := r.factory.Create(realIdx, count)
	if err != nil {
		return fmt.Errorf("executor: recreating subrequest for subgraph %d: %w", realIdx, err)
	}
	r.subrequests[realIdx] = handles[0]
	r.subrequestDevices[realIdx] = d.Devices.Current()
	if count == 2 {
		r.pipeline[realIdx].Reserve = handles[1]
		r.pipeline[realIdx].preparedFor = -1
	}

	if err := r.bindStaticClosures(realIdx, handles[0], d); err != nil {
		return err
	}
	// A freshly created handle has nothing set at any port; both the
	// request-level global inputs and the inter-subgraph links it
	// consumes must be rebound before the retry, not just its closures.
	if err := r.bindGlobalParameters(realIdx, false); err != nil {
		return err
	}
	return r.RewireAll()
}
