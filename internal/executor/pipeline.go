package executor

import "github.com/corvid-systems/nnexec/internal/tensor"

// bindGlobalParameters binds every global input port mapped (via
// PartitionMeta) onto subgraph idx, writing onto the reserve handle when
// useReserve is set (preparing the next call site's body ahead of time)
// or the primary otherwise. The copy-vs-bind choice is asked fresh per
// call since device binding can change after recompilation (4.4).
func (r *Request) bindGlobalParameters(idx int, useReserve bool) error {
	gio := r.gio[idx]
	if gio == nil {
		return nil
	}
	h := r.handleFor(idx, useReserve)
	needsCopy := r.copyPolicy.NeedsCopy(idx)

	for g, port := range gio.GlobalParams {
		entry, ok := r.globalInputs[g]
		if !ok {
			continue
		}
		if needsCopy {
			tensor.CopyInto(h.GetTensor(port), entry.Tensor)
		} else {
			h.SetTensor(port, entry.Tensor)
		}
	}
	r.runHostGather(idx, h)
	return nil
}

// bindGlobalResults points each global output port mapped onto idx at
// its subrequest's output tensor. A no-op for function calls: their
// outputs are read from FuncallResult, never from a global result slot.
func (r *Request) bindGlobalResults(idx int) {
	d := r.descriptors[idx]
	if d.IsFunctionCall() {
		return
	}
	gio := r.gio[idx]
	if gio == nil {
		return
	}
	h := r.subrequests[idx]
	for g, port := range gio.GlobalResults {
		r.globalOutputs[g] = PortToTensorEntry{Tensor: h.GetTensor(d.OutputPort(port))}
	}
}

// handleFor returns the primary or reserve handle for the body backing
// call site idx.
func (r *Request) handleFor(idx int, useReserve bool) SubrequestHandle {
	realIdx := r.real(idx)
	if useReserve {
		return r.pipeline[realIdx].Reserve
	}
	return r.subrequests[realIdx]
}

// functionPrologue resolves producer bindings for body input ports
// [0, param_base) of call site idx, unpacks closures inline when
// pipelining is off, and binds body outputs to FuncallResult or
// SpatialIO (4.6 step 4).
func (r *Request) functionPrologue(idx int) error {
	realIdx := r.real(idx)
	proto := r.descriptors[realIdx]
	h := r.subrequests[realIdx]

	for i := 0; i < proto.ParamBase; i++ {
		producer, ok := r.meta.SubmodelInputToPrevOutput[LinkFrom{idx, i}]
		if !ok {
			continue
		}
		if proto.Spatial != nil && spatialParamDim(proto.Spatial, i) != nil {
			r.spatialIO[realIdx].Inputs[i] = r.resolveProducerTensor(producer)
		} else {
			h.SetTensor(i, r.resolveProducerTensor(producer))
		}
	}

	if !r.pipelining {
		if err := r.unpackClosure(idx, h); err != nil {
			return err
		}
	}

	for outIdx := range proto.OutputPorts {
		result := r.funcallResult[LinkFrom{idx, outIdx}]
		if proto.Spatial != nil {
			r.spatialIO[realIdx].Outputs[outIdx] = result
		} else {
			h.SetTensor(proto.OutputPort(outIdx), result)
		}
	}
	return nil
}

func spatialParamDim(sp *SpatialConfig, inputIdx int) *SpatialParam {
	for i := range sp.Params {
		if sp.Params[i].Idx == inputIdx {
			return &sp.Params[i]
		}
	}
	return nil
}

func (r *Request) resolveProducerTensor(producer LinkFrom) tensor.Tensor {
	if r.descriptors[producer.Subgraph].IsFunctionCall() {
		return r.funcallResult[producer]
	}
	realIdx := r.real(producer.Subgraph)
	proto := r.descriptors[realIdx]
	return r.subrequests[realIdx].GetTensor(proto.OutputPort(producer.Port))
}

// unsafeDuring overlaps f with execution of the body at realIdx: for a
// non-spatial body, start the primary asynchronously, run f on the
// caller's thread, then wait; for a spatial body, run f on a helper
// goroutine while the caller thread drives the spatial loop, then join
// (5, "a single helper task spawned by unsafe_during").
func (r *Request) unsafeDuring(realIdx int, f func() error) error {
	proto := r.descriptors[realIdx]
	h := r.subrequests[realIdx]

	if proto.Spatial == nil {
		if err := safeRun(h.StartAsync); err != nil {
			return err
		}
		fErr := f()
		waitErr := safeRun(h.Wait)
		if fErr != nil {
			return fErr
		}
		return waitErr
	}

	done := make(chan error, 1)
	go func() { done <- f() }()
	spatialErr := r.runSpatialLoop(realIdx, proto, h)
	fErr := <-done
	if spatialErr != nil {
		return spatialErr
	}
	return fErr
}

// swapPrimaryReserve exchanges the primary and reserve handles of the
// body at realIdx, performed after a completed invocation whose pipeline
// entry has .Next set (4.7).
func (r *Request) swapPrimaryReserve(realIdx int) {
	pl := r.pipeline[realIdx]
	r.subrequests[realIdx], pl.Reserve = pl.Reserve, r.subrequests[realIdx]
	pl.preparedFor = -1
}

// unsafeRunThisPrepNext dispatches among the four execution cases of
// 4.7: overlap next-step preparation with the current body's async
// execution whenever possible, falling back to a bare synchronous
// inference at the wrap-around boundary.
func (r *Request) unsafeRunThisPrepNext(idx int) error {
	realIdx := r.real(idx)
	nextIdx := r.next(idx)
	d := r.descriptors[idx]
	sameBodyNext := d.IsFunctionCall() && r.real(nextIdx) == realIdx

	var err error
	switch {
	case sameBodyNext && r.pipelining:
		err = r.unsafeDuring(realIdx, func() error {
			if e := r.bindGlobalParameters(nextIdx, true); e != nil {
				return e
			}
			return r.unpackClosure(nextIdx, r.pipeline[realIdx].Reserve)
		})

	case sameBodyNext && !r.pipelining:
		if err = r.unsafeInfer(realIdx); err == nil {
			err = r.bindGlobalParameters(nextIdx, false)
		}

	case nextIdx == 0:
		err = r.unsafeInfer(realIdx)

	default:
		err = r.unsafeDuring(realIdx, func() error {
			if e := r.bindGlobalParameters(nextIdx, false); e != nil {
				return e
			}
			if r.pipelining && r.descriptors[nextIdx].IsFunctionCall() {
				reserve := r.pipeline[r.real(nextIdx)].Reserve
				if reserve != nil {
					return r.unpackClosure(nextIdx, reserve)
				}
			}
			return nil
		})
	}
	if err != nil {
		return err
	}

	if r.pipelining {
		// .Next lives on the call site that has a successor (idx), not
		// necessarily on the body's own slot (realIdx) — a borrowed call
		// site followed by the body's own self-call is the common case
		// where idx != realIdx here.
		if pl := r.pipeline[idx]; pl != nil && pl.Next != nil {
			r.swapPrimaryReserve(realIdx)
		}
	}
	return nil
}
