package executor

import "github.com/corvid-systems/nnexec/internal/tensor"

// unsafeInfer runs one full invocation of the body at realIdx: the
// nway-tiled loop plus tail handling for spatial bodies, or a single
// synchronous inference otherwise (C5). Errors from the handle propagate
// unwrapped; the failover loop in failover.go is responsible for catching
// them.
func (r *Request) unsafeInfer(realIdx int) error {
	proto := r.descriptors[realIdx]
	h := r.subrequests[realIdx]
	if proto.Spatial == nil {
		return safeRun(h.Infer)
	}
	return r.runSpatialLoop(realIdx, proto, h)
}

func (r *Request) runSpatialLoop(realIdx int, proto *SubgraphDescriptor, h SubrequestHandle) error {
	sp := proto.Spatial
	io := r.spatialIO[realIdx]

	for k := 0; k < sp.NWayIters; k++ {
		offset := k * sp.NWay
		for _, p := range sp.Params {
			h.SetTensor(p.Idx, tensor.ViewDim(io.Inputs[p.Idx], p.Dim, offset, sp.NWay))
		}
		for outIdx := range proto.OutputPorts {
			h.SetTensor(proto.OutputPort(outIdx), tensor.ViewDim(io.Outputs[outIdx], sp.OutDim, offset, sp.NWay))
		}
		if err := safeRun(h.Infer); err != nil {
			return err
		}
	}

	if sp.TailSize > 0 {
		offset := sp.NWayIters * sp.NWay
		for _, p := range sp.Params {
			tail := io.InputTails[p.Idx]
			slice := tensor.ViewDim(io.Inputs[p.Idx], p.Dim, offset, sp.TailSize)
			tensor.CopyInto(tensor.ViewDim(tail, p.Dim, 0, sp.TailSize), slice)
			h.SetTensor(p.Idx, tail)
		}
		for outIdx := range proto.OutputPorts {
			h.SetTensor(proto.OutputPort(outIdx), io.OutputTails[outIdx])
		}
		if err := safeRun(h.Infer); err != nil {
			return err
		}
		for outIdx := range proto.OutputPorts {
			tailOut := tensor.ViewDim(io.OutputTails[outIdx], sp.OutDim, 0, sp.TailSize)
			dst := tensor.ViewDim(io.Outputs[outIdx], sp.OutDim, offset, sp.TailSize)
			tensor.CopyInto(dst, tailOut)
		}
	}
	return nil
}
