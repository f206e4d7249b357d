package executor

import (
	"fmt"
	"sync"

	"github.com/corvid-systems/nnexec/internal/logger"
	"github.com/corvid-systems/nnexec/internal/tensor"
)

// unpackClosure classifies and binds every closure slot of call site
// callSiteIdx onto handle h, which is the primary or reserve handle for
// the body real(callSiteIdx). The unpacker writes into the memory the
// subrequest exposes at its input port, never into the closure (C2).
func (r *Request) unpackClosure(callSiteIdx int, h SubrequestHandle) error {
	d := r.descriptors[callSiteIdx]
	proto := r.descriptors[r.real(callSiteIdx)]

	type copyJob struct {
		c   int
		dst tensor.Tensor
	}
	var copies []copyJob

	for c, closureTensor := range d.Closure {
		port := d.ParamBase + c
		wantElem := proto.InputPorts[port].Elem

		switch {
		// A static (update_required=false) closure is dequantized exactly
		// once, at construction, by bindStaticClosures. It must never land
		// here again regardless of its element type.
		case d.UpdateRequired[c] && closureTensor.Elem != wantElem:
			logger.WithSubgraph(r.log, r.real(callSiteIdx)).Debug("unpacking closure",
				"closure", c, "from", closureTensor.Elem, "to", wantElem)
			dst := h.GetTensor(port)
			if err := r.dispatchUnpack(d, c, closureTensor, dst); err != nil {
				return fmt.Errorf("executor: unpacking closure %d of subgraph %d: %w", c, callSiteIdx, err)
			}
		case d.UpdateRequired[c] && r.copyPolicy.NeedsCopy(callSiteIdx):
			copies = append(copies, copyJob{c: c, dst: h.GetTensor(port)})
		case d.UpdateRequired[c]:
			h.SetTensor(port, closureTensor)
		default:
			// already bound once at construction
		}
	}

	if len(copies) > 0 {
		var wg sync.WaitGroup
		for _, job := range copies {
			wg.Add(1)
			go func(job copyJob) {
				defer wg.Done()
				tensor.CopyInto(job.dst, d.Closure[job.c])
			}(job)
		}
		wg.Wait()
	}
	return nil
}

// dispatchUnpack picks unpack2/unpack1/unpack for closure index c
// depending on which of scales/zerops are present, run sequentially by
// the caller across closure indices.
func (r *Request) dispatchUnpack(d *SubgraphDescriptor, c int, src, dst tensor.Tensor) error {
	var scale, zerop *tensor.Tensor
	if c < len(d.Scales) {
		scale = d.Scales[c]
	}
	if c < len(d.Zerops) {
		zerop = d.Zerops[c]
	}

	switch {
	case scale != nil && zerop != nil:
		tensor.Unpack2(src, *zerop, *scale, dst)
	case scale != nil:
		tensor.Unpack1(src, *scale, dst)
	default:
		tensor.Unpack(src, dst)
	}
	return nil
}

// runHostGather performs the host-side gather into a closure slot before
// unpacking, when the descriptor requests one.
func (r *Request) runHostGather(callSiteIdx int, h SubrequestHandle) {
	d := r.descriptors[callSiteIdx]
	if d.HostGather == nil {
		return
	}
	g := d.HostGather
	vocab := d.Closure[g.SrcIdx-d.ParamBase]
	dst := d.Closure[g.DstIdx-d.ParamBase]
	idx := h.GetTensor(g.IdxIdx)
	tensor.Gather(vocab, idx, dst)
}
