package executor

import (
	"fmt"

	"github.com/corvid-systems/nnexec/internal/tensor"
)

// PrepareForInfer binds every request-level global input onto the
// subgraph (or body) that consumes it. It is idempotent and must run
// once before the first Step of a fresh inference; global inputs do not
// change across call sites within one request, so this binds ahead of
// the per-call-site loop rather than being re-asked per step.
func (r *Request) PrepareForInfer(inputs map[int]tensor.Tensor) error {
	for g, t := range inputs {
		r.globalInputs[g] = PortToTensorEntry{Tensor: t}
	}
	for i, d := range r.descriptors {
		if d.IsOptimizedOut() {
			continue
		}
		if d.IsFunctionCall() && *d.ReplacedBy != i {
			continue // borrowed call site: bound through the body instead
		}
		if err := r.bindGlobalParameters(i, false); err != nil {
			return fmt.Errorf("executor: binding global inputs for subgraph %d: %w", i, err)
		}
	}
	if r.pipelining {
		if err := r.prefillPipelineHeads(); err != nil {
			return err
		}
	}
	return nil
}

// prefillPipelineHeads unpacks closures onto the primary handle of every
// function body that owns a reserve, once per request before the first
// Step: with pipelining on, a body's own call site never runs the inline
// unpack in functionPrologue, and the overlap machinery only ever
// prepares the NEXT call site's reserve, so the body's first invocation
// would otherwise run with nothing but its update_required=false closures
// bound (4.5, "every function head").
func (r *Request) prefillPipelineHeads() error {
	for b, pl := range r.pipeline {
		if pl == nil || pl.Reserve == nil {
			continue
		}
		if err := r.unpackClosure(b, r.subrequests[b]); err != nil {
			return fmt.Errorf("executor: prefilling pipeline head %d: %w", b, err)
		}
	}
	return nil
}

// StartSubrequest runs one call site to completion: the function
// prologue (producer resolution, closure unpacking) when it invokes a
// body, the failover-guarded execution itself, and global-output
// publication (4.6).
func (r *Request) StartSubrequest(idx int) error {
	d := r.descriptors[idx]
	if d.IsOptimizedOut() {
		return nil
	}

	if d.IsFunctionCall() {
		if err := r.functionPrologue(idx); err != nil {
			return fmt.Errorf("executor: function prologue for call site %d: %w", idx, err)
		}
	}

	if err := r.runSubrequestForSuccess(idx); err != nil {
		return err
	}

	r.bindGlobalResults(idx)
	return nil
}

// CompleteSubrequest exists for interface symmetry with StartSubrequest;
// completion is synchronous inside StartSubrequest, so there is nothing
// left to do here.
func (r *Request) CompleteSubrequest(idx int) error {
	return nil
}

// CancelSubrequest cancels the body backing call site idx (Open Question
// 2: cancellation targets the body, not the call site, since a function
// call has no subrequest handle of its own).
func (r *Request) CancelSubrequest(idx int) error {
	realIdx := r.real(idx)
	h := r.subrequests[realIdx]
	if h == nil {
		return nil
	}
	return h.Cancel()
}

// QueryState reports the state of the body backing call site idx.
func (r *Request) QueryState(idx int) string {
	realIdx := r.real(idx)
	h := r.subrequests[realIdx]
	if h == nil {
		return "OPTIMIZED_OUT"
	}
	return h.QueryState()
}

// UpdateSubrequestLinks re-runs the wiring pass, used by callers that
// change closures or global bindings between steps outside the normal
// failover path.
func (r *Request) UpdateSubrequestLinks() error {
	return r.RewireAll()
}

// GlobalOutput returns the tensor bound to global output g after a
// completed Step pass, or false if nothing has produced it yet.
func (r *Request) GlobalOutput(g int) (tensor.Tensor, bool) {
	entry, ok := r.globalOutputs[g]
	return entry.Tensor, ok
}

// Run executes every call site in order, a full forward pass over the
// partitioned model (4.6's outer loop).
func (r *Request) Run() error {
	for i := range r.descriptors {
		if err := r.StartSubrequest(i); err != nil {
			return err
		}
	}
	return nil
}
