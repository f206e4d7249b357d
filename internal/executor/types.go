// Package executor implements the partitioned-inference request orchestrator:
// the data model that links subgraphs, the tensor-wiring algorithm, the
// per-step execution/pipelining state machine, the spatial-tiling loop, and
// the failover loop. It never compiles models, decides partitioning, or
// implements a tensor kernel itself — those are collaborator contracts.
package executor

import (
	"github.com/corvid-systems/nnexec/internal/device"
	"github.com/corvid-systems/nnexec/internal/tensor"
)

// SpatialParam names one input port that participates in spatial tiling,
// and which dimension of that input is tiled.
type SpatialParam struct {
	Idx int
	Dim int
}

// SpatialConfig describes tiled execution along a designated dimension.
// Range must equal NWay*NWayIters+TailSize.
type SpatialConfig struct {
	Params    []SpatialParam
	OutDim    int
	Range     int
	NWay      int
	NWayIters int
	TailSize  int
}

// HostGather directs a host-side gather into a closure slot before each
// call: gather(vocab=closure[SrcIdx-ParamBase], idx=input[IdxIdx],
// dst=closure[DstIdx-ParamBase]).
type HostGather struct {
	DstIdx int
	SrcIdx int
	IdxIdx int
}

// PortSpec describes the element type and shape of one input or output
// port, used for preallocating FuncallResult and SpatialIO buffers before
// any subrequest handle exists to ask.
type PortSpec struct {
	Elem  tensor.ElemType
	Shape []int
}

// SubgraphDescriptor is external, immutable-per-compile input describing
// one partition of the model.
type SubgraphDescriptor struct {
	// Compiled is the compiled executable for this subgraph, or nil if
	// this subgraph is either a function call (see ReplacedBy) or was
	// optimized out entirely.
	Compiled Compiler

	// ReplacedBy, when set, names the index of the function body this
	// subgraph invokes. ReplacedBy == self index means this descriptor IS
	// the body.
	ReplacedBy *int

	// Devices is the fallback-ordered device list for this subgraph's
	// body. Only meaningful when ReplacedBy == self or ReplacedBy == nil.
	Devices *device.Iterator

	// InputPorts/OutputPorts describe this subgraph's own ports when it is
	// a normal subgraph or a function body (ReplacedBy == self); they are
	// used to preallocate FuncallResult/SpatialIO buffers ahead of any
	// compiled handle existing.
	InputPorts  []PortSpec
	OutputPorts []PortSpec

	ParamBase int
	Closure   []tensor.Tensor
	// UpdateRequired[i] parallels Closure: whether Closure[i] must be
	// rebound per inference rather than bound once at construction.
	UpdateRequired []bool
	Scales         []*tensor.Tensor
	Zerops         []*tensor.Tensor

	HostGather *HostGather
	Spatial    *SpatialConfig
}

// IsOptimizedOut reports whether this subgraph has neither a compiled
// body nor a function-call target.
func (d *SubgraphDescriptor) IsOptimizedOut() bool {
	return d.Compiled == nil && d.ReplacedBy == nil
}

// IsFunctionCall reports whether this subgraph invokes a body other than,
// or including, itself.
func (d *SubgraphDescriptor) IsFunctionCall() bool {
	return d.ReplacedBy != nil
}

// OutputPort maps a local output-port index to the global port number a
// SubrequestHandle expects: input ports occupy [0, len(InputPorts)), and
// output ports are numbered right after them, so SetTensor/GetTensor can
// address either space through one int without colliding.
func (d *SubgraphDescriptor) OutputPort(outIdx int) int {
	return len(d.InputPorts) + outIdx
}

// LinkFrom identifies a tensor produced in-network: the output port of a
// subgraph invocation (call-site index, not body index).
type LinkFrom struct {
	Subgraph int
	Port     int
}

// FuncallResult holds preallocated output tensors for function-call call
// sites, keyed by call site rather than body, since one body may be
// invoked by many call sites concurrently overlapping via pipelining.
type FuncallResult map[LinkFrom]tensor.Tensor

// SubrequestGIO maps global I/O ports to this subgraph's own port
// numbering, populated once at construction from partitioning metadata.
type SubrequestGIO struct {
	GlobalParams  map[int]int // global_input_idx -> subrequest_input_idx
	GlobalResults map[int]int // global_output_idx -> subrequest_output_idx
}

// SpatialIO holds deferred bindings for spatial execution, keyed by the
// real (body) subgraph index. Tail buffers are allocated only when
// TailSize > 0.
type SpatialIO struct {
	Inputs      map[int]tensor.Tensor
	InputTails  map[int]tensor.Tensor
	Outputs     map[int]tensor.Tensor
	OutputTails map[int]tensor.Tensor
}

// PortToTensorEntry is one binding of a global port to a tensor, plus
// whether the request owns that memory (vs. borrowing it from a
// subrequest it must not outlive).
type PortToTensorEntry struct {
	Tensor  tensor.Tensor
	IsOwned bool
}

// FuncallPipeline holds the double-buffering state for one function body
// when pipelining is enabled: a reserve handle being prepared while the
// primary runs, and a pointer to the next call site that will reuse this
// body.
type FuncallPipeline struct {
	Reserve SubrequestHandle
	Next    *int
	// preparedFor is the call-site index the reserve handle is currently
	// loaded for, or -1 if nothing has been prepared yet.
	preparedFor int
}
