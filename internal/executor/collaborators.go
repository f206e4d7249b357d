package executor

import (
	"github.com/corvid-systems/nnexec/internal/device"
	"github.com/corvid-systems/nnexec/internal/tensor"
)

// SubrequestHandle is the capability set the core needs from one runnable
// instance of a compiled body. Implementations wrap whatever the
// accelerator plugin or a reference backend exposes.
type SubrequestHandle interface {
	SetTensor(port int, t tensor.Tensor)
	GetTensor(port int) tensor.Tensor
	StartAsync() error
	Wait() error
	Infer() error
	Cancel() error
	SetCallback(cb func(error))
	QueryState() string
	ProfilingInfo() []ProfileEntry
	Inputs() int
	Outputs() int
}

// ProfileEntry is one flat profiling record; node names are prefixed with
// "subgraph<i>: " by the executor before being returned to the caller.
type ProfileEntry struct {
	NodeName string
	RealTime float64
	CPUTime  float64
}

// SubrequestFactory creates handles for one subgraph's compiled body.
// Count is 2 when function-call pipelining is enabled (primary +
// reserve), 1 otherwise. Recompiled is true if the factory had to fall
// back to a different device than the one currently recorded on the
// descriptor, so the caller can log the refined device distribution.
type SubrequestFactory interface {
	Create(subIdx int, count int) (handles []SubrequestHandle, recompiled bool, err error)
}

// Compiler recompiles a subgraph's body for the next device in its
// fallback list. It returns false when no device remains.
type Compiler interface {
	CompileForSuccess(realIdx int) bool
}

// WeightsBank resolves a closure tensor to device-resident storage. Once
// bound for an update_required=false closure, the core treats the
// returned memory as immutable for the lifetime of the request.
type WeightsBank interface {
	Get(closure tensor.Tensor, dev device.Kind) (tensor.Tensor, error)
}

// CopyPolicy tells the binder whether a subgraph's device requires deep
// copies of globals/closures rather than bind-by-handle, asked fresh per
// invocation since device binding can change after recompilation.
type CopyPolicy interface {
	NeedsCopy(subIdx int) bool
}

// PartitionMeta is the wiring metadata the core consumes at construction,
// supplied by the partitioner/compiler stack.
type PartitionMeta struct {
	// GlobalInputsToSubgraphInputs[i] names which (subgraph, port)
	// consumes global input i, or nil if unused.
	GlobalInputsToSubgraphInputs []*LinkFrom
	// GlobalOutputsToSubgraphOutputs[i] names which (subgraph, port)
	// produces global output i.
	GlobalOutputsToSubgraphOutputs []LinkFrom
	// ParamSubscribers fans one global input out to every subgraph port
	// that consumes it.
	ParamSubscribers map[int][]LinkFrom
	// SubmodelInputToPrevOutput is the inter-subgraph link table:
	// consumer (sub,port) -> producer (sub,port).
	SubmodelInputToPrevOutput map[LinkFrom]LinkFrom
}

// Dumper persists input/output tensors for post-mortem debugging of a
// failed or retried subgraph execution. The default Dumper is a no-op.
type Dumper interface {
	DumpInputs(subIdx int, attempt int, h SubrequestHandle)
	DumpOutputs(subIdx int, attempt int, h SubrequestHandle)
}

// NopDumper implements Dumper by doing nothing.
type NopDumper struct{}

func (NopDumper) DumpInputs(int, int, SubrequestHandle)  {}
func (NopDumper) DumpOutputs(int, int, SubrequestHandle) {}
