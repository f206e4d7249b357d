package executor

import (
	"fmt"

	"github.com/corvid-systems/nnexec/internal/device"
	"github.com/corvid-systems/nnexec/internal/logger"
	"github.com/corvid-systems/nnexec/internal/tensor"
)

// Request is the per-inference runtime state: the data model that links
// subgraphs, the tensor-wiring algorithm, the per-step execution/
// pipelining state machine, the spatial-tiling loop, and the failover
// loop. All state is constructed here and lives until the Request is
// discarded; subrequest handles may be recreated mid-run on failover, and
// wiring is rebuilt immediately after (see RewireAll).
type Request struct {
	descriptors []*SubgraphDescriptor
	meta        PartitionMeta
	factory     SubrequestFactory
	compiler    Compiler
	bank        WeightsBank
	copyPolicy  CopyPolicy
	dumper      Dumper
	log         logger.Logger
	pipelining  bool

	subrequests       []SubrequestHandle // nil for optimized-out and borrowed call sites
	subrequestDevices []device.Kind
	pipeline          []*FuncallPipeline // indexed by call-site idx; only heads carry Reserve
	funcallResult     FuncallResult
	gio               []*SubrequestGIO
	spatialIO         map[int]*SpatialIO // keyed by real (body) idx

	globalInputs  map[int]PortToTensorEntry
	globalOutputs map[int]PortToTensorEntry
}

// Options configures a new Request.
type Options struct {
	Descriptors []*SubgraphDescriptor
	Meta        PartitionMeta
	Factory     SubrequestFactory
	Compiler    Compiler
	Bank        WeightsBank
	CopyPolicy  CopyPolicy
	Dumper      Dumper
	Logger      logger.Logger
	Pipelining  bool
}

// New constructs a Request, creating subrequest handles and preallocating
// FuncallResult and SpatialIO buffers (invariants 2 and 3).
func New(opts Options) (*Request, error) {
	n := len(opts.Descriptors)
	dumper := opts.Dumper
	if dumper == nil {
		dumper = NopDumper{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	r := &Request{
		descriptors:       opts.Descriptors,
		meta:              opts.Meta,
		factory:           opts.Factory,
		compiler:          opts.Compiler,
		bank:              opts.Bank,
		copyPolicy:        opts.CopyPolicy,
		dumper:            dumper,
		log:               log,
		pipelining:        opts.Pipelining,
		subrequests:       make([]SubrequestHandle, n),
		subrequestDevices: make([]device.Kind, n),
		pipeline:          make([]*FuncallPipeline, n),
		funcallResult:     FuncallResult{},
		gio:               make([]*SubrequestGIO, n),
		spatialIO:         map[int]*SpatialIO{},
		globalInputs:      map[int]PortToTensorEntry{},
		globalOutputs:     map[int]PortToTensorEntry{},
	}

	prevCallSiteForBody := map[int]int{}

	for i := 0; i < n; i++ {
		d := r.descriptors[i]
		logger.WithSubgraph(r.log, i).Debug("creating subrequest")

		if d.IsOptimizedOut() {
			logger.WithSubgraph(r.log, i).Info("subgraph optimized out")
			continue
		}

		if d.IsFunctionCall() {
			realIdx := *d.ReplacedBy
			proto := r.descriptors[realIdx]

			if prev, ok := prevCallSiteForBody[realIdx]; ok {
				if r.pipeline[prev] == nil {
					r.pipeline[prev] = &FuncallPipeline{preparedFor: -1}
				}
				next := i
				r.pipeline[prev].Next = &next
			}
			prevCallSiteForBody[realIdx] = i

			if err := r.preallocateSpatial(realIdx, proto); err != nil {
				return nil, err
			}
			for outIdx, spec := range proto.OutputPorts {
				shape := append([]int(nil), spec.Shape...)
				if proto.Spatial != nil {
					shape[proto.Spatial.OutDim] = proto.Spatial.Range
				}
				r.funcallResult[LinkFrom{i, outIdx}] = tensor.New(spec.Elem, shape)
			}

			if realIdx != i {
				// Borrowed call site: the body's own handle will be used.
				continue
			}
		}

		count := 1
		if r.pipelining && d.IsFunctionCall() {
			count = 2
		}
		handles, recompiled, err := r.factory.Create(i, count)
		if err != nil {
			return nil, fmt.Errorf("executor: creating subrequest for subgraph %d: %w", i, err)
		}
		if recompiled {
			logger.WithSubgraph(r.log, i).Warn("subgraph recompiled to a fallback device at construction")
		}
		r.subrequests[i] = handles[0]
		r.subrequestDevices[i] = d.Devices.EnsureStarted()
		if d.IsFunctionCall() && r.pipelining {
			if r.pipeline[i] == nil {
				r.pipeline[i] = &FuncallPipeline{preparedFor: -1}
			}
			r.pipeline[i].Reserve = handles[1]
			r.pipeline[i].preparedFor = -1
		}

		r.gio[i] = r.buildGIO(i)
		if err := r.bindStaticClosures(i, handles[0], d); err != nil {
			return nil, err
		}
	}

	if err := r.RewireAll(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Request) preallocateSpatial(realIdx int, proto *SubgraphDescriptor) error {
	if proto.Spatial == nil {
		return nil
	}
	if _, exists := r.spatialIO[realIdx]; exists {
		return nil
	}
	io := &SpatialIO{
		Inputs:      map[int]tensor.Tensor{},
		InputTails:  map[int]tensor.Tensor{},
		Outputs:     map[int]tensor.Tensor{},
		OutputTails: map[int]tensor.Tensor{},
	}
	if proto.Spatial.TailSize > 0 {
		for _, p := range proto.Spatial.Params {
			if p.Idx >= len(proto.InputPorts) {
				return fmt.Errorf("executor: spatial param idx %d out of range for subgraph %d", p.Idx, realIdx)
			}
			spec := proto.InputPorts[p.Idx]
			io.InputTails[p.Idx] = tensor.New(spec.Elem, spec.Shape)
		}
		for outIdx, spec := range proto.OutputPorts {
			io.OutputTails[outIdx] = tensor.New(spec.Elem, spec.Shape)
		}
	}
	r.spatialIO[realIdx] = io
	return nil
}

// buildGIO populates SubrequestGIO from partitioning metadata for
// subgraph i.
func (r *Request) buildGIO(i int) *SubrequestGIO {
	gio := &SubrequestGIO{GlobalParams: map[int]int{}, GlobalResults: map[int]int{}}
	for g, link := range r.meta.GlobalInputsToSubgraphInputs {
		if link != nil && link.Subgraph == i {
			gio.GlobalParams[g] = link.Port
		}
	}
	// Fan-out: one global input may feed several subgraph ports beyond
	// the primary link above (e.g. the same weight shared by multiple
	// partitions).
	for g, subs := range r.meta.ParamSubscribers {
		for _, link := range subs {
			if link.Subgraph == i {
				gio.GlobalParams[g] = link.Port
			}
		}
	}
	for g, link := range r.meta.GlobalOutputsToSubgraphOutputs {
		if link.Subgraph == i {
			gio.GlobalResults[g] = link.Port
		}
	}
	return gio
}

// bindStaticClosures binds update_required=false closures exactly once,
// through the weights bank, at construction (invariant 5). The bank
// resolves a closure to device-resident storage but knows nothing of
// scales/zerops, so a static closure whose element type still differs
// from its port after that resolution is dequantized here, once, rather
// than by unpackClosure's per-call rule A, which only ever fires for
// update_required=true closures.
func (r *Request) bindStaticClosures(i int, h SubrequestHandle, d *SubgraphDescriptor) error {
	for c, t := range d.Closure {
		if d.UpdateRequired[c] {
			continue
		}
		bound, err := r.bank.Get(t, r.subrequestDevices[i])
		if err != nil {
			return fmt.Errorf("executor: binding static closure %d for subgraph %d: %w", c, i, err)
		}
		port := d.ParamBase + c
		wantElem := d.InputPorts[port].Elem
		if bound.Elem != wantElem {
			logger.WithSubgraph(r.log, i).Debug("dequantizing static closure at construction",
				"closure", c, "from", bound.Elem, "to", wantElem)
			if err := r.dispatchUnpack(d, c, bound, h.GetTensor(port)); err != nil {
				return fmt.Errorf("executor: dequantizing static closure %d for subgraph %d: %w", c, i, err)
			}
			continue
		}
		h.SetTensor(port, bound)
	}
	return nil
}

// real returns the body index that executes on behalf of call-site idx.
func (r *Request) real(idx int) int {
	d := r.descriptors[idx]
	if d.ReplacedBy != nil {
		return *d.ReplacedBy
	}
	return idx
}

func (r *Request) next(idx int) int {
	return (idx + 1) % len(r.descriptors)
}

// TotalSubrequests returns the number of subgraphs in this request.
func (r *Request) TotalSubrequests() int {
	return len(r.descriptors)
}

// SupportsAsyncPipeline always returns false: each top-level inference
// call is synchronous from the caller's perspective.
func (r *Request) SupportsAsyncPipeline() bool {
	return false
}
