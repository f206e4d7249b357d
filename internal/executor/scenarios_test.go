package executor

import (
	"errors"
	"testing"

	"github.com/corvid-systems/nnexec/internal/device"
	"github.com/corvid-systems/nnexec/internal/logger"
	"github.com/corvid-systems/nnexec/internal/refbackend"
	"github.com/corvid-systems/nnexec/internal/tensor"
)

// closureEchoHandle is a minimal SubrequestHandle double for pipeline
// tests: Infer copies whatever sits at the closure port (port 1) to the
// output port (port 2), so a test can read back which closure a given
// invocation actually ran with.
type closureEchoHandle struct {
	ports map[int]tensor.Tensor
}

func newClosureEchoHandle() *closureEchoHandle {
	return &closureEchoHandle{ports: map[int]tensor.Tensor{}}
}

func (h *closureEchoHandle) SetTensor(port int, t tensor.Tensor) { h.ports[port] = t }
func (h *closureEchoHandle) GetTensor(port int) tensor.Tensor    { return h.ports[port] }
func (h *closureEchoHandle) StartAsync() error                   { return nil }
func (h *closureEchoHandle) Wait() error                         { return h.Infer() }
func (h *closureEchoHandle) Infer() error {
	tensor.CopyInto(h.ports[2], h.ports[1])
	return nil
}
func (h *closureEchoHandle) Cancel() error                { return nil }
func (h *closureEchoHandle) SetCallback(func(error))       {}
func (h *closureEchoHandle) QueryState() string            { return "IDLE" }
func (h *closureEchoHandle) ProfilingInfo() []ProfileEntry { return nil }
func (h *closureEchoHandle) Inputs() int                   { return 2 }
func (h *closureEchoHandle) Outputs() int                  { return 1 }

// identityHandle copies its sole input port to its sole output port,
// used for the plain (non-function-call) producer in pipeline tests.
type identityHandle struct {
	ports map[int]tensor.Tensor
}

func newIdentityHandle() *identityHandle { return &identityHandle{ports: map[int]tensor.Tensor{}} }

func (h *identityHandle) SetTensor(port int, t tensor.Tensor) { h.ports[port] = t }
func (h *identityHandle) GetTensor(port int) tensor.Tensor    { return h.ports[port] }
func (h *identityHandle) StartAsync() error                   { return nil }
func (h *identityHandle) Wait() error                         { return h.Infer() }
func (h *identityHandle) Infer() error {
	tensor.CopyInto(h.ports[1], h.ports[0])
	return nil
}
func (h *identityHandle) Cancel() error                { return nil }
func (h *identityHandle) SetCallback(func(error))       {}
func (h *identityHandle) QueryState() string            { return "IDLE" }
func (h *identityHandle) ProfilingInfo() []ProfileEntry { return nil }
func (h *identityHandle) Inputs() int                   { return 1 }
func (h *identityHandle) Outputs() int                  { return 1 }

type fakeFactory struct {
	handles map[int][]SubrequestHandle
}

func (f *fakeFactory) Create(subIdx int, count int) ([]SubrequestHandle, bool, error) {
	hs, ok := f.handles[subIdx]
	if !ok || len(hs) < count {
		return nil, false, errors.New("fakeFactory: no handles registered")
	}
	return hs[:count], false, nil
}

type fakeCompiler struct{ ok bool }

func (c fakeCompiler) CompileForSuccess(int) bool { return c.ok }

type fakeBank struct{}

func (fakeBank) Get(t tensor.Tensor, dev device.Kind) (tensor.Tensor, error) { return t, nil }

func fakeVec(n int, v float32) tensor.Tensor {
	t := tensor.New(tensor.F32, []int{n})
	for i := 0; i < n; i++ {
		setF32(t, i, v)
	}
	return t
}

// TestPipelineSwapUsesCallSiteNotBodyIndex exercises spec scenario 2: a
// normal producer (0) feeds a function body (1, the head, its own call
// site) and a second call site (2) that borrows the body. Both carry
// distinct dynamic closures. The regression this guards is the swap
// decision at the end of unsafeRunThisPrepNext: it must consult
// pipeline[idx].Next (idx being the call site that just ran), not
// pipeline[realIdx].Next, which stays permanently non-nil once any
// second call site exists and would cause an extra, incorrect swap
// after the body's last call site in the chain.
func TestPipelineSwapUsesCallSiteNotBodyIndex(t *testing.T) {
	t.Parallel()
	const n = 2

	producer := newIdentityHandle()
	// A real compiled handle owns its output storage already; this double
	// needs it pre-seeded since Infer writes in place.
	producer.SetTensor(1, tensor.New(tensor.F32, []int{n}))
	h1 := newClosureEchoHandle()
	h2 := newClosureEchoHandle()

	one := 1
	producerDesc := &SubgraphDescriptor{
		Compiled:    fakeCompiler{ok: true},
		Devices:     device.NewIterator([]device.Kind{device.CPU}),
		InputPorts:  []PortSpec{{Elem: tensor.F32, Shape: []int{n}}},
		OutputPorts: []PortSpec{{Elem: tensor.F32, Shape: []int{n}}},
	}
	bodyDesc := &SubgraphDescriptor{
		ReplacedBy:     &one,
		Compiled:       fakeCompiler{ok: true},
		Devices:        device.NewIterator([]device.Kind{device.CPU}),
		InputPorts:     []PortSpec{{Elem: tensor.F32, Shape: []int{n}}, {Elem: tensor.F32, Shape: []int{n}}},
		OutputPorts:    []PortSpec{{Elem: tensor.F32, Shape: []int{n}}},
		ParamBase:      1,
		Closure:        []tensor.Tensor{fakeVec(n, 10)},
		UpdateRequired: []bool{true},
	}
	call2Desc := &SubgraphDescriptor{
		ReplacedBy:     &one,
		ParamBase:      1,
		Closure:        []tensor.Tensor{fakeVec(n, 20)},
		UpdateRequired: []bool{true},
	}

	factory := &fakeFactory{handles: map[int][]SubrequestHandle{
		0: {producer},
		1: {h1, h2},
	}}

	req, err := New(Options{
		Descriptors: []*SubgraphDescriptor{producerDesc, bodyDesc, call2Desc},
		Meta: PartitionMeta{
			GlobalInputsToSubgraphInputs: []*LinkFrom{{Subgraph: 0, Port: 0}},
			SubmodelInputToPrevOutput: map[LinkFrom]LinkFrom{
				{Subgraph: 1, Port: 0}: {Subgraph: 0, Port: 0},
				{Subgraph: 2, Port: 0}: {Subgraph: 0, Port: 0},
			},
		},
		Factory:    factory,
		Compiler:   fakeCompiler{ok: true},
		Bank:       fakeBank{},
		CopyPolicy: refbackend.NeverCopy{},
		Pipelining: true,
		Logger:     logger.Default(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := req.PrepareForInfer(map[int]tensor.Tensor{0: fakeVec(n, 1)}); err != nil {
		t.Fatalf("PrepareForInfer: %v", err)
	}
	if err := req.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out1 := req.funcallResult[LinkFrom{1, 0}]
	out2 := req.funcallResult[LinkFrom{2, 0}]
	if f32At(out1, 0) != 10 {
		t.Fatalf("call site 1 (the head) should have run with closure value 10, got %v", f32At(out1, 0))
	}
	if f32At(out2, 0) != 20 {
		t.Fatalf("call site 2 should have run with closure value 20, got %v", f32At(out2, 0))
	}

	if req.subrequests[1] != h2 {
		t.Fatalf("after call site 2 (the chain's last call site, with no .Next), the body's " +
			"primary handle must stay the one that just ran call site 2: no further swap is due")
	}
}

// spatialHandle is an identity body for exercising the tiled execution
// loop: whatever is bound at input port 0 is copied to output port 0 on
// Infer, so a tiled run reconstructs the original tensor exactly when
// SpatialIO is stitched back together correctly.
type spatialHandle struct {
	ports map[int]tensor.Tensor
}

func (h *spatialHandle) SetTensor(port int, t tensor.Tensor) {
	if h.ports == nil {
		h.ports = map[int]tensor.Tensor{}
	}
	h.ports[port] = t
}
func (h *spatialHandle) GetTensor(port int) tensor.Tensor { return h.ports[port] }
func (h *spatialHandle) StartAsync() error                { return nil }
func (h *spatialHandle) Wait() error                      { return nil }
func (h *spatialHandle) Infer() error {
	tensor.CopyInto(h.ports[1], h.ports[0])
	return nil
}
func (h *spatialHandle) Cancel() error                { return nil }
func (h *spatialHandle) SetCallback(func(error))       {}
func (h *spatialHandle) QueryState() string            { return "IDLE" }
func (h *spatialHandle) ProfilingInfo() []ProfileEntry { return nil }
func (h *spatialHandle) Inputs() int                   { return 1 }
func (h *spatialHandle) Outputs() int                  { return 1 }

// TestSpatialRoundTripWithTail exercises spec scenario 3: range=10,
// nway=4, nway_iters=2, tail_size=2, identity body. The tail pathway
// (input-tail copy-in, output-tail copy-out) must reconstruct the full
// range exactly.
func TestSpatialRoundTripWithTail(t *testing.T) {
	t.Parallel()
	const nway, iters, tail, rng = 4, 2, 2, 10

	h := &spatialHandle{}
	proto := &SubgraphDescriptor{
		InputPorts:  []PortSpec{{Elem: tensor.F32, Shape: []int{nway}}},
		OutputPorts: []PortSpec{{Elem: tensor.F32, Shape: []int{nway}}},
		Spatial: &SpatialConfig{
			Params:    []SpatialParam{{Idx: 0, Dim: 0}},
			OutDim:    0,
			Range:     rng,
			NWay:      nway,
			NWayIters: iters,
			TailSize:  tail,
		},
	}

	req := &Request{
		descriptors: []*SubgraphDescriptor{proto},
		subrequests: []SubrequestHandle{h},
	}
	input := tensor.New(tensor.F32, []int{rng})
	for i := 0; i < rng; i++ {
		setF32(input, i, float32(i))
	}
	output := tensor.New(tensor.F32, []int{rng})

	req.spatialIO = map[int]*SpatialIO{
		0: {
			Inputs:      map[int]tensor.Tensor{0: input},
			InputTails:  map[int]tensor.Tensor{0: tensor.New(tensor.F32, []int{nway})},
			Outputs:     map[int]tensor.Tensor{0: output},
			OutputTails: map[int]tensor.Tensor{0: tensor.New(tensor.F32, []int{nway})},
		},
	}

	if err := req.unsafeInfer(0); err != nil {
		t.Fatalf("unsafeInfer: %v", err)
	}
	for i := 0; i < rng; i++ {
		if f32At(output, i) != float32(i) {
			t.Fatalf("index %d: expected %v, got %v", i, i, f32At(output, i))
		}
	}
}

type alwaysFailHandle struct{ ports map[int]tensor.Tensor }

func newAlwaysFailHandle() *alwaysFailHandle { return &alwaysFailHandle{ports: map[int]tensor.Tensor{}} }

func (h *alwaysFailHandle) SetTensor(port int, t tensor.Tensor) { h.ports[port] = t }
func (h *alwaysFailHandle) GetTensor(port int) tensor.Tensor    { return h.ports[port] }
func (h *alwaysFailHandle) StartAsync() error                  { return nil }
func (h *alwaysFailHandle) Wait() error                         { return h.Infer() }
func (h *alwaysFailHandle) Infer() error {
	return errors.New("alwaysFailHandle: injected failure")
}
func (h *alwaysFailHandle) Cancel() error                { return nil }
func (h *alwaysFailHandle) SetCallback(func(error))       {}
func (h *alwaysFailHandle) QueryState() string            { return "ERROR" }
func (h *alwaysFailHandle) ProfilingInfo() []ProfileEntry { return nil }
func (h *alwaysFailHandle) Inputs() int                   { return 1 }
func (h *alwaysFailHandle) Outputs() int                  { return 1 }

// TestFatalFailoverNamesSubgraph exercises spec scenario 5: the device
// list is exhausted on the first failure, so the caller must receive an
// ExecutionError naming the failing body and unwrapping to
// ErrNoDeviceLeft.
func TestFatalFailoverNamesSubgraph(t *testing.T) {
	t.Parallel()
	const n = 2

	backend := newAlwaysFailHandle()
	desc := &SubgraphDescriptor{
		Compiled:    fakeCompiler{ok: true},
		Devices:     device.NewIterator([]device.Kind{device.NPU}),
		InputPorts:  []PortSpec{{Elem: tensor.F32, Shape: []int{n}}},
		OutputPorts: []PortSpec{{Elem: tensor.F32, Shape: []int{n}}},
	}

	req, err := New(Options{
		Descriptors: []*SubgraphDescriptor{desc},
		Meta:        PartitionMeta{GlobalInputsToSubgraphInputs: []*LinkFrom{{Subgraph: 0, Port: 0}}},
		Factory:     &fakeFactory{handles: map[int][]SubrequestHandle{0: {backend}}},
		Compiler:    fakeCompiler{ok: false},
		Bank:        fakeBank{},
		CopyPolicy:  refbackend.NeverCopy{},
		Logger:      logger.Default(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := req.PrepareForInfer(map[int]tensor.Tensor{0: fakeVec(n, 1)}); err != nil {
		t.Fatalf("PrepareForInfer: %v", err)
	}

	err = req.Run()
	if err == nil {
		t.Fatalf("expected a fatal error, got nil")
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %v (%T)", err, err)
	}
	if execErr.SubgraphIdx != 0 {
		t.Fatalf("expected error to name subgraph 0, got %d", execErr.SubgraphIdx)
	}
	if !errors.Is(err, ErrNoDeviceLeft) {
		t.Fatalf("expected error to unwrap to ErrNoDeviceLeft")
	}
}

// headEchoHandle reports, via SetTensor call counts on its closure port,
// how many times its input was (re)bound.
type headEchoHandle struct {
	ports       map[int]tensor.Tensor
	closurePort int
	closureSets int
}

func newHeadEchoHandle(closurePort int) *headEchoHandle {
	return &headEchoHandle{ports: map[int]tensor.Tensor{}, closurePort: closurePort}
}

func (h *headEchoHandle) SetTensor(port int, t tensor.Tensor) {
	h.ports[port] = t
	if port == h.closurePort {
		h.closureSets++
	}
}
func (h *headEchoHandle) GetTensor(port int) tensor.Tensor { return h.ports[port] }
func (h *headEchoHandle) StartAsync() error                { return nil }
func (h *headEchoHandle) Wait() error                      { return h.Infer() }
func (h *headEchoHandle) Infer() error                     { return nil }
func (h *headEchoHandle) Cancel() error                     { return nil }
func (h *headEchoHandle) SetCallback(func(error))           {}
func (h *headEchoHandle) QueryState() string                { return "IDLE" }
func (h *headEchoHandle) ProfilingInfo() []ProfileEntry      { return nil }
func (h *headEchoHandle) Inputs() int                        { return 2 }
func (h *headEchoHandle) Outputs() int                       { return 1 }

// TestPipelineHeadPrefillUnpacksOnce exercises spec scenario 6 for a
// pipelined body whose only call site is its own head: a dynamic
// closure (update_required set) whose element type differs from the
// body's port takes the unpack rule, so it must be bound by
// prefillPipelineHeads exactly once before the first Step and never
// rebound by SetTensor on later StartSubrequest calls (the in-place
// unpack writes through the port's own backing tensor, not via
// SetTensor, so repeated unpacking would show up there instead).
func TestPipelineHeadPrefillUnpacksOnce(t *testing.T) {
	t.Parallel()
	const n = 2
	const closurePort = 1

	primary := newHeadEchoHandle(closurePort)
	reserve := newHeadEchoHandle(closurePort)
	// A real compiled handle already owns backing storage at every port;
	// the in-place unpack writes into that storage rather than calling
	// SetTensor, so the destination must pre-exist.
	primary.SetTensor(closurePort, tensor.New(tensor.F32, []int{n}))
	reserve.SetTensor(closurePort, tensor.New(tensor.F32, []int{n}))
	primary.closureSets = 0
	reserve.closureSets = 0

	zero := 0
	bodyDesc := &SubgraphDescriptor{
		ReplacedBy:     &zero,
		Devices:        device.NewIterator([]device.Kind{device.CPU}),
		InputPorts:     []PortSpec{{Elem: tensor.F32, Shape: []int{n}}, {Elem: tensor.F32, Shape: []int{n}}},
		OutputPorts:    []PortSpec{{Elem: tensor.F32, Shape: []int{n}}},
		ParamBase:      1,
		Closure:        []tensor.Tensor{{Elem: tensor.U8, Shape: []int{n}, Strides: []int{1}, Data: []byte{4, 8}}},
		UpdateRequired: []bool{true},
	}

	factory := &fakeFactory{handles: map[int][]SubrequestHandle{0: {primary, reserve}}}

	req, err := New(Options{
		Descriptors: []*SubgraphDescriptor{bodyDesc},
		Factory:     factory,
		Compiler:    fakeCompiler{ok: true},
		Bank:        fakeBank{},
		CopyPolicy:  refbackend.NeverCopy{},
		Pipelining:  true,
		Logger:      logger.Default(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := req.PrepareForInfer(nil); err != nil {
		t.Fatalf("PrepareForInfer: %v", err)
	}
	bound := primary.GetTensor(closurePort)
	if f32At(bound, 0) != 4 || f32At(bound, 1) != 8 {
		t.Fatalf("head prefill should have unpacked the closure onto the primary, got %v,%v", f32At(bound, 0), f32At(bound, 1))
	}

	if err := req.StartSubrequest(0); err != nil {
		t.Fatalf("StartSubrequest: %v", err)
	}
	if err := req.StartSubrequest(0); err != nil {
		t.Fatalf("StartSubrequest (second run): %v", err)
	}
	if primary.closureSets != 0 {
		t.Fatalf("closure port should never be rebound by SetTensor: got %d SetTensor calls on it", primary.closureSets)
	}
}

// closureCountingHandle counts GetTensor calls on one port, used to
// detect an in-place unpack (which reads the destination via GetTensor
// and writes through it, never via SetTensor).
type closureCountingHandle struct {
	ports       map[int]tensor.Tensor
	closurePort int
	closureGets int
}

func newClosureCountingHandle(closurePort int) *closureCountingHandle {
	return &closureCountingHandle{ports: map[int]tensor.Tensor{}, closurePort: closurePort}
}

func (h *closureCountingHandle) SetTensor(port int, t tensor.Tensor) { h.ports[port] = t }
func (h *closureCountingHandle) GetTensor(port int) tensor.Tensor {
	if port == h.closurePort {
		h.closureGets++
	}
	return h.ports[port]
}
func (h *closureCountingHandle) StartAsync() error                  { return nil }
func (h *closureCountingHandle) Wait() error                        { return h.Infer() }
func (h *closureCountingHandle) Infer() error                       { return nil }
func (h *closureCountingHandle) Cancel() error                      { return nil }
func (h *closureCountingHandle) SetCallback(func(error))            {}
func (h *closureCountingHandle) QueryState() string                 { return "IDLE" }
func (h *closureCountingHandle) ProfilingInfo() []ProfileEntry      { return nil }
func (h *closureCountingHandle) Inputs() int                        { return 2 }
func (h *closureCountingHandle) Outputs() int                       { return 1 }

// TestStaticScaledClosureUnpacksOnceAtConstruction exercises spec
// scenario 6 for a closure with update_required=false and a scale
// present: the dequantize must happen once, at construction, and a
// non-pipelined body's later StartSubrequest calls (which run
// unpackClosure inline every time) must never touch it again now that
// unpackClosure's elem-mismatch rule is gated on update_required.
func TestStaticScaledClosureUnpacksOnceAtConstruction(t *testing.T) {
	t.Parallel()
	const n = 2
	const closurePort = 1

	primary := newClosureCountingHandle(closurePort)
	// A real compiled handle already owns backing storage at every port;
	// the in-place unpack writes into that storage rather than calling
	// SetTensor, so the destination must pre-exist.
	primary.SetTensor(closurePort, tensor.New(tensor.F32, []int{n}))

	zero := 0
	scale := fakeVec(1, 10)
	bodyDesc := &SubgraphDescriptor{
		ReplacedBy:     &zero,
		Devices:        device.NewIterator([]device.Kind{device.CPU}),
		InputPorts:     []PortSpec{{Elem: tensor.F32, Shape: []int{n}}, {Elem: tensor.F32, Shape: []int{n}}},
		OutputPorts:    []PortSpec{{Elem: tensor.F32, Shape: []int{n}}},
		ParamBase:      1,
		Closure:        []tensor.Tensor{{Elem: tensor.U8, Shape: []int{n}, Strides: []int{1}, Data: []byte{2, 4}}},
		UpdateRequired: []bool{false},
		Scales:         []*tensor.Tensor{&scale},
	}

	factory := &fakeFactory{handles: map[int][]SubrequestHandle{0: {primary}}}

	req, err := New(Options{
		Descriptors: []*SubgraphDescriptor{bodyDesc},
		Factory:     factory,
		Compiler:    fakeCompiler{ok: true},
		Bank:        fakeBank{},
		CopyPolicy:  refbackend.NeverCopy{},
		Logger:      logger.Default(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if primary.closureGets != 1 {
		t.Fatalf("construction should dequantize the static closure exactly once, got %d GetTensor calls on its port", primary.closureGets)
	}
	bound := primary.ports[closurePort]
	if f32At(bound, 0) != 20 || f32At(bound, 1) != 40 {
		t.Fatalf("expected the closure scaled by 10 (2,4 -> 20,40), got %v,%v", f32At(bound, 0), f32At(bound, 1))
	}

	if err := req.PrepareForInfer(nil); err != nil {
		t.Fatalf("PrepareForInfer: %v", err)
	}
	if err := req.StartSubrequest(0); err != nil {
		t.Fatalf("StartSubrequest: %v", err)
	}
	if err := req.StartSubrequest(0); err != nil {
		t.Fatalf("StartSubrequest (second run): %v", err)
	}
	if primary.closureGets != 1 {
		t.Fatalf("running inference twice must not re-invoke the unpack: got %d GetTensor calls on the closure port", primary.closureGets)
	}
}
