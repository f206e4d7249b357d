// Package refbackend is a reference compiled-body implementation: a
// single RMSNorm-then-matvec layer, computed in plain float32. It exists
// so the executor core can be exercised end to end without a real NPU,
// GPU, or CUDA backend behind it, and so failover can be driven
// deterministically via FailNext.
package refbackend

import (
	"fmt"
	"math"
	"sync"

	"github.com/corvid-systems/nnexec/internal/device"
	"github.com/corvid-systems/nnexec/internal/executor"
	"github.com/corvid-systems/nnexec/internal/tensor"
)

// LayerSpec describes one compiled body: a single RMSNorm-then-matvec
// layer over hidden vectors. InputPorts/OutputPorts mirror the ports a
// real compiled model would expose; the norm and weight closures are
// read from the fixed ports listed below.
type LayerSpec struct {
	InputPorts  []executor.PortSpec
	OutputPorts []executor.PortSpec
	// HiddenSize/OutSize give the RMSNorm/matvec dimensions directly,
	// rather than re-deriving them from port shapes at every Infer.
	HiddenSize int
	OutSize    int
	Eps        float32
}

// Ports for every LayerSpec are fixed: input 0 is the hidden vector,
// input 1 is the RMSNorm weight closure, input 2 is the linear-layer
// weight closure (shape [OutSize, HiddenSize]); output 0 is the result.
const (
	portHidden = 0
	portNorm   = 1
	portWeight = 2
)

// Backend implements executor.SubrequestFactory, executor.Compiler, and
// executor.WeightsBank against an in-memory registry of LayerSpecs keyed
// by the body's real subgraph index.
type Backend struct {
	mu     sync.Mutex
	layers map[int]LayerSpec
	fail   map[int]int // remaining forced failures per real subgraph index
}

// New returns an empty Backend. Call Register for every real (body)
// subgraph index before building an executor.Request against it.
func New() *Backend {
	return &Backend{layers: map[int]LayerSpec{}, fail: map[int]int{}}
}

// Register associates a body's ports with realIdx.
func (b *Backend) Register(realIdx int, spec LayerSpec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.layers[realIdx] = spec
}

// FailNext arranges for the next n Infer calls issued against realIdx's
// body to fail, regardless of which device it is nominally bound to.
// Used to drive the failover loop deterministically in tests: the
// executor retries on the next device, and the (n+1)th attempt runs
// clean.
func (b *Backend) FailNext(realIdx int, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[realIdx] += n
}

func (b *Backend) takeFailure(realIdx int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail[realIdx] > 0 {
		b.fail[realIdx]--
		return true
	}
	return false
}

// Create implements executor.SubrequestFactory.
func (b *Backend) Create(subIdx int, count int) ([]executor.SubrequestHandle, bool, error) {
	b.mu.Lock()
	spec, ok := b.layers[subIdx]
	b.mu.Unlock()
	if !ok {
		return nil, false, fmt.Errorf("refbackend: no layer registered for subgraph %d", subIdx)
	}

	handles := make([]executor.SubrequestHandle, count)
	for i := range handles {
		handles[i] = newHandle(b, subIdx, spec)
	}
	return handles, false, nil
}

// CompileForSuccess implements executor.Compiler: the reference backend
// never truly runs out of capacity, so recompilation for the next device
// always succeeds as long as the layer is registered.
func (b *Backend) CompileForSuccess(realIdx int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.layers[realIdx]
	return ok
}

// Get implements executor.WeightsBank: closures are already
// device-agnostic float32, so binding is an identity passthrough.
func (b *Backend) Get(closure tensor.Tensor, dev device.Kind) (tensor.Tensor, error) {
	return closure, nil
}

// AlwaysCopy implements executor.CopyPolicy by requiring deep copies for
// every subgraph, exercising the copy-on-bind path of
// bindGlobalParameters/unpackClosure.
type AlwaysCopy struct{}

func (AlwaysCopy) NeedsCopy(int) bool { return true }

// NeverCopy implements executor.CopyPolicy by always binding by handle.
type NeverCopy struct{}

func (NeverCopy) NeedsCopy(int) bool { return false }

func readF32(t tensor.Tensor, i int) float32 {
	off := (t.Base + i) * 4
	return math.Float32frombits(
		uint32(t.Data[off]) | uint32(t.Data[off+1])<<8 | uint32(t.Data[off+2])<<16 | uint32(t.Data[off+3])<<24,
	)
}

func writeF32(t tensor.Tensor, i int, v float32) {
	bits := math.Float32bits(v)
	off := (t.Base + i) * 4
	t.Data[off] = byte(bits)
	t.Data[off+1] = byte(bits >> 8)
	t.Data[off+2] = byte(bits >> 16)
	t.Data[off+3] = byte(bits >> 24)
}

// rmsNorm writes norm(x)*weight into dst, all length n float32 vectors.
func rmsNorm(dst, x, weight tensor.Tensor, n int, eps float32) {
	var sumSq float32
	for i := 0; i < n; i++ {
		v := readF32(x, i)
		sumSq += v * v
	}
	scale := float32(1.0 / math.Sqrt(float64(sumSq/float32(n)+eps)))
	for i := 0; i < n; i++ {
		writeF32(dst, i, readF32(x, i)*scale*readF32(weight, i))
	}
}

// matVec computes dst = w*x where w is [out,in] row-major and x is [in].
func matVec(dst, w, x tensor.Tensor, out, in int) {
	for o := 0; o < out; o++ {
		var sum float32
		base := o * in
		for i := 0; i < in; i++ {
			sum += readF32(w, base+i) * readF32(x, i)
		}
		writeF32(dst, o, sum)
	}
}
