package refbackend

import (
	"fmt"

	"github.com/corvid-systems/nnexec/internal/device"
	"github.com/corvid-systems/nnexec/internal/executor"
	"github.com/corvid-systems/nnexec/internal/tensor"
)

type handle struct {
	backend *Backend
	realIdx int
	spec    LayerSpec
	ports   map[int]tensor.Tensor
	state   string
	cb      func(error)
	dev     device.Kind
}

func newHandle(b *Backend, realIdx int, spec LayerSpec) *handle {
	h := &handle{backend: b, realIdx: realIdx, spec: spec, ports: map[int]tensor.Tensor{}, state: "IDLE", dev: device.CPU}
	for i, p := range spec.InputPorts {
		h.ports[i] = tensor.New(p.Elem, p.Shape)
	}
	outBase := len(spec.InputPorts)
	for i, p := range spec.OutputPorts {
		h.ports[outBase+i] = tensor.New(p.Elem, p.Shape)
	}
	return h
}

func (h *handle) SetTensor(port int, t tensor.Tensor) { h.ports[port] = t }

func (h *handle) GetTensor(port int) tensor.Tensor {
	t, ok := h.ports[port]
	if !ok {
		panic(fmt.Sprintf("refbackend: GetTensor called on unbound port %d", port))
	}
	return t
}

func (h *handle) StartAsync() error {
	h.state = "BUSY"
	return nil
}

func (h *handle) Wait() error {
	err := h.run()
	h.state = "IDLE"
	return err
}

func (h *handle) Infer() error {
	h.state = "BUSY"
	err := h.run()
	h.state = "IDLE"
	if h.cb != nil {
		h.cb(err)
	}
	return err
}

func (h *handle) run() error {
	if h.backend.takeFailure(h.realIdx) {
		return fmt.Errorf("refbackend: injected failure on device %s", h.dev)
	}

	x := h.ports[portHidden]
	norm := h.ports[portNorm]
	weight := h.ports[portWeight]
	out := h.ports[len(h.spec.InputPorts)]

	n := h.spec.HiddenSize
	normed := tensor.New(tensor.F32, []int{n})
	rmsNorm(normed, x, norm, n, h.spec.Eps)
	matVec(out, weight, normed, h.spec.OutSize, n)
	return nil
}

func (h *handle) Cancel() error {
	h.state = "CANCELLED"
	return nil
}

func (h *handle) SetCallback(cb func(error)) { h.cb = cb }

func (h *handle) QueryState() string { return h.state }

func (h *handle) ProfilingInfo() []executor.ProfileEntry {
	return []executor.ProfileEntry{
		{NodeName: "rmsnorm_matvec", RealTime: 0, CPUTime: 0},
	}
}

func (h *handle) Inputs() int  { return len(h.spec.InputPorts) }
func (h *handle) Outputs() int { return len(h.spec.OutputPorts) }
