package planfile

import (
	"testing"

	"github.com/corvid-systems/nnexec/internal/executor"
	"github.com/corvid-systems/nnexec/internal/logger"
	"github.com/corvid-systems/nnexec/internal/refbackend"
	"github.com/corvid-systems/nnexec/internal/tensor"
)

const twoBodyYAML = `
pipelining: false
subgraphs:
  - param_base: 1
    devices: ["CPU"]
    input_ports:
      - {elem: f32, shape: [2]}
      - {elem: f32, shape: [2]}
      - {elem: f32, shape: [2, 2]}
    output_ports:
      - {elem: f32, shape: [2]}
    closures:
      - {elem: f32, shape: [2], values: [1, 1]}
      - {elem: f32, shape: [2, 2], values: [1, 0, 0, 1]}
  - param_base: 1
    devices: ["CPU"]
    input_ports:
      - {elem: f32, shape: [2]}
      - {elem: f32, shape: [2]}
      - {elem: f32, shape: [2, 2]}
    output_ports:
      - {elem: f32, shape: [2]}
    closures:
      - {elem: f32, shape: [2], values: [1, 1]}
      - {elem: f32, shape: [2, 2], values: [1, 0, 0, 1]}
global_inputs:
  - {subgraph: 0, port: 0}
global_outputs:
  - {subgraph: 1, port: 0}
links:
  - {consumer_subgraph: 1, consumer_port: 0, producer_subgraph: 0, producer_port: 0}
`

func TestLoadYAMLAndConvert(t *testing.T) {
	t.Parallel()

	plan, err := LoadYAML([]byte(twoBodyYAML))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if len(plan.Subgraphs) != 2 {
		t.Fatalf("expected 2 subgraphs, got %d", len(plan.Subgraphs))
	}

	backend := refbackend.New()
	backend.Register(0, refbackend.LayerSpec{
		InputPorts: []executor.PortSpec{
			{Elem: tensor.F32, Shape: []int{2}},
			{Elem: tensor.F32, Shape: []int{2}},
			{Elem: tensor.F32, Shape: []int{2, 2}},
		},
		OutputPorts: []executor.PortSpec{{Elem: tensor.F32, Shape: []int{2}}},
		HiddenSize:  2,
		OutSize:     2,
		Eps:         1e-5,
	})
	backend.Register(1, refbackend.LayerSpec{
		InputPorts: []executor.PortSpec{
			{Elem: tensor.F32, Shape: []int{2}},
			{Elem: tensor.F32, Shape: []int{2}},
			{Elem: tensor.F32, Shape: []int{2, 2}},
		},
		OutputPorts: []executor.PortSpec{{Elem: tensor.F32, Shape: []int{2}}},
		HiddenSize:  2,
		OutSize:     2,
		Eps:         1e-5,
	})

	descs, err := ToDescriptors(plan, backend)
	if err != nil {
		t.Fatalf("ToDescriptors: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(descs))
	}
	for i, d := range descs {
		if d.IsOptimizedOut() {
			t.Fatalf("subgraph %d should not be optimized out", i)
		}
		if len(d.Closure) != 2 {
			t.Fatalf("subgraph %d: expected 2 closures, got %d", i, len(d.Closure))
		}
	}

	meta := ToPartitionMeta(plan)
	if len(meta.GlobalInputsToSubgraphInputs) != 1 || meta.GlobalInputsToSubgraphInputs[0] == nil {
		t.Fatalf("expected one bound global input")
	}
	if len(meta.GlobalOutputsToSubgraphOutputs) != 1 {
		t.Fatalf("expected one global output")
	}
	if got := meta.SubmodelInputToPrevOutput[executor.LinkFrom{Subgraph: 1, Port: 0}]; got != (executor.LinkFrom{Subgraph: 0, Port: 0}) {
		t.Fatalf("unexpected link: %+v", got)
	}

	req, err := executor.New(executor.Options{
		Descriptors: descs,
		Meta:        meta,
		Factory:     backend,
		Compiler:    backend,
		Bank:        backend,
		CopyPolicy:  refbackend.NeverCopy{},
		Logger:      logger.Default(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := tensor.New(tensor.F32, []int{2})
	if err := req.PrepareForInfer(map[int]tensor.Tensor{0: in}); err != nil {
		t.Fatalf("PrepareForInfer: %v", err)
	}
	if err := req.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := req.GlobalOutput(0); !ok {
		t.Fatalf("expected global output 0 to be bound")
	}
}

func TestLoadYAMLRejectsMismatchedValueCount(t *testing.T) {
	t.Parallel()
	const bad = `
subgraphs:
  - param_base: 1
    closures:
      - {elem: f32, shape: [2], values: [1, 2, 3]}
`
	plan, err := LoadYAML([]byte(bad))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	backend := refbackend.New()
	if _, err := ToDescriptors(plan, backend); err == nil {
		t.Fatalf("expected an error for a closure whose values don't match its shape")
	}
}

func TestParseElemUnknown(t *testing.T) {
	t.Parallel()
	if _, err := ParseElem("nope"); err == nil {
		t.Fatalf("expected an error for an unknown element type")
	}
}
