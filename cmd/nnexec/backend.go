package main

import (
	"fmt"

	"github.com/corvid-systems/nnexec/internal/executor"
	"github.com/corvid-systems/nnexec/internal/planfile"
	"github.com/corvid-systems/nnexec/internal/refbackend"
)

// buildRefBackend registers one refbackend.LayerSpec per body in plan
// (a plain subgraph, or the head of a function call), derived from its
// declared port shapes: input 0 is the hidden vector, input 1 the
// RMSNorm weight, input 2 the linear-layer weight, output 0 the result.
// This is the only compiled-body implementation this CLI ships with; a
// real deployment would substitute a collaborator backed by the actual
// accelerator plugin in its place.
func buildRefBackend(plan *planfile.Plan) (*refbackend.Backend, error) {
	backend := refbackend.New()
	for i, sp := range plan.Subgraphs {
		if sp.OptimizedOut {
			continue
		}
		if sp.ReplacedBy != nil && *sp.ReplacedBy != i {
			continue // pure call site, no body of its own
		}
		if len(sp.InputPorts) < 3 || len(sp.OutputPorts) < 1 {
			return nil, fmt.Errorf("subgraph %d: reference backend needs 3 input ports and 1 output port, got %d/%d",
				i, len(sp.InputPorts), len(sp.OutputPorts))
		}
		hidden := lastDim(sp.InputPorts[0].Shape)
		out := lastDim(sp.OutputPorts[0].Shape)

		inputPorts := make([]executor.PortSpec, len(sp.InputPorts))
		for j, p := range sp.InputPorts {
			elem, err := planfile.ParseElem(p.Elem)
			if err != nil {
				return nil, fmt.Errorf("subgraph %d input %d: %w", i, j, err)
			}
			inputPorts[j] = executor.PortSpec{Elem: elem, Shape: p.Shape}
		}
		outputPorts := make([]executor.PortSpec, len(sp.OutputPorts))
		for j, p := range sp.OutputPorts {
			elem, err := planfile.ParseElem(p.Elem)
			if err != nil {
				return nil, fmt.Errorf("subgraph %d output %d: %w", i, j, err)
			}
			outputPorts[j] = executor.PortSpec{Elem: elem, Shape: p.Shape}
		}

		backend.Register(i, refbackend.LayerSpec{
			InputPorts:  inputPorts,
			OutputPorts: outputPorts,
			HiddenSize:  hidden,
			OutSize:     out,
			Eps:         1e-5,
		})
	}
	return backend, nil
}

func lastDim(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	return shape[len(shape)-1]
}
