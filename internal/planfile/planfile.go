// Package planfile loads a partitioned-model plan — the subgraph
// topology, port shapes, device fallback lists, closures, and
// inter-subgraph links — from YAML or JSON into the types
// internal/executor consumes directly.
package planfile

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/corvid-systems/nnexec/internal/device"
	"github.com/corvid-systems/nnexec/internal/executor"
	"github.com/corvid-systems/nnexec/internal/tensor"
)

// Plan is the on-disk representation of a partitioned model.
type Plan struct {
	Pipelining    bool             `yaml:"pipelining" json:"pipelining"`
	Subgraphs     []SubgraphPlan   `yaml:"subgraphs" json:"subgraphs"`
	GlobalInputs  []GlobalPortPlan `yaml:"global_inputs" json:"global_inputs"`
	GlobalOutputs []GlobalPortPlan `yaml:"global_outputs" json:"global_outputs"`
	Links         []LinkPlan       `yaml:"links" json:"links"`
}

// SubgraphPlan is one entry of Plan.Subgraphs, index-addressed by its
// position in the slice (that position IS the subgraph/call-site index
// the rest of the plan refers to).
type SubgraphPlan struct {
	OptimizedOut bool           `yaml:"optimized_out,omitempty" json:"optimized_out,omitempty"`
	ReplacedBy   *int           `yaml:"replaced_by,omitempty" json:"replaced_by,omitempty"`
	Devices      []string       `yaml:"devices,omitempty" json:"devices,omitempty"`
	InputPorts   []PortPlan     `yaml:"input_ports,omitempty" json:"input_ports,omitempty"`
	OutputPorts  []PortPlan     `yaml:"output_ports,omitempty" json:"output_ports,omitempty"`
	ParamBase    int            `yaml:"param_base" json:"param_base"`
	Closures     []ClosurePlan  `yaml:"closures,omitempty" json:"closures,omitempty"`
	HostGather   *HostGatherPlan `yaml:"host_gather,omitempty" json:"host_gather,omitempty"`
	Spatial      *SpatialPlan   `yaml:"spatial,omitempty" json:"spatial,omitempty"`
}

// PortPlan describes one input or output port's element type and shape.
type PortPlan struct {
	Elem  string `yaml:"elem" json:"elem"`
	Shape []int  `yaml:"shape" json:"shape"`
}

// ClosurePlan describes one closure slot. Values, when present, seed the
// closure tensor's contents (only meaningful for f32); an absent Values
// leaves the tensor zero-filled, which is sufficient for topology
// inspection and for WeightsBank implementations that load real weights
// keyed by subgraph/closure index rather than by inline value.
type ClosurePlan struct {
	Elem           string    `yaml:"elem" json:"elem"`
	Shape          []int     `yaml:"shape" json:"shape"`
	UpdateRequired bool      `yaml:"update_required,omitempty" json:"update_required,omitempty"`
	Values         []float32 `yaml:"values,omitempty" json:"values,omitempty"`
}

// HostGatherPlan mirrors executor.HostGather with port indices as
// written in the plan file; they are absolute port indices, copied
// unchanged into executor.HostGather.
type HostGatherPlan struct {
	DstIdx int `yaml:"dst_idx" json:"dst_idx"`
	SrcIdx int `yaml:"src_idx" json:"src_idx"`
	IdxIdx int `yaml:"idx_idx" json:"idx_idx"`
}

// SpatialPlan mirrors executor.SpatialConfig; NWayIters/TailSize are
// derived from Range/NWay rather than stored.
type SpatialPlan struct {
	Params []SpatialParamPlan `yaml:"params" json:"params"`
	OutDim int                `yaml:"out_dim" json:"out_dim"`
	Range  int                `yaml:"range" json:"range"`
	NWay   int                `yaml:"nway" json:"nway"`
}

// SpatialParamPlan mirrors executor.SpatialParam.
type SpatialParamPlan struct {
	Idx int `yaml:"idx" json:"idx"`
	Dim int `yaml:"dim" json:"dim"`
}

// GlobalPortPlan names one (subgraph, port) pair a global input feeds or
// a global output is read from.
type GlobalPortPlan struct {
	Subgraph int `yaml:"subgraph" json:"subgraph"`
	Port     int `yaml:"port" json:"port"`
}

// LinkPlan is one inter-subgraph wire: consumer (subgraph, port) reads
// from producer (subgraph, port).
type LinkPlan struct {
	ConsumerSubgraph int `yaml:"consumer_subgraph" json:"consumer_subgraph"`
	ConsumerPort     int `yaml:"consumer_port" json:"consumer_port"`
	ProducerSubgraph int `yaml:"producer_subgraph" json:"producer_subgraph"`
	ProducerPort     int `yaml:"producer_port" json:"producer_port"`
}

// LoadYAML parses a YAML plan file.
func LoadYAML(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("planfile: parsing yaml: %w", err)
	}
	return &p, nil
}

// LoadJSON parses a JSON plan file.
func LoadJSON(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("planfile: parsing json: %w", err)
	}
	return &p, nil
}

// ParseElem maps a plan file's element-type name to tensor.ElemType.
func ParseElem(name string) (tensor.ElemType, error) {
	switch name {
	case "f32":
		return tensor.F32, nil
	case "f16":
		return tensor.F16, nil
	case "bf16":
		return tensor.BF16, nil
	case "i64":
		return tensor.I64, nil
	case "u64":
		return tensor.U64, nil
	case "i32":
		return tensor.I32, nil
	case "u32":
		return tensor.U32, nil
	case "i16":
		return tensor.I16, nil
	case "u16":
		return tensor.U16, nil
	case "i8":
		return tensor.I8, nil
	case "u8":
		return tensor.U8, nil
	case "i4":
		return tensor.I4, nil
	case "u4":
		return tensor.U4, nil
	default:
		return 0, fmt.Errorf("planfile: unknown element type %q", name)
	}
}

func toPortSpecs(ports []PortPlan) ([]executor.PortSpec, error) {
	out := make([]executor.PortSpec, len(ports))
	for i, p := range ports {
		elem, err := ParseElem(p.Elem)
		if err != nil {
			return nil, fmt.Errorf("port %d: %w", i, err)
		}
		out[i] = executor.PortSpec{Elem: elem, Shape: p.Shape}
	}
	return out, nil
}

func toClosureTensor(c ClosurePlan) (tensor.Tensor, error) {
	elem, err := ParseElem(c.Elem)
	if err != nil {
		return tensor.Tensor{}, err
	}
	t := tensor.New(elem, c.Shape)
	if len(c.Values) == 0 {
		return t, nil
	}
	if elem != tensor.F32 {
		return tensor.Tensor{}, fmt.Errorf("planfile: inline Values only supported for f32 closures, got %s", elem)
	}
	if len(c.Values) != t.Numel() {
		return tensor.Tensor{}, fmt.Errorf("planfile: closure has %d values but shape %v needs %d", len(c.Values), c.Shape, t.Numel())
	}
	for i, v := range c.Values {
		off := i * 4
		bits := math.Float32bits(v)
		t.Data[off] = byte(bits)
		t.Data[off+1] = byte(bits >> 8)
		t.Data[off+2] = byte(bits >> 16)
		t.Data[off+3] = byte(bits >> 24)
	}
	return t, nil
}

// ToDescriptors converts the plan's subgraphs into
// executor.SubgraphDescriptor values. devices, when a subgraph plan
// lists none, falls back to []string{"CPU"}. compiled is the backend
// that will run every body in this plan; it is stamped onto each
// descriptor that owns a body (a plain subgraph, or a function call's
// self-referencing head) so SubgraphDescriptor.IsOptimizedOut reports
// correctly. Pure call sites (ReplacedBy pointing at another index)
// leave Compiled nil, since dispatch for those goes through the body's
// own descriptor instead.
func ToDescriptors(p *Plan, compiled executor.Compiler) ([]*executor.SubgraphDescriptor, error) {
	descs := make([]*executor.SubgraphDescriptor, len(p.Subgraphs))
	for i, sp := range p.Subgraphs {
		if sp.OptimizedOut {
			descs[i] = &executor.SubgraphDescriptor{}
			continue
		}

		d := &executor.SubgraphDescriptor{ParamBase: sp.ParamBase, ReplacedBy: sp.ReplacedBy}
		if sp.ReplacedBy == nil || *sp.ReplacedBy == i {
			d.Compiled = compiled
		}

		inputPorts, err := toPortSpecs(sp.InputPorts)
		if err != nil {
			return nil, fmt.Errorf("subgraph %d: %w", i, err)
		}
		outputPorts, err := toPortSpecs(sp.OutputPorts)
		if err != nil {
			return nil, fmt.Errorf("subgraph %d: %w", i, err)
		}
		d.InputPorts, d.OutputPorts = inputPorts, outputPorts

		devNames := sp.Devices
		if len(devNames) == 0 {
			devNames = []string{"CPU"}
		}
		order := make([]device.Kind, len(devNames))
		for j, n := range devNames {
			order[j] = device.Normalize(n)
		}
		d.Devices = device.NewIterator(order)

		if sp.ReplacedBy == nil || *sp.ReplacedBy == i {
			d.Closure = make([]tensor.Tensor, len(sp.Closures))
			d.UpdateRequired = make([]bool, len(sp.Closures))
			for c, cp := range sp.Closures {
				t, err := toClosureTensor(cp)
				if err != nil {
					return nil, fmt.Errorf("subgraph %d closure %d: %w", i, c, err)
				}
				d.Closure[c] = t
				d.UpdateRequired[c] = cp.UpdateRequired
			}
		}

		if sp.HostGather != nil {
			d.HostGather = &executor.HostGather{
				DstIdx: sp.HostGather.DstIdx,
				SrcIdx: sp.HostGather.SrcIdx,
				IdxIdx: sp.HostGather.IdxIdx,
			}
		}

		if sp.Spatial != nil {
			params := make([]executor.SpatialParam, len(sp.Spatial.Params))
			for j, pp := range sp.Spatial.Params {
				params[j] = executor.SpatialParam{Idx: pp.Idx, Dim: pp.Dim}
			}
			nway := sp.Spatial.NWay
			rng := sp.Spatial.Range
			var iters, tail int
			if nway > 0 {
				iters = rng / nway
				tail = rng % nway
			}
			d.Spatial = &executor.SpatialConfig{
				Params:    params,
				OutDim:    sp.Spatial.OutDim,
				Range:     rng,
				NWay:      nway,
				NWayIters: iters,
				TailSize:  tail,
			}
		}

		descs[i] = d
	}
	return descs, nil
}

// ToPartitionMeta converts the plan's global I/O and link tables into
// executor.PartitionMeta.
func ToPartitionMeta(p *Plan) executor.PartitionMeta {
	meta := executor.PartitionMeta{
		GlobalInputsToSubgraphInputs:   make([]*executor.LinkFrom, len(p.GlobalInputs)),
		GlobalOutputsToSubgraphOutputs: make([]executor.LinkFrom, len(p.GlobalOutputs)),
		SubmodelInputToPrevOutput:      map[executor.LinkFrom]executor.LinkFrom{},
	}
	for i, g := range p.GlobalInputs {
		meta.GlobalInputsToSubgraphInputs[i] = &executor.LinkFrom{Subgraph: g.Subgraph, Port: g.Port}
	}
	for i, g := range p.GlobalOutputs {
		meta.GlobalOutputsToSubgraphOutputs[i] = executor.LinkFrom{Subgraph: g.Subgraph, Port: g.Port}
	}
	for _, l := range p.Links {
		consumer := executor.LinkFrom{Subgraph: l.ConsumerSubgraph, Port: l.ConsumerPort}
		producer := executor.LinkFrom{Subgraph: l.ProducerSubgraph, Port: l.ProducerPort}
		meta.SubmodelInputToPrevOutput[consumer] = producer
	}
	return meta
}
