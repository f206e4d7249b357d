package main

import (
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"

	"github.com/corvid-systems/nnexec/internal/tensor"
)

// inputsFile is the on-disk shape of a --inputs JSON file: global input
// index (as a string key) to a flat float32 value list plus the shape to
// reinterpret it as.
type inputsFile map[string]struct {
	Shape  []int     `json:"shape"`
	Values []float32 `json:"values"`
}

// loadInputs reads a JSON inputs file into the map PrepareForInfer
// expects, keyed by global input index.
func loadInputs(path string) (map[int]tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inputs %q: %w", path, err)
	}
	var raw inputsFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse inputs %q: %w", path, err)
	}
	out, err := raw.toTensors()
	if err != nil {
		return nil, fmt.Errorf("inputs %q: %w", path, err)
	}
	return out, nil
}

// toTensors converts a decoded inputs file into the map PrepareForInfer
// expects, keyed by global input index.
func (raw inputsFile) toTensors() (map[int]tensor.Tensor, error) {
	out := make(map[int]tensor.Tensor, len(raw))
	for key, entry := range raw {
		var idx int
		if _, err := fmt.Sscanf(key, "%d", &idx); err != nil {
			return nil, fmt.Errorf("bad global input index %q: %w", key, err)
		}
		t := tensor.New(tensor.F32, entry.Shape)
		if t.Numel() != len(entry.Values) {
			return nil, fmt.Errorf("global input %d has %d values but shape %v needs %d",
				idx, len(entry.Values), entry.Shape, t.Numel())
		}
		for i, v := range entry.Values {
			writeF32At(t, i, v)
		}
		out[idx] = t
	}
	return out, nil
}

func writeF32At(t tensor.Tensor, i int, v float32) {
	bits := math.Float32bits(v)
	off := (t.Base + i) * 4
	t.Data[off] = byte(bits)
	t.Data[off+1] = byte(bits >> 8)
	t.Data[off+2] = byte(bits >> 16)
	t.Data[off+3] = byte(bits >> 24)
}

func readF32At(t tensor.Tensor, i int) float32 {
	off := (t.Base + i) * 4
	bits := uint32(t.Data[off]) | uint32(t.Data[off+1])<<8 | uint32(t.Data[off+2])<<16 | uint32(t.Data[off+3])<<24
	return math.Float32frombits(bits)
}

// tensorToFloats flattens a contiguous f32 tensor's values for JSON
// output.
func tensorToFloats(t tensor.Tensor) []float32 {
	n := t.Numel()
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = readF32At(t, i)
	}
	return out
}
