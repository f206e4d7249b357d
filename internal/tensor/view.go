package tensor

import "fmt"

// View describes per-dimension bounds, lower inclusive, upper exclusive.
type View []int

// ViewRange returns a strided sub-tensor view sharing t's backing buffer,
// bounded by from (inclusive) and to (exclusive) per dimension. Sub-byte
// element types are not supported: views never cross a nibble boundary
// safely, so callers must materialize 4-bit slices through Concat/copy
// instead.
func ViewRange(t Tensor, from, to View) Tensor {
	if t.Elem.Is4Bit() {
		panic("tensor: ViewRange does not support 4-bit element types")
	}
	if len(from) != len(to) || len(from) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: ViewRange bounds length mismatch: shape=%v from=%v to=%v", t.Shape, from, to))
	}

	shape := make([]int, len(from))
	for d := range from {
		if from[d] < 0 || to[d] > t.Shape[d] || from[d] > to[d] {
			panic(fmt.Sprintf("tensor: ViewRange out of bounds on dim %d: shape=%v from=%v to=%v", d, t.Shape, from, to))
		}
		shape[d] = to[d] - from[d]
	}

	base := t.Base
	for d := range from {
		base += t.Strides[d] * from[d]
	}

	return Tensor{
		Elem:    t.Elem,
		Shape:   shape,
		Strides: append([]int(nil), t.Strides...),
		Base:    base,
		Data:    t.Data,
	}
}

// ViewDim is the common single-axis case of ViewRange: a contiguous slice
// of length len along dim, starting at offset.
func ViewDim(t Tensor, dim, offset, length int) Tensor {
	from := make(View, len(t.Shape))
	to := append(View(nil), t.Shape...)
	from[dim] = offset
	to[dim] = offset + length
	return ViewRange(t, from, to)
}
