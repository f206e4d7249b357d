// Package tensor provides the strided N-D tensor representation and the
// view/gather/permute/concat/convert/unpack kernels the executor schedules
// but never implements itself.
package tensor

import "fmt"

// ElemType enumerates the element types the kernel surface understands.
type ElemType int

const (
	F32 ElemType = iota
	F16
	BF16
	I64
	U64
	I32
	U32
	I16
	U16
	I8
	U8
	I4
	U4
)

func (e ElemType) String() string {
	switch e {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case I64:
		return "i64"
	case U64:
		return "u64"
	case I32:
		return "i32"
	case U32:
		return "u32"
	case I16:
		return "i16"
	case U16:
		return "u16"
	case I8:
		return "i8"
	case U8:
		return "u8"
	case I4:
		return "i4"
	case U4:
		return "u4"
	default:
		return fmt.Sprintf("elemtype(%d)", int(e))
	}
}

// Is4Bit reports whether the type packs two elements per byte.
func (e ElemType) Is4Bit() bool {
	return e == I4 || e == U4
}

// byteSize returns the per-element size in bytes. It is meaningless for
// 4-bit types, which must be addressed through readNibble/writeNibble.
func (e ElemType) byteSize() int {
	switch e {
	case F32, I32, U32:
		return 4
	case F16, BF16, I16, U16:
		return 2
	case I64, U64:
		return 8
	case I8, U8:
		return 1
	case I4, U4:
		return 1 // packed, addressed by nibble helpers
	default:
		panic(fmt.Sprintf("tensor: unknown element type %v", e))
	}
}

// Tensor is a strided view over a shared byte buffer. Strides are in
// elements (not bytes); Base is the element offset of index-zero within
// Data. Multiple Tensor values may alias the same Data slice, which is how
// views share memory with their source.
type Tensor struct {
	Elem    ElemType
	Shape   []int
	Strides []int
	Base    int
	Data    []byte
}

// New allocates a fresh, contiguous, row-major tensor of the given shape.
func New(elem ElemType, shape []int) Tensor {
	n := numel(shape)
	var nbytes int
	if elem.Is4Bit() {
		nbytes = (n + 1) / 2
	} else {
		nbytes = n * elem.byteSize()
	}
	return Tensor{
		Elem:    elem,
		Shape:   append([]int(nil), shape...),
		Strides: contiguousStrides(shape),
		Base:    0,
		Data:    make([]byte, nbytes),
	}
}

// Wrap builds a contiguous tensor over caller-supplied storage without
// copying it.
func Wrap(elem ElemType, shape []int, data []byte) Tensor {
	return Tensor{
		Elem:    elem,
		Shape:   append([]int(nil), shape...),
		Strides: contiguousStrides(shape),
		Base:    0,
		Data:    data,
	}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		strides[d] = acc
		acc *= shape[d]
	}
	return strides
}

// Numel returns the total element count.
func (t Tensor) Numel() int {
	return numel(t.Shape)
}

// IsContiguous reports whether t's strides match a fresh row-major tensor
// of the same shape, i.e. whether it can be treated as one flat buffer.
func (t Tensor) IsContiguous() bool {
	want := contiguousStrides(t.Shape)
	for i := range want {
		if t.Strides[i] != want[i] {
			return false
		}
	}
	return true
}

// flatOffset returns the element offset of the given multi-index.
func (t Tensor) flatOffset(idx []int) int {
	off := t.Base
	for d, i := range idx {
		off += i * t.Strides[d]
	}
	return off
}
