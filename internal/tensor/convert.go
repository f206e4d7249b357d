package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ToF32 upcasts in to f32 element-wise into out, same shape, in parallel.
// Both tensors must be contiguous.
func ToF32(in, out Tensor) {
	if !in.IsContiguous() || !out.IsContiguous() {
		panic("tensor: ToF32 requires contiguous tensors")
	}
	if !shapeEqual(in.Shape, out.Shape) {
		panic(fmt.Sprintf("tensor: ToF32 shape mismatch: in=%v out=%v", in.Shape, out.Shape))
	}
	if out.Elem != F32 {
		panic("tensor: ToF32 destination must be f32")
	}

	n := in.Numel()
	inBase := in.Base * in.Elem.byteSize()
	outBase := out.Base * 4

	if in.Elem == F32 {
		copy(out.Data[outBase:outBase+n*4], in.Data[inBase:inBase+n*4])
		return
	}

	decode := elemDecoder(in.Elem)
	parallelFor(n, func(start, end int) {
		for i := start; i < end; i++ {
			v := decode(in.Data, inBase+i*in.Elem.byteSize())
			binary.LittleEndian.PutUint32(out.Data[outBase+i*4:], math.Float32bits(v))
		}
	})
}

// elemDecoder returns a function reading a single element of elem type at
// byte offset off in data and returning it as float32.
func elemDecoder(elem ElemType) func(data []byte, off int) float32 {
	switch elem {
	case U64:
		return func(data []byte, off int) float32 {
			return float32(binary.LittleEndian.Uint64(data[off : off+8]))
		}
	case I64:
		return func(data []byte, off int) float32 {
			return float32(int64(binary.LittleEndian.Uint64(data[off : off+8])))
		}
	case U32:
		return func(data []byte, off int) float32 {
			return float32(binary.LittleEndian.Uint32(data[off : off+4]))
		}
	case I32:
		return func(data []byte, off int) float32 {
			return float32(int32(binary.LittleEndian.Uint32(data[off : off+4])))
		}
	case U16:
		return func(data []byte, off int) float32 {
			return float32(binary.LittleEndian.Uint16(data[off : off+2]))
		}
	case I16:
		return func(data []byte, off int) float32 {
			return float32(int16(binary.LittleEndian.Uint16(data[off : off+2])))
		}
	case U8:
		return func(data []byte, off int) float32 {
			return float32(data[off])
		}
	case I8:
		return func(data []byte, off int) float32 {
			return float32(int8(data[off]))
		}
	case F16:
		return func(data []byte, off int) float32 {
			return F16ToF32(binary.LittleEndian.Uint16(data[off : off+2]))
		}
	case BF16:
		return func(data []byte, off int) float32 {
			return BF16ToF32(binary.LittleEndian.Uint16(data[off : off+2]))
		}
	default:
		panic(fmt.Sprintf("tensor: ToF32 unsupported source type %v", elem))
	}
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
