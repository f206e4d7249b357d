package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Unpack converts src's packed element type into dst's element type with
// no scaling. Both must be contiguous and the same shape.
func Unpack(src, dst Tensor) {
	requireSameShape(src, dst, "Unpack")
	decode := elemDecoderAny(src.Elem)
	encode := elemEncoder(dst.Elem)
	n := src.Numel()
	srcBase := byteOff(src.Elem.Is4Bit(), src.Base, src.Elem)
	dstBase := byteOff(dst.Elem.Is4Bit(), dst.Base, dst.Elem)
	srcCols := innerCols(src.Shape)

	parallelFor(n, func(start, end int) {
		for i := start; i < end; i++ {
			v := readElem(src, decode, srcBase, i, srcCols)
			encode(dst.Data, dstBase, i, v)
		}
	})
}

// Unpack1 dequantizes with a scale only: dst = src * scale. scale is
// broadcast per outer row: either one value total, or shape[0] values
// (one per row of a [rows, ...] tensor).
func Unpack1(src, scale, dst Tensor) {
	requireSameShape(src, dst, "Unpack1")
	decode := elemDecoderAny(src.Elem)
	encode := elemEncoder(dst.Elem)
	scaleAt := broadcastReader(scale, src.Shape)

	n := src.Numel()
	srcBase := byteOff(src.Elem.Is4Bit(), src.Base, src.Elem)
	dstBase := byteOff(dst.Elem.Is4Bit(), dst.Base, dst.Elem)
	srcCols := innerCols(src.Shape)
	outerStride := rowSize(src.Shape)

	parallelFor(n, func(start, end int) {
		for i := start; i < end; i++ {
			v := readElem(src, decode, srcBase, i, srcCols)
			row := i / outerStride
			v *= scaleAt(row)
			encode(dst.Data, dstBase, i, v)
		}
	})
}

// Unpack2 dequantizes with a zero point and a scale: dst = (src - zerop) * scale.
func Unpack2(src, zerop, scale, dst Tensor) {
	requireSameShape(src, dst, "Unpack2")
	decode := elemDecoderAny(src.Elem)
	encode := elemEncoder(dst.Elem)
	scaleAt := broadcastReader(scale, src.Shape)
	zeropAt := broadcastReader(zerop, src.Shape)

	n := src.Numel()
	srcBase := byteOff(src.Elem.Is4Bit(), src.Base, src.Elem)
	dstBase := byteOff(dst.Elem.Is4Bit(), dst.Base, dst.Elem)
	srcCols := innerCols(src.Shape)
	outerStride := rowSize(src.Shape)

	parallelFor(n, func(start, end int) {
		for i := start; i < end; i++ {
			v := readElem(src, decode, srcBase, i, srcCols)
			row := i / outerStride
			v = (v - zeropAt(row)) * scaleAt(row)
			encode(dst.Data, dstBase, i, v)
		}
	})
}

func requireSameShape(a, b Tensor, op string) {
	if !shapeEqual(a.Shape, b.Shape) {
		panic(fmt.Sprintf("tensor: %s shape mismatch: %v vs %v", op, a.Shape, b.Shape))
	}
}

// rowSize is the element count of every dimension but the first.
func rowSize(shape []int) int {
	n := 1
	for _, d := range shape[1:] {
		n *= d
	}
	if n == 0 {
		return 1
	}
	return n
}

func innerCols(shape []int) int {
	if len(shape) == 0 {
		return 1
	}
	return shape[len(shape)-1]
}

// broadcastReader returns a function mapping an outer row index to a
// float32, from a tensor holding either one value or one value per row of
// shape.
func broadcastReader(t Tensor, shape []int) func(row int) float32 {
	decode := elemDecoderAny(t.Elem)
	base := byteOff(t.Elem.Is4Bit(), t.Base, t.Elem)
	cols := innerCols(t.Shape)
	n := t.Numel()
	if n == 1 {
		v := readElem(t, decode, base, 0, cols)
		return func(row int) float32 { return v }
	}
	return func(row int) float32 {
		return readElem(t, decode, base, row, cols)
	}
}

// readElem reads logical element i of t (i is an index into the flattened,
// contiguous element space) via decode, handling 4-bit packing.
func readElem(t Tensor, decode func([]byte, int) float32, byteBase, i, cols int) float32 {
	if t.Elem.Is4Bit() {
		row := i / cols
		col := i % cols
		return float32(readNibble(t.Data, byteBase, row, col, cols))
	}
	return decode(t.Data, byteBase+i*t.Elem.byteSize())
}

func elemDecoderAny(elem ElemType) func(data []byte, off int) float32 {
	if elem == F32 {
		return func(data []byte, off int) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
		}
	}
	if elem.Is4Bit() {
		// 4-bit reads go through readElem's nibble path; this decoder is
		// never actually called for Is4Bit, but kept total for callers
		// that only have the function pointer.
		return func(data []byte, off int) float32 { return 0 }
	}
	return elemDecoder(elem)
}

func elemEncoder(elem ElemType) func(data []byte, byteBase, i int, v float32) {
	switch elem {
	case F32:
		return func(data []byte, byteBase, i int, v float32) {
			binary.LittleEndian.PutUint32(data[byteBase+i*4:], math.Float32bits(v))
		}
	case F16:
		return func(data []byte, byteBase, i int, v float32) {
			binary.LittleEndian.PutUint16(data[byteBase+i*2:], F32ToF16(v))
		}
	case BF16:
		return func(data []byte, byteBase, i int, v float32) {
			binary.LittleEndian.PutUint16(data[byteBase+i*2:], F32ToBF16(v))
		}
	case I32:
		return func(data []byte, byteBase, i int, v float32) {
			binary.LittleEndian.PutUint32(data[byteBase+i*4:], uint32(int32(v)))
		}
	case U32:
		return func(data []byte, byteBase, i int, v float32) {
			binary.LittleEndian.PutUint32(data[byteBase+i*4:], uint32(v))
		}
	case I16:
		return func(data []byte, byteBase, i int, v float32) {
			binary.LittleEndian.PutUint16(data[byteBase+i*2:], uint16(int16(v)))
		}
	case U16:
		return func(data []byte, byteBase, i int, v float32) {
			binary.LittleEndian.PutUint16(data[byteBase+i*2:], uint16(v))
		}
	case I8:
		return func(data []byte, byteBase, i int, v float32) {
			data[byteBase+i] = byte(int8(v))
		}
	case U8:
		return func(data []byte, byteBase, i int, v float32) {
			data[byteBase+i] = byte(v)
		}
	default:
		panic(fmt.Sprintf("tensor: unpack destination type %v not supported", elem))
	}
}
