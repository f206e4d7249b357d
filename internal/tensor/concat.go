package tensor

import "fmt"

// Concat joins 3-D tensors along axis 0 or 2, handling i4/u4 half-byte
// strides on both axes.
func Concat(tt []Tensor, axis int) Tensor {
	if axis != 0 && axis != 2 {
		panic("tensor: Concat only supports axis 0 or 2")
	}
	if len(tt) == 0 {
		panic("tensor: Concat requires at least one tensor")
	}

	elem := tt[0].Elem
	shape := append([]int(nil), tt[0].Shape...)
	is4bit := elem.Is4Bit()

	offsets := make([]int, len(tt))
	lens := make([]int, len(tt))
	newDim := 0
	for i, t := range tt {
		if t.Elem != elem {
			panic("tensor: Concat requires matching element types")
		}
		if !t.IsContiguous() {
			panic("tensor: Concat requires contiguous inputs")
		}
		for d := range t.Shape {
			if d != axis && t.Shape[d] != shape[d] {
				panic(fmt.Sprintf("tensor: Concat shape mismatch on dim %d", d))
			}
		}
		offsets[i] = newDim
		lens[i] = t.Shape[axis]
		newDim += t.Shape[axis]
	}
	shape[axis] = newDim
	out := New(elem, shape)

	if axis == 0 {
		dstOff := 0
		for i, t := range tt {
			rowSize := shape[1] * shape[2]
			copyLen := copyByteLen(is4bit, lens[i]*rowSize, elem)
			srcBase := byteOff(is4bit, t.Base, elem)
			copy(out.Data[dstOff:dstOff+copyLen], t.Data[srcBase:srcBase+copyLen])
			dstOff += copyLen
		}
		return out
	}

	// axis == 2
	rows := shape[0] * shape[1]
	for ti, t := range tt {
		srcBase := byteOff(is4bit, t.Base, elem)
		for r := 0; r < rows; r++ {
			rOffDst := byteOff(is4bit, newDim*r, elem)
			cOffDst := byteOff(is4bit, offsets[ti], elem)
			copyLen := copyByteLen(is4bit, lens[ti], elem)
			dstStart := rOffDst + cOffDst

			rOffSrc := byteOff(is4bit, lens[ti]*r, elem)
			srcStart := srcBase + rOffSrc

			copy(out.Data[dstStart:dstStart+copyLen], t.Data[srcStart:srcStart+copyLen])
		}
	}
	return out
}

func byteOff(is4bit bool, elements int, elem ElemType) int {
	if is4bit {
		return elements / 2
	}
	return elements * elem.byteSize()
}

func copyByteLen(is4bit bool, elements int, elem ElemType) int {
	if is4bit {
		return elements / 2
	}
	return elements * elem.byteSize()
}
