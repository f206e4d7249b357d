package tensor

import "fmt"

// Transpose applies the (2,0,1) permutation to a 3-D i4 tensor: [A,B,C]
// becomes [C,A,B]. It always allocates a new tensor; i4 values can't be
// strided-viewed in place because a transposed row no longer starts on a
// byte boundary in general.
func Transpose(t Tensor) Tensor {
	if len(t.Shape) != 3 {
		panic("tensor: Transpose requires a 3-D tensor")
	}
	if t.Elem != I4 {
		panic("tensor: Transpose requires an i4 tensor")
	}

	a, b, c := t.Shape[0], t.Shape[1], t.Shape[2]
	out := New(I4, []int{c, a, b})

	inByteBase := t.Base / 2
	outByteBase := 0
	inRows := a * b
	inCols := c
	outCols := inRows

	for i := 0; i < inRows; i++ {
		for j := 0; j < inCols; j++ {
			v := readNibble(t.Data, inByteBase, i, j, inCols)
			writeNibble(out.Data, outByteBase, j, i, outCols, v)
		}
	}
	return out
}

// Permute applies a 3-D axis permutation. Supported permutations:
// (2,0,1) (delegates to Transpose, i4 only), (0,2,1) and (1,0,2) for i4,
// and (1,2,0) for f32/f16.
func Permute(t Tensor, axes [3]int) Tensor {
	if len(t.Shape) != 3 {
		panic("tensor: Permute requires a 3-D tensor")
	}
	shape := t.Shape

	switch axes {
	case [3]int{2, 0, 1}:
		return Transpose(t)

	case [3]int{0, 2, 1}:
		if t.Elem != I4 {
			panic("tensor: Permute(0,2,1) is only defined for i4")
		}
		out := New(I4, []int{shape[0], shape[2], shape[1]})
		inByteBase := t.Base / 2
		for p := 0; p < shape[0]; p++ {
			for r := 0; r < shape[1]; r++ {
				for c := 0; c < shape[2]; c++ {
					v := readNibble(t.Data, inByteBase, p*shape[1]+r, c, shape[2])
					writeNibble(out.Data, 0, p*shape[2]+c, r, shape[1], v)
				}
			}
		}
		return out

	case [3]int{1, 0, 2}:
		if t.Elem != I4 {
			panic("tensor: Permute(1,0,2) is only defined for i4")
		}
		out := New(I4, []int{shape[1], shape[0], shape[2]})
		inByteBase := t.Base / 2
		for p := 0; p < shape[1]; p++ {
			for r := 0; r < shape[0]; r++ {
				for c := 0; c < shape[2]; c++ {
					v := readNibble(t.Data, inByteBase, r, p*shape[2]+c, shape[1]*shape[2])
					writeNibble(out.Data, 0, p*shape[0]+r, c, shape[2], v)
				}
			}
		}
		return out

	case [3]int{1, 2, 0}:
		if t.Elem != F32 && t.Elem != F16 {
			panic("tensor: Permute(1,2,0) is only defined for f32/f16")
		}
		out := New(t.Elem, []int{shape[1], shape[2], shape[0]})
		elemSize := t.Elem.byteSize()
		inByteBase := t.Base * elemSize
		for b := 0; b < out.Shape[0]; b++ {
			for r := 0; r < out.Shape[1]; r++ {
				for c := 0; c < out.Shape[2]; c++ {
					dstIdx := b*out.Shape[1]*out.Shape[2] + r*out.Shape[2] + c
					srcIdx := c*shape[1]*shape[2] + b*shape[2] + r
					copyElem(out.Data, dstIdx*elemSize, t.Data, inByteBase+srcIdx*elemSize, elemSize)
				}
			}
		}
		return out

	default:
		panic(fmt.Sprintf("tensor: Permute does not support axes %v", axes))
	}
}

func copyElem(dst []byte, dstOff int, src []byte, srcOff int, size int) {
	copy(dst[dstOff:dstOff+size], src[srcOff:srcOff+size])
}
