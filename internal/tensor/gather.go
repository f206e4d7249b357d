package tensor

import (
	"encoding/binary"
	"fmt"
)

// Gather copies rows of src selected by idx into dst. src is [R,C] of type
// f16 or f32; idx is i64 [1,N]; dst is [1,N,C] of src's element type. Row r
// of dst[0] becomes src[idx[0,r]].
func Gather(src, idx, dst Tensor) {
	if idx.Elem != I64 {
		panic("tensor: Gather requires an i64 index tensor")
	}
	if src.Elem != F16 && src.Elem != F32 {
		panic("tensor: Gather requires an f16 or f32 source tensor")
	}
	if dst.Elem != src.Elem {
		panic("tensor: Gather requires dst element type to match src")
	}
	if len(idx.Shape) != 2 || idx.Shape[0] != 1 {
		panic(fmt.Sprintf("tensor: Gather idx must be shape [1,N], got %v", idx.Shape))
	}
	if len(src.Shape) != 2 {
		panic(fmt.Sprintf("tensor: Gather src must be 2-D, got %v", src.Shape))
	}
	if len(dst.Shape) != 3 {
		panic(fmt.Sprintf("tensor: Gather dst must be 3-D, got %v", dst.Shape))
	}
	if src.Shape[1] != dst.Shape[2] {
		panic("tensor: Gather src columns must match dst's innermost dim")
	}

	n := idx.Shape[1]
	elemSize := src.Elem.byteSize()
	srcCols := src.Shape[1]
	dstCols := dst.Shape[2]

	srcByteBase := src.Base * elemSize
	dstByteBase := dst.Base * elemSize

	for r := 0; r < n; r++ {
		idxOff := (idx.Base + r) * 8
		rowIdx := int64(binary.LittleEndian.Uint64(idx.Data[idxOff : idxOff+8]))

		srcRowStart := srcByteBase + int(rowIdx)*srcCols*elemSize
		dstRowStart := dstByteBase + r*dstCols*elemSize
		copy(dst.Data[dstRowStart:dstRowStart+srcCols*elemSize], src.Data[srcRowStart:srcRowStart+srcCols*elemSize])
	}
}
