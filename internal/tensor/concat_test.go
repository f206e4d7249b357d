package tensor

import "testing"

func TestConcatAxis0RoundTrip(t *testing.T) {
	t.Parallel()
	whole := New(F32, []int{4, 2, 2})
	vals := make([]float32, whole.Numel())
	for i := range vals {
		vals[i] = float32(i)
	}
	fillF32(whole, vals)

	a := materialize(ViewDim(whole, 0, 0, 2))
	b := materialize(ViewDim(whole, 0, 2, 2))

	joined := Concat([]Tensor{a, b}, 0)
	if !shapeEqual(joined.Shape, whole.Shape) {
		t.Fatalf("shape mismatch after concat: want %v got %v", whole.Shape, joined.Shape)
	}
	for i := range vals {
		if readF32(joined, i) != vals[i] {
			t.Fatalf("element %d mismatch: want %v got %v", i, vals[i], readF32(joined, i))
		}
	}
}

func TestConcatAxis2RoundTrip(t *testing.T) {
	t.Parallel()
	whole := New(F32, []int{2, 2, 4})
	vals := make([]float32, whole.Numel())
	for i := range vals {
		vals[i] = float32(i)
	}
	fillF32(whole, vals)

	a := materialize(ViewDim(whole, 2, 0, 2))
	b := materialize(ViewDim(whole, 2, 2, 2))

	joined := Concat([]Tensor{a, b}, 2)
	if !shapeEqual(joined.Shape, whole.Shape) {
		t.Fatalf("shape mismatch after concat: want %v got %v", whole.Shape, joined.Shape)
	}
	for i := range vals {
		if readF32(joined, i) != vals[i] {
			t.Fatalf("element %d mismatch: want %v got %v", i, vals[i], readF32(joined, i))
		}
	}
}

func TestConcatAxis0I4(t *testing.T) {
	t.Parallel()
	rowsA, rowsB := 2, 2
	cols := 4
	a := New(I4, []int{rowsA, 1, cols})
	b := New(I4, []int{rowsB, 1, cols})
	for i := 0; i < rowsA*cols; i++ {
		writeNibble(a.Data, 0, i/cols, i%cols, cols, byte(i%16))
	}
	for i := 0; i < rowsB*cols; i++ {
		writeNibble(b.Data, 0, i/cols, i%cols, cols, byte((i+8)%16))
	}

	joined := Concat([]Tensor{a, b}, 0)
	if !shapeEqual(joined.Shape, []int{rowsA + rowsB, 1, cols}) {
		t.Fatalf("unexpected joined shape: %v", joined.Shape)
	}

	for i := 0; i < rowsA*cols; i++ {
		want := readNibble(a.Data, 0, i/cols, i%cols, cols)
		got := readNibble(joined.Data, 0, i/cols, i%cols, cols)
		if want != got {
			t.Fatalf("nibble %d (from a): want %d got %d", i, want, got)
		}
	}
	for i := 0; i < rowsB*cols; i++ {
		want := readNibble(b.Data, 0, i/cols, i%cols, cols)
		got := readNibble(joined.Data, 0, rowsA+i/cols, i%cols, cols)
		if want != got {
			t.Fatalf("nibble %d (from b): want %d got %d", i, want, got)
		}
	}
}

// materialize copies a (possibly non-contiguous) view into a fresh
// contiguous tensor, since Concat requires contiguous inputs.
func materialize(t Tensor) Tensor {
	if t.Elem.Is4Bit() {
		// views never alias into 4-bit tensors in these tests; callers
		// build contiguous i4 tensors directly.
		out := New(t.Elem, t.Shape)
		copy(out.Data, t.Data[t.Base/2:])
		return out
	}
	out := New(t.Elem, t.Shape)
	CopyInto(out, t)
	return out
}
