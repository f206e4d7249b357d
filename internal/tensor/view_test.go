package tensor

import "testing"

func fillF32(t Tensor, values []float32) {
	for i, v := range values {
		putF32(t.Data, (t.Base+i)*4, v)
	}
}

func putF32(data []byte, off int, v float32) {
	enc := elemEncoder(F32)
	enc(data, 0, off/4, v)
}

func readF32(t Tensor, i int) float32 {
	dec := elemDecoderAny(F32)
	return dec(t.Data, (t.Base+i)*4)
}

func TestViewDimSharesBackingArray(t *testing.T) {
	t.Parallel()
	src := New(F32, []int{4, 2})
	fillF32(src, []float32{0, 1, 2, 3, 4, 5, 6, 7})

	v := ViewDim(src, 0, 1, 2)
	if len(v.Shape) != 2 || v.Shape[0] != 2 || v.Shape[1] != 2 {
		t.Fatalf("unexpected view shape: %v", v.Shape)
	}
	if got := readF32(v, 0); got != 2 {
		t.Fatalf("expected view[0]=2, got %v", got)
	}

	// mutating through the view mutates src
	putF32(v.Data, (v.Base)*4, 99)
	if got := readF32(src, 2); got != 99 {
		t.Fatalf("expected src[2]=99 after writing through view, got %v", got)
	}
}

func TestViewRangeOutOfBoundsPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-bounds view")
		}
	}()
	src := New(F32, []int{4})
	ViewRange(src, View{0}, View{5})
}

func TestViewPanicsOn4Bit(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for 4-bit view")
		}
	}()
	src := New(I4, []int{4})
	ViewDim(src, 0, 0, 2)
}
