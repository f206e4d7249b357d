package tensor

import (
	"math"
	"testing"
)

func TestUnpackPlainConversion(t *testing.T) {
	t.Parallel()
	src := New(I8, []int{4})
	for i := 0; i < 4; i++ {
		src.Data[i] = byte(int8(i - 2))
	}
	dst := New(F32, []int{4})
	Unpack(src, dst)

	for i := 0; i < 4; i++ {
		want := float32(i - 2)
		if got := readF32(dst, i); got != want {
			t.Fatalf("element %d: want %v got %v", i, want, got)
		}
	}
}

func TestUnpack2MatchesFormula(t *testing.T) {
	t.Parallel()
	rows, cols := 2, 3
	q := New(I8, []int{rows, cols})
	for i := 0; i < rows*cols; i++ {
		q.Data[i] = byte(int8(i))
	}

	zerop := New(F32, []int{rows})
	fillF32(zerop, []float32{1, 2})
	scale := New(F32, []int{rows})
	fillF32(scale, []float32{0.5, 2})

	dst := New(F32, []int{rows, cols})
	Unpack2(q, zerop, scale, dst)

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i := r*cols + c
			qv := float32(int8(q.Data[i]))
			z := readF32(zerop, r)
			s := readF32(scale, r)
			want := (qv - z) * s
			got := readF32(dst, i)
			if math.Abs(float64(got-want)) > 1e-6 {
				t.Fatalf("[%d,%d]: want %v got %v", r, c, want, got)
			}
		}
	}
}

func TestUnpack1ScalarScale(t *testing.T) {
	t.Parallel()
	src := New(I8, []int{4})
	for i := 0; i < 4; i++ {
		src.Data[i] = byte(int8(i))
	}
	scale := New(F32, []int{1})
	fillF32(scale, []float32{3})

	dst := New(F32, []int{4})
	Unpack1(src, scale, dst)

	for i := 0; i < 4; i++ {
		want := float32(i) * 3
		if got := readF32(dst, i); got != want {
			t.Fatalf("element %d: want %v got %v", i, want, got)
		}
	}
}
