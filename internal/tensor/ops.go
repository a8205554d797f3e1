package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Add returns the element-wise sum of a and b, which must share a shape.
func Add(a, b *Tensor) *Tensor {
	if !sameShape(a, b) {
		panic(fmt.Sprintf("tensor: Add shape mismatch %v vs %v", a.Shape, b.Shape))
	}
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return record(out, func(t *Tensor) {
		ga, gb := a.grad(), b.grad()
		for i, g := range t.Grad {
			ga[i] += g
			gb[i] += g
		}
	}, a, b)
}

// Scale multiplies every element by s.
func Scale(a *Tensor, s float32) *Tensor {
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * s
	}
	return record(out, func(t *Tensor) {
		ga := a.grad()
		for i, g := range t.Grad {
			ga[i] += g * s
		}
	}, a)
}

// SiLU applies x * sigmoid(x) element-wise.
func SiLU(a *Tensor) *Tensor {
	out := New(a.Shape...)
	for i, x := range a.Data {
		out.Data[i] = x * sigmoid(x)
	}
	return record(out, func(t *Tensor) {
		ga := a.grad()
		for i, g := range t.Grad {
			s := sigmoid(a.Data[i])
			ga[i] += g * s * (1 + a.Data[i]*(1-s))
		}
	}, a)
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Concat concatenates xs along axis. All inputs must agree on every other
// dimension.
func Concat(axis int, xs ...*Tensor) *Tensor {
	if len(xs) == 0 {
		panic("tensor: Concat of nothing")
	}
	shape := append([]int(nil), xs[0].Shape...)
	if axis < 0 || axis >= len(shape) {
		panic(fmt.Sprintf("tensor: Concat axis %d out of range for shape %v", axis, shape))
	}
	total := 0
	for _, x := range xs {
		for d := range x.Shape {
			if d != axis && x.Shape[d] != shape[d] {
				panic(fmt.Sprintf("tensor: Concat shape mismatch %v vs %v on axis %d", x.Shape, shape, axis))
			}
		}
		total += x.Shape[axis]
	}
	shape[axis] = total

	out := New(shape...)
	_, inner := splitStrides(shape, axis)

	// Copy block-wise: for each "outer" slice, lay the inputs' axis blocks
	// side by side.
	offsets := make([]int, len(xs))
	pos := 0
	for i, x := range xs {
		offsets[i] = pos
		pos += x.Shape[axis]
	}
	for i, x := range xs {
		copyAxisBlock(out.Data, x.Data, shape, x.Shape, axis, offsets[i], inner, false)
	}
	return record(out, func(t *Tensor) {
		for i, x := range xs {
			copyAxisBlockAdd(t.Grad, x.grad(), shape, x.Shape, axis, offsets[i], true)
		}
	}, xs...)
}

// Split2 splits x into two equal parts along axis. The axis extent must be
// even.
func Split2(x *Tensor, axis int) (*Tensor, *Tensor) {
	if axis < 0 || axis >= len(x.Shape) {
		panic(fmt.Sprintf("tensor: Split2 axis %d out of range for shape %v", axis, x.Shape))
	}
	if x.Shape[axis]%2 != 0 {
		panic(fmt.Sprintf("tensor: Split2 odd extent %d on axis %d", x.Shape[axis], axis))
	}
	half := append([]int(nil), x.Shape...)
	half[axis] /= 2
	_, inner := splitStrides(x.Shape, axis)

	a := New(half...)
	b := New(half...)
	copyAxisBlock(x.Data, a.Data, x.Shape, half, axis, 0, inner, true)
	copyAxisBlock(x.Data, b.Data, x.Shape, half, axis, half[axis], inner, true)

	back := func(off int) func(t *Tensor) {
		return func(t *Tensor) {
			copyAxisBlockAdd(x.grad(), t.Grad, x.Shape, half, axis, off, false)
		}
	}
	record(a, back(0), x)
	record(b, back(half[axis]), x)
	return a, b
}

// splitStrides returns the product of dims before axis and after axis.
func splitStrides(shape []int, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for i := 0; i < axis; i++ {
		outer *= shape[i]
	}
	for i := axis + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, inner
}

// copyAxisBlock copies the small buffer into (or out of, when fromBig) the
// axis block of the big buffer starting at axis offset off. When fromBig is
// true values flow big -> small, otherwise small -> big. Gradient paths that
// need accumulation use copyAxisBlockAdd instead.
func copyAxisBlock(big, small []float32, bigShape, smallShape []int, axis, off, inner int, fromBig bool) {
	outer, _ := splitStrides(bigShape, axis)
	bigAxis := bigShape[axis]
	smallAxis := smallShape[axis]
	for o := 0; o < outer; o++ {
		bigBase := (o*bigAxis + off) * inner
		smallBase := o * smallAxis * inner
		n := smallAxis * inner
		if fromBig {
			copy(small[smallBase:smallBase+n], big[bigBase:bigBase+n])
		} else {
			copy(big[bigBase:bigBase+n], small[smallBase:smallBase+n])
		}
	}
}

// copyAxisBlockAdd accumulates between the small buffer and the axis block of
// the big buffer at offset off. When fromBig is true the block accumulates
// into the small buffer, otherwise the small buffer accumulates into the
// block. Backward paths must always accumulate so that a tensor fanning out
// into several consumers keeps every contribution.
func copyAxisBlockAdd(big, small []float32, bigShape, smallShape []int, axis, off int, fromBig bool) {
	outer, inner := splitStrides(bigShape, axis)
	bigAxis := bigShape[axis]
	smallAxis := smallShape[axis]
	for o := 0; o < outer; o++ {
		bigBase := (o*bigAxis + off) * inner
		smallBase := o * smallAxis * inner
		n := smallAxis * inner
		if fromBig {
			for i := 0; i < n; i++ {
				small[smallBase+i] += big[bigBase+i]
			}
		} else {
			for i := 0; i < n; i++ {
				big[bigBase+i] += small[smallBase+i]
			}
		}
	}
}

// MSE returns the mean squared error between a and b as a scalar tensor.
// Only a receives gradients; b is treated as a constant reference.
func MSE(a, b *Tensor) *Tensor {
	if !sameShape(a, b) {
		panic(fmt.Sprintf("tensor: MSE shape mismatch %v vs %v", a.Shape, b.Shape))
	}
	n := a.Numel()
	var sum float64
	for i := range a.Data {
		d := float64(a.Data[i] - b.Data[i])
		sum += d * d
	}
	out := FromData([]float32{float32(sum / float64(n))}, 1)
	return record(out, func(t *Tensor) {
		g := t.Grad[0]
		ga := a.grad()
		inv := 2 / float32(n)
		for i := range a.Data {
			ga[i] += g * inv * (a.Data[i] - b.Data[i])
		}
	}, a)
}

// AddScalarInto accumulates the scalar tensor s into acc and returns the new
// running sum as a scalar tensor. Used to build up a loss over many terms.
func AddScalarInto(acc, s *Tensor) *Tensor {
	if acc == nil {
		return s
	}
	out := FromData([]float32{acc.Data[0] + s.Data[0]}, 1)
	return record(out, func(t *Tensor) {
		acc.grad()[0] += t.Grad[0]
		s.grad()[0] += t.Grad[0]
	}, acc, s)
}

// FakeQuant fake-quantizes a to a signed integer grid with the given bit
// width and absolute range amax. Values are rounded to the nearest step and
// clamped; the result stays float32. A degenerate amax (NaN or non-positive)
// makes this a passthrough, which is how uncalibrated trackers behave.
//
// The backward pass is the straight-through estimator: gradients flow
// unchanged where |x| <= amax and are cut outside the clamp range.
func FakeQuant(a *Tensor, amax float32, bits int) *Tensor {
	if math.IsNaN(float64(amax)) || amax <= 0 {
		return a
	}
	bound := float32(int32(1)<<(bits-1)) - 1
	out := New(a.Shape...)
	for i, x := range a.Data {
		q := float32(math.RoundToEven(float64(x / amax * bound)))
		if q > bound {
			q = bound
		} else if q < -bound {
			q = -bound
		}
		out.Data[i] = q * amax / bound
	}
	return record(out, func(t *Tensor) {
		ga := a.grad()
		for i, g := range t.Grad {
			if x := a.Data[i]; x >= -amax && x <= amax {
				ga[i] += g
			}
		}
	}, a)
}

// RoundF16 rounds every element through IEEE binary16 and back, emulating the
// numeric effect of a mixed-precision forward. Gradients pass through
// unchanged.
func RoundF16(a *Tensor) *Tensor {
	out := New(a.Shape...)
	for i, x := range a.Data {
		out.Data[i] = float16.Fromfloat32(x).Float32()
	}
	return record(out, func(t *Tensor) {
		ga := a.grad()
		for i, g := range t.Grad {
			ga[i] += g
		}
	}, a)
}
