package tensor

import (
	"math"
	"testing"
)

func almostEqual(t *testing.T, got, want, tol float32) {
	t.Helper()
	if float32(math.Abs(float64(got-want))) > tol {
		t.Fatalf("got %v, want %v (tol %v)", got, want, tol)
	}
}

func TestAddBackward(t *testing.T) {
	a := FromData([]float32{1, 2}, 2).SetRequiresGrad(true)
	b := FromData([]float32{3, 4}, 2).SetRequiresGrad(true)
	sum := Add(a, b)
	loss := MSE(sum, New(2))
	Backward(loss)

	// d/da mean((a+b)^2) = 2(a+b)/n
	almostEqual(t, a.Grad[0], 4, 1e-6)
	almostEqual(t, a.Grad[1], 6, 1e-6)
	almostEqual(t, b.Grad[0], 4, 1e-6)
	almostEqual(t, b.Grad[1], 6, 1e-6)
}

func TestScaleBackward(t *testing.T) {
	a := FromData([]float32{2}, 1).SetRequiresGrad(true)
	loss := Scale(a, 3)
	Backward(loss)
	almostEqual(t, a.Grad[0], 3, 1e-6)
}

func TestNoGradRecordsNothing(t *testing.T) {
	a := FromData([]float32{1}, 1).SetRequiresGrad(true)
	var out *Tensor
	NoGrad(func() {
		out = Scale(a, 2)
	})
	if out.backfn != nil || out.prev != nil {
		t.Fatal("op inside NoGrad recorded tape state")
	}
	if !GradEnabled() {
		t.Fatal("grad mode not restored after NoGrad")
	}
}

func TestConcatSplitRoundTrip(t *testing.T) {
	a := FromData([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	b := FromData([]float32{5, 6, 7, 8}, 1, 1, 2, 2)
	c := Concat(1, a, b)
	if c.Shape[1] != 2 {
		t.Fatalf("concat channels = %d, want 2", c.Shape[1])
	}
	x, y := Split2(c, 1)
	for i := range a.Data {
		if x.Data[i] != a.Data[i] || y.Data[i] != b.Data[i] {
			t.Fatalf("roundtrip mismatch at %d: %v %v", i, x.Data, y.Data)
		}
	}
}

func TestConcatBackwardRoutesGradients(t *testing.T) {
	a := FromData([]float32{1, 2}, 1, 1, 1, 2).SetRequiresGrad(true)
	b := FromData([]float32{3, 4}, 1, 1, 1, 2).SetRequiresGrad(true)
	c := Concat(1, a, b)
	loss := MSE(c, New(1, 2, 1, 2))
	Backward(loss)

	// grad = 2c/n with n = 4.
	almostEqual(t, a.Grad[0], 0.5, 1e-6)
	almostEqual(t, a.Grad[1], 1.0, 1e-6)
	almostEqual(t, b.Grad[0], 1.5, 1e-6)
	almostEqual(t, b.Grad[1], 2.0, 1e-6)
}

func TestConcatBackwardAccumulatesWithFanOut(t *testing.T) {
	// x feeds both the concat and a second consumer. The concat backward must
	// add its contribution to x's gradient, not overwrite what the other
	// branch already accumulated.
	x := FromData([]float32{1, -2, 3}, 3).SetRequiresGrad(true)
	z := FromData([]float32{0.5, 0.25, -1}, 3).SetRequiresGrad(true)

	lossOf := func() *Tensor {
		cat := Concat(0, x, z)
		return AddScalarInto(MSE(cat, New(6)), MSE(Scale(x, 2), New(3)))
	}
	Backward(lossOf())

	// Concat branch contributes x/3, scale branch 8x/3, total 3x.
	for i, xi := range x.Data {
		almostEqual(t, x.Grad[i], 3*xi, 1e-5)
	}
	for i, zi := range z.Data {
		almostEqual(t, z.Grad[i], zi/3, 1e-5)
	}

	// Cross-check against central differences.
	const eps = 1e-3
	for i := range x.Data {
		orig := x.Data[i]
		var lo, hi float32
		NoGrad(func() {
			x.Data[i] = orig + eps
			hi = lossOf().Item()
			x.Data[i] = orig - eps
			lo = lossOf().Item()
		})
		x.Data[i] = orig
		almostEqual(t, x.Grad[i], (hi-lo)/(2*eps), 1e-2)
	}
}

func TestSplit2BackwardAccumulates(t *testing.T) {
	x := FromData([]float32{1, 2, 3, 4}, 1, 2, 1, 2).SetRequiresGrad(true)
	a, b := Split2(x, 1)
	loss := AddScalarInto(MSE(a, New(1, 1, 1, 2)), MSE(b, New(1, 1, 1, 2)))
	Backward(loss)

	for i, want := range []float32{1, 2, 3, 4} {
		almostEqual(t, x.Grad[i], want, 1e-6)
	}
}

func TestMSEValue(t *testing.T) {
	a := FromData([]float32{1, 3}, 2)
	b := FromData([]float32{1, 1}, 2)
	almostEqual(t, MSE(a, b).Item(), 2, 1e-6)
}

func TestMSEOnlyFirstArgGetsGradients(t *testing.T) {
	a := FromData([]float32{2}, 1).SetRequiresGrad(true)
	ref := FromData([]float32{0}, 1).SetRequiresGrad(true)
	Backward(MSE(a, ref))
	almostEqual(t, a.Grad[0], 4, 1e-6)
	if len(ref.Grad) != 0 {
		t.Fatalf("reference received gradients: %v", ref.Grad)
	}
}

func TestAddScalarIntoNilIdentity(t *testing.T) {
	s := FromData([]float32{7}, 1)
	if got := AddScalarInto(nil, s); got != s {
		t.Fatal("AddScalarInto(nil, s) should return s itself")
	}
}

func TestFakeQuantDegenerateAmaxIsPassthrough(t *testing.T) {
	a := FromData([]float32{0.3, -1.7}, 2)
	if got := FakeQuant(a, float32(math.NaN()), 8); got != a {
		t.Fatal("NaN amax must pass the input through untouched")
	}
	if got := FakeQuant(a, 0, 8); got != a {
		t.Fatal("zero amax must pass the input through untouched")
	}
	if got := FakeQuant(a, -1, 8); got != a {
		t.Fatal("negative amax must pass the input through untouched")
	}
}

func TestFakeQuantGridAndClamp(t *testing.T) {
	a := FromData([]float32{0, 1, -1, 2, -3}, 5)
	out := FakeQuant(a, 1, 8)

	almostEqual(t, out.Data[0], 0, 1e-6)
	almostEqual(t, out.Data[1], 1, 1e-6)
	almostEqual(t, out.Data[2], -1, 1e-6)
	// Values beyond amax clamp to the extreme grid points.
	almostEqual(t, out.Data[3], 1, 1e-6)
	almostEqual(t, out.Data[4], -1, 1e-6)

	// A value inside the range lands on the nearest of 127 steps.
	b := FromData([]float32{0.5}, 1)
	q := FakeQuant(b, 1, 8).Data[0]
	step := float32(1) / 127
	if r := float32(math.Mod(float64(q), float64(step))); float32(math.Abs(float64(r))) > 1e-5 && float32(math.Abs(float64(r-step))) > 1e-5 {
		t.Fatalf("quantized value %v not on the grid (step %v)", q, step)
	}
}

func TestFakeQuantStraightThroughGradient(t *testing.T) {
	a := FromData([]float32{0.5, 3, -3}, 3).SetRequiresGrad(true)
	out := FakeQuant(a, 1, 8)
	loss := MSE(out, New(3))
	Backward(loss)

	if a.Grad[0] == 0 {
		t.Fatal("in-range element should receive gradient")
	}
	if a.Grad[1] != 0 || a.Grad[2] != 0 {
		t.Fatalf("clipped elements should receive zero gradient, got %v", a.Grad)
	}
}

func TestRoundF16(t *testing.T) {
	a := FromData([]float32{1.0000001, 0.1}, 2).SetRequiresGrad(true)
	out := RoundF16(a)
	almostEqual(t, out.Data[0], 1, 1e-6)
	// binary16 has ~3 decimal digits; 0.1 is representable only approximately.
	almostEqual(t, out.Data[1], 0.1, 1e-3)

	loss := MSE(out, New(2))
	Backward(loss)
	if a.Grad[0] == 0 || a.Grad[1] == 0 {
		t.Fatal("RoundF16 must pass gradients through")
	}
}

func TestSiLU(t *testing.T) {
	a := FromData([]float32{0}, 1)
	almostEqual(t, SiLU(a).Data[0], 0, 1e-6)

	b := FromData([]float32{10}, 1)
	almostEqual(t, SiLU(b).Data[0], 10, 1e-3)
}

func TestBackwardRequiresScalar(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Backward on a non-scalar should panic")
		}
	}()
	Backward(New(2))
}

func TestCloneIsDeepAndDetached(t *testing.T) {
	a := FromData([]float32{1, 2}, 2).SetRequiresGrad(true)
	c := a.Clone()
	c.Data[0] = 99
	if a.Data[0] != 1 {
		t.Fatal("clone shares storage with the original")
	}
	if !c.RequiresGrad() {
		t.Fatal("clone should inherit the requires-grad flag")
	}
}
