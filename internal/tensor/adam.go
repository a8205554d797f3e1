package tensor

import "math"

// Adam implements the Adam optimizer over a fixed parameter list. Moment
// buffers are allocated up front and indexed in parameter order.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	params []*Tensor
	m      [][]float32
	v      [][]float32
	step   int
}

// NewAdam builds an optimizer over params with the given learning rate and
// standard defaults for the remaining coefficients.
func NewAdam(params []*Tensor, lr float64) *Adam {
	a := &Adam{
		LR:     lr,
		Beta1:  0.9,
		Beta2:  0.999,
		Eps:    1e-8,
		params: params,
		m:      make([][]float32, len(params)),
		v:      make([][]float32, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float32, p.Numel())
		a.v[i] = make([]float32, p.Numel())
	}
	return a
}

// SetLR changes the learning rate for subsequent steps.
func (a *Adam) SetLR(lr float64) { a.LR = lr }

// Steps returns how many optimizer steps have been taken.
func (a *Adam) Steps() int { return a.step }

// Step applies one Adam update using the gradients currently held by the
// parameters. Parameters whose gradient was never touched are skipped.
func (a *Adam) Step() {
	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for i, p := range a.params {
		if p.Grad == nil {
			continue
		}
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad {
			gf := float64(g)
			m[j] = float32(a.Beta1*float64(m[j]) + (1-a.Beta1)*gf)
			v[j] = float32(a.Beta2*float64(v[j]) + (1-a.Beta2)*gf*gf)
			mHat := float64(m[j]) / c1
			vHat := float64(v[j]) / c2
			p.Data[j] -= float32(a.LR * mHat / (math.Sqrt(vHat) + a.Eps))
		}
	}
}

// ZeroGrad clears the gradients of every parameter.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// ScaleGrads multiplies every parameter gradient by s. The finetune loop uses
// it to undo loss scaling before a step.
func (a *Adam) ScaleGrads(s float32) {
	for _, p := range a.params {
		for j := range p.Grad {
			p.Grad[j] *= s
		}
	}
}

// GradsFinite reports whether every present gradient is a finite number.
func (a *Adam) GradsFinite() bool {
	for _, p := range a.params {
		for _, g := range p.Grad {
			if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
				return false
			}
		}
	}
	return true
}
