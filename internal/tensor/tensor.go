package tensor

import (
	"fmt"
	"math/rand"
)

// Tensor is a dense float32 tensor in row-major layout, typically NCHW for
// image batches. Data holds the flattened values; Grad is allocated lazily the
// first time a gradient is accumulated.
//
// Tensors produced by the ops in this package participate in a reverse-mode
// tape: each result remembers its inputs and a closure that propagates its
// gradient to them. Tensor does not perform any memory safety beyond the
// checks performed by Go's slice types; out-of-range indices panic.
type Tensor struct {
	Shape []int
	Data  []float32
	Grad  []float32

	requiresGrad bool
	prev         []*Tensor
	backfn       func(t *Tensor)
}

// gradEnabled gates tape construction. The toolkit is single-threaded by
// design, so a package flag is sufficient (see NoGrad).
var gradEnabled = true

// NoGrad runs fn with tape construction disabled, restoring the previous
// state afterwards. Calibration and reference-model forwards run under it.
func NoGrad(fn func()) {
	saved := gradEnabled
	gradEnabled = false
	defer func() { gradEnabled = saved }()
	fn()
}

// GradEnabled reports whether ops currently record the tape.
func GradEnabled() bool { return gradEnabled }

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// FromData wraps existing data in a tensor. It checks that the data length
// matches the product of the shape.
func FromData(data []float32, shape ...int) *Tensor {
	t := &Tensor{Shape: append([]int(nil), shape...), Data: data}
	if t.Numel() != len(data) {
		panic("data length mismatch")
	}
	return t
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Dims4 interprets the tensor as NCHW and returns the four dimensions.
func (t *Tensor) Dims4() (n, c, h, w int) {
	if len(t.Shape) != 4 {
		panic(fmt.Sprintf("tensor: want 4 dims, have shape %v", t.Shape))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
}

// SetRequiresGrad marks the tensor as a leaf parameter whose gradient should
// be accumulated during Backward.
func (t *Tensor) SetRequiresGrad(v bool) *Tensor {
	t.requiresGrad = v
	return t
}

// RequiresGrad reports whether the tensor accumulates gradients.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// grad returns the gradient buffer, allocating it on first use.
func (t *Tensor) grad() []float32 {
	if t.Grad == nil {
		t.Grad = make([]float32, t.Numel())
	}
	return t.Grad
}

// ZeroGrad clears the accumulated gradient, keeping the buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// Clone returns a deep copy of the tensor's value. The copy is a leaf: it
// carries no tape history, and inherits the requires-grad flag.
func (t *Tensor) Clone() *Tensor {
	c := New(t.Shape...)
	copy(c.Data, t.Data)
	c.requiresGrad = t.requiresGrad
	return c
}

// record wires out into the tape when gradients are enabled and at least one
// input takes part in differentiation.
func record(out *Tensor, backfn func(t *Tensor), inputs ...*Tensor) *Tensor {
	if !gradEnabled {
		return out
	}
	need := false
	for _, in := range inputs {
		if in.requiresGrad || in.backfn != nil {
			need = true
			break
		}
	}
	if !need {
		return out
	}
	out.requiresGrad = true
	out.prev = append([]*Tensor(nil), inputs...)
	out.backfn = backfn
	return out
}

// Backward runs reverse-mode differentiation from t, which must be a scalar
// (one element). Gradients accumulate into every reachable tensor with
// requires-grad set.
func Backward(t *Tensor) {
	if t.Numel() != 1 {
		panic("tensor: Backward root must be scalar")
	}

	// Topological order over the tape, leaves first.
	var topo []*Tensor
	visited := map[*Tensor]bool{}
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, p := range n.prev {
			visit(p)
		}
		topo = append(topo, n)
	}
	visit(t)

	t.grad()[0] = 1
	for i := len(topo) - 1; i >= 0; i-- {
		n := topo[i]
		if n.backfn != nil {
			n.backfn(n)
		}
	}
}

// Detach drops the tape history, returning the same storage as a leaf.
func (t *Tensor) Detach() *Tensor {
	t.prev = nil
	t.backfn = nil
	return t
}

// Item returns the single value of a scalar tensor.
func (t *Tensor) Item() float32 {
	if t.Numel() != 1 {
		panic("tensor: Item on non-scalar")
	}
	return t.Data[0]
}

// FillRand fills the tensor with reproducible pseudo-random values in a small
// range around zero. The same seed produces the same tensor.
func FillRand(t *Tensor, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}

func sameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}
