package nn

import (
	"fmt"
	"strconv"

	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// Wrapper capabilities. The quant package provides implementations; keeping
// the interfaces here lets the blocks stay free of quantization imports.
type (
	// AddOp sums two tensors, tracking both inputs.
	AddOp interface {
		Forward(a, b *tensor.Tensor) *tensor.Tensor
	}
	// ConcatOp concatenates selected inputs, tracking them.
	ConcatOp interface {
		Forward(xs []*tensor.Tensor) *tensor.Tensor
	}
	// ResampleOp tracks then resamples one input.
	ResampleOp interface {
		Forward(x *tensor.Tensor) *tensor.Tensor
	}
	// ChunkSplitOp tracks one input then splits it into two equal parts.
	ChunkSplitOp interface {
		Forward(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor)
	}
)

// OpCloner is implemented by quantized wrappers so that cloned blocks get
// their own trackers instead of sharing state with the original.
type OpCloner interface {
	CloneOp() any
}

func cloneOp[T any](op T) T {
	var asAny any = op
	if asAny == nil {
		return op
	}
	if oc, ok := asAny.(OpCloner); ok {
		return oc.CloneOp().(T)
	}
	return op
}

// Sequential chains children in order, naming them "0", "1", ...
type Sequential struct {
	children []graph.Child
}

func NewSequential(mods ...graph.Module) *Sequential {
	s := &Sequential{}
	for i, m := range mods {
		s.children = append(s.children, graph.Child{Name: strconv.Itoa(i), Module: m})
	}
	return s
}

func (s *Sequential) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	x := xs[0]
	for _, ch := range s.children {
		x = graph.Call(ch.Module, x)
	}
	return x
}

func (s *Sequential) Children() []graph.Child {
	return append([]graph.Child(nil), s.children...)
}

func (s *Sequential) SetChild(name string, m graph.Module) error {
	for i := range s.children {
		if s.children[i].Name == name {
			s.children[i].Module = m
			return nil
		}
	}
	return fmt.Errorf("nn: sequential has no child %q", name)
}

// Len returns the number of children.
func (s *Sequential) Len() int { return len(s.children) }

// At returns the i-th child module.
func (s *Sequential) At(i int) graph.Module { return s.children[i].Module }

func (s *Sequential) CloneModule() graph.Module {
	cp := &Sequential{}
	for _, ch := range s.children {
		m, err := graph.Clone(ch.Module)
		if err != nil {
			panic(err)
		}
		cp.children = append(cp.children, graph.Child{Name: ch.Name, Module: m})
	}
	return cp
}

// Concat concatenates its inputs along Axis. When a wrapper is attached the
// inputs are range-tracked first.
type Concat struct {
	Axis int

	Op ConcatOp
}

func (c *Concat) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	if c.Op != nil {
		return c.Op.Forward(xs)
	}
	return tensor.Concat(c.Axis, xs...)
}

func (c *Concat) CloneModule() graph.Module {
	cp := *c
	cp.Op = cloneOp(c.Op)
	return &cp
}

// Upsample resamples its input by Size or Scale using Mode (nearest).
type Upsample struct {
	Size  [2]int
	Scale float64
	Mode  string

	Op ResampleOp
}

func (u *Upsample) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	if u.Op != nil {
		return u.Op.Forward(xs[0])
	}
	return tensor.ResizeNearest(xs[0], u.Size, u.Scale)
}

func (u *Upsample) CloneModule() graph.Module {
	cp := *u
	cp.Op = cloneOp(u.Op)
	return &cp
}

// ADown is the down-sampling split block: average pool, split into two
// halves, convolve one half, max-pool and convolve the other, concatenate.
// C is the per-branch channel count after the split.
type ADown struct {
	C   int
	Cv1 graph.Module
	Cv2 graph.Module

	ChunkOp ChunkSplitOp
}

// NewADown builds the block for in -> out channels.
func NewADown(in, out int, seed int64) *ADown {
	half := out / 2
	return &ADown{
		C:   in / 2,
		Cv1: NewConv(in/2, half, 3, 2, seed),
		Cv2: NewConv(in/2, half, 1, 1, seed+100),
	}
}

func (a *ADown) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	x := tensor.AvgPool2d(xs[0], 2, 1, 0)
	var x1, x2 *tensor.Tensor
	if a.ChunkOp != nil {
		x1, x2 = a.ChunkOp.Forward(x)
	} else {
		x1, x2 = tensor.Split2(x, 1)
	}
	x1 = graph.Call(a.Cv1, x1)
	x2 = tensor.MaxPool2d(x2, 3, 2, 1)
	x2 = graph.Call(a.Cv2, x2)
	return tensor.Concat(1, x1, x2)
}

func (a *ADown) Children() []graph.Child {
	return []graph.Child{{Name: "cv1", Module: a.Cv1}, {Name: "cv2", Module: a.Cv2}}
}

func (a *ADown) SetChild(name string, m graph.Module) error {
	switch name {
	case "cv1":
		a.Cv1 = m
	case "cv2":
		a.Cv2 = m
	default:
		return fmt.Errorf("nn: adown has no child %q", name)
	}
	return nil
}

func (a *ADown) CloneModule() graph.Module {
	cp := *a
	cv1, err := graph.Clone(a.Cv1)
	if err != nil {
		panic(err)
	}
	cv2, err := graph.Clone(a.Cv2)
	if err != nil {
		panic(err)
	}
	cp.Cv1, cp.Cv2 = cv1, cv2
	cp.ChunkOp = cloneOp(a.ChunkOp)
	return &cp
}

// RepNBottleneck is the residual block: two conv blocks with an optional
// shortcut add. Add is only legal when input and output channels match.
type RepNBottleneck struct {
	Cv1 graph.Module
	Cv2 graph.Module
	Add bool

	AddOp AddOp
}

// NewRepNBottleneck builds the block; shortcut requires in == out.
func NewRepNBottleneck(in, out int, shortcut bool, seed int64) *RepNBottleneck {
	return &RepNBottleneck{
		Cv1: NewConv(in, out, 3, 1, seed),
		Cv2: NewConv(out, out, 3, 1, seed+100),
		Add: shortcut && in == out,
	}
}

func (r *RepNBottleneck) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	x := xs[0]
	y := graph.Call(r.Cv2, graph.Call(r.Cv1, x))
	if !r.Add {
		return y
	}
	if r.AddOp != nil {
		return r.AddOp.Forward(x, y)
	}
	return tensor.Add(x, y)
}

func (r *RepNBottleneck) Children() []graph.Child {
	return []graph.Child{{Name: "cv1", Module: r.Cv1}, {Name: "cv2", Module: r.Cv2}}
}

func (r *RepNBottleneck) SetChild(name string, m graph.Module) error {
	switch name {
	case "cv1":
		r.Cv1 = m
	case "cv2":
		r.Cv2 = m
	default:
		return fmt.Errorf("nn: bottleneck has no child %q", name)
	}
	return nil
}

func (r *RepNBottleneck) CloneModule() graph.Module {
	cp := *r
	cv1, err := graph.Clone(r.Cv1)
	if err != nil {
		panic(err)
	}
	cv2, err := graph.Clone(r.Cv2)
	if err != nil {
		panic(err)
	}
	cp.Cv1, cp.Cv2 = cv1, cv2
	cp.AddOp = cloneOp(r.AddOp)
	return &cp
}
