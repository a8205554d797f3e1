// Package toy provides a small detector-shaped network used for testing and
// for the CLI demo pipeline. It is deliberately tiny but exercises every
// structural role the quantization rewriter cares about: a residual add, a
// down-sampling split, plain max pooling, resampling and a concatenation
// merge.
package toy

import (
	"fmt"

	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/nn"
	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// Detector is the toy network. For a 3x64x64 input:
//
//	stem       3 ->  8 channels, stride 2      (8 x 32 x 32)
//	bottleneck 8 ->  8, shortcut add           (8 x 32 x 32)
//	down       8 -> 16, split block            (16 x 16 x 16)
//	pool       max pool stride 2               (16 x  8 x  8)
//	up         nearest x2                      (16 x 16 x 16)
//	cat        concat(down out, up out)        (32 x 16 x 16)
//	head       1x1 conv, no activation         (18 x 16 x 16)
type Detector struct {
	children []graph.Child
}

// NewDetector builds the network with deterministic weights derived from
// seed.
func NewDetector(seed int64) *Detector {
	head := nn.NewConv(32, 18, 1, 1, seed+600)
	head.Act = false
	return &Detector{children: []graph.Child{
		{Name: "stem", Module: nn.NewConv(3, 8, 3, 2, seed)},
		{Name: "bottleneck", Module: nn.NewRepNBottleneck(8, 8, true, seed+200)},
		{Name: "down", Module: nn.NewADown(8, 16, seed+300)},
		{Name: "pool", Module: &nn.MaxPool2d{Kernel: 2, Stride: 2}},
		{Name: "up", Module: &nn.Upsample{Scale: 2, Mode: "nearest"}},
		{Name: "cat", Module: &nn.Concat{Axis: 1}},
		{Name: "head", Module: head},
	}}
}

func (d *Detector) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	x := graph.Call(d.children[0].Module, xs[0]) // stem
	x = graph.Call(d.children[1].Module, x)      // bottleneck
	x = graph.Call(d.children[2].Module, x)      // down
	p := graph.Call(d.children[3].Module, x)     // pool
	u := graph.Call(d.children[4].Module, p)     // up
	c := graph.Call(d.children[5].Module, x, u)  // cat
	return graph.Call(d.children[6].Module, c)   // head
}

func (d *Detector) Children() []graph.Child {
	return append([]graph.Child(nil), d.children...)
}

func (d *Detector) SetChild(name string, m graph.Module) error {
	for i := range d.children {
		if d.children[i].Name == name {
			d.children[i].Module = m
			return nil
		}
	}
	return fmt.Errorf("toy: detector has no child %q", name)
}

func (d *Detector) CloneModule() graph.Module {
	cp := &Detector{}
	for _, ch := range d.children {
		m, err := graph.Clone(ch.Module)
		if err != nil {
			panic(err)
		}
		cp.children = append(cp.children, graph.Child{Name: ch.Name, Module: m})
	}
	return cp
}
