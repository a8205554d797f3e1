// Package nn provides the plain network building blocks the quantization
// rewriter operates on: convolution blocks, pooling, resampling, concat and
// the composite down-sampling and residual blocks.
//
// Irregular blocks (ADown, RepNBottleneck, Concat, Upsample) carry an
// optional wrapper field typed as a small interface. Their Forward checks the
// field and falls back to the plain computation when it is nil, so wrapped
// and unwrapped instances of the same type coexist without any type-global
// dispatch.
package nn

import (
	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// Conv is a convolution block: conv2d with bias, followed by SiLU when Act is
// set. Batch norm is assumed folded into the weights, as it is in the
// inference graphs this toolkit quantizes.
type Conv struct {
	InCh   int
	OutCh  int
	Kernel int
	Stride int
	Pad    int
	Act    bool

	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

// NewConv builds a conv block with same-style padding and SiLU activation.
// Weights are deterministic pseudo-random so toy graphs are reproducible.
func NewConv(in, out, kernel, stride int, seed int64) *Conv {
	c := &Conv{
		InCh:   in,
		OutCh:  out,
		Kernel: kernel,
		Stride: stride,
		Pad:    kernel / 2,
		Act:    true,
		Weight: tensor.New(out, in, kernel, kernel).SetRequiresGrad(true),
		Bias:   tensor.New(out).SetRequiresGrad(true),
	}
	tensor.FillRand(c.Weight, seed)
	tensor.FillRand(c.Bias, seed+1)
	return c
}

func (c *Conv) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	y := tensor.Conv2d(xs[0], c.Weight, c.Bias, c.Stride, c.Pad)
	if c.Act {
		y = tensor.SiLU(y)
	}
	return y
}

// Parameters returns the learned weight and bias.
func (c *Conv) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{c.Weight, c.Bias}
}

// CloneModule deep-copies the block, parameters included.
func (c *Conv) CloneModule() graph.Module {
	cp := *c
	cp.Weight = c.Weight.Clone()
	cp.Bias = c.Bias.Clone()
	return &cp
}

// MaxPool2d is a plain max-pooling node. It has no drop-in quantized
// replacement in the registry; the rule resolver retrofits it explicitly.
type MaxPool2d struct {
	Kernel int
	Stride int
	Pad    int
}

func (p *MaxPool2d) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	return tensor.MaxPool2d(xs[0], p.Kernel, p.Stride, p.Pad)
}

func (p *MaxPool2d) CloneModule() graph.Module {
	cp := *p
	return &cp
}

// AvgPool2d is a plain average-pooling node.
type AvgPool2d struct {
	Kernel int
	Stride int
	Pad    int
}

func (p *AvgPool2d) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	return tensor.AvgPool2d(xs[0], p.Kernel, p.Stride, p.Pad)
}

func (p *AvgPool2d) CloneModule() graph.Module {
	cp := *p
	return &cp
}
