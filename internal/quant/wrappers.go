package quant

import (
	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// Op wrappers for irregular graph roles. Each owns the trackers for its
// declared inputs and performs the wrapped arithmetic after tracking. Inputs
// are assumed pre-validated by the caller; shape mismatches surface as
// kernel panics, not contract violations of this layer.

// QuantAdd tracks two inputs independently and sums them.
type QuantAdd struct {
	Q0 *RangeTracker
	Q1 *RangeTracker
}

func NewQuantAdd() *QuantAdd {
	return &QuantAdd{Q0: NewTracker(Descriptor{}), Q1: NewTracker(Descriptor{})}
}

func (w *QuantAdd) Forward(a, b *tensor.Tensor) *tensor.Tensor {
	return tensor.Add(w.Q0.Apply(a), w.Q1.Apply(b))
}

func (w *QuantAdd) CloneOp() any {
	return &QuantAdd{Q0: w.Q0.Clone(), Q1: w.Q1.Clone()}
}

func (w *QuantAdd) trackers() []*RangeTracker { return []*RangeTracker{w.Q0, w.Q1} }

// QuantConcat tracks the first two inputs of the sequence and concatenates
// them along the configured axis.
type QuantConcat struct {
	Axis int
	Q0   *RangeTracker
	Q1   *RangeTracker
}

func NewQuantConcat(axis int) *QuantConcat {
	return &QuantConcat{Axis: axis, Q0: NewTracker(Descriptor{}), Q1: NewTracker(Descriptor{})}
}

func (w *QuantConcat) Forward(xs []*tensor.Tensor) *tensor.Tensor {
	return tensor.Concat(w.Axis, w.Q0.Apply(xs[0]), w.Q1.Apply(xs[1]))
}

func (w *QuantConcat) CloneOp() any {
	return &QuantConcat{Axis: w.Axis, Q0: w.Q0.Clone(), Q1: w.Q1.Clone()}
}

func (w *QuantConcat) trackers() []*RangeTracker { return []*RangeTracker{w.Q0, w.Q1} }

// QuantUpsample tracks one input and resamples it per the configured
// size/scale/mode.
type QuantUpsample struct {
	Size  [2]int
	Scale float64
	Mode  string
	Q     *RangeTracker
}

func NewQuantUpsample(size [2]int, scale float64, mode string) *QuantUpsample {
	return &QuantUpsample{Size: size, Scale: scale, Mode: mode, Q: NewTracker(Descriptor{})}
}

func (w *QuantUpsample) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.ResizeNearest(w.Q.Apply(x), w.Size, w.Scale)
}

func (w *QuantUpsample) CloneOp() any {
	cp := *w
	cp.Q = w.Q.Clone()
	return &cp
}

func (w *QuantUpsample) trackers() []*RangeTracker { return []*RangeTracker{w.Q} }

// QuantChunkSplit tracks one input and splits it into two equal parts along
// the configured axis. C records the per-part channel count of the host
// block.
type QuantChunkSplit struct {
	C    int
	Axis int
	Q    *RangeTracker
}

func NewQuantChunkSplit(c, axis int) *QuantChunkSplit {
	return &QuantChunkSplit{C: c, Axis: axis, Q: NewTracker(Descriptor{})}
}

func (w *QuantChunkSplit) Forward(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	return tensor.Split2(w.Q.Apply(x), w.Axis)
}

func (w *QuantChunkSplit) CloneOp() any {
	cp := *w
	cp.Q = w.Q.Clone()
	return &cp
}

func (w *QuantChunkSplit) trackers() []*RangeTracker { return []*RangeTracker{w.Q} }
