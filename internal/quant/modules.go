package quant

import (
	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/nn"
	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// QuantConv is the instrumented conv block: the plain block's fields carried
// over verbatim, plus an input tracker and a weight tracker.
type QuantConv struct {
	nn.Conv
	InputQ  *RangeTracker
	WeightQ *RangeTracker
}

func (q *QuantConv) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	x := q.InputQ.Apply(xs[0])
	w := q.WeightQ.Apply(q.Weight)
	y := tensor.Conv2d(x, w, q.Bias, q.Stride, q.Pad)
	if q.Act {
		y = tensor.SiLU(y)
	}
	return y
}

func (q *QuantConv) InputTracker() *RangeTracker     { return q.InputQ }
func (q *QuantConv) SetInputTracker(t *RangeTracker) { q.InputQ = t }
func (q *QuantConv) Trackers() []*RangeTracker       { return []*RangeTracker{q.InputQ, q.WeightQ} }

func (q *QuantConv) CloneModule() graph.Module {
	cp := *q
	cp.Weight = q.Weight.Clone()
	cp.Bias = q.Bias.Clone()
	cp.InputQ = q.InputQ.Clone()
	cp.WeightQ = q.WeightQ.Clone()
	return &cp
}

// QuantMaxPool2d is the instrumented max-pooling node.
type QuantMaxPool2d struct {
	nn.MaxPool2d
	InputQ *RangeTracker
}

// NewQuantMaxPool2d retrofits a plain pooling node, reusing its structural
// parameters and attaching a tracker built from the descriptor.
func NewQuantMaxPool2d(p *nn.MaxPool2d, d Descriptor) *QuantMaxPool2d {
	return &QuantMaxPool2d{MaxPool2d: *p, InputQ: NewTracker(d)}
}

func (q *QuantMaxPool2d) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	return tensor.MaxPool2d(q.InputQ.Apply(xs[0]), q.Kernel, q.Stride, q.Pad)
}

func (q *QuantMaxPool2d) InputTracker() *RangeTracker     { return q.InputQ }
func (q *QuantMaxPool2d) SetInputTracker(t *RangeTracker) { q.InputQ = t }
func (q *QuantMaxPool2d) Trackers() []*RangeTracker       { return []*RangeTracker{q.InputQ} }

func (q *QuantMaxPool2d) CloneModule() graph.Module {
	cp := *q
	cp.InputQ = q.InputQ.Clone()
	return &cp
}

// QuantAvgPool2d is the instrumented average-pooling node.
type QuantAvgPool2d struct {
	nn.AvgPool2d
	InputQ *RangeTracker
}

func (q *QuantAvgPool2d) Forward(xs ...*tensor.Tensor) *tensor.Tensor {
	return tensor.AvgPool2d(q.InputQ.Apply(xs[0]), q.Kernel, q.Stride, q.Pad)
}

func (q *QuantAvgPool2d) InputTracker() *RangeTracker     { return q.InputQ }
func (q *QuantAvgPool2d) SetInputTracker(t *RangeTracker) { q.InputQ = t }
func (q *QuantAvgPool2d) Trackers() []*RangeTracker       { return []*RangeTracker{q.InputQ} }

func (q *QuantAvgPool2d) CloneModule() graph.Module {
	cp := *q
	cp.InputQ = q.InputQ.Clone()
	return &cp
}
