package quant

import (
	"reflect"

	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/nn"
)

// TransferFunc builds the instrumented replacement for an original node.
type TransferFunc func(orig graph.Module) graph.Module

// registry maps the concrete type of an original node to its transfer
// function. Instrumented types are deliberately absent, so running the
// rewriter twice substitutes nothing the second time.
var registry = map[reflect.Type]TransferFunc{}

// RegisterTransfer installs a transfer function for the concrete type of
// example. Registering a type twice panics; transfer behavior must be
// unambiguous.
func RegisterTransfer(example graph.Module, fn TransferFunc) {
	t := reflect.TypeOf(example)
	if _, ok := registry[t]; ok {
		panic("quant: transfer already registered for " + t.String())
	}
	registry[t] = fn
}

// lookupTransfer returns the transfer function for m's concrete type.
func lookupTransfer(m graph.Module) (TransferFunc, bool) {
	fn, ok := registry[reflect.TypeOf(m)]
	return fn, ok
}

// Transfer substitutes m with its instrumented variant if one is registered.
// The replacement carries every field of the original verbatim and adds only
// quantization bookkeeping. Calling it on an already-instrumented node
// returns it unchanged (instrumented types have no registry entry).
func Transfer(m graph.Module) (graph.Module, bool) {
	fn, ok := lookupTransfer(m)
	if !ok {
		return m, false
	}
	return fn(m), true
}

// enableFastHistogram turns on the calibrator fast path used for
// throughput-sensitive collection, mirroring the original toolkit's
// histogram speed-up during transfer.
func enableFastHistogram(ts ...*RangeTracker) {
	for _, t := range ts {
		if h, ok := t.Calib.(*HistogramCalibrator); ok {
			h.Fast = true
		}
	}
}

func init() {
	// Conv carries learned parameters, so it gets both an input and a
	// weight tracker.
	RegisterTransfer(&nn.Conv{}, func(orig graph.Module) graph.Module {
		c := orig.(*nn.Conv)
		q := &QuantConv{
			Conv:    *c,
			InputQ:  NewTracker(DefaultInputDescriptor),
			WeightQ: NewTracker(DefaultWeightDescriptor),
		}
		enableFastHistogram(q.InputQ, q.WeightQ)
		return q
	})

	// Average pooling has no parameters; input tracker only. Max pooling is
	// intentionally not registered: the rule resolver retrofits it.
	RegisterTransfer(&nn.AvgPool2d{}, func(orig graph.Module) graph.Module {
		p := orig.(*nn.AvgPool2d)
		q := &QuantAvgPool2d{
			AvgPool2d: *p,
			InputQ:    NewTracker(DefaultInputDescriptor),
		}
		enableFastHistogram(q.InputQ)
		return q
	})
}
