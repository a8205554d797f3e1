package quant

import (
	"math"

	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/nn"
	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// RangeTracker is the per-tensor-position quantization primitive: it holds
// the calibratable range state and applies fake quantization once a scale is
// resolved. Trackers may be shared between nodes by pointer; a write through
// one reference is visible through all of them.
//
// Lifecycle: a fresh tracker has no resolved range (Amax is NaN), so Apply is
// a numeric no-op. Calibration flips it to {Collecting, not Quantizing},
// scale resolution flips it back to {Quantizing, not Collecting} with a real
// Amax.
type RangeTracker struct {
	Bits       int
	Disabled   bool // master switch; overrides everything else
	Quantizing bool // apply the fake-quantization effect
	Collecting bool // feed samples to the calibrator
	Calib      Calibrator
	Amax       float32
}

// NewTracker builds a tracker from the descriptor.
func NewTracker(d Descriptor) *RangeTracker {
	d = d.withDefaults()
	return &RangeTracker{
		Bits:       d.NumBits,
		Quantizing: true,
		Calib:      newCalibrator(d),
		Amax:       float32(math.NaN()),
	}
}

// Apply runs the tracker on x: collects statistics when in collection mode
// and fake-quantizes when an effective scale is present. Disabled trackers
// and trackers without a resolved range pass x through untouched.
func (t *RangeTracker) Apply(x *tensor.Tensor) *tensor.Tensor {
	if t.Disabled {
		return x
	}
	if t.Collecting && t.Calib != nil {
		t.Calib.Collect(x)
	}
	if !t.Quantizing {
		return x
	}
	return tensor.FakeQuant(x, t.Amax, t.Bits)
}

// Clone deep-copies the tracker, calibrator state included. Clones never
// share state with the original.
func (t *RangeTracker) Clone() *RangeTracker {
	cp := *t
	if t.Calib != nil {
		cp.Calib = t.Calib.Clone()
	}
	return &cp
}

// exportMode mirrors the original toolchain's global export toggle: the
// exporter flips it on while serializing the graph and restores it after.
// Kept as observable state so collaborators honor the export contract.
var exportMode bool

// SetExportMode switches the export-time behavior toggle.
func SetExportMode(v bool) { exportMode = v }

// ExportMode reports whether export mode is active.
func ExportMode() bool { return exportMode }

// InputQuantized is implemented by instrumented nodes whose input tensor is
// guarded by a tracker directly. Sharing rules re-point that reference.
type InputQuantized interface {
	InputTracker() *RangeTracker
	SetInputTracker(*RangeTracker)
}

// TrackerOwner is implemented by instrumented nodes and lets traversal code
// enumerate every tracker a node holds.
type TrackerOwner interface {
	Trackers() []*RangeTracker
}

// wrapperTrackers surfaces trackers held by wrappers grafted onto irregular
// plain nodes, which do not implement TrackerOwner themselves.
func wrapperTrackers(m graph.Module) []*RangeTracker {
	switch n := m.(type) {
	case *nn.ADown:
		if w, ok := n.ChunkOp.(*QuantChunkSplit); ok {
			return w.trackers()
		}
	case *nn.RepNBottleneck:
		if w, ok := n.AddOp.(*QuantAdd); ok {
			return w.trackers()
		}
	case *nn.Concat:
		if w, ok := n.Op.(*QuantConcat); ok {
			return w.trackers()
		}
	case *nn.Upsample:
		if w, ok := n.Op.(*QuantUpsample); ok {
			return w.trackers()
		}
	}
	return nil
}

// Trackers returns every tracker in the tree, de-duplicated by identity so
// shared trackers appear once.
func Trackers(root graph.Module) []*RangeTracker {
	var out []*RangeTracker
	seen := map[*RangeTracker]bool{}
	add := func(ts []*RangeTracker) {
		for _, t := range ts {
			if t == nil || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, nm := range graph.NamedModules(root) {
		if o, ok := nm.Module.(TrackerOwner); ok {
			add(o.Trackers())
		}
		add(wrapperTrackers(nm.Module))
	}
	return out
}

// HasTracker reports whether any node in the tree owns a tracker.
func HasTracker(root graph.Module) bool {
	return len(Trackers(root)) > 0
}

// DisableAll turns off the quantization effect for every tracker in the
// tree. The scoped equivalent of the original disable context manager.
func DisableAll(root graph.Module) {
	for _, t := range Trackers(root) {
		t.Disabled = true
	}
}

// EnableAll re-enables the quantization effect for every tracker in the
// tree.
func EnableAll(root graph.Module) {
	for _, t := range Trackers(root) {
		t.Disabled = false
	}
}
