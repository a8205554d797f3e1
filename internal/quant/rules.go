package quant

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/interchange"
	"github.com/PINTO0309/yolov9-qat/internal/logger"
	"github.com/PINTO0309/yolov9-qat/internal/nn"
)

// ExportFunc materializes the current graph to an interchange file at the
// given path. The toolkit treats it as an opaque collaborator; see the
// exporter package for the in-repo implementation.
type ExportFunc func(root graph.Module, path string) error

// inputTracker resolves the tracker guarding a node's input, looking through
// wrapped irregular nodes.
func inputTracker(m graph.Module) (*RangeTracker, bool) {
	if q, ok := m.(InputQuantized); ok {
		return q.InputTracker(), true
	}
	switch n := m.(type) {
	case *nn.Concat:
		if w, ok := n.Op.(*QuantConcat); ok {
			return w.Q0, true
		}
	case *nn.Upsample:
		if w, ok := n.Op.(*QuantUpsample); ok {
			return w.Q, true
		}
	}
	return nil, false
}

// GuardsInput reports whether m's input tensors are guarded directly by a
// range tracker. The exporter marks such nodes in the interchange file.
func GuardsInput(m graph.Module) bool {
	_, ok := inputTracker(m)
	return ok
}

// setInputTracker re-points a node's input tracker reference to t. For a
// wrapped concatenation both branch trackers alias t, since the merged
// tensor can only carry one scale.
func setInputTracker(m graph.Module, t *RangeTracker) bool {
	if q, ok := m.(InputQuantized); ok {
		q.SetInputTracker(t)
		return true
	}
	switch n := m.(type) {
	case *nn.Concat:
		if w, ok := n.Op.(*QuantConcat); ok {
			w.Q0, w.Q1 = t, t
			return true
		}
	case *nn.Upsample:
		if w, ok := n.Op.(*QuantUpsample); ok {
			w.Q = t
			return true
		}
	}
	return false
}

// ResolveSharing exports the graph to a temporary interchange file, matches
// the sharing patterns over it and aliases each subordinate node's input
// tracker to its major's. The temporary file is removed whether or not
// export or parsing succeeds. It then applies two type-keyed heuristics:
// residual-add trackers alias the first convolution's input tracker, and
// plain max-pooling nodes are replaced wholesale with instrumented ones
// using an 8-bit histogram input descriptor.
func ResolveSharing(root graph.Module, export ExportFunc, log logger.Logger) error {
	tmp := filepath.Join(os.TempDir(), "quant-rules-"+uuid.NewString()+".json")
	defer func() { _ = os.Remove(tmp) }()

	if err := export(root, tmp); err != nil {
		return fmt.Errorf("quant: export for rule resolution: %w", err)
	}
	pairs, err := interchange.FindTrackerPairs(tmp)
	if err != nil {
		return fmt.Errorf("quant: rule resolution: %w", err)
	}

	idx := graph.Index(root)
	for _, p := range pairs {
		major, ok := idx[p.Major]
		if !ok {
			return fmt.Errorf("quant: sharing rule names unknown path %q", p.Major)
		}
		sub, ok := idx[p.Sub]
		if !ok {
			return fmt.Errorf("quant: sharing rule names unknown path %q", p.Sub)
		}
		t, ok := inputTracker(major)
		if !ok {
			return fmt.Errorf("quant: major %q has no input tracker", p.Major)
		}
		if !setInputTracker(sub, t) {
			return fmt.Errorf("quant: subordinate %q has no input tracker", p.Sub)
		}
		log.Info("sharing rule applied", "sub", p.Sub, "major", p.Major)
	}

	for _, nm := range graph.NamedModules(root) {
		switch n := nm.Module.(type) {
		case *nn.RepNBottleneck:
			// The add's operands are drawn from ranges already tracked
			// upstream; an independent estimate would be redundant noise.
			if !n.Add {
				continue
			}
			w, ok := n.AddOp.(*QuantAdd)
			if !ok {
				continue
			}
			t, ok := inputTracker(n.Cv1)
			if !ok {
				return fmt.Errorf("quant: residual %q: cv1 has no input tracker", nm.Path)
			}
			w.Q0, w.Q1 = t, t
			log.Info("sharing rule applied", "sub", nm.Path+".add", "major", nm.Path+".cv1")
		case *nn.MaxPool2d:
			// Pooling is outside the registry substitution; retrofit it.
			q := NewQuantMaxPool2d(n, Descriptor{NumBits: 8, Method: MethodHistogram})
			if err := graph.Set(root, nm.Path, q); err != nil {
				return fmt.Errorf("quant: retrofit max pool at %q: %w", nm.Path, err)
			}
			log.Info("max pool retrofitted", "path", nm.Path)
		}
	}
	return nil
}
