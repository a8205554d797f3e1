package quant

import (
	"fmt"
	"regexp"

	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/logger"
	"github.com/PINTO0309/yolov9-qat/internal/nn"
)

// IgnorePolicy excludes node paths from substitution. A nil policy ignores
// nothing.
type IgnorePolicy interface {
	Match(path string) bool
}

// IgnorePaths matches a path that equals one of its entries exactly or
// matches one as a regular expression anchored at the start of the path.
type IgnorePaths struct {
	exact    map[string]bool
	patterns []*regexp.Regexp
}

// NewIgnorePaths compiles the entries once. A malformed pattern is an error
// rather than a silent skip: a typo'd entry would otherwise quantize the very
// node it was meant to exclude.
func NewIgnorePaths(entries []string) (*IgnorePaths, error) {
	p := &IgnorePaths{exact: make(map[string]bool, len(entries))}
	for _, item := range entries {
		re, err := regexp.Compile(item)
		if err != nil {
			return nil, fmt.Errorf("quant: ignore entry %q: %w", item, err)
		}
		p.exact[item] = true
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

func (p *IgnorePaths) Match(path string) bool {
	if p == nil {
		return false
	}
	if p.exact[path] {
		return true
	}
	for _, re := range p.patterns {
		if loc := re.FindStringIndex(path); loc != nil && loc[0] == 0 {
			return true
		}
	}
	return false
}

// IgnoreFunc adapts a predicate to an IgnorePolicy.
type IgnoreFunc func(path string) bool

func (f IgnoreFunc) Match(path string) bool { return f(path) }

// Rewrite performs the one-shot structural rewrite: a post-order walk over
// the tree substituting every registered node type with its instrumented
// variant, except paths matched by the ignore policy. Replaced nodes are not
// re-visited.
func Rewrite(root graph.Module, policy IgnorePolicy, log logger.Logger) {
	var walk func(m graph.Module, prefix string)
	walk = func(m graph.Module, prefix string) {
		c, ok := m.(graph.Container)
		if !ok {
			return
		}
		for _, ch := range c.Children() {
			path := ch.Name
			if prefix != "" {
				path = prefix + "." + ch.Name
			}
			// Children before parent.
			walk(ch.Module, path)

			fn, ok := lookupTransfer(ch.Module)
			if !ok {
				continue
			}
			if policy != nil && policy.Match(path) {
				log.Info("quantization ignored", "path", path)
				continue
			}
			if err := c.SetChild(ch.Name, fn(ch.Module)); err != nil {
				// Children() reported the name, so this cannot miss.
				panic(err)
			}
			log.Debug("quantization substituted", "path", path)
		}
	}
	walk(root, "")
}

// AttachIrregularWrappers grafts op wrappers onto the irregular structural
// roles: down-sampling split, residual add (only when the shortcut is
// active), concatenation and resampling. Wrapper construction reuses the
// node's structural parameters; nodes already carrying a wrapper are left
// alone. Order-independent over the node set.
func AttachIrregularWrappers(root graph.Module, log logger.Logger) {
	for _, nm := range graph.NamedModules(root) {
		switch n := nm.Module.(type) {
		case *nn.ADown:
			if n.ChunkOp == nil {
				log.Info("attach chunk-split wrapper", "path", nm.Path)
				n.ChunkOp = NewQuantChunkSplit(n.C, 1)
			}
		case *nn.RepNBottleneck:
			if n.Add && n.AddOp == nil {
				log.Info("attach add wrapper", "path", nm.Path)
				n.AddOp = NewQuantAdd()
			}
		case *nn.Concat:
			if n.Op == nil {
				log.Info("attach concat wrapper", "path", nm.Path)
				n.Op = NewQuantConcat(n.Axis)
			}
		case *nn.Upsample:
			if n.Op == nil {
				log.Info("attach resample wrapper", "path", nm.Path)
				n.Op = NewQuantUpsample(n.Size, n.Scale, n.Mode)
			}
		}
	}
}
