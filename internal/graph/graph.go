// Package graph defines the module tree the quantization toolkit rewrites:
// a hierarchy of named, typed nodes addressed by dotted paths, with forward
// hooks and a single polymorphic call entry point.
package graph

import (
	"fmt"
	"strings"

	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// Module is a node in the network graph. Forward takes one or more input
// tensors; nodes that conceptually take a list (concatenation) receive it as
// the variadic slice.
type Module interface {
	Forward(xs ...*tensor.Tensor) *tensor.Tensor
}

// Child pairs a child module with its name inside the parent.
type Child struct {
	Name   string
	Module Module
}

// Container is a module with named children. Children returns them in a
// stable order; child names are unique within a parent. SetChild replaces the
// reference to an existing child.
type Container interface {
	Module
	Children() []Child
	SetChild(name string, m Module) error
}

// Cloner is implemented by modules that can deep-copy themselves, children
// and parameters included. The finetune loop relies on it to freeze a
// reference snapshot.
type Cloner interface {
	CloneModule() Module
}

// Parametered is implemented by modules owning learned parameters.
type Parametered interface {
	Parameters() []*tensor.Tensor
}

// Named pairs a module with its dotted path from the root.
type Named struct {
	Path   string
	Module Module
}

// NamedModules returns the root and every descendant in deterministic
// pre-order, each with its dotted path. The root's path is the empty string.
func NamedModules(root Module) []Named {
	var out []Named
	var walk func(m Module, path string)
	walk = func(m Module, path string) {
		out = append(out, Named{Path: path, Module: m})
		c, ok := m.(Container)
		if !ok {
			return
		}
		for _, ch := range c.Children() {
			p := ch.Name
			if path != "" {
				p = path + "." + ch.Name
			}
			walk(ch.Module, p)
		}
	}
	walk(root, "")
	return out
}

// Index builds a path -> module map in one traversal. Callers that resolve
// several paths should index once instead of re-walking per path.
func Index(root Module) map[string]Module {
	idx := make(map[string]Module)
	for _, nm := range NamedModules(root) {
		idx[nm.Path] = nm.Module
	}
	return idx
}

// Get resolves a dotted path to a module.
func Get(root Module, path string) (Module, error) {
	cur := root
	if path == "" {
		return cur, nil
	}
	for _, name := range strings.Split(path, ".") {
		c, ok := cur.(Container)
		if !ok {
			return nil, fmt.Errorf("graph: %q is not a container while resolving %q", name, path)
		}
		var next Module
		for _, ch := range c.Children() {
			if ch.Name == name {
				next = ch.Module
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("graph: no child %q while resolving %q", name, path)
		}
		cur = next
	}
	return cur, nil
}

// Set replaces the module at a dotted path by updating the child reference on
// its parent.
func Set(root Module, path string, m Module) error {
	if path == "" {
		return fmt.Errorf("graph: cannot replace the root")
	}
	i := strings.LastIndex(path, ".")
	parentPath, name := "", path
	if i >= 0 {
		parentPath, name = path[:i], path[i+1:]
	}
	parent, err := Get(root, parentPath)
	if err != nil {
		return err
	}
	c, ok := parent.(Container)
	if !ok {
		return fmt.Errorf("graph: parent of %q is not a container", path)
	}
	return c.SetChild(name, m)
}

// Clone deep-copies a module tree. Every module in the tree must implement
// Cloner.
func Clone(m Module) (Module, error) {
	c, ok := m.(Cloner)
	if !ok {
		return nil, fmt.Errorf("graph: %T does not support cloning", m)
	}
	return c.CloneModule(), nil
}

// Parameters collects the learned parameters of every module in the tree,
// de-duplicated by identity.
func Parameters(root Module) []*tensor.Tensor {
	var out []*tensor.Tensor
	seen := map[*tensor.Tensor]bool{}
	for _, nm := range NamedModules(root) {
		p, ok := nm.Module.(Parametered)
		if !ok {
			continue
		}
		for _, t := range p.Parameters() {
			if t == nil || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
