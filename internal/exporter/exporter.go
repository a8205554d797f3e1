// Package exporter serializes a module graph to the JSON interchange format
// by tracing one forward pass through hooks. It is the in-repo
// implementation of the export collaborator the rule resolver invokes.
package exporter

import (
	"fmt"
	"reflect"

	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/interchange"
	"github.com/PINTO0309/yolov9-qat/internal/quant"
	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// Export runs one gradient-free forward of root on example, recording every
// module invocation as an interchange node, and writes the graph to path.
// The quantization export-mode toggle is flipped on for the duration and
// restored afterwards, per the export contract.
func Export(root graph.Module, example *tensor.Tensor, path string) (err error) {
	quant.SetExportMode(true)
	defer quant.SetExportMode(false)

	ids := map[*tensor.Tensor]int{}
	nextID := 0
	id := func(t *tensor.Tensor) int {
		if n, ok := ids[t]; ok {
			return n
		}
		ids[t] = nextID
		nextID++
		return ids[t]
	}

	g := &interchange.Graph{}
	var handles []graph.HookHandle
	defer func() {
		for _, h := range handles {
			h.Remove()
		}
	}()

	for _, nm := range graph.NamedModules(root) {
		if nm.Path == "" {
			continue
		}
		nm := nm
		handles = append(handles, graph.RegisterForwardHook(nm.Module, func(m graph.Module, inputs []*tensor.Tensor, output *tensor.Tensor) {
			node := interchange.Node{
				Name:           nm.Path,
				Op:             opName(m),
				InputQuantized: quant.GuardsInput(m),
			}
			for _, in := range inputs {
				node.Inputs = append(node.Inputs, id(in))
			}
			node.Output = id(output)
			g.Nodes = append(g.Nodes, node)
		}))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("exporter: trace failed: %v", r)
		}
	}()
	tensor.NoGrad(func() {
		graph.Call(root, example)
	})

	return interchange.Encode(g, path)
}

// Func adapts Export to the rule resolver's collaborator signature, binding
// the example input.
func Func(example *tensor.Tensor) func(root graph.Module, path string) error {
	return func(root graph.Module, path string) error {
		return Export(root, example, path)
	}
}

// opName reports the concrete type name of a module without its package
// qualifier, e.g. "Conv" or "QuantMaxPool2d".
func opName(m graph.Module) string {
	t := reflect.TypeOf(m)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
