// Package interchange defines the JSON graph format the exporter writes and
// the pattern matcher that discovers tracker-sharing pairs in it.
package interchange

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Node is one operator in the serialized graph. Tensors are numbered by
// first appearance during the traced forward; Inputs and Output refer to
// those numbers. InputQuantized marks nodes whose input tensors are guarded
// directly by a range tracker.
type Node struct {
	Name           string `json:"name"`
	Op             string `json:"op"`
	Inputs         []int  `json:"inputs"`
	Output         int    `json:"output"`
	InputQuantized bool   `json:"input_quantized"`
}

// Graph is the serialized module graph.
type Graph struct {
	Nodes []Node `json:"nodes"`
}

// Pair is an ordered sharing pair: the subordinate path's input tracker must
// be replaced by the major path's tracker.
type Pair struct {
	Major string
	Sub   string
}

// Encode writes the graph as JSON to path.
func Encode(g *Graph, path string) error {
	buf, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("interchange: encode: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("interchange: write %s: %w", path, err)
	}
	return nil
}

// Decode reads a serialized graph from path.
func Decode(path string) (*Graph, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("interchange: read %s: %w", path, err)
	}
	var g Graph
	if err := json.Unmarshal(buf, &g); err != nil {
		return nil, fmt.Errorf("interchange: parse %s: %w", path, err)
	}
	return &g, nil
}

// mergeOps are operators that combine parallel branches into one tensor; the
// downstream consumer can only apply a single scale, so the branch trackers
// must be unified with it.
var mergeOps = map[string]bool{
	"Concat": true,
}

// passThroughOps preserve the dynamic range of their input, so the consumer
// of their output must reuse the same input scale.
var passThroughOps = map[string]bool{
	"Upsample":       true,
	"MaxPool2d":      true,
	"QuantMaxPool2d": true,
}

// FindTrackerPairs parses the interchange file at path and returns the
// sharing pairs it implies, in discovery order. Pure function: it reads the
// file and touches nothing else.
//
// Three patterns are matched:
//
//  1. Fan-out symmetry: one tensor consumed by several input-quantized
//     nodes. All consumers must summarize the same range, so the first
//     consumer in graph order becomes the major and the rest subordinate.
//  2. Merge symmetry: an input-quantized merge node (concatenation) whose
//     output feeds input-quantized consumers. The merged tensor gets one
//     scale downstream, so the merge node's branch trackers alias the first
//     consumer's tracker.
//  3. Pass-through symmetry: a range-preserving node (resample, max pool)
//     whose output feeds input-quantized consumers; the consumer reuses the
//     pass-through node's input scale.
func FindTrackerPairs(path string) ([]Pair, error) {
	g, err := Decode(path)
	if err != nil {
		return nil, err
	}

	// Input-quantized consumers per tensor id, in graph order.
	consumers := map[int][]string{}
	for _, n := range g.Nodes {
		if !n.InputQuantized {
			continue
		}
		seen := map[int]bool{}
		for _, in := range n.Inputs {
			if seen[in] {
				continue
			}
			seen[in] = true
			consumers[in] = append(consumers[in], n.Name)
		}
	}

	var pairs []Pair
	add := func(major, sub string) {
		if major == sub {
			return
		}
		pairs = append(pairs, Pair{Major: major, Sub: sub})
	}

	// Fan-out: walk nodes (not the map) to keep discovery order stable.
	paired := map[int]bool{}
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			if paired[in] {
				continue
			}
			cs := consumers[in]
			if len(cs) < 2 {
				continue
			}
			paired[in] = true
			for _, sub := range cs[1:] {
				add(cs[0], sub)
			}
		}
	}

	// Merge and pass-through symmetry.
	for _, n := range g.Nodes {
		if !n.InputQuantized {
			continue
		}
		downstream := consumers[n.Output]
		if len(downstream) == 0 {
			continue
		}
		switch {
		case mergeOps[n.Op]:
			add(downstream[0], n.Name)
		case passThroughOps[n.Op]:
			for _, sub := range downstream {
				add(n.Name, sub)
			}
		}
	}
	return pairs, nil
}
