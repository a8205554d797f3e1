package toy

import (
	"testing"

	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

func TestDetectorOutputShape(t *testing.T) {
	d := NewDetector(1)
	x := tensor.New(1, 3, 64, 64)
	tensor.FillRand(x, 2)

	out := graph.Call(d, x)
	want := []int{1, 18, 16, 16}
	for i := range want {
		if out.Shape[i] != want[i] {
			t.Fatalf("output shape %v, want %v", out.Shape, want)
		}
	}
}

func TestDetectorChildPaths(t *testing.T) {
	d := NewDetector(1)
	idx := graph.Index(d)
	for _, path := range []string{
		"stem", "bottleneck", "bottleneck.cv1", "bottleneck.cv2",
		"down", "down.cv1", "down.cv2", "pool", "up", "cat", "head",
	} {
		if idx[path] == nil {
			t.Fatalf("missing path %q", path)
		}
	}
}

func TestDetectorCloneIsIndependent(t *testing.T) {
	d := NewDetector(1)
	cp, err := graph.Clone(d)
	if err != nil {
		t.Fatal(err)
	}

	origParams := graph.Parameters(d)
	cloneParams := graph.Parameters(cp)
	if len(origParams) != len(cloneParams) {
		t.Fatalf("parameter count %d vs %d", len(origParams), len(cloneParams))
	}
	for i := range origParams {
		if origParams[i] == cloneParams[i] {
			t.Fatal("clone shares a parameter tensor with the original")
		}
	}
}

func TestDetectorDeterministicBySeed(t *testing.T) {
	a := NewDetector(5)
	b := NewDetector(5)
	x := tensor.New(1, 3, 64, 64)
	tensor.FillRand(x, 9)

	outA := graph.Call(a, x)
	outB := graph.Call(b, x)
	for i := range outA.Data {
		if outA.Data[i] != outB.Data[i] {
			t.Fatal("same seed produced different outputs")
		}
	}
}
