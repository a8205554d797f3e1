package quant_test

import (
	"math"
	"testing"

	"github.com/PINTO0309/yolov9-qat/internal/calib"
	"github.com/PINTO0309/yolov9-qat/internal/data"
	"github.com/PINTO0309/yolov9-qat/internal/exporter"
	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/logger"
	"github.com/PINTO0309/yolov9-qat/internal/nn"
	"github.com/PINTO0309/yolov9-qat/internal/quant"
	"github.com/PINTO0309/yolov9-qat/internal/tensor"
	"github.com/PINTO0309/yolov9-qat/internal/toy"
)

func instrument(t *testing.T) *toy.Detector {
	t.Helper()
	model := toy.NewDetector(1)
	quant.Initialize()
	quant.Rewrite(model, nil, logger.Discard())
	quant.AttachIrregularWrappers(model, logger.Discard())

	example := tensor.New(1, 3, 64, 64)
	tensor.FillRand(example, 2)
	if err := quant.ResolveSharing(model, exporter.Func(example), logger.Discard()); err != nil {
		t.Fatal(err)
	}
	return model
}

func TestPipelineInstrumentsEveryRole(t *testing.T) {
	model := instrument(t)
	idx := graph.Index(model)

	// Parameterized nodes became quantized convs.
	for _, path := range []string{"stem", "bottleneck.cv1", "bottleneck.cv2", "down.cv1", "down.cv2", "head"} {
		if _, ok := idx[path].(*quant.QuantConv); !ok {
			t.Fatalf("%s is %T, want *quant.QuantConv", path, idx[path])
		}
	}

	// The plain max pool was retrofitted by the rule resolver.
	pool, ok := idx["pool"].(*quant.QuantMaxPool2d)
	if !ok {
		t.Fatalf("pool is %T, want *quant.QuantMaxPool2d", idx["pool"])
	}
	if _, ok := pool.InputQ.Calib.(*quant.HistogramCalibrator); !ok {
		t.Fatal("retrofitted pool should carry a histogram calibrator")
	}

	// Irregular roles carry wrappers.
	if _, ok := idx["bottleneck"].(*nn.RepNBottleneck).AddOp.(*quant.QuantAdd); !ok {
		t.Fatal("residual add wrapper missing")
	}
	if _, ok := idx["down"].(*nn.ADown).ChunkOp.(*quant.QuantChunkSplit); !ok {
		t.Fatal("chunk-split wrapper missing")
	}
	if _, ok := idx["cat"].(*nn.Concat).Op.(*quant.QuantConcat); !ok {
		t.Fatal("concat wrapper missing")
	}
	if _, ok := idx["up"].(*nn.Upsample).Op.(*quant.QuantUpsample); !ok {
		t.Fatal("resample wrapper missing")
	}
}

func TestResidualTrackersAliasFirstConvInput(t *testing.T) {
	model := instrument(t)
	idx := graph.Index(model)

	add := idx["bottleneck"].(*nn.RepNBottleneck).AddOp.(*quant.QuantAdd)
	cv1 := idx["bottleneck.cv1"].(*quant.QuantConv)

	if add.Q0 != cv1.InputQ || add.Q1 != cv1.InputQ {
		t.Fatal("residual add trackers must be the same object as cv1's input tracker")
	}
}

func TestMergeSharingUnifiesConcatWithConsumer(t *testing.T) {
	model := instrument(t)
	idx := graph.Index(model)

	cat := idx["cat"].(*nn.Concat).Op.(*quant.QuantConcat)
	head := idx["head"].(*quant.QuantConv)

	if cat.Q0 != head.InputQ || cat.Q1 != head.InputQ {
		t.Fatal("concat branch trackers must alias the consumer's input tracker")
	}
}

func TestAliasedTrackerWritesAreVisibleEverywhere(t *testing.T) {
	model := instrument(t)
	idx := graph.Index(model)

	head := idx["head"].(*quant.QuantConv)
	head.InputQ.Amax = 3.5

	cat := idx["cat"].(*nn.Concat).Op.(*quant.QuantConcat)
	if cat.Q0.Amax != 3.5 {
		t.Fatal("amax write through the major not visible through the subordinate")
	}
}

func TestPipelineCalibratesEveryFedTracker(t *testing.T) {
	model := instrument(t)
	loader := data.NewSyntheticLoader(6, [4]int{1, 3, 64, 64}, 3)

	if err := calib.Calibrate(model, loader, 4, logger.Discard()); err != nil {
		t.Fatal(err)
	}
	for i, tr := range quant.Trackers(model) {
		if math.IsNaN(float64(tr.Amax)) || tr.Amax <= 0 {
			t.Fatalf("tracker %d amax = %v after full calibration", i, tr.Amax)
		}
	}
}

func TestQuantizedForwardStaysFinite(t *testing.T) {
	model := instrument(t)
	loader := data.NewSyntheticLoader(4, [4]int{1, 3, 64, 64}, 3)
	if err := calib.Calibrate(model, loader, 2, logger.Discard()); err != nil {
		t.Fatal(err)
	}

	x := tensor.New(1, 3, 64, 64)
	tensor.FillRand(x, 9)
	var out *tensor.Tensor
	tensor.NoGrad(func() {
		out = graph.Call(model, x)
	})
	for _, v := range out.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatal("quantized forward produced a non-finite value")
		}
	}
}
