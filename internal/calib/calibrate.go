// Package calib implements the calibration engine: a gradient-free
// statistics collection pass followed by scale resolution on every range
// tracker in the graph.
package calib

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/PINTO0309/yolov9-qat/internal/data"
	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/logger"
	"github.com/PINTO0309/yolov9-qat/internal/quant"
	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// Percentile used when resolving histogram calibrators.
const percentile = 99.999

// Calibrate runs the two calibration phases over the model.
//
// Collect: every tracker with an estimator switches to pure collection
// (quantization effect off); trackers without one are disabled outright.
// Up to numBatches batches stream through the model with gradients disabled,
// images rescaled from raw bytes to [0, 1]. The loop deliberately consumes
// one batch past the nominal count: the boundary check runs after the
// forward, matching the behavior this toolkit reproduces (see DESIGN.md).
//
// Compute: max calibrators resolve directly from their extrema; histogram
// calibrators resolve at the 99.999th percentile with strict checking off,
// so a tracker that never saw data ends with a degenerate NaN scale instead
// of aborting the run. Afterwards every tracker is back in quantizing mode.
func Calibrate(root graph.Module, loader data.Loader, numBatches int, log logger.Logger) error {
	trackers := quant.Trackers(root)
	for _, t := range trackers {
		if t.Calib != nil {
			t.Quantizing = false
			t.Collecting = true
		} else {
			t.Disabled = true
		}
	}

	progress := rate.NewLimiter(rate.Every(time.Second), 1)
	consumed := 0
	tensor.NoGrad(func() {
		loader.Reset()
		for i := 0; ; i++ {
			b, ok := loader.Next()
			if !ok {
				break
			}
			imgs := tensor.Scale(b.Images, 1.0/255)
			graph.Call(root, imgs)
			consumed++
			if progress.Allow() {
				log.Info("collecting calibration stats", "batch", consumed, "target", numBatches)
			}
			if i >= numBatches {
				break
			}
		}
	})
	log.Info("calibration stats collected", "batches", consumed)

	for _, t := range trackers {
		if t.Calib != nil {
			t.Quantizing = true
			t.Collecting = false
		} else {
			t.Disabled = false
		}
	}

	for _, t := range trackers {
		switch c := t.Calib.(type) {
		case nil:
			// No estimator, nothing to resolve.
		case *quant.MaxCalibrator:
			amax, err := c.Amax()
			if err != nil {
				log.Warn("tracker saw no data, scale left degenerate")
			}
			t.Amax = amax
		case *quant.HistogramCalibrator:
			amax, err := c.Percentile(percentile, false)
			if err != nil {
				return err
			}
			t.Amax = amax
		default:
			amax, err := resolveFallback(c)
			if err != nil {
				return err
			}
			t.Amax = amax
		}
	}
	log.Info("calibration scales resolved", "trackers", len(trackers))
	return nil
}

// percentileResolver is satisfied by calibrators that support percentile
// resolution; unknown estimator types fall back to it.
type percentileResolver interface {
	Percentile(pct float64, strict bool) (float32, error)
}

func resolveFallback(c quant.Calibrator) (float32, error) {
	if p, ok := c.(percentileResolver); ok {
		return p.Percentile(percentile, false)
	}
	return 0, quant.ErrNoData
}
