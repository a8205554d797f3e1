// Package quant implements the quantization instrumentation: range trackers
// and their calibrators, quantized node variants, op wrappers for irregular
// graph roles, the type registry with state transfer, the graph rewriter and
// the custom sharing rules.
package quant

import (
	"errors"
	"math"

	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// Calibration methods selectable through a Descriptor.
const (
	MethodMax       = "max"
	MethodHistogram = "histogram"
)

// Descriptor configures a range tracker: bit width and the statistical
// method its calibrator uses. The zero value means 8-bit max calibration.
type Descriptor struct {
	NumBits int
	Method  string
}

func (d Descriptor) withDefaults() Descriptor {
	if d.NumBits == 0 {
		d.NumBits = 8
	}
	if d.Method == "" {
		d.Method = MethodMax
	}
	return d
}

// Default descriptors for registry-substituted node types. Initialize
// switches inputs to histogram calibration; weights always use max.
var (
	DefaultInputDescriptor  = Descriptor{NumBits: 8, Method: MethodMax}
	DefaultWeightDescriptor = Descriptor{NumBits: 8, Method: MethodMax}
)

// Initialize sets the project-wide calibration defaults: histogram-based
// input calibration for substituted node types. Call once before rewriting.
func Initialize() {
	DefaultInputDescriptor = Descriptor{NumBits: 8, Method: MethodHistogram}
}

// ErrNoData reports that a calibrator never received samples. With strict
// checking off the caller resolves the tracker to a degenerate scale instead
// of failing.
var ErrNoData = errors.New("quant: calibrator collected no data")

// Calibrator accumulates statistics about tensor magnitudes during the
// collection phase of calibration.
type Calibrator interface {
	// Collect folds one tensor's values into the statistics.
	Collect(x *tensor.Tensor)
	// Reset discards collected state.
	Reset()
	// Clone deep-copies the calibrator, collected state included.
	Clone() Calibrator
}

// MaxCalibrator tracks the running maximum absolute value.
type MaxCalibrator struct {
	max  float32
	seen bool
}

func (c *MaxCalibrator) Collect(x *tensor.Tensor) {
	for _, v := range x.Data {
		if a := float32(math.Abs(float64(v))); a > c.max {
			c.max = a
		}
	}
	c.seen = true
}

func (c *MaxCalibrator) Reset() { c.max, c.seen = 0, false }

func (c *MaxCalibrator) Clone() Calibrator {
	cp := *c
	return &cp
}

// Amax resolves the range directly from the stored extremum. When no data
// was collected it reports ErrNoData.
func (c *MaxCalibrator) Amax() (float32, error) {
	if !c.seen {
		return float32(math.NaN()), ErrNoData
	}
	return c.max, nil
}

// histogramBins is the resolution of the magnitude histogram.
const histogramBins = 2048

// HistogramCalibrator accumulates a histogram of absolute values and
// resolves the range at a percentile of the observed mass. When Fast is set
// it subsamples the input, trading a little precision for throughput on
// large activation maps.
type HistogramCalibrator struct {
	Fast bool

	counts []uint64
	width  float32 // bin width; 0 until the first sample
	total  uint64
}

func NewHistogramCalibrator() *HistogramCalibrator {
	return &HistogramCalibrator{counts: make([]uint64, histogramBins)}
}

func (c *HistogramCalibrator) Collect(x *tensor.Tensor) {
	stride := 1
	if c.Fast && len(x.Data) >= 4*histogramBins {
		stride = 4
	}

	// Grow the histogram range when a new maximum arrives, re-binning the
	// existing counts at the coarser width.
	var batchMax float32
	for i := 0; i < len(x.Data); i += stride {
		if a := float32(math.Abs(float64(x.Data[i]))); a > batchMax {
			batchMax = a
		}
	}
	if batchMax == 0 && c.width == 0 {
		// All-zero input still counts as observed data.
		c.total += uint64((len(x.Data) + stride - 1) / stride)
		c.counts[0] += uint64((len(x.Data) + stride - 1) / stride)
		return
	}
	if hi := batchMax / histogramBins; c.width == 0 || batchMax > c.width*histogramBins {
		c.rebin(hi)
	}

	for i := 0; i < len(x.Data); i += stride {
		a := float32(math.Abs(float64(x.Data[i])))
		bin := int(a / c.width)
		if bin >= histogramBins {
			bin = histogramBins - 1
		}
		c.counts[bin]++
		c.total++
	}
}

// rebin redistributes existing counts onto a histogram with the new width.
func (c *HistogramCalibrator) rebin(newWidth float32) {
	if newWidth <= 0 {
		return
	}
	if c.width == 0 {
		c.width = newWidth
		return
	}
	old := c.counts
	c.counts = make([]uint64, histogramBins)
	for i, n := range old {
		if n == 0 {
			continue
		}
		center := (float32(i) + 0.5) * c.width
		bin := int(center / newWidth)
		if bin >= histogramBins {
			bin = histogramBins - 1
		}
		c.counts[bin] += n
	}
	c.width = newWidth
}

func (c *HistogramCalibrator) Reset() {
	c.counts = make([]uint64, histogramBins)
	c.width = 0
	c.total = 0
}

func (c *HistogramCalibrator) Clone() Calibrator {
	cp := *c
	cp.counts = append([]uint64(nil), c.counts...)
	return &cp
}

// Percentile resolves the range covering the given percentile of collected
// magnitudes (e.g. 99.999). With strict set, an empty calibrator is an
// error; otherwise it resolves to a degenerate NaN range.
func (c *HistogramCalibrator) Percentile(pct float64, strict bool) (float32, error) {
	if c.total == 0 {
		if strict {
			return 0, ErrNoData
		}
		return float32(math.NaN()), nil
	}
	target := uint64(math.Ceil(float64(c.total) * pct / 100))
	if target > c.total {
		target = c.total
	}
	var cum uint64
	for i, n := range c.counts {
		cum += n
		if cum >= target {
			return (float32(i) + 1) * c.width, nil
		}
	}
	return float32(histogramBins) * c.width, nil
}

func newCalibrator(d Descriptor) Calibrator {
	switch d.Method {
	case MethodHistogram:
		return NewHistogramCalibrator()
	default:
		return &MaxCalibrator{}
	}
}
