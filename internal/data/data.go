// Package data provides the batch sources the calibration and finetune
// loops stream from. Batches carry raw byte-range pixel values (0..255) as
// float32; consumers rescale as needed.
package data

import (
	"fmt"
	"math/rand"

	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// Batch is one unit of streamed data. Images is an NCHW tensor of raw pixel
// values in [0, 255].
type Batch struct {
	Images *tensor.Tensor
}

// Loader iterates over batches. Next returns false when the source is
// exhausted; Reset rewinds to the beginning.
type Loader interface {
	Next() (*Batch, bool)
	Reset()
}

// SyntheticLoader produces a fixed number of deterministic pseudo-random
// batches. It stands in for the dataset collaborator in tests and the demo
// pipeline.
type SyntheticLoader struct {
	NumBatches int
	Shape      [4]int // N, C, H, W
	Seed       int64

	pos int
}

// NewSyntheticLoader builds a loader of numBatches batches with the given
// batch shape.
func NewSyntheticLoader(numBatches int, shape [4]int, seed int64) *SyntheticLoader {
	return &SyntheticLoader{NumBatches: numBatches, Shape: shape, Seed: seed}
}

func (l *SyntheticLoader) Next() (*Batch, bool) {
	if l.pos >= l.NumBatches {
		return nil, false
	}
	rng := rand.New(rand.NewSource(l.Seed + int64(l.pos)))
	l.pos++
	t := tensor.New(l.Shape[0], l.Shape[1], l.Shape[2], l.Shape[3])
	for i := range t.Data {
		t.Data[i] = float32(rng.Intn(256))
	}
	return &Batch{Images: t}, true
}

func (l *SyntheticLoader) Reset() { l.pos = 0 }

// batchBytes returns the byte size of one batch for a shape.
func batchBytes(shape [4]int) int {
	return shape[0] * shape[1] * shape[2] * shape[3]
}

var errShortFile = fmt.Errorf("data: file smaller than one batch")
