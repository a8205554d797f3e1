// Package distill implements supervised distillation fine-tuning: the
// quantized model learns to reproduce the intermediate activations of a
// frozen full-precision copy of itself.
package distill

import (
	"fmt"
	"reflect"
	"time"

	"golang.org/x/time/rate"

	"github.com/PINTO0309/yolov9-qat/internal/data"
	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/logger"
	"github.com/PINTO0309/yolov9-qat/internal/quant"
	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// Options configures Finetune. The zero value is not useful; start from
// DefaultOptions.
type Options struct {
	Epochs                   int
	EarlyExitBatchesPerEpoch int
	LR                       float64
	// LRSchedule maps epoch index to learning rate. Epochs without an entry
	// keep the previously active rate.
	LRSchedule map[int]float64
	// FP16 rounds supervised activations through binary16 and trains with
	// loss scaling.
	FP16 bool
	// DisableLastLayer turns quantization off for the final top-level child
	// when it owns any tracker, protecting output precision.
	DisableLastLayer bool
	// SupervisionPolicy filters which nodes contribute distillation terms.
	// Nil supervises every node.
	SupervisionPolicy func(path string, m graph.Module) bool
	// Preprocess transforms each batch before the forward passes.
	Preprocess func(b *data.Batch) *data.Batch
	// PerEpochCallback runs after each epoch; returning true stops training.
	PerEpochCallback func(root graph.Module, epoch int, lr float64) bool

	Log logger.Logger
}

// DefaultOptions mirrors the original toolkit's finetune defaults.
func DefaultOptions() Options {
	return Options{
		Epochs:                   10,
		EarlyExitBatchesPerEpoch: 1000,
		LR:                       1e-5,
		LRSchedule:               map[int]float64{0: 1e-6, 3: 1e-5, 6: 1e-6},
		FP16:                     true,
		Log:                      logger.Default(),
	}
}

// pair supervises one node: outputs of the live module are matched against
// outputs of its frozen counterpart.
type pair struct {
	live graph.Module
	ref  graph.Module
}

// Finetune trains root in place. The frozen reference is a deep clone taken
// before any update, with quantization disabled; later mutation of root
// does not affect it.
func Finetune(root graph.Module, loader data.Loader, opts Options) error {
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}

	refModule, err := graph.Clone(root)
	if err != nil {
		return fmt.Errorf("distill: freeze reference: %w", err)
	}
	quant.DisableAll(refModule)
	for _, p := range graph.Parameters(refModule) {
		p.SetRequiresGrad(false)
	}

	if opts.DisableLastLayer {
		if c, ok := root.(graph.Container); ok {
			if children := c.Children(); len(children) > 0 {
				last := children[len(children)-1]
				if quant.HasTracker(last.Module) {
					log.Info("quantization disabled for last layer", "path", last.Name)
					quant.DisableAll(last.Module)
				}
			}
		}
	}

	pairs, err := supervisionPairs(root, refModule, opts.SupervisionPolicy)
	if err != nil {
		return err
	}

	opt := tensor.NewAdam(graph.Parameters(root), opts.LR)
	lr := opts.LR
	scale := float32(65536)
	progress := rate.NewLimiter(rate.Every(time.Second), 1)

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if r, ok := opts.LRSchedule[epoch]; ok {
			lr = r
			opt.SetLR(lr)
		}

		stop, err := runEpoch(root, refModule, loader, pairs, opt, opts, epoch, lr, &scale, progress, log)
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}
	return nil
}

// runEpoch executes one epoch. Hooks are attached at entry and removed on
// every exit path; leaving them behind would corrupt later export or
// checkpoint use of the model.
func runEpoch(
	root, refModule graph.Module,
	loader data.Loader,
	pairs []pair,
	opt *tensor.Adam,
	opts Options,
	epoch int,
	lr float64,
	scale *float32,
	progress *rate.Limiter,
	log logger.Logger,
) (stop bool, err error) {
	var liveOuts, refOuts []*tensor.Tensor
	var handles []graph.HookHandle
	defer func() {
		for _, h := range handles {
			h.Remove()
		}
	}()

	for _, p := range pairs {
		handles = append(handles, graph.RegisterForwardHook(p.live, func(_ graph.Module, _ []*tensor.Tensor, out *tensor.Tensor) {
			liveOuts = append(liveOuts, out)
		}))
		handles = append(handles, graph.RegisterForwardHook(p.ref, func(_ graph.Module, _ []*tensor.Tensor, out *tensor.Tensor) {
			refOuts = append(refOuts, out)
		}))
	}

	loader.Reset()
	for ibatch := 0; ; ibatch++ {
		if ibatch >= opts.EarlyExitBatchesPerEpoch {
			break
		}
		b, ok := loader.Next()
		if !ok {
			break
		}
		if opts.Preprocess != nil {
			b = opts.Preprocess(b)
		}

		graph.Call(root, b.Images)
		tensor.NoGrad(func() {
			graph.Call(refModule, b.Images)
		})

		// Matched hooks must fire the same number of times on both sides;
		// anything else means the pairing invariant is broken and the buffers
		// would compare unrelated outputs.
		if len(liveOuts) != len(refOuts) {
			return false, fmt.Errorf("distill: supervised outputs diverge: %d live vs %d reference", len(liveOuts), len(refOuts))
		}
		var loss *tensor.Tensor
		for i := range liveOuts {
			live := liveOuts[i]
			if opts.FP16 {
				live = tensor.RoundF16(live)
			}
			loss = tensor.AddScalarInto(loss, tensor.MSE(live, refOuts[i]))
		}
		liveOuts = liveOuts[:0]
		refOuts = refOuts[:0]

		if loss == nil {
			// Empty supervision set: nothing to optimize this batch.
			continue
		}

		lossVal := loss.Item()
		if opts.FP16 {
			tensor.Backward(tensor.Scale(loss, *scale))
			opt.ScaleGrads(1 / *scale)
			if opt.GradsFinite() {
				opt.Step()
			} else {
				*scale /= 2
				log.Warn("non-finite gradients, step skipped", "scale", *scale)
			}
		} else {
			tensor.Backward(loss)
			opt.Step()
		}
		opt.ZeroGrad()

		if progress.Allow() {
			log.Info("finetune", "epoch", epoch+1, "batch", ibatch+1, "loss", lossVal, "lr", lr)
		}
	}

	if opts.PerEpochCallback != nil && opts.PerEpochCallback(root, epoch, lr) {
		return true, nil
	}
	return false, nil
}

// supervisionPairs zips the live and reference trees node for node. The two
// graphs must be structurally isomorphic in traversal order; any divergence
// is fatal because matched hooks would otherwise compare unrelated outputs.
func supervisionPairs(root, refModule graph.Module, policy func(string, graph.Module) bool) ([]pair, error) {
	live := graph.NamedModules(root)
	ref := graph.NamedModules(refModule)
	if len(live) != len(ref) {
		return nil, fmt.Errorf("distill: model and reference diverge: %d vs %d nodes", len(live), len(ref))
	}
	var pairs []pair
	for i := range live {
		if live[i].Path != ref[i].Path {
			return nil, fmt.Errorf("distill: model and reference diverge at %q vs %q", live[i].Path, ref[i].Path)
		}
		if reflect.TypeOf(live[i].Module) != reflect.TypeOf(ref[i].Module) {
			return nil, fmt.Errorf("distill: node type mismatch at %q: %T vs %T", live[i].Path, live[i].Module, ref[i].Module)
		}
		if policy != nil && !policy(live[i].Path, live[i].Module) {
			continue
		}
		pairs = append(pairs, pair{live: live[i].Module, ref: ref[i].Module})
	}
	return pairs, nil
}
