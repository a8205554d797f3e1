package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/PINTO0309/yolov9-qat/internal/calib"
	"github.com/PINTO0309/yolov9-qat/internal/data"
	"github.com/PINTO0309/yolov9-qat/internal/distill"
	"github.com/PINTO0309/yolov9-qat/internal/exporter"
	"github.com/PINTO0309/yolov9-qat/internal/graph"
	"github.com/PINTO0309/yolov9-qat/internal/logger"
	"github.com/PINTO0309/yolov9-qat/internal/quant"
	"github.com/PINTO0309/yolov9-qat/internal/tensor"
	"github.com/PINTO0309/yolov9-qat/internal/toy"
)

// pipeline holds the knobs shared by the stage commands. Checkpoint and
// dataset construction are external collaborators, so the stages run on the
// built-in toy detector fed by a raw dataset file or synthetic batches.
type pipeline struct {
	imageSize       int64
	batchSize       int64
	numBatches      int64
	calibBatches    int64
	epochs          int64
	batchesPerEpoch int64
	lr              float64
	fp16            bool
	dataset         string
	output          string
	seed            int64
	ignore          []string
	logLevel        string
	logFormat       string
}

func (p *pipeline) flags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "image-size",
			Usage:       "square input resolution",
			Value:       64,
			Destination: &p.imageSize,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Usage:       "images per batch",
			Value:       2,
			Destination: &p.batchSize,
		},
		&cli.IntFlag{
			Name:        "num-batches",
			Usage:       "batches produced by the synthetic loader",
			Value:       16,
			Destination: &p.numBatches,
		},
		&cli.IntFlag{
			Name:        "calib-batches",
			Usage:       "nominal batch count for calibration",
			Value:       4,
			Destination: &p.calibBatches,
		},
		&cli.IntFlag{
			Name:        "epochs",
			Usage:       "finetune epochs",
			Value:       3,
			Destination: &p.epochs,
		},
		&cli.IntFlag{
			Name:        "batches-per-epoch",
			Usage:       "early-exit batch budget per epoch",
			Value:       8,
			Destination: &p.batchesPerEpoch,
		},
		&cli.FloatFlag{
			Name:        "lr",
			Usage:       "base learning rate",
			Value:       1e-5,
			Destination: &p.lr,
		},
		&cli.BoolFlag{
			Name:        "fp16",
			Usage:       "round supervised activations through binary16 and train with loss scaling",
			Value:       true,
			Destination: &p.fp16,
		},
		&cli.StringFlag{
			Name:        "dataset",
			Aliases:     []string{"d"},
			Usage:       "raw uint8 NCHW dataset file (default: synthetic batches)",
			Destination: &p.dataset,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "interchange graph output path",
			Value:       "model-qat.json",
			Destination: &p.output,
		},
		&cli.IntFlag{
			Name:        "seed",
			Usage:       "weight and data seed",
			Value:       1,
			Destination: &p.seed,
		},
		&cli.StringSliceFlag{
			Name:        "ignore",
			Usage:       "node path (or path regexp) excluded from quantization, repeatable",
			Destination: &p.ignore,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "debug, info, warn or error",
			Value:       "info",
			Destination: &p.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "pretty or json",
			Value:       "pretty",
			Destination: &p.logFormat,
		},
	}
}

// apply merges the config file under flags the user did not set.
func (p *pipeline) apply(cmd *cli.Command) {
	cfg := LoadConfig()
	applyDemoConfig(cmd, cfg,
		&p.imageSize, &p.batchSize, &p.numBatches, &p.calibBatches, &p.epochs, &p.batchesPerEpoch,
		&p.lr, &p.fp16, &p.dataset, &p.output, &p.logLevel, &p.logFormat)
}

func (p *pipeline) logger() logger.Logger {
	lvl := logger.ParseLevel(p.logLevel)
	if p.logFormat == "json" {
		return logger.JSON(os.Stderr, lvl)
	}
	return logger.Pretty(os.Stderr, lvl)
}

func (p *pipeline) shape() [4]int {
	return [4]int{int(p.batchSize), 3, int(p.imageSize), int(p.imageSize)}
}

// loader opens the dataset file when one is configured, otherwise builds a
// synthetic source. The returned closer is a no-op for synthetic data.
func (p *pipeline) loader() (data.Loader, func(), error) {
	if p.dataset != "" {
		fl, err := data.OpenFileLoader(p.dataset, p.shape())
		if err != nil {
			return nil, nil, err
		}
		return fl, func() { _ = fl.Close() }, nil
	}
	return data.NewSyntheticLoader(int(p.numBatches), p.shape(), p.seed), func() {}, nil
}

func (p *pipeline) example() *tensor.Tensor {
	x := tensor.New(1, 3, int(p.imageSize), int(p.imageSize))
	tensor.FillRand(x, p.seed+1)
	return x
}

// instrument builds the toy detector and runs the structural stage: registry
// rewrite, irregular wrapper attachment and sharing resolution.
func (p *pipeline) instrument(log logger.Logger) (graph.Module, error) {
	model := toy.NewDetector(p.seed)
	ignore, err := quant.NewIgnorePaths(p.ignore)
	if err != nil {
		return nil, err
	}
	quant.Initialize()
	quant.Rewrite(model, ignore, log)
	quant.AttachIrregularWrappers(model, log)
	if err := quant.ResolveSharing(model, exporter.Func(p.example()), log); err != nil {
		return nil, err
	}
	return model, nil
}

func (p *pipeline) calibrate(model graph.Module, loader data.Loader, log logger.Logger) error {
	return calib.Calibrate(model, loader, int(p.calibBatches), log)
}

func (p *pipeline) finetune(model graph.Module, loader data.Loader, log logger.Logger) error {
	opts := distill.DefaultOptions()
	opts.Epochs = int(p.epochs)
	opts.EarlyExitBatchesPerEpoch = int(p.batchesPerEpoch)
	opts.LR = p.lr
	opts.LRSchedule = nil
	opts.FP16 = p.fp16
	opts.DisableLastLayer = true
	opts.Preprocess = func(b *data.Batch) *data.Batch {
		return &data.Batch{Images: tensor.Scale(b.Images, 1.0 / 255)}
	}
	opts.Log = log
	return distill.Finetune(model, loader, opts)
}

func (p *pipeline) export(model graph.Module, log logger.Logger) error {
	if err := exporter.Export(model, p.example(), p.output); err != nil {
		return err
	}
	log.Info("interchange graph written", "output", p.output)
	return nil
}
