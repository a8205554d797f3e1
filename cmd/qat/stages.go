package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/PINTO0309/yolov9-qat/internal/quant"
)

// Stage commands run the pipeline up to one stage. With checkpoint I/O out of
// scope there is nothing to resume from, so each stage rebuilds its
// prerequisites deterministically from the seed.

func calibrateCmd() *cli.Command {
	var p pipeline
	return &cli.Command{
		Name:  "calibrate",
		Usage: "Instrument the model and resolve quantization scales from sample batches",
		Flags: p.flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			p.apply(cmd)
			log := p.logger()

			loader, done, err := p.loader()
			if err != nil {
				return err
			}
			defer done()

			model, err := p.instrument(log)
			if err != nil {
				return err
			}
			if err := p.calibrate(model, loader, log); err != nil {
				return err
			}
			for i, tr := range quant.Trackers(model) {
				log.Info("resolved scale", "tracker", i, "bits", tr.Bits, "amax", tr.Amax)
			}
			return nil
		},
	}
}

func finetuneCmd() *cli.Command {
	var p pipeline
	return &cli.Command{
		Name:  "finetune",
		Usage: "Calibrate, then distill the quantized model against its full-precision self",
		Flags: p.flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			p.apply(cmd)
			log := p.logger()

			loader, done, err := p.loader()
			if err != nil {
				return err
			}
			defer done()

			model, err := p.instrument(log)
			if err != nil {
				return err
			}
			if err := p.calibrate(model, loader, log); err != nil {
				return err
			}
			if err := p.finetune(model, loader, log); err != nil {
				return err
			}
			return p.export(model, log)
		},
	}
}

func exportCmd() *cli.Command {
	var p pipeline
	return &cli.Command{
		Name:  "export",
		Usage: "Write the instrumented graph to an interchange JSON file",
		Flags: p.flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			p.apply(cmd)
			log := p.logger()

			model, err := p.instrument(log)
			if err != nil {
				return err
			}
			return p.export(model, log)
		},
	}
}
