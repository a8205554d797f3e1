package main

import (
	"context"

	"github.com/urfave/cli/v3"
)

func demoCmd() *cli.Command {
	var p pipeline
	return &cli.Command{
		Name:  "demo",
		Usage: "Run the full quantization pipeline on the built-in toy detector",
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
			if err := p.export(model, log); err != nil {
				return err
			}
			log.Info("pipeline complete")
			return nil
		},
	}
}
