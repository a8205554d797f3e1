package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/PINTO0309/yolov9-qat/internal/interchange"
)

func pairsCmd() *cli.Command {
	return &cli.Command{
		Name:      "pairs",
		Usage:     "Print the tracker-sharing pairs implied by an interchange graph file",
		ArgsUsage: "<graph.json>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one graph file argument")
			}
			pairs, err := interchange.FindTrackerPairs(cmd.Args().First())
			if err != nil {
				return err
			}
			if len(pairs) == 0 {
				fmt.Println("no sharing pairs")
				return nil
			}
			for _, p := range pairs {
				fmt.Printf("%s <- %s\n", p.Major, p.Sub)
			}
			return nil
		},
	}
}
