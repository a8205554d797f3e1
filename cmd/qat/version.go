package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/PINTO0309/yolov9-qat/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println(version.String())
			return nil
		},
	}
}
