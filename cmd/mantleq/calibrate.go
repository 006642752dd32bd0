package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mantleq/internal/logger"
	"github.com/samcharles93/mantleq/internal/quantizer"
)

func calibrateCmd() *cli.Command {
	var out string

	return &cli.Command{
		Name:  "calibrate",
		Usage: "Record activation ranges of a float model on random samples",
		Flags: append(append(commonModelFlags(), samplingFlags("samples", 64)...),
			recipeFlag(false),
			&cli.StringFlag{
				Name:        "out",
				Usage:       "path of the ranges file",
				Value:       "calib.json",
				Destination: &out,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyQuantizeConfig(cmd, LoadConfig(), "samples")
			log := logger.FromContext(ctx)

			q, err := quantizer.Open(modelPath,
				quantizer.WithLogger(log),
				quantizer.WithWorkers(workers),
				quantizer.WithProgress(os.Stderr),
			)
			if err != nil {
				return err
			}
			if weights != "" {
				if _, err := q.LoadWeights(weights); err != nil {
					return err
				}
			}
			if recipeRef != "" {
				if err := q.LoadRecipe(recipeRef); err != nil {
					return err
				}
				if !q.NeedsCalibration() {
					log.Warn("recipe does not use activation ranges", "recipe", q.Recipe().Name)
				}
			}

			ranges, err := q.Calibrate(ctx, quantizer.RandomSamples(q.Model(), numSamples, seed))
			if err != nil {
				return err
			}
			if err := ranges.Save(out); err != nil {
				return err
			}
			fmt.Printf("wrote %d tensor ranges to %s\n", len(ranges), out)
			return nil
		},
	}
}
