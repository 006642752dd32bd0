package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mantleq/internal/calib"
	"github.com/samcharles93/mantleq/internal/logger"
	"github.com/samcharles93/mantleq/internal/quantizer"
)

func quantizeCmd() *cli.Command {
	var (
		outputFile      string
		calibrationPath string
		overwrite       bool
		validateN       int
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Quantize a float .mcf model with a recipe",
		Flags: append(append(commonModelFlags(), samplingFlags("calibration-samples", 64)...),
			recipeFlag(false),
			&cli.StringFlag{
				Name:        "output-dir",
				Aliases:     []string{"o"},
				Usage:       "directory for <model>_<recipe>.mcf (default: next to the model)",
				Destination: &outputDir,
			},
			&cli.StringFlag{
				Name:        "output",
				Usage:       "exact output path (overrides --output-dir)",
				Destination: &outputFile,
			},
			&cli.BoolFlag{
				Name:        "overwrite",
				Aliases:     []string{"f"},
				Usage:       "replace an existing output without asking",
				Destination: &overwrite,
			},
			&cli.StringFlag{
				Name:        "calibration",
				Usage:       "calibration ranges written by `mantleq calibrate`",
				Destination: &calibrationPath,
			},
			&cli.IntFlag{
				Name:        "validate",
				Usage:       "compare the result against the float model on N random samples",
				Destination: &validateN,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyQuantizeConfig(cmd, LoadConfig(), "calibration-samples")
			if recipeRef == "" {
				return errors.New("quantize: --recipe is required")
			}
			log := logger.FromContext(ctx)

			q, err := quantizer.Open(modelPath,
				quantizer.WithLogger(log),
				quantizer.WithWorkers(workers),
				quantizer.WithProgress(os.Stderr),
			)
			if err != nil {
				return err
			}
			if err := q.LoadRecipe(recipeRef); err != nil {
				return err
			}
			if weights != "" {
				if _, err := q.LoadWeights(weights); err != nil {
					return err
				}
			}

			out := outputFile
			if out == "" {
				out = resolveOutputPath(modelPath, q.Recipe().Name, outputDir)
			}
			if !overwrite {
				ok, err := confirmOverwrite(out, os.Stdin, os.Stderr)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("quantize: not overwriting %s", out)
				}
			}

			var ranges calib.Ranges
			switch {
			case calibrationPath != "":
				ranges, err = calib.Load(calibrationPath)
				if err != nil {
					return err
				}
				log.Info("loaded calibration ranges", "path", calibrationPath, "tensors", len(ranges))
			case q.NeedsCalibration():
				ranges, err = q.Calibrate(ctx, quantizer.RandomSamples(q.Model(), numSamples, seed))
				if err != nil {
					return err
				}
			}

			res, err := q.Quantize(ctx, ranges)
			if err != nil {
				return err
			}
			stats, err := q.Export(out, true)
			if err != nil {
				return err
			}

			fmt.Printf("wrote %s\n", out)
			fmt.Printf("operators quantized: %d, tensors quantized: %d, left in float: %d\n",
				res.Operators, stats.Quantized, len(res.Diagnostics))
			if st, err := os.Stat(modelPath); err == nil && st.Size() > 0 {
				before, after := st.Size(), stats.FileSize
				fmt.Printf("size: %s -> %s (%.1f%% of original)\n",
					humanize.Bytes(uint64(before)), humanize.Bytes(uint64(after)),
					100*float64(after)/float64(before))
			}

			if validateN > 0 {
				cmp, err := q.Validate(ctx, res, quantizer.RandomSamples(q.Model(), validateN, seed+1))
				if err != nil {
					return err
				}
				printComparison(os.Stdout, cmp, false)
			}
			return nil
		},
	}
}
