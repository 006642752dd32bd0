package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mantleq/internal/mcfstore"
	"github.com/samcharles93/mantleq/internal/quantizer"
)

func validateCmd() *cli.Command {
	var (
		floatPath string
		quantPath string
		all       bool
	)

	return &cli.Command{
		Name:  "validate",
		Usage: "Compare a quantized model against its float model",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "float",
				Usage:       "path to the float .mcf model",
				Destination: &floatPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "quantized",
				Aliases:     []string{"q"},
				Usage:       "path to the quantized .mcf model",
				Destination: &quantPath,
				Required:    true,
			},
			&cli.BoolFlag{
				Name:        "all",
				Usage:       "report every shared tensor, not only graph outputs",
				Destination: &all,
			},
			&cli.IntFlag{
				Name:        "workers",
				Aliases:     []string{"j"},
				Usage:       "worker goroutines (0 = GOMAXPROCS)",
				Destination: &workers,
			},
		}, samplingFlags("samples", 16)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ref, _, err := mcfstore.Load(floatPath)
			if err != nil {
				return err
			}
			cand, _, err := mcfstore.Load(quantPath)
			if err != nil {
				return err
			}
			cmp, err := quantizer.Compare(ctx, ref, cand, quantizer.RandomSamples(ref, numSamples, seed), workers)
			if err != nil {
				return err
			}
			printComparison(os.Stdout, cmp, all)
			return nil
		},
	}
}

func printComparison(out io.Writer, cmp *quantizer.Comparison, all bool) {
	names := cmp.Outputs
	if all {
		names = cmp.Names()
	}
	_, _ = fmt.Fprintf(out, "\nmean squared error over %d sample(s)\n", cmp.Samples)
	tbl := tablewriter.NewWriter(out)
	tbl.Header("Tensor", "MSE")
	for _, name := range names {
		v, ok := cmp.Tensors[name]
		if !ok {
			continue
		}
		_ = tbl.Append([]string{name, fmt.Sprintf("%.6g", v)})
	}
	_ = tbl.Render()
}
