package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/mantleq/internal/graph"
	"github.com/samcharles93/mantleq/internal/mcfstore"
	"github.com/samcharles93/mantleq/pkg/mcf"
)

func inspectCmd() *cli.Command {
	var (
		path       string
		showQuant  bool
		showOps    bool
		filter     string
		tensorsCap int
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the graph and quantization records of an .mcf model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .mcf file",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{Name: "quant", Usage: "show quantization records", Destination: &showQuant},
			&cli.BoolFlag{Name: "ops", Usage: "show operators", Destination: &showOps},
			&cli.StringFlag{Name: "filter", Usage: "only show tensors whose name contains this substring", Destination: &filter},
			&cli.IntFlag{Name: "limit", Usage: "max tensors to list (0 = all)", Destination: &tensorsCap},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, info, err := mcfstore.Load(path)
			if err != nil {
				return err
			}
			st, err := os.Stat(path)
			if err != nil {
				return err
			}
			out := os.Stdout
			printSummary(out, m, info, st.Size())
			printTensors(out, m, filter, tensorsCap)
			if showQuant {
				printQuant(out, m, filter)
			}
			if showOps {
				printOperators(out, m)
			}
			return nil
		},
	}
}

func printSummary(out io.Writer, m *graph.Model, info *mcf.ModelInfo, size int64) {
	_, _ = fmt.Fprintf(out, "model:      %s\n", m.Name)
	if info != nil {
		if info.Producer != "" {
			_, _ = fmt.Fprintf(out, "producer:   %s\n", info.Producer)
		}
		if !info.Created.IsZero() {
			_, _ = fmt.Fprintf(out, "created:    %s (%s)\n", info.Created.Format("2006-01-02 15:04:05"), humanize.Time(info.Created))
		}
		if info.Source != "" {
			_, _ = fmt.Fprintf(out, "source:     %s\n", info.Source)
		}
		if info.Recipe != "" {
			_, _ = fmt.Fprintf(out, "recipe:     %s\n", info.Recipe)
		}
		if info.Algorithm != "" {
			_, _ = fmt.Fprintf(out, "algorithm:  %s\n", info.Algorithm)
		}
	}
	quantized := 0
	for _, t := range m.Tensors {
		if t.Quant != nil {
			quantized++
		}
	}
	_, _ = fmt.Fprintf(out, "file size:  %s\n", humanize.Bytes(uint64(size)))
	_, _ = fmt.Fprintf(out, "tensors:    %s (%s quantized)\n", humanize.Comma(int64(len(m.Tensors))), humanize.Comma(int64(quantized)))
	_, _ = fmt.Fprintf(out, "operators:  %s\n", humanize.Comma(int64(len(m.Operators))))
	_, _ = fmt.Fprintf(out, "inputs:     %s\n", strings.Join(tensorNames(m, m.Inputs), ", "))
	_, _ = fmt.Fprintf(out, "outputs:    %s\n", strings.Join(tensorNames(m, m.Outputs), ", "))
}

func printTensors(out io.Writer, m *graph.Model, filter string, limit int) {
	_, _ = fmt.Fprintln(out, "\ntensors")
	tbl := tablewriter.NewWriter(out)
	tbl.Header("#", "Name", "DType", "Shape", "Kind", "Size", "Quantization")
	shown := 0
	for i, t := range m.Tensors {
		if filter != "" && !strings.Contains(t.Name, filter) {
			continue
		}
		if limit > 0 && shown == limit {
			break
		}
		shown++
		kind, size := "activation", "-"
		if t.IsConstant() {
			kind = "constant"
			size = humanize.Bytes(uint64(len(m.Buffers[t.Buffer])))
		}
		_ = tbl.Append([]string{strconv.Itoa(i), t.Name, t.DType.String(), shapeString(t.Shape), kind, size, t.Quant.String()})
	}
	_ = tbl.Render()
}

func printQuant(out io.Writer, m *graph.Model, filter string) {
	_, _ = fmt.Fprintln(out, "\nquantization records")
	tbl := tablewriter.NewWriter(out)
	tbl.Header("Name", "Bits", "Symmetric", "Granularity", "Axis", "Scale", "Zero point")
	for _, t := range m.Tensors {
		p := t.Quant
		if p == nil || (filter != "" && !strings.Contains(t.Name, filter)) {
			continue
		}
		scale := fmt.Sprintf("%.6g", p.Scale[0])
		zp := strconv.FormatInt(p.ZeroPoint[0], 10)
		if len(p.Scale) > 1 {
			scale = fmt.Sprintf("%.6g..%.6g (%d)", floats.Min(p.Scale), floats.Max(p.Scale), len(p.Scale))
			zp = fmt.Sprintf("%d values", len(p.ZeroPoint))
		}
		_ = tbl.Append([]string{
			t.Name,
			strconv.Itoa(p.Bits),
			strconv.FormatBool(p.Symmetric),
			p.Granularity.String(),
			strconv.Itoa(p.Axis),
			scale,
			zp,
		})
	}
	_ = tbl.Render()
}

func printOperators(out io.Writer, m *graph.Model) {
	_, _ = fmt.Fprintln(out, "\noperators")
	tbl := tablewriter.NewWriter(out)
	tbl.Header("#", "Kind", "Name", "Inputs", "Outputs")
	for i, op := range m.Operators {
		_ = tbl.Append([]string{
			strconv.Itoa(i),
			string(op.Kind),
			op.Name,
			strings.Join(tensorNames(m, op.Inputs), ", "),
			strings.Join(tensorNames(m, op.Outputs), ", "),
		})
	}
	_ = tbl.Render()
}

func tensorNames(m *graph.Model, idx []int) []string {
	out := make([]string, len(idx))
	for i, t := range idx {
		if t < 0 {
			out[i] = "-"
			continue
		}
		out[i] = m.Tensors[t].Name
	}
	return out
}

func shapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, "x") + "]"
}
