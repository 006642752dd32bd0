package interp

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/mantleq/internal/graph"
	"github.com/samcharles93/mantleq/internal/tensor"
	"github.com/samcharles93/mantleq/pkg/quant"
)

type kernel func(c *call) ([]float32, error)

var kernels = map[graph.OpKind]kernel{
	graph.Add:             binary(func(a, b float32) float32 { return a + b }),
	graph.Sub:             binary(func(a, b float32) float32 { return a - b }),
	graph.Mul:             binary(func(a, b float32) float32 { return a * b }),
	graph.FullyConnected:  fullyConnected,
	graph.Conv2D:          conv2D,
	graph.DepthwiseConv2D: depthwiseConv2D,
	graph.Pad:             pad,
	graph.PadV2:           pad,
	graph.MaxPool2D:       pool(true),
	graph.AveragePool2D:   pool(false),
	graph.Reshape:         identity,
	graph.Tanh:            unary(tensor.Tanh),
	graph.Logistic:        unary(tensor.Sigmoid),
	graph.Relu:            unary(tensor.Relu),
	graph.Relu6:           unary(tensor.Relu6),
	graph.Quantize:        identity,
	graph.Dequantize:      identity,
}

var errShape = errors.New("shape mismatch")

func fused(name string, v []float32) error {
	switch name {
	case "":
	case "RELU":
		tensor.Apply(v, tensor.Relu)
	case "RELU6":
		tensor.Apply(v, tensor.Relu6)
	default:
		return fmt.Errorf("unsupported fused activation %q", name)
	}
	return nil
}

// identity copies its first input. Fake quantization of QUANTIZE outputs
// happens in the run loop from the output record.
func identity(c *call) ([]float32, error) {
	x, _, err := c.input(0)
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), x...), nil
}

func unary(fn func(float32) float32) kernel {
	return func(c *call) ([]float32, error) {
		out, err := identity(c)
		if err != nil {
			return nil, err
		}
		tensor.Apply(out, fn)
		return out, nil
	}
}

// binary evaluates fn with numpy-style broadcasting into the output shape.
func binary(fn func(a, b float32) float32) kernel {
	return func(c *call) ([]float32, error) {
		a, at, err := c.input(0)
		if err != nil {
			return nil, err
		}
		b, bt, err := c.input(1)
		if err != nil {
			return nil, err
		}
		shape := c.output().Shape
		sa, err := broadcastStrides(at.Shape, shape)
		if err != nil {
			return nil, err
		}
		sb, err := broadcastStrides(bt.Shape, shape)
		if err != nil {
			return nil, err
		}
		out := make([]float32, quant.NumElements(shape))
		idx := make([]int, len(shape))
		for i := range out {
			var ia, ib int
			for d, x := range idx {
				ia += x * sa[d]
				ib += x * sb[d]
			}
			out[i] = fn(a[ia], b[ib])
			for d := len(idx) - 1; d >= 0; d-- {
				idx[d]++
				if idx[d] < shape[d] {
					break
				}
				idx[d] = 0
			}
		}
		return out, fused(c.op.Attrs.Activation, out)
	}
}

// broadcastStrides returns the element strides of in aligned to out, with 0
// on broadcast dimensions.
func broadcastStrides(in, out []int) ([]int, error) {
	if len(in) > len(out) {
		return nil, fmt.Errorf("%w: cannot broadcast %v to %v", errShape, in, out)
	}
	strides := make([]int, len(out))
	step := 1
	for d := len(out) - 1; d >= 0; d-- {
		k := d - (len(out) - len(in))
		if k < 0 {
			continue
		}
		switch in[k] {
		case out[d]:
			strides[d] = step
		case 1:
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v to %v", errShape, in, out)
		}
		step *= in[k]
	}
	return strides, nil
}

// addBias adds bias to every row of an [rows, len(bias)] matrix.
func addBias(out, bias []float32) {
	if bias == nil {
		return
	}
	for r := 0; r+len(bias) <= len(out); r += len(bias) {
		tensor.Add(out[r:r+len(bias)], bias)
	}
}

func fullyConnected(c *call) ([]float32, error) {
	x, _, err := c.input(0)
	if err != nil {
		return nil, err
	}
	w, wt, err := c.input(1)
	if err != nil {
		return nil, err
	}
	bias, _, err := c.input(2)
	if err != nil {
		return nil, err
	}
	if wt == nil || len(wt.Shape) != 2 {
		return nil, fmt.Errorf("%w: weights must be [out, in]", errShape)
	}
	units, depth := wt.Shape[0], wt.Shape[1]
	if depth == 0 || len(x)%depth != 0 {
		return nil, fmt.Errorf("%w: %d inputs do not divide into rows of %d", errShape, len(x), depth)
	}
	if bias != nil && len(bias) != units {
		return nil, fmt.Errorf("%w: bias has %d values for %d units", errShape, len(bias), units)
	}
	rows := len(x) / depth
	A := tensor.NewMatFromData(rows, depth, x)
	B := tensor.NewMatFromData(units, depth, w)
	C := tensor.NewMat(rows, units)
	tensor.GemmTransBPar(&C, &A, &B, 1, 0, c.e.workers)
	addBias(C.Data, bias)
	return C.Data, fused(c.op.Attrs.Activation, C.Data)
}

// window describes one spatial axis of a sliding-window operator.
type window struct {
	in, out, filter, stride, dilation, before int
}

func newWindow(in, out, filter, stride, dilation int, padding string) (window, error) {
	stride = max(stride, 1)
	dilation = max(dilation, 1)
	w := window{in: in, out: out, filter: filter, stride: stride, dilation: dilation}
	eff := (filter-1)*dilation + 1
	var want int
	switch padding {
	case "SAME":
		want = (in + stride - 1) / stride
		w.before = max((out-1)*stride+eff-in, 0) / 2
	case "VALID", "":
		want = (in-eff)/stride + 1
	default:
		return w, fmt.Errorf("unsupported padding %q", padding)
	}
	if want != out {
		return w, fmt.Errorf("%w: %s window over %d gives %d, output has %d", errShape, padding, in, want, out)
	}
	return w, nil
}

// pos maps an output and filter position to an input position, or -1 when
// it falls in the padding.
func (w window) pos(o, k int) int {
	i := o*w.stride + k*w.dilation - w.before
	if i < 0 || i >= w.in {
		return -1
	}
	return i
}

func nhwc(t *graph.Tensor) (n, h, w, ch int, err error) {
	if t == nil || len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%w: want a rank-4 NHWC tensor", errShape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

func spatial(c *call, in *graph.Tensor, fh, fw int) (hw, ww window, err error) {
	_, ih, iw, _, err := nhwc(in)
	if err != nil {
		return hw, ww, err
	}
	_, oh, ow, _, err := nhwc(c.output())
	if err != nil {
		return hw, ww, err
	}
	a := c.op.Attrs
	if hw, err = newWindow(ih, oh, fh, a.StrideH, a.DilationH, a.Padding); err != nil {
		return hw, ww, err
	}
	ww, err = newWindow(iw, ow, fw, a.StrideW, a.DilationW, a.Padding)
	return hw, ww, err
}

// conv2D lowers the convolution to im2col followed by a GEMM against the
// OHWI filter viewed as [O, H*W*I].
func conv2D(c *call) ([]float32, error) {
	x, xt, err := c.input(0)
	if err != nil {
		return nil, err
	}
	w, wt, err := c.input(1)
	if err != nil {
		return nil, err
	}
	bias, _, err := c.input(2)
	if err != nil {
		return nil, err
	}
	cout, kh, kw, cin, err := nhwc(wt)
	if err != nil {
		return nil, err
	}
	n, _, _, xc, err := nhwc(xt)
	if err != nil {
		return nil, err
	}
	if xc != cin {
		return nil, fmt.Errorf("%w: input has %d channels, filter wants %d", errShape, xc, cin)
	}
	hw, ww, err := spatial(c, xt, kh, kw)
	if err != nil {
		return nil, err
	}
	patch := kh * kw * cin
	rows := n * hw.out * ww.out
	cols := tensor.NewMat(rows, patch)
	r := 0
	for b := 0; b < n; b++ {
		for oy := 0; oy < hw.out; oy++ {
			for ox := 0; ox < ww.out; ox++ {
				row := cols.Row(r)
				r++
				for ky := 0; ky < kh; ky++ {
					iy := hw.pos(oy, ky)
					if iy < 0 {
						continue
					}
					for kx := 0; kx < kw; kx++ {
						ix := ww.pos(ox, kx)
						if ix < 0 {
							continue
						}
						src := ((b*hw.in+iy)*ww.in + ix) * cin
						copy(row[(ky*kw+kx)*cin:], x[src:src+cin])
					}
				}
			}
		}
	}
	W := tensor.NewMatFromData(cout, patch, w)
	C := tensor.NewMat(rows, cout)
	tensor.GemmTransBPar(&C, &cols, &W, 1, 0, c.e.workers)
	addBias(C.Data, bias)
	return C.Data, fused(c.op.Attrs.Activation, C.Data)
}

func depthwiseConv2D(c *call) ([]float32, error) {
	x, xt, err := c.input(0)
	if err != nil {
		return nil, err
	}
	w, wt, err := c.input(1)
	if err != nil {
		return nil, err
	}
	bias, _, err := c.input(2)
	if err != nil {
		return nil, err
	}
	_, kh, kw, cout, err := nhwc(wt)
	if err != nil {
		return nil, err
	}
	n, _, _, cin, err := nhwc(xt)
	if err != nil {
		return nil, err
	}
	mult := max(c.op.Attrs.Multiplier, 1)
	if cin*mult != cout {
		return nil, fmt.Errorf("%w: %d channels x multiplier %d != %d filter channels", errShape, cin, mult, cout)
	}
	hw, ww, err := spatial(c, xt, kh, kw)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n*hw.out*ww.out*cout)
	for b := 0; b < n; b++ {
		for oy := 0; oy < hw.out; oy++ {
			for ox := 0; ox < ww.out; ox++ {
				dst := out[((b*hw.out+oy)*ww.out+ox)*cout:][:cout]
				if bias != nil {
					copy(dst, bias)
				}
				for ky := 0; ky < kh; ky++ {
					iy := hw.pos(oy, ky)
					if iy < 0 {
						continue
					}
					for kx := 0; kx < kw; kx++ {
						ix := ww.pos(ox, kx)
						if ix < 0 {
							continue
						}
						src := x[((b*hw.in+iy)*ww.in+ix)*cin:][:cin]
						flt := w[(ky*kw+kx)*cout:][:cout]
						for ch, v := range src {
							for m := 0; m < mult; m++ {
								oc := ch*mult + m
								dst[oc] += v * flt[oc]
							}
						}
					}
				}
			}
		}
	}
	return out, fused(c.op.Attrs.Activation, out)
}

func pool(isMax bool) kernel {
	return func(c *call) ([]float32, error) {
		x, xt, err := c.input(0)
		if err != nil {
			return nil, err
		}
		n, _, _, ch, err := nhwc(xt)
		if err != nil {
			return nil, err
		}
		a := c.op.Attrs
		hw, ww, err := spatial(c, xt, a.FilterH, a.FilterW)
		if err != nil {
			return nil, err
		}
		out := make([]float32, n*hw.out*ww.out*ch)
		for b := 0; b < n; b++ {
			for oy := 0; oy < hw.out; oy++ {
				for ox := 0; ox < ww.out; ox++ {
					dst := out[((b*hw.out+oy)*ww.out+ox)*ch:][:ch]
					for k := 0; k < ch; k++ {
						acc := float32(0)
						if isMax {
							acc = float32(math.Inf(-1))
						}
						count := 0
						for ky := 0; ky < a.FilterH; ky++ {
							iy := hw.pos(oy, ky)
							if iy < 0 {
								continue
							}
							for kx := 0; kx < a.FilterW; kx++ {
								ix := ww.pos(ox, kx)
								if ix < 0 {
									continue
								}
								v := x[((b*hw.in+iy)*ww.in+ix)*ch+k]
								if isMax {
									acc = max(acc, v)
								} else {
									acc += v
								}
								count++
							}
						}
						if !isMax && count > 0 {
							acc /= float32(count)
						}
						dst[k] = acc
					}
				}
			}
		}
		return out, fused(a.Activation, out)
	}
}

// pad handles PAD and PADV2. Paddings are an int [rank, 2] constant; the
// PADV2 fill value is a scalar constant.
func pad(c *call) ([]float32, error) {
	x, xt, err := c.input(0)
	if err != nil {
		return nil, err
	}
	paddings, err := c.ints(1)
	if err != nil {
		return nil, err
	}
	rank := len(xt.Shape)
	if len(paddings) != 2*rank {
		return nil, fmt.Errorf("%w: %d paddings for rank %d", errShape, len(paddings), rank)
	}
	var fill float32
	if c.op.Kind == graph.PadV2 {
		v, _, err := c.input(2)
		if err != nil {
			return nil, err
		}
		if len(v) != 1 {
			return nil, fmt.Errorf("%w: pad value must be a scalar", errShape)
		}
		fill = v[0]
	}
	shape := c.output().Shape
	if len(shape) != rank {
		return nil, fmt.Errorf("%w: output rank %d != input rank %d", errShape, len(shape), rank)
	}
	for d := range rank {
		if want := xt.Shape[d] + int(paddings[2*d]+paddings[2*d+1]); want != shape[d] {
			return nil, fmt.Errorf("%w: padded dim %d is %d, output has %d", errShape, d, want, shape[d])
		}
	}
	out := make([]float32, quant.NumElements(shape))
	for i := range out {
		out[i] = fill
	}
	outStrides := make([]int, rank)
	step := 1
	for d := rank - 1; d >= 0; d-- {
		outStrides[d] = step
		step *= shape[d]
	}
	idx := make([]int, rank)
	for _, v := range x {
		dst := 0
		for d, i := range idx {
			dst += (i + int(paddings[2*d])) * outStrides[d]
		}
		out[dst] = v
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < xt.Shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}
