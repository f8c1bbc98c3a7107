package cnn

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Shape is a height x width x channels volume stored in HWC order.
type Shape struct {
	H int
	W int
	C int
}

func (s Shape) Size() int {
	return s.H * s.W * s.C
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.H, s.W, s.C)
}

const (
	kindConv2D    = "conv2d"
	kindMaxPool2D = "maxpool2d"
	kindDense     = "dense"

	activationLinear  = ""
	activationReLU    = "relu"
	activationSoftmax = "softmax"
)

// layer is one stage of a sequential network. backward receives the
// layer's own input and output from the forward pass, accumulates parameter
// gradients into g (same layout as params) and returns the input gradient.
type layer interface {
	spec() LayerSpec
	inShape() Shape
	outShape() Shape
	forward(in []float64) []float64
	backward(in, out, gradOut []float64, g [][]float64) []float64
	params() [][]float64
}

// glorot fills w with Glorot-uniform values.
func glorot(rng *rand.Rand, w []float64, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
}

// conv2D is a valid-padding, stride-1 convolution with an optional fused ReLU.
// Weights are laid out [filter][ky][kx][channel].
type conv2D struct {
	in         Shape
	filters    int
	kernel     int
	activation string
	w          []float64
	b          []float64
}

func newConv2D(in Shape, filters, kernel int, activation string, rng *rand.Rand) (*conv2D, error) {
	if filters < 1 || kernel < 1 || in.H < kernel || in.W < kernel {
		return nil, fmt.Errorf("%w: %d filters of %dx%d over %s input", ErrShape, filters, kernel, kernel, in)
	}
	l := &conv2D{
		in:         in,
		filters:    filters,
		kernel:     kernel,
		activation: activation,
		w:          make([]float64, filters*kernel*kernel*in.C),
		b:          make([]float64, filters),
	}
	if rng != nil {
		glorot(rng, l.w, kernel*kernel*in.C, kernel*kernel*filters)
	}
	return l, nil
}

func (l *conv2D) inShape() Shape { return l.in }

func (l *conv2D) outShape() Shape {
	return Shape{H: l.in.H - l.kernel + 1, W: l.in.W - l.kernel + 1, C: l.filters}
}

func (l *conv2D) params() [][]float64 { return [][]float64{l.w, l.b} }

func (l *conv2D) spec() LayerSpec {
	return LayerSpec{
		Kind:       kindConv2D,
		Input:      l.in,
		Filters:    l.filters,
		Kernel:     l.kernel,
		Activation: l.activation,
		Weights:    l.w,
		Bias:       l.b,
	}
}

func (l *conv2D) forward(in []float64) []float64 {
	sh := l.outShape()
	k, c := l.kernel, l.in.C
	span := k * c
	fsize := k * span
	out := make([]float64, sh.Size())
	for oy := 0; oy < sh.H; oy++ {
		for ox := 0; ox < sh.W; ox++ {
			o := (oy*sh.W + ox) * l.filters
			for f := 0; f < l.filters; f++ {
				wf := l.w[f*fsize : (f+1)*fsize]
				sum := l.b[f]
				for ky := 0; ky < k; ky++ {
					row := ((oy+ky)*l.in.W + ox) * c
					px := in[row : row+span]
					wk := wf[ky*span : (ky+1)*span]
					for j, v := range px {
						sum += v * wk[j]
					}
				}
				if l.activation == activationReLU && sum < 0 {
					sum = 0
				}
				out[o+f] = sum
			}
		}
	}
	return out
}

func (l *conv2D) backward(in, out, gradOut []float64, g [][]float64) []float64 {
	sh := l.outShape()
	k, c := l.kernel, l.in.C
	span := k * c
	fsize := k * span
	gw, gb := g[0], g[1]
	gin := make([]float64, len(in))
	for oy := 0; oy < sh.H; oy++ {
		for ox := 0; ox < sh.W; ox++ {
			o := (oy*sh.W + ox) * l.filters
			for f := 0; f < l.filters; f++ {
				gz := gradOut[o+f]
				if l.activation == activationReLU && out[o+f] <= 0 {
					continue
				}
				if gz == 0 {
					continue
				}
				gb[f] += gz
				wf := l.w[f*fsize : (f+1)*fsize]
				gwf := gw[f*fsize : (f+1)*fsize]
				for ky := 0; ky < k; ky++ {
					row := ((oy+ky)*l.in.W + ox) * c
					base := ky * span
					for j := 0; j < span; j++ {
						gwf[base+j] += gz * in[row+j]
						gin[row+j] += gz * wf[base+j]
					}
				}
			}
		}
	}
	return gin
}

// maxPool2D takes the maximum over non-overlapping size x size windows;
// trailing rows and columns that do not fill a window are dropped.
type maxPool2D struct {
	in   Shape
	size int
}

func newMaxPool2D(in Shape, size int) (*maxPool2D, error) {
	if size < 1 || in.H < size || in.W < size {
		return nil, fmt.Errorf("%w: %dx%d pool over %s input", ErrShape, size, size, in)
	}
	return &maxPool2D{in: in, size: size}, nil
}

func (l *maxPool2D) inShape() Shape { return l.in }

func (l *maxPool2D) outShape() Shape {
	return Shape{H: l.in.H / l.size, W: l.in.W / l.size, C: l.in.C}
}

func (l *maxPool2D) params() [][]float64 { return nil }

func (l *maxPool2D) spec() LayerSpec {
	return LayerSpec{Kind: kindMaxPool2D, Input: l.in, Pool: l.size}
}

// argmax returns the input offset holding the window maximum; the first
// position wins on ties.
func (l *maxPool2D) argmax(in []float64, oy, ox, ch int) int {
	best := -1
	for dy := 0; dy < l.size; dy++ {
		for dx := 0; dx < l.size; dx++ {
			i := ((oy*l.size+dy)*l.in.W+(ox*l.size+dx))*l.in.C + ch
			if best < 0 || in[i] > in[best] {
				best = i
			}
		}
	}
	return best
}

func (l *maxPool2D) forward(in []float64) []float64 {
	sh := l.outShape()
	out := make([]float64, sh.Size())
	for oy := 0; oy < sh.H; oy++ {
		for ox := 0; ox < sh.W; ox++ {
			for ch := 0; ch < sh.C; ch++ {
				out[(oy*sh.W+ox)*sh.C+ch] = in[l.argmax(in, oy, ox, ch)]
			}
		}
	}
	return out
}

func (l *maxPool2D) backward(in, _, gradOut []float64, _ [][]float64) []float64 {
	sh := l.outShape()
	gin := make([]float64, len(in))
	for oy := 0; oy < sh.H; oy++ {
		for ox := 0; ox < sh.W; ox++ {
			for ch := 0; ch < sh.C; ch++ {
				gin[l.argmax(in, oy, ox, ch)] += gradOut[(oy*sh.W+ox)*sh.C+ch]
			}
		}
	}
	return gin
}

// dense is a fully connected layer over the flattened input. Weights are
// laid out [unit][input]. With softmax activation, backward expects the
// gradient with respect to the logits.
type dense struct {
	in         Shape
	units      int
	activation string
	w          []float64
	b          []float64
}

func newDense(in Shape, units int, activation string, rng *rand.Rand) (*dense, error) {
	if units < 1 || in.Size() < 1 {
		return nil, fmt.Errorf("%w: dense %d units over %s input", ErrShape, units, in)
	}
	l := &dense{
		in:         in,
		units:      units,
		activation: activation,
		w:          make([]float64, units*in.Size()),
		b:          make([]float64, units),
	}
	if rng != nil {
		glorot(rng, l.w, in.Size(), units)
	}
	return l, nil
}

func (l *dense) inShape() Shape { return l.in }

func (l *dense) outShape() Shape { return Shape{H: 1, W: 1, C: l.units} }

func (l *dense) params() [][]float64 { return [][]float64{l.w, l.b} }

func (l *dense) spec() LayerSpec {
	return LayerSpec{
		Kind:       kindDense,
		Input:      l.in,
		Units:      l.units,
		Activation: l.activation,
		Weights:    l.w,
		Bias:       l.b,
	}
}

func (l *dense) forward(in []float64) []float64 {
	n := len(in)
	out := make([]float64, l.units)
	for u := 0; u < l.units; u++ {
		sum := l.b[u]
		for i, v := range l.w[u*n : (u+1)*n] {
			sum += v * in[i]
		}
		if l.activation == activationReLU && sum < 0 {
			sum = 0
		}
		out[u] = sum
	}
	if l.activation == activationSoftmax {
		softmax(out)
	}
	return out
}

func (l *dense) backward(in, out, gradOut []float64, g [][]float64) []float64 {
	n := len(in)
	gw, gb := g[0], g[1]
	gin := make([]float64, n)
	for u := 0; u < l.units; u++ {
		gz := gradOut[u]
		if l.activation == activationReLU && out[u] <= 0 {
			continue
		}
		gb[u] += gz
		w := l.w[u*n : (u+1)*n]
		gwu := gw[u*n : (u+1)*n]
		for i, x := range in {
			gwu[i] += gz * x
			gin[i] += gz * w[i]
		}
	}
	return gin
}

// softmax normalizes v in place.
func softmax(v []float64) {
	m := v[0]
	for _, x := range v[1:] {
		m = max(m, x)
	}
	var sum float64
	for i, x := range v {
		v[i] = math.Exp(x - m)
		sum += v[i]
	}
	for i := range v {
		v[i] /= sum
	}
}
