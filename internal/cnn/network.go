// Package cnn is a small sequential convolutional network: forward
// inference, back-propagation with Adam, and a self-describing on-disk
// artifact. It is sized for demo models, not for real training workloads.
package cnn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

var (
	ErrShape              = errors.New("incompatible layer shape")
	ErrInputSize          = errors.New("input size does not match network input")
	ErrBadMagic           = errors.New("not a model artifact")
	ErrUnsupportedVersion = errors.New("unsupported artifact version")
	ErrCorruptArtifact    = errors.New("corrupt model artifact")
	ErrEmptyDataset       = errors.New("dataset is empty")
)

// Architecture describes the conv/pool stages, the hidden dense layer and
// the softmax head.
type Architecture struct {
	Input   Shape
	Classes int
	Filters []int
	Kernel  int
	Pool    int
	Hidden  int
}

// DefaultArchitecture is two conv+pool stages (16 and 32 filters, 3x3
// kernels, 2x2 pooling), a 64-unit ReLU layer and a softmax over classes.
func DefaultArchitecture(size, classes int) Architecture {
	return Architecture{
		Input:   Shape{H: size, W: size, C: 3},
		Classes: classes,
		Filters: []int{16, 32},
		Kernel:  3,
		Pool:    2,
		Hidden:  64,
	}
}

// Network is a trained or freshly initialized sequential classifier.
// Inference does not mutate it; training must not run concurrently with
// inference.
type Network struct {
	input  Shape
	layers []layer
}

// New builds and initializes a network from an architecture.
func New(arch Architecture, rng *rand.Rand) (*Network, error) {
	if arch.Classes < 2 {
		return nil, fmt.Errorf("%w: need at least 2 classes, got %d", ErrShape, arch.Classes)
	}
	if arch.Input.Size() < 1 {
		return nil, fmt.Errorf("%w: empty input %s", ErrShape, arch.Input)
	}

	var layers []layer
	shape := arch.Input
	push := func(l layer, err error) error {
		if err != nil {
			return err
		}
		layers = append(layers, l)
		shape = l.outShape()
		if shape.Size() < 1 {
			return fmt.Errorf("%w: input %s collapses to %s", ErrShape, arch.Input, shape)
		}
		return nil
	}

	for _, filters := range arch.Filters {
		if err := push(newConv2D(shape, filters, arch.Kernel, activationReLU, rng)); err != nil {
			return nil, err
		}
		if err := push(newMaxPool2D(shape, arch.Pool)); err != nil {
			return nil, err
		}
	}
	if arch.Hidden > 0 {
		if err := push(newDense(shape, arch.Hidden, activationReLU, rng)); err != nil {
			return nil, err
		}
	}
	if err := push(newDense(shape, arch.Classes, activationSoftmax, rng)); err != nil {
		return nil, err
	}
	return &Network{input: arch.Input, layers: layers}, nil
}

// Input is the declared input shape.
func (n *Network) Input() Shape {
	return n.input
}

// Classes is the width of the softmax output.
func (n *Network) Classes() int {
	return n.layers[len(n.layers)-1].outShape().Size()
}

// Layers lists a human-readable summary of each layer.
func (n *Network) Layers() []string {
	out := make([]string, len(n.layers))
	for i, l := range n.layers {
		s := l.spec()
		out[i] = fmt.Sprintf("%s %s -> %s", s.Kind, l.inShape(), l.outShape())
	}
	return out
}

// Predict returns class probabilities for a single HWC input with values
// in [0,1].
func (n *Network) Predict(x []float64) ([]float64, error) {
	if len(x) != n.input.Size() {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrInputSize, len(x), n.input.Size())
	}
	acts := n.activations(x)
	return acts[len(acts)-1], nil
}

// activations runs the forward pass; acts[0] is the input and acts[i+1]
// the output of layer i.
func (n *Network) activations(x []float64) [][]float64 {
	acts := make([][]float64, len(n.layers)+1)
	acts[0] = x
	for i, l := range n.layers {
		acts[i+1] = l.forward(acts[i])
	}
	return acts
}

// newGrads allocates a zeroed gradient buffer shaped like the parameters.
func (n *Network) newGrads() [][][]float64 {
	g := make([][][]float64, len(n.layers))
	for i, l := range n.layers {
		for _, p := range l.params() {
			g[i] = append(g[i], make([]float64, len(p)))
		}
	}
	return g
}

// accumulate adds the cross-entropy gradients of one sample into g and
// returns the sample loss and whether the prediction was correct.
func (n *Network) accumulate(x []float64, label int, g [][][]float64) (float64, bool) {
	acts := n.activations(x)
	probs := acts[len(acts)-1]

	grad := make([]float64, len(probs))
	copy(grad, probs)
	grad[label]--

	for i := len(n.layers) - 1; i >= 0; i-- {
		grad = n.layers[i].backward(acts[i], acts[i+1], grad, g[i])
	}

	loss := -math.Log(max(probs[label], 1e-12))
	return loss, argmax(probs) == label
}

// argmax returns the first index holding the maximum value.
func argmax(v []float64) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}
