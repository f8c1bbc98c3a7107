package model

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/skin-check/internal/cnn"
)

// NativeClassifier serves a network trained by cmd/train.
type NativeClassifier struct {
	net   *cnn.Network
	input InputSpec
	Meta  cnn.Metadata
}

func NewNativeClassifier(modelPath string) (*NativeClassifier, error) {
	net, meta, err := cnn.Load(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", modelPath, err)
	}
	return newNativeClassifier(net, meta)
}

func newNativeClassifier(net *cnn.Network, meta cnn.Metadata) (*NativeClassifier, error) {
	shape := net.Input()
	if shape.C != 3 {
		return nil, fmt.Errorf("%w: %d input channels", ErrIncompatibleModel, shape.C)
	}
	return &NativeClassifier{
		net:   net,
		input: InputSpec{Height: shape.H, Width: shape.W, Channels: shape.C, Layout: LayoutNHWC},
		Meta:  meta,
	}, nil
}

func (c *NativeClassifier) Input() InputSpec { return c.input }

func (c *NativeClassifier) Classes() int { return c.net.Classes() }

func (c *NativeClassifier) Predict(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(input) != c.input.Size() {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrInputSize, len(input), c.input.Size())
	}

	x := make([]float64, len(input))
	for i, v := range input {
		x[i] = float64(v)
	}
	probs, err := c.net.Predict(x)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([]float32, len(probs))
	for i, p := range probs {
		out[i] = float32(p)
	}
	return out, nil
}

func (c *NativeClassifier) Close() error { return nil }

// LogAttrs describes how the artifact was trained, as slog key/value pairs.
func (c *NativeClassifier) LogAttrs() []any {
	return []any{
		"created_at", c.Meta.CreatedAt,
		"samples", c.Meta.Samples,
		"epochs", c.Meta.Epochs,
		"seed", c.Meta.Seed,
		"final_loss", c.Meta.FinalLoss,
	}
}
