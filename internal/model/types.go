package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrIncompatibleModel = errors.New("model is not an image classifier with a fixed 3-channel input")
	ErrInputSize         = errors.New("input size does not match model input")
	ErrEmptyOutput       = errors.New("model produced no scores")
	ErrNonFinite         = errors.New("model produced a NaN or infinite score")
)

// Layout is the memory order of the input tensor.
type Layout int

const (
	// LayoutNHWC stores channels last, as Keras models expect.
	LayoutNHWC Layout = iota
	// LayoutNCHW stores channel planes, as channel-first ONNX exports expect.
	LayoutNCHW
)

func (l Layout) String() string {
	if l == LayoutNCHW {
		return "NCHW"
	}
	return "NHWC"
}

// InputSpec is the input a classifier declares, discovered at load time.
type InputSpec struct {
	Height   int    `json:"height"`
	Width    int    `json:"width"`
	Channels int    `json:"channels"`
	Layout   Layout `json:"-"`
}

// Size is the number of values in a batch of one.
func (s InputSpec) Size() int {
	return s.Height * s.Width * s.Channels
}

func (s InputSpec) String() string {
	return fmt.Sprintf("%dx%dx%d %s", s.Height, s.Width, s.Channels, s.Layout)
}

// Classifier turns a preprocessed single-image batch into class
// probabilities. Implementations are safe for concurrent use.
type Classifier interface {
	Input() InputSpec
	Classes() int
	Predict(ctx context.Context, input []float32) ([]float32, error)
	Close() error
}

// Prediction is the top class of a probability vector.
type Prediction struct {
	Index       int
	Probability float32
	Scores      []float32
}

// PredictionRequest carries an already preprocessed tensor.
type PredictionRequest struct {
	Image []float32 `json:"image" binding:"required"`
}
