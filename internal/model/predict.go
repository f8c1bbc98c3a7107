package model

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
)

// Argmax picks the highest score. On ties the lowest index wins. Any NaN
// or infinite score fails the whole prediction.
func Argmax(scores []float32) (Prediction, error) {
	if len(scores) == 0 {
		return Prediction{}, ErrEmptyOutput
	}
	for i, v := range scores {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return Prediction{}, fmt.Errorf("%w: class %d is %v", ErrNonFinite, i, v)
		}
	}

	maxIdx := 0
	maxVal := scores[0]
	for i, val := range scores {
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}

	return Prediction{Index: maxIdx, Probability: maxVal, Scores: scores}, nil
}

var hundred = decimal.NewFromInt(100)

// percent converts a probability to a percentage rounded half away from
// zero to two decimals, e.g. 0.9 -> "90.00".
func percent(p float32) string {
	return decimal.NewFromFloat32(p).Mul(hundred).StringFixed(2)
}

// FormatConfidence renders a probability as "NN.NN%".
func FormatConfidence(p float32) string {
	return percent(p) + "%"
}

// Options selects and configures a backend in Open.
type Options struct {
	// ONNXLibraryPath is the onnxruntime shared library; empty uses the default.
	ONNXLibraryPath string
}

// Open loads a classifier, choosing the backend by file extension: ".onnx"
// runs through ONNX Runtime, anything else is a native artifact.
func Open(modelPath string, opts Options) (Classifier, error) {
	if strings.EqualFold(filepath.Ext(modelPath), ".onnx") {
		c, err := NewONNXClassifier(modelPath, opts.ONNXLibraryPath)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	c, err := NewNativeClassifier(modelPath)
	if err != nil {
		return nil, err
	}
	return c, nil
}
