package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXClassifier runs an exported model through ONNX Runtime. The session
// is bound to one input and one output tensor, so Predict calls are
// serialized.
type ONNXClassifier struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	input        InputSpec
	classes      int
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewONNXClassifier initializes the runtime, reads the model's declared
// input and output shapes and binds a session to them. libraryPath may be
// empty to use the runtime's default shared library lookup.
func NewONNXClassifier(modelPath, libraryPath string) (*ONNXClassifier, error) {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	c, err := newONNXClassifier(modelPath)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}
	return c, nil
}

func newONNXClassifier(modelPath string) (*ONNXClassifier, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("%w: %d inputs, %d outputs", ErrIncompatibleModel, len(inputs), len(outputs))
	}

	spec, err := inputSpecFromDims(inputs[0].Dimensions)
	if err != nil {
		return nil, err
	}
	classes, err := classesFromDims(outputs[0].Dimensions)
	if err != nil {
		return nil, err
	}

	inputShape := ort.NewShape(1, int64(spec.Height), int64(spec.Width), int64(spec.Channels))
	if spec.Layout == LayoutNCHW {
		inputShape = ort.NewShape(1, int64(spec.Channels), int64(spec.Height), int64(spec.Width))
	}
	outputShape := ort.NewShape(1, int64(classes))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXClassifier{
		session:      session,
		input:        spec,
		classes:      classes,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// inputSpecFromDims accepts [batch, H, W, 3] or [batch, 3, H, W]; the batch
// dimension may be dynamic, the spatial ones may not.
func inputSpecFromDims(dims []int64) (InputSpec, error) {
	if len(dims) != 4 {
		return InputSpec{}, fmt.Errorf("%w: input rank %d", ErrIncompatibleModel, len(dims))
	}
	var spec InputSpec
	switch {
	case dims[3] == 3:
		spec = InputSpec{Height: int(dims[1]), Width: int(dims[2]), Channels: 3, Layout: LayoutNHWC}
	case dims[1] == 3:
		spec = InputSpec{Height: int(dims[2]), Width: int(dims[3]), Channels: 3, Layout: LayoutNCHW}
	default:
		return InputSpec{}, fmt.Errorf("%w: input shape %v", ErrIncompatibleModel, dims)
	}
	if spec.Height < 1 || spec.Width < 1 {
		return InputSpec{}, fmt.Errorf("%w: dynamic spatial dimensions %v", ErrIncompatibleModel, dims)
	}
	return spec, nil
}

func classesFromDims(dims []int64) (int, error) {
	if len(dims) == 0 || dims[len(dims)-1] < 2 {
		return 0, fmt.Errorf("%w: output shape %v", ErrIncompatibleModel, dims)
	}
	return int(dims[len(dims)-1]), nil
}

func (c *ONNXClassifier) Input() InputSpec { return c.input }

func (c *ONNXClassifier) Classes() int { return c.classes }

func (c *ONNXClassifier) Predict(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(input) != c.input.Size() {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrInputSize, len(input), c.input.Size())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	copy(c.inputTensor.GetData(), input)
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([]float32, c.classes)
	copy(out, c.outputTensor.GetData())
	return out, nil
}

func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inputTensor != nil {
		c.inputTensor.Destroy()
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
	}
	if c.session != nil {
		c.session.Destroy()
	}
	return ort.DestroyEnvironment()
}
