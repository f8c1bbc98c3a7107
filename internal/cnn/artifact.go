package cnn

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	magic         = "SKNN"
	formatVersion = 1
)

// LayerSpec is the serialized form of one layer.
type LayerSpec struct {
	Kind       string
	Input      Shape
	Filters    int
	Kernel     int
	Pool       int
	Units      int
	Activation string
	Weights    []float64
	Bias       []float64
}

// Metadata records how an artifact was produced.
type Metadata struct {
	CreatedAt time.Time
	Samples   int
	Epochs    int
	Seed      uint64
	FinalLoss float64
}

type artifact struct {
	Version int
	Input   Shape
	Layers  []LayerSpec
	Meta    Metadata
}

// Save writes the network to path atomically, creating parent directories.
func (n *Network) Save(path string, meta Metadata) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := n.Encode(tmp, meta); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move model into place: %w", err)
	}
	return nil
}

// Encode writes the magic header followed by a zstd-compressed gob stream.
func (n *Network) Encode(w io.Writer, meta Metadata) error {
	a := artifact{Version: formatVersion, Input: n.input, Meta: meta}
	for _, l := range n.layers {
		a.Layers = append(a.Layers, l.spec())
	}

	if _, err := io.WriteString(w, magic); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	if err := gob.NewEncoder(zw).Encode(a); err != nil {
		zw.Close()
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to flush model: %w", err)
	}
	return nil
}

// Load reads a network written by Save.
func Load(path string) (*Network, Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to open model: %w", err)
	}
	defer f.Close()
	return Decode(bufio.NewReader(f))
}

// Decode reads an artifact and rebuilds the network, checking every layer
// against the shape of the one before it.
func Decode(r io.Reader) (*Network, Metadata, error) {
	header := make([]byte, len(magic))
	if _, err := io.ReadFull(r, header); err != nil || string(header) != magic {
		return nil, Metadata{}, ErrBadMagic
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	defer zr.Close()

	var a artifact
	if err := gob.NewDecoder(zr).Decode(&a); err != nil {
		return nil, Metadata{}, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	if a.Version != formatVersion {
		return nil, Metadata{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, a.Version)
	}

	n, err := fromSpecs(a.Input, a.Layers)
	if err != nil {
		return nil, Metadata{}, err
	}
	return n, a.Meta, nil
}

func fromSpecs(input Shape, specs []LayerSpec) (*Network, error) {
	if len(specs) == 0 || input.Size() < 1 {
		return nil, fmt.Errorf("%w: no layers", ErrCorruptArtifact)
	}

	n := &Network{input: input}
	shape := input
	for i, s := range specs {
		if s.Input != shape {
			return nil, fmt.Errorf("%w: layer %d expects %s, previous produces %s", ErrCorruptArtifact, i, s.Input, shape)
		}

		var l layer
		var err error
		switch s.Kind {
		case kindConv2D:
			l, err = restoreConv2D(s)
		case kindMaxPool2D:
			l, err = newMaxPool2D(s.Input, s.Pool)
		case kindDense:
			l, err = restoreDense(s)
		default:
			err = fmt.Errorf("%w: unknown layer kind %q", ErrCorruptArtifact, s.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		n.layers = append(n.layers, l)
		shape = l.outShape()
	}

	last, ok := n.layers[len(n.layers)-1].(*dense)
	if !ok || last.activation != activationSoftmax {
		return nil, fmt.Errorf("%w: final layer must be a softmax dense layer", ErrCorruptArtifact)
	}
	return n, nil
}

func restoreConv2D(s LayerSpec) (*conv2D, error) {
	l, err := newConv2D(s.Input, s.Filters, s.Kernel, s.Activation, nil)
	if err != nil {
		return nil, err
	}
	if err := fill(l.w, s.Weights, "weights"); err != nil {
		return nil, err
	}
	if err := fill(l.b, s.Bias, "bias"); err != nil {
		return nil, err
	}
	return l, nil
}

func restoreDense(s LayerSpec) (*dense, error) {
	l, err := newDense(s.Input, s.Units, s.Activation, nil)
	if err != nil {
		return nil, err
	}
	if err := fill(l.w, s.Weights, "weights"); err != nil {
		return nil, err
	}
	if err := fill(l.b, s.Bias, "bias"); err != nil {
		return nil, err
	}
	return l, nil
}

func fill(dst, src []float64, what string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%w: %s has %d values, want %d", ErrCorruptArtifact, what, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}
