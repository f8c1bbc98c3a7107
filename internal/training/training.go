// Package training produces a demo artifact from synthetic data so the
// server has something to load.
package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"github.com/Brownie44l1/skin-check/internal/cnn"
	"github.com/Brownie44l1/skin-check/internal/labels"
)

// DefaultClasses is used when no label map exists yet.
const DefaultClasses = 2

type Options struct {
	Out          string  `validate:"required"`
	LabelMap     string  `validate:"required"`
	Samples      int     `validate:"min=1"`
	Size         int     `validate:"min=10"`
	Epochs       int     `validate:"min=1"`
	BatchSize    int     `validate:"min=1"`
	LearningRate float64 `validate:"gt=0"`
	Seed         uint64
	Workers      int `validate:"min=1"`
}

// DefaultOptions writes to the paths the server reads by default, with
// the network's stock training settings.
func DefaultOptions() Options {
	fit := cnn.DefaultTrainOptions()
	return Options{
		Out:          "model/skin_model.bin",
		LabelMap:     "model/label_map.json",
		Samples:      100,
		Size:         64,
		Epochs:       fit.Epochs,
		BatchSize:    fit.BatchSize,
		LearningRate: fit.LearningRate,
		Seed:         42,
		Workers:      fit.Workers,
	}
}

// Report describes a finished run.
type Report struct {
	Artifact      string
	LabelMap      string
	WroteLabelMap bool
	Codes         []string
	Layers        []string
	History       []cnn.EpochStats
}

var validate = validator.New()

// Run trains on random images with random labels and writes the artifact
// to opts.Out. Per-epoch progress goes to progress when it is not nil.
func Run(ctx context.Context, log *slog.Logger, opts Options, progress io.Writer) (*Report, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	idx, wrote, err := classIndex(opts.LabelMap)
	if err != nil {
		return nil, err
	}
	table, err := labels.NewTable(idx)
	if err != nil {
		return nil, fmt.Errorf("invalid label map %s: %w", opts.LabelMap, err)
	}
	if wrote {
		log.Info("Wrote default label map", "path", opts.LabelMap, "classes", table.Len())
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed+1))
	arch := cnn.DefaultArchitecture(opts.Size, table.Len())
	net, err := cnn.New(arch, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build network: %w", err)
	}
	ds := cnn.Synthetic(rng, opts.Samples, arch.Input, table.Len())
	log.Info("Training on synthetic data",
		"samples", opts.Samples,
		"input", arch.Input.String(),
		"classes", table.Len(),
		"epochs", opts.Epochs,
		"workers", opts.Workers)

	history, err := net.Fit(ctx, ds, cnn.TrainOptions{
		Epochs:       opts.Epochs,
		BatchSize:    opts.BatchSize,
		LearningRate: opts.LearningRate,
		Workers:      opts.Workers,
		Seed:         opts.Seed,
	}, func(s cnn.EpochStats) {
		if progress != nil {
			fmt.Fprintln(progress, formatEpoch(s, opts.Epochs))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("training failed: %w", err)
	}

	meta := cnn.Metadata{
		CreatedAt: time.Now().UTC(),
		Samples:   opts.Samples,
		Epochs:    opts.Epochs,
		Seed:      opts.Seed,
		FinalLoss: history[len(history)-1].Loss,
	}
	if err := net.Save(opts.Out, meta); err != nil {
		return nil, fmt.Errorf("failed to save model: %w", err)
	}
	log.Info("Saved model", "path", opts.Out)

	codes := make([]string, 0, table.Len())
	for _, e := range table.Entries() {
		codes = append(codes, e.Code)
	}
	return &Report{
		Artifact:      opts.Out,
		LabelMap:      opts.LabelMap,
		WroteLabelMap: wrote,
		Codes:         codes,
		Layers:        net.Layers(),
		History:       history,
	}, nil
}

// classIndex loads the label map at path, or writes and returns the default
// one when none exists.
func classIndex(path string) (labels.ClassIndex, bool, error) {
	idx, err := labels.LoadClassIndex(path)
	if err == nil {
		return idx, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	idx = labels.DefaultClassIndex(DefaultClasses)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := idx.Save(path); err != nil {
		return nil, false, err
	}
	return idx, true, nil
}

func formatEpoch(s cnn.EpochStats, total int) string {
	epoch := color.New(color.BgBlack, color.FgGreen).Render(fmt.Sprintf("Epoch %d/%d", s.Epoch, total))
	return fmt.Sprintf("%s - loss: %.4f - accuracy: %.4f - %s",
		epoch, s.Loss, s.Accuracy, s.Duration.Round(time.Millisecond))
}

// WriteSummary renders the run as a table.
func WriteSummary(w io.Writer, r *Report) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Epoch", "Loss", "Accuracy", "Duration"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, s := range r.History {
		table.Append([]string{
			strconv.Itoa(s.Epoch),
			strconv.FormatFloat(s.Loss, 'f', 4, 64),
			strconv.FormatFloat(s.Accuracy, 'f', 4, 64),
			s.Duration.Round(time.Millisecond).String(),
		})
	}
	table.Render()

	fmt.Fprintf(w, "\nModel:     %s\n", r.Artifact)
	fmt.Fprintf(w, "Label map: %s %v\n", r.LabelMap, r.Codes)
	for _, l := range r.Layers {
		fmt.Fprintf(w, "  %s\n", l)
	}
}
