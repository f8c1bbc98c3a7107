// Package diagnosis ties the loaded model, the preprocessing step and the
// label table into the per-request pipeline.
package diagnosis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/Brownie44l1/skin-check/internal/labels"
	"github.com/Brownie44l1/skin-check/internal/model"
	"github.com/Brownie44l1/skin-check/internal/preprocess"
)

// Score is the probability assigned to one class.
type Score struct {
	Code        string  `json:"code"`
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
}

// Result is a resolved prediction.
type Result struct {
	Index       int     `json:"index"`
	Code        string  `json:"code"`
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
	Confidence  string  `json:"confidence"`
	Scores      []Score `json:"scores"`
}

// Upload is a diagnosed image together with what was decoded from it.
type Upload struct {
	Result
	Format string
	Width  int
	Height int
}

// Service holds the state loaded once at startup. It is never mutated after
// New returns and is safe for concurrent use.
type Service struct {
	log          *slog.Logger
	classifier   model.Classifier
	preprocessor *preprocess.Preprocessor
	labels       *labels.Table
}

// New checks that the label table covers exactly the classes the model
// emits before any request is served.
func New(log *slog.Logger, classifier model.Classifier, table *labels.Table, limits preprocess.Limits) (*Service, error) {
	if err := table.CheckClasses(classifier.Classes()); err != nil {
		return nil, err
	}
	pre, err := preprocess.New(classifier.Input(), limits)
	if err != nil {
		return nil, err
	}
	return &Service{
		log:          log,
		classifier:   classifier,
		preprocessor: pre,
		labels:       table,
	}, nil
}

// Input is the tensor shape the model declared.
func (s *Service) Input() model.InputSpec {
	return s.classifier.Input()
}

// Labels lists the known classes in index order.
func (s *Service) Labels() []labels.Entry {
	return s.labels.Entries()
}

// Diagnose runs an uploaded image through preprocessing, the model and the
// label table.
func (s *Service) Diagnose(ctx context.Context, imageData []byte) (*Upload, error) {
	input, img, format, err := s.preprocessor.Prepare(imageData)
	if err != nil {
		return nil, err
	}
	s.log.Debug("Preprocessed image",
		"format", format,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy(),
		"input", s.preprocessor.Spec().String())

	result, err := s.Classify(ctx, input)
	if err != nil {
		return nil, err
	}
	return &Upload{
		Result: *result,
		Format: format,
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
	}, nil
}

// Classify runs an already preprocessed tensor through the model and
// resolves the top class.
func (s *Service) Classify(ctx context.Context, input []float32) (*Result, error) {
	probs, err := s.classifier.Predict(ctx, input)
	if err != nil {
		return nil, err
	}

	top, err := model.Argmax(probs)
	if err != nil {
		return nil, err
	}
	entry, err := s.labels.Lookup(top.Index)
	if err != nil {
		return nil, err
	}

	scores := make([]Score, 0, len(probs))
	for i, p := range probs {
		e, err := s.labels.Lookup(i)
		if err != nil {
			return nil, fmt.Errorf("score %d: %w", i, err)
		}
		scores = append(scores, Score{Code: e.Code, Label: e.Display, Probability: p})
	}

	return &Result{
		Index:       top.Index,
		Code:        entry.Code,
		Label:       entry.Display,
		Probability: top.Probability,
		Confidence:  model.FormatConfidence(top.Probability),
		Scores:      scores,
	}, nil
}

// Codes lists the short codes the model can predict.
func (s *Service) Codes() []string {
	return lo.Map(s.labels.Entries(), func(e labels.Entry, _ int) string { return e.Code })
}
