//go:generate go run go.uber.org/mock/mockgen -source=handlers.go -destination=../mocks/mock_diagnoser.go -package=mocks

// Package handlers serves the upload page and the JSON prediction API.
package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Brownie44l1/skin-check/internal/diagnosis"
	"github.com/Brownie44l1/skin-check/internal/labels"
	"github.com/Brownie44l1/skin-check/internal/model"
	"github.com/Brownie44l1/skin-check/internal/preprocess"
)

const (
	PageTitle  = "AI皮膚チェック（デモ）"
	Disclaimer = "※この結果はデモです。実際の診断は医師にご相談ください。"
	FormField  = "image"
	Accept     = "image/jpeg,image/png,.jpg,.jpeg,.png"
)

// Diagnoser is the prediction pipeline the handlers depend on.
type Diagnoser interface {
	Diagnose(ctx context.Context, imageData []byte) (*diagnosis.Upload, error)
	Classify(ctx context.Context, input []float32) (*diagnosis.Result, error)
	Input() model.InputSpec
	Labels() []labels.Entry
}

type Handler struct {
	log       *slog.Logger
	diagnoser Diagnoser
}

func NewHandler(log *slog.Logger, diagnoser Diagnoser) *Handler {
	return &Handler{
		log:       log,
		diagnoser: diagnoser,
	}
}

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports what the process loaded at startup.
type HealthResponse struct {
	Status  string          `json:"status"`
	Input   model.InputSpec `json:"input"`
	Layout  string          `json:"layout"`
	Classes []labels.Entry  `json:"classes"`
}

type page struct {
	Title      string
	Accept     string
	Disclaimer string
	Error      string
	ImageURI   template.URL
	Result     *diagnosis.Upload
}

func newPage() page {
	return page{Title: PageTitle, Accept: Accept, Disclaimer: Disclaimer}
}

// failure maps a pipeline error to a status, a page message and an API message.
type failure struct {
	status int
	page   string
	api    string
}

func classify(err error) failure {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, preprocess.ErrEmptyImage):
		return failure{http.StatusBadRequest, "画像ファイルが空です。", "Image file is empty"}
	case errors.Is(err, preprocess.ErrImageTooLarge), errors.Is(err, preprocess.ErrTooManyPixels), errors.As(err, &maxBytes):
		return failure{http.StatusRequestEntityTooLarge, "画像ファイルが大きすぎます。", "Image file is too large"}
	case errors.Is(err, preprocess.ErrUnsupportedFormat):
		return failure{http.StatusUnsupportedMediaType, "対応していない画像形式です（JPEG / PNG のみ）。", "Invalid image format. Supported: JPEG, PNG"}
	case errors.Is(err, preprocess.ErrDecode):
		return failure{http.StatusBadRequest, "画像を読み込めませんでした。ファイルが壊れている可能性があります。", "Image could not be decoded"}
	case errors.Is(err, model.ErrInputSize):
		return failure{http.StatusBadRequest, "入力サイズが正しくありません。", err.Error()}
	case errors.Is(err, model.ErrNonFinite):
		return failure{http.StatusInternalServerError, "モデルが不正な値を返しました。", "Model returned invalid scores"}
	case errors.Is(err, labels.ErrUnknownClass):
		return failure{http.StatusInternalServerError, "判定結果に対応するラベルが見つかりませんでした。", "Predicted class has no label"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return failure{http.StatusServiceUnavailable, "処理が中断されました。", "Request cancelled"}
	default:
		return failure{http.StatusInternalServerError, "診断に失敗しました。", "Prediction failed"}
	}
}

func (h *Handler) Health(c *gin.Context) {
	input := h.diagnoser.Input()
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Input:   input,
		Layout:  input.Layout.String(),
		Classes: h.diagnoser.Labels(),
	})
}

// Index renders the empty upload page.
func (h *Handler) Index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", newPage())
}

// readUpload returns the bytes of the multipart "image" field.
func (h *Handler) readUpload(c *gin.Context) ([]byte, error) {
	header, err := c.FormFile(FormField)
	if err != nil {
		return nil, err
	}
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			h.log.Warn("Failed to close upload", "error", err)
		}
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	h.log.Info("Received file", "filename", header.Filename, "size", header.Size)
	return data, nil
}

// Upload diagnoses the submitted photo and re-renders the page with the
// image, the result card and the disclaimer, or with an error message.
func (h *Handler) Upload(c *gin.Context) {
	requestID := uuid.NewString()
	c.Header("X-Request-ID", requestID)
	log := h.log.With("request_id", requestID)

	p := newPage()
	data, err := h.readUpload(c)
	if err != nil {
		log.Warn("No usable upload", "error", err, "remote_addr", c.ClientIP())
		status := http.StatusBadRequest
		p.Error = "画像ファイルを選択してください。"
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			f := classify(err)
			status, p.Error = f.status, f.page
		}
		c.HTML(status, "index.html", p)
		return
	}

	out, err := h.diagnoser.Diagnose(c.Request.Context(), data)
	if err != nil {
		f := classify(err)
		log.Error("Diagnosis failed", "error", err, "status", f.status)
		p.Error = f.page
		c.HTML(f.status, "index.html", p)
		return
	}

	log.Info("Diagnosis complete", "code", out.Code, "confidence", out.Confidence)
	p.Result = out
	p.ImageURI = template.URL("data:" + out.Format + ";base64," + base64.StdEncoding.EncodeToString(data))
	c.HTML(http.StatusOK, "index.html", p)
}

// PredictFromImage is the JSON counterpart of Upload.
func (h *Handler) PredictFromImage(c *gin.Context) {
	requestID := uuid.NewString()
	c.Header("X-Request-ID", requestID)
	log := h.log.With("request_id", requestID)

	data, err := h.readUpload(c)
	if err != nil {
		log.Warn("No usable upload", "error", err, "remote_addr", c.ClientIP())
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			f := classify(err)
			c.JSON(f.status, ErrorResponse{Error: f.api})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "No image file provided. Use 'image' as the form field name"})
		return
	}

	out, err := h.diagnoser.Diagnose(c.Request.Context(), data)
	if err != nil {
		f := classify(err)
		log.Error("Prediction failed", "error", err, "status", f.status)
		c.JSON(f.status, ErrorResponse{Error: f.api})
		return
	}

	log.Info("Prediction complete", "code", out.Code, "confidence", out.Confidence)
	c.JSON(http.StatusOK, out.Result)
}

// Predict accepts an already preprocessed tensor laid out as the model
// declares.
func (h *Handler) Predict(c *gin.Context) {
	var req model.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON"})
		return
	}

	expectedSize := h.diagnoser.Input().Size()
	if len(req.Image) != expectedSize {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("Expected %d values, got %d", expectedSize, len(req.Image)),
		})
		return
	}

	result, err := h.diagnoser.Classify(c.Request.Context(), req.Image)
	if err != nil {
		f := classify(err)
		h.log.Error("Prediction failed", "error", err, "status", f.status)
		c.JSON(f.status, ErrorResponse{Error: f.api})
		return
	}
	c.JSON(http.StatusOK, result)
}
