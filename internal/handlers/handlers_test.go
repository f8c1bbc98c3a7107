package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Brownie44l1/skin-check/internal/diagnosis"
	"github.com/Brownie44l1/skin-check/internal/labels"
	"github.com/Brownie44l1/skin-check/internal/mocks"
	"github.com/Brownie44l1/skin-check/internal/model"
	"github.com/Brownie44l1/skin-check/internal/preprocess"
)

var testInput = model.InputSpec{Height: 4, Width: 4, Channels: 3, Layout: model.LayoutNHWC}

// fakePNG only needs to reach the mocked diagnoser.
var fakePNG = []byte("\x89PNG\r\n\x1a\nfake")

func createMultipartRequest(t *testing.T, path, fieldName, fileName string, content []byte) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile(fieldName, fileName)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(content)); err != nil {
		t.Fatalf("failed to copy content: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, path, body)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func newTestRouter(t *testing.T, diagnoser Diagnoser) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	r, err := NewRouter(log, NewHandler(log, diagnoser), 1<<20)
	require.NoError(t, err)
	return r
}

func melanoma(t *testing.T) *diagnosis.Upload {
	t.Helper()
	label, ok := labels.DisplayFor("mel")
	require.True(t, ok)
	return &diagnosis.Upload{
		Result: diagnosis.Result{
			Index:       1,
			Code:        "mel",
			Label:       label,
			Probability: 0.9,
			Confidence:  "90.00%",
		},
		Format: preprocess.MIMEPNG,
		Width:  4,
		Height: 4,
	}
}

func TestHandler_Index(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := newTestRouter(t, mocks.NewMockDiagnoser(ctrl))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), PageTitle)
	assert.Contains(t, w.Body.String(), `name="image"`)
	assert.NotContains(t, w.Body.String(), Disclaimer)
}

func TestHandler_Upload(t *testing.T) {
	tests := []struct {
		name        string
		fieldName   string
		content     []byte
		setupMock   func(m *mocks.MockDiagnoser)
		wantStatus  int
		wantContain []string
		wantAbsent  []string
	}{
		{
			name:      "success shows image label confidence and disclaimer",
			fieldName: FormField,
			content:   fakePNG,
			setupMock: func(m *mocks.MockDiagnoser) {
				m.EXPECT().Diagnose(gomock.Any(), fakePNG).Return(melanoma(t), nil)
			},
			wantStatus:  http.StatusOK,
			wantContain: []string{"メラノーマ", "90.00%", Disclaimer, "data:image/png;base64,"},
		},
		{
			name:      "unknown class renders an error",
			fieldName: FormField,
			content:   fakePNG,
			setupMock: func(m *mocks.MockDiagnoser) {
				m.EXPECT().Diagnose(gomock.Any(), gomock.Any()).
					Return(nil, fmt.Errorf("class 5: %w", labels.ErrUnknownClass))
			},
			wantStatus:  http.StatusInternalServerError,
			wantContain: []string{"ラベルが見つかりませんでした"},
			wantAbsent:  []string{Disclaimer},
		},
		{
			name:      "unsupported format",
			fieldName: FormField,
			content:   []byte("GIF89a"),
			setupMock: func(m *mocks.MockDiagnoser) {
				m.EXPECT().Diagnose(gomock.Any(), gomock.Any()).
					Return(nil, fmt.Errorf("%w: image/gif", preprocess.ErrUnsupportedFormat))
			},
			wantStatus:  http.StatusUnsupportedMediaType,
			wantContain: []string{"JPEG / PNG"},
		},
		{
			name:      "corrupt image",
			fieldName: FormField,
			content:   fakePNG,
			setupMock: func(m *mocks.MockDiagnoser) {
				m.EXPECT().Diagnose(gomock.Any(), gomock.Any()).Return(nil, preprocess.ErrDecode)
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:        "body over the upload limit",
			fieldName:   FormField,
			content:     bytes.Repeat([]byte{0xff}, 3<<20),
			setupMock:   func(m *mocks.MockDiagnoser) {},
			wantStatus:  http.StatusRequestEntityTooLarge,
			wantContain: []string{"画像ファイルが大きすぎます"},
			wantAbsent:  []string{Disclaimer},
		},
		{
			name:      "dimensions over the pixel limit",
			fieldName: FormField,
			content:   fakePNG,
			setupMock: func(m *mocks.MockDiagnoser) {
				m.EXPECT().Diagnose(gomock.Any(), gomock.Any()).
					Return(nil, fmt.Errorf("%w: 30000x30000", preprocess.ErrTooManyPixels))
			},
			wantStatus:  http.StatusRequestEntityTooLarge,
			wantContain: []string{"画像ファイルが大きすぎます"},
		},
		{
			name:      "non-finite scores render an error",
			fieldName: FormField,
			content:   fakePNG,
			setupMock: func(m *mocks.MockDiagnoser) {
				m.EXPECT().Diagnose(gomock.Any(), gomock.Any()).
					Return(nil, fmt.Errorf("%w: class 0 is NaN", model.ErrNonFinite))
			},
			wantStatus:  http.StatusInternalServerError,
			wantContain: []string{"モデルが不正な値を返しました"},
			wantAbsent:  []string{Disclaimer},
		},
		{
			name:        "missing file field",
			fieldName:   "photo",
			content:     fakePNG,
			setupMock:   func(m *mocks.MockDiagnoser) {},
			wantStatus:  http.StatusBadRequest,
			wantContain: []string{"画像ファイルを選択してください"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			m := mocks.NewMockDiagnoser(ctrl)
			tt.setupMock(m)
			r := newTestRouter(t, m)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, createMultipartRequest(t, "/", tt.fieldName, "photo.png", tt.content))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
			for _, s := range tt.wantContain {
				assert.Contains(t, w.Body.String(), s)
			}
			for _, s := range tt.wantAbsent {
				assert.NotContains(t, w.Body.String(), s)
			}
		})
	}
}

func TestHandler_PredictFromImage(t *testing.T) {
	tests := []struct {
		name       string
		content    []byte
		setupMock  func(m *mocks.MockDiagnoser)
		wantStatus int
		wantError  string
	}{
		{
			name: "success",
			setupMock: func(m *mocks.MockDiagnoser) {
				m.EXPECT().Diagnose(gomock.Any(), fakePNG).Return(melanoma(t), nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "empty image",
			setupMock: func(m *mocks.MockDiagnoser) {
				m.EXPECT().Diagnose(gomock.Any(), gomock.Any()).Return(nil, preprocess.ErrEmptyImage)
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "Image file is empty",
		},
		{
			name: "too large",
			setupMock: func(m *mocks.MockDiagnoser) {
				m.EXPECT().Diagnose(gomock.Any(), gomock.Any()).Return(nil, preprocess.ErrImageTooLarge)
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantError:  "Image file is too large",
		},
		{
			name:       "body over the upload limit",
			content:    bytes.Repeat([]byte{0xff}, 3<<20),
			setupMock:  func(m *mocks.MockDiagnoser) {},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantError:  "Image file is too large",
		},
		{
			name: "non-finite scores",
			setupMock: func(m *mocks.MockDiagnoser) {
				m.EXPECT().Diagnose(gomock.Any(), gomock.Any()).Return(nil, model.ErrNonFinite)
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  "Model returned invalid scores",
		},
		{
			name: "unexpected failure",
			setupMock: func(m *mocks.MockDiagnoser) {
				m.EXPECT().Diagnose(gomock.Any(), gomock.Any()).Return(nil, io.ErrUnexpectedEOF)
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  "Prediction failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			m := mocks.NewMockDiagnoser(ctrl)
			tt.setupMock(m)
			r := newTestRouter(t, m)

			w := httptest.NewRecorder()
			content := tt.content
			if content == nil {
				content = fakePNG
			}
			r.ServeHTTP(w, createMultipartRequest(t, "/predict/image", FormField, "photo.png", content))

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantError != "" {
				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantError, resp.Error)
				return
			}
			var resp diagnosis.Result
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "mel", resp.Code)
			assert.Equal(t, "90.00%", resp.Confidence)
		})
	}
}

func TestHandler_Predict(t *testing.T) {
	t.Run("classifies a tensor of the declared size", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		m := mocks.NewMockDiagnoser(ctrl)

		// Given a model declaring 4x4x3 inputs
		m.EXPECT().Input().Return(testInput)
		m.EXPECT().Classify(gomock.Any(), gomock.Len(testInput.Size())).Return(&melanoma(t).Result, nil)
		r := newTestRouter(t, m)

		// When a tensor of 48 values is posted
		body, err := json.Marshal(model.PredictionRequest{Image: make([]float32, testInput.Size())})
		req.NoError(err)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))

		// Then the resolved label comes back
		req.Equal(http.StatusOK, w.Code)
		var resp diagnosis.Result
		req.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
		req.Equal("mel", resp.Code)
	})

	t.Run("rejects a tensor of the wrong size", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		m := mocks.NewMockDiagnoser(ctrl)
		m.EXPECT().Input().Return(testInput)
		r := newTestRouter(t, m)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"image":[0.1,0.2]}`)))

		req.Equal(http.StatusBadRequest, w.Code)
		req.Contains(w.Body.String(), "Expected 48 values, got 2")
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		r := newTestRouter(t, mocks.NewMockDiagnoser(ctrl))

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"image":`)))

		req.Equal(http.StatusBadRequest, w.Code)
		req.Contains(w.Body.String(), "Invalid JSON")
	})
}

func TestHandler_Health(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	m := mocks.NewMockDiagnoser(ctrl)
	entries := []labels.Entry{{Index: 0, Code: "nv", Display: "正常／ほくろ"}, {Index: 1, Code: "mel", Display: "メラノーマ"}}
	m.EXPECT().Input().Return(testInput)
	m.EXPECT().Labels().Return(entries)
	r := newTestRouter(t, m)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	req.Equal(http.StatusOK, w.Code)
	var resp HealthResponse
	req.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	req.Equal("healthy", resp.Status)
	req.Equal("NHWC", resp.Layout)
	req.Equal(4, resp.Input.Height)
	req.Equal(entries, resp.Classes)
}

func TestRouter_CORSPreflight(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := newTestRouter(t, mocks.NewMockDiagnoser(ctrl))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/predict", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}
