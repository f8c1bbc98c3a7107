package handlers

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

//go:embed templates/*.html
var templateFS embed.FS

// multipartOverhead leaves room for the form boundaries around the file.
const multipartOverhead = 1 << 20

// NewRouter wires every route behind CORS, recovery and request logging.
// maxUploadBytes bounds the whole request body of the upload routes.
func NewRouter(log *slog.Logger, h *Handler, maxUploadBytes int64) (*gin.Engine, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.SetHTMLTemplate(tmpl)
	r.MaxMultipartMemory = maxUploadBytes
	r.Use(gin.Recovery(), requestLogger(log), cors())

	limit := limitBody(maxUploadBytes + multipartOverhead)
	r.GET("/", h.Index)
	r.POST("/", limit, h.Upload)
	r.POST("/predict/image", limit, h.PredictFromImage)
	r.POST("/predict", h.Predict)
	r.GET("/health", h.Health)
	return r, nil
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if n > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote_addr", c.ClientIP())
	}
}
