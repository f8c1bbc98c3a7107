package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mama165/sdk-go/logs"

	"github.com/Brownie44l1/skin-check/internal/config"
	"github.com/Brownie44l1/skin-check/internal/diagnosis"
	"github.com/Brownie44l1/skin-check/internal/handlers"
	"github.com/Brownie44l1/skin-check/internal/labels"
	"github.com/Brownie44l1/skin-check/internal/model"
	"github.com/Brownie44l1/skin-check/internal/preprocess"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2

	shutdownTimeout = 10 * time.Second
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)
	gin.SetMode(cfg.GinMode)

	log.Info("Loading model", "path", cfg.ModelPath)
	classifier, err := model.Open(cfg.ModelPath, model.Options{ONNXLibraryPath: cfg.ONNXRuntimeLib})
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to load model: %w", err)
	}
	defer func() {
		log.Info("Closing model...")
		if err := classifier.Close(); err != nil {
			log.Warn("Failed to close model", "error", err)
		}
	}()

	idx, err := labels.LoadClassIndex(cfg.LabelMapPath)
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to load label map: %w", err)
	}
	table, err := labels.NewTable(idx)
	if err != nil {
		return exitRuntime, fmt.Errorf("invalid label map %s: %w", cfg.LabelMapPath, err)
	}

	svc, err := diagnosis.New(log, classifier, table, preprocess.Limits{
		MaxBytes:  cfg.MaxUploadBytes,
		MaxPixels: cfg.MaxUploadPixels,
	})
	if err != nil {
		return exitRuntime, fmt.Errorf("model and label map disagree: %w", err)
	}

	router, err := handlers.NewRouter(log, handlers.NewHandler(log, svc), cfg.MaxUploadBytes)
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to build router: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Model loaded", "input", classifier.Input().String(), "classes", svc.Codes())
	if native, ok := classifier.(*model.NativeClassifier); ok {
		log.Info("Model metadata", native.LogAttrs()...)
	}
	log.Info("Server starting", "addr", srv.Addr)
	log.Info("Endpoints",
		"GET /", "Upload page",
		"POST /", "Upload and diagnose",
		"POST /predict/image", "Predict from image upload",
		"POST /predict", "Raw array prediction",
		"GET /health", "Health check")
	log.Info(fmt.Sprintf("Upload test: curl -X POST -F \"image=@skin.jpg\" http://localhost:%d/predict/image", cfg.Port))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return exitRuntime, fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return exitRuntime, fmt.Errorf("shutdown failed: %w", err)
		}
	}
	return exitOK, nil
}
