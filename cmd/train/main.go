// Train builds a demo model from synthetic images.
//
// Usage:
//
//	train --out model/skin_model.bin --label-map model/label_map.json
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/urfave/cli/v2"

	"github.com/Brownie44l1/skin-check/internal/config"
	"github.com/Brownie44l1/skin-check/internal/training"
)

func main() {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	defaults := training.DefaultOptions()
	app := &cli.App{
		Name:  "train",
		Usage: "Train the demo skin classifier on synthetic data and save it for the server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "out",
				Value:   defaults.Out,
				Usage:   "Where to write the model artifact",
				EnvVars: []string{"MODEL_PATH"},
			},
			&cli.StringFlag{
				Name:    "label-map",
				Value:   defaults.LabelMap,
				Usage:   "Label map to read, or to create with two classes when missing",
				EnvVars: []string{"LABEL_MAP_PATH"},
			},
			&cli.IntFlag{
				Name:    "samples",
				Value:   defaults.Samples,
				Usage:   "Number of synthetic images",
				EnvVars: []string{"TRAIN_SAMPLES"},
			},
			&cli.IntFlag{
				Name:    "size",
				Value:   defaults.Size,
				Usage:   "Square input size in pixels",
				EnvVars: []string{"TRAIN_IMAGE_SIZE"},
			},
			&cli.IntFlag{
				Name:    "epochs",
				Value:   defaults.Epochs,
				Usage:   "Training epochs",
				EnvVars: []string{"TRAIN_EPOCHS"},
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Value:   defaults.BatchSize,
				Usage:   "Mini-batch size",
				EnvVars: []string{"TRAIN_BATCH_SIZE"},
			},
			&cli.Float64Flag{
				Name:    "learning-rate",
				Value:   defaults.LearningRate,
				Usage:   "Adam learning rate",
				EnvVars: []string{"TRAIN_LEARNING_RATE"},
			},
			&cli.Uint64Flag{
				Name:    "seed",
				Value:   defaults.Seed,
				Usage:   "Random seed for data, weights and shuffling",
				EnvVars: []string{"TRAIN_SEED"},
			},
			&cli.IntFlag{
				Name:    "workers",
				Value:   defaults.Workers,
				Usage:   "Goroutines computing gradients per batch",
				EnvVars: []string{"TRAIN_WORKERS"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "INFO",
				Usage:   "Log level (DEBUG, INFO, WARN, ERROR)",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Action: train,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func train(c *cli.Context) error {
	log := logs.GetLoggerFromString(c.String("log-level"))

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	root := config.ProjectRoot(wd)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := training.Run(ctx, log, training.Options{
		Out:          config.Resolve(root, c.String("out")),
		LabelMap:     config.Resolve(root, c.String("label-map")),
		Samples:      c.Int("samples"),
		Size:         c.Int("size"),
		Epochs:       c.Int("epochs"),
		BatchSize:    c.Int("batch-size"),
		LearningRate: c.Float64("learning-rate"),
		Seed:         c.Uint64("seed"),
		Workers:      c.Int("workers"),
	}, os.Stdout)
	if err != nil {
		return err
	}

	fmt.Println()
	training.WriteSummary(os.Stdout, report)
	return nil
}
