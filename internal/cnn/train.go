package cnn

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// Dataset is a set of HWC samples with integer class labels.
type Dataset struct {
	Shape   Shape
	Classes int
	X       [][]float64
	Y       []int
}

// Synthetic generates n images of uniform random pixels in [0,1) with
// uniform random labels. The data carries no signal.
func Synthetic(rng *rand.Rand, n int, shape Shape, classes int) Dataset {
	ds := Dataset{Shape: shape, Classes: classes, X: make([][]float64, n), Y: make([]int, n)}
	for i := range ds.X {
		x := make([]float64, shape.Size())
		for j := range x {
			x[j] = rng.Float64()
		}
		ds.X[i] = x
		ds.Y[i] = rng.IntN(classes)
	}
	return ds
}

// TrainOptions configures Fit.
type TrainOptions struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	Workers      int
	Seed         uint64
}

// DefaultTrainOptions mirrors a stock Keras fit: 10 epochs, batches of 32,
// Adam at 0.001.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		Epochs:       10,
		BatchSize:    32,
		LearningRate: 0.001,
		Workers:      runtime.NumCPU(),
	}
}

// EpochStats summarizes one pass over the data.
type EpochStats struct {
	Epoch    int
	Loss     float64
	Accuracy float64
	Duration time.Duration
}

// Fit trains the network with sparse categorical cross-entropy and Adam.
// Samples are shuffled every epoch. Each batch is split across workers by
// position, so results are reproducible for a given seed and worker count.
func (n *Network) Fit(ctx context.Context, ds Dataset, opts TrainOptions, onEpoch func(EpochStats)) ([]EpochStats, error) {
	if len(ds.X) == 0 || len(ds.X) != len(ds.Y) {
		return nil, ErrEmptyDataset
	}
	if ds.Shape != n.input {
		return nil, fmt.Errorf("%w: dataset %s, network %s", ErrInputSize, ds.Shape, n.input)
	}
	for i, y := range ds.Y {
		if y < 0 || y >= n.Classes() {
			return nil, fmt.Errorf("%w: sample %d has label %d", ErrShape, i, y)
		}
	}
	opts.BatchSize = max(opts.BatchSize, 1)
	opts.Workers = max(opts.Workers, 1)

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	opt := newAdam(n, opts.LearningRate)
	order := make([]int, len(ds.X))
	for i := range order {
		order[i] = i
	}

	workerGrads := make([][][][]float64, opts.Workers)
	for w := range workerGrads {
		workerGrads[w] = n.newGrads()
	}
	losses := make([]float64, opts.Workers)
	hits := make([]int, opts.Workers)

	history := make([]EpochStats, 0, opts.Epochs)
	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		start := time.Now()
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var totalLoss float64
		var totalHits int
		for off := 0; off < len(order); off += opts.BatchSize {
			batch := order[off:min(off+opts.BatchSize, len(order))]

			g, gctx := errgroup.WithContext(ctx)
			for w := range workerGrads {
				g.Go(func() error {
					zero(workerGrads[w])
					losses[w], hits[w] = 0, 0
					for i := w; i < len(batch); i += opts.Workers {
						if err := gctx.Err(); err != nil {
							return err
						}
						loss, ok := n.accumulate(ds.X[batch[i]], ds.Y[batch[i]], workerGrads[w])
						losses[w] += loss
						if ok {
							hits[w]++
						}
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return history, err
			}

			sum := workerGrads[0]
			for w := 1; w < opts.Workers; w++ {
				add(sum, workerGrads[w])
			}
			scale(sum, 1/float64(len(batch)))
			opt.step(n, sum)

			for w := range losses {
				totalLoss += losses[w]
				totalHits += hits[w]
			}
		}

		stats := EpochStats{
			Epoch:    epoch,
			Loss:     totalLoss / float64(len(order)),
			Accuracy: float64(totalHits) / float64(len(order)),
			Duration: time.Since(start),
		}
		history = append(history, stats)
		if onEpoch != nil {
			onEpoch(stats)
		}
	}
	return history, nil
}

func zero(g [][][]float64) {
	for _, l := range g {
		for _, p := range l {
			clear(p)
		}
	}
}

func add(dst, src [][][]float64) {
	for i := range dst {
		for j := range dst[i] {
			for k, v := range src[i][j] {
				dst[i][j][k] += v
			}
		}
	}
}

func scale(g [][][]float64, f float64) {
	for _, l := range g {
		for _, p := range l {
			for k := range p {
				p[k] *= f
			}
		}
	}
}

// adam keeps first and second moment estimates per parameter.
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	m, v                  [][][]float64
}

func newAdam(n *Network, lr float64) *adam {
	return &adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-7,
		m:     n.newGrads(),
		v:     n.newGrads(),
	}
}

func (a *adam) step(n *Network, g [][][]float64) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for i, l := range n.layers {
		for j, p := range l.params() {
			m, v, grad := a.m[i][j], a.v[i][j], g[i][j]
			for k := range p {
				m[k] = a.beta1*m[k] + (1-a.beta1)*grad[k]
				v[k] = a.beta2*v[k] + (1-a.beta2)*grad[k]*grad[k]
				p[k] -= a.lr * (m[k] / c1) / (math.Sqrt(v[k]/c2) + a.eps)
			}
		}
	}
}
