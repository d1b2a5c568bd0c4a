package optim

import (
	"math"

	"github.com/tsawler/go-trainer/training"
)

// warmupEpsilon guards the warmup ramp against division by zero when the
// warmup fraction is 0.
const warmupEpsilon = 1e-12

// lrScheduler is the shared core of the warmup schedulers. Each step it
// computes a multiplier from the training progress and scales the optimizer
// config's learning rate in place, so the stored lr is always the one the
// execution engine reads next.
type lrScheduler struct {
	OptimizerConfig *Config
	TotalSteps      int
	Warmup          float64

	name       string
	multiplier func(x float64) float64
	lastLR     []float64
}

func newLRScheduler(cfg *Config, totalSteps int, warmup float64, name string, multiplier func(x float64) float64) *lrScheduler {
	if totalSteps < 1 {
		totalSteps = 1
	}
	if warmup < 0 {
		warmup = 0
	}
	if warmup > 1 {
		warmup = 1
	}
	return &lrScheduler{
		OptimizerConfig: cfg,
		TotalSteps:      totalSteps,
		Warmup:          warmup,
		name:            name,
		multiplier:      multiplier,
	}
}

// Step recomputes the learning rate for the given training step and writes
// it back into the optimizer config.
func (s *lrScheduler) Step(info *training.TrainStepInfo) {
	step := 0
	if info != nil && info.Step != nil {
		step = *info.Step
	}

	// Progress runs over totalSteps+1 so the ramp starts above zero at
	// step 0 and the decay shapes reach their floor just past the last step.
	x := float64(step+1) / float64(s.TotalSteps+1)
	if x > 1 {
		x = 1
	}

	var m float64
	if x < s.Warmup {
		m = x / math.Max(s.Warmup, warmupEpsilon)
	} else {
		m = s.multiplier(x)
	}

	newLR := s.OptimizerConfig.LR() * m
	s.OptimizerConfig.setLR(newLR)
	s.lastLR = []float64{newLR}
}

// GetLastLR returns the learning rate computed by the most recent Step call
// as a single-element slice: one lr per optimizer instance.
func (s *lrScheduler) GetLastLR() []float64 {
	return s.lastLR
}

// Name returns the scheduler name for logging.
func (s *lrScheduler) Name() string {
	return s.name
}

// ConstantWarmupLRScheduler ramps the learning rate up during warmup and
// holds it constant afterwards.
type ConstantWarmupLRScheduler struct {
	*lrScheduler
}

// NewConstantWarmupLRScheduler creates a constant-after-warmup scheduler.
func NewConstantWarmupLRScheduler(cfg *Config, totalSteps int, warmup float64) *ConstantWarmupLRScheduler {
	return &ConstantWarmupLRScheduler{
		lrScheduler: newLRScheduler(cfg, totalSteps, warmup, "ConstantWarmupLR", func(x float64) float64 {
			return 1
		}),
	}
}

// LinearWarmupLRScheduler ramps up during warmup and decays linearly to zero
// over the remaining steps.
type LinearWarmupLRScheduler struct {
	*lrScheduler
}

// NewLinearWarmupLRScheduler creates a linear-decay scheduler.
func NewLinearWarmupLRScheduler(cfg *Config, totalSteps int, warmup float64) *LinearWarmupLRScheduler {
	s := newLRScheduler(cfg, totalSteps, warmup, "LinearWarmupLR", nil)
	s.multiplier = func(x float64) float64 {
		return math.Max((1-x)/math.Max(1-s.Warmup, warmupEpsilon), 0)
	}
	return &LinearWarmupLRScheduler{lrScheduler: s}
}

// CosineWarmupLRScheduler ramps up during warmup and follows a half cosine
// down to zero over the remaining steps.
type CosineWarmupLRScheduler struct {
	*lrScheduler
}

// NewCosineWarmupLRScheduler creates a cosine-decay scheduler.
func NewCosineWarmupLRScheduler(cfg *Config, totalSteps int, warmup float64) *CosineWarmupLRScheduler {
	return &CosineWarmupLRScheduler{
		lrScheduler: newLRScheduler(cfg, totalSteps, warmup, "CosineWarmupLR", func(x float64) float64 {
			return 0.5 * (1 + math.Cos(math.Pi*x))
		}),
	}
}

// DefaultPolyDegree is the exponent of the polynomial decay shape.
const DefaultPolyDegree = 0.5

// PolyWarmupLRScheduler ramps up during warmup and decays polynomially,
// (1-x)^degree, over the remaining steps.
type PolyWarmupLRScheduler struct {
	*lrScheduler

	// Degree is the decay exponent, DefaultPolyDegree unless overridden
	// with NewPolyWarmupLRSchedulerWithDegree.
	Degree float64
}

// NewPolyWarmupLRScheduler creates a polynomial-decay scheduler with the
// default degree.
func NewPolyWarmupLRScheduler(cfg *Config, totalSteps int, warmup float64) *PolyWarmupLRScheduler {
	return NewPolyWarmupLRSchedulerWithDegree(cfg, totalSteps, warmup, DefaultPolyDegree)
}

// NewPolyWarmupLRSchedulerWithDegree creates a polynomial-decay scheduler
// with an explicit decay exponent.
func NewPolyWarmupLRSchedulerWithDegree(cfg *Config, totalSteps int, warmup float64, degree float64) *PolyWarmupLRScheduler {
	if degree <= 0 {
		degree = DefaultPolyDegree
	}
	s := newLRScheduler(cfg, totalSteps, warmup, "PolyWarmupLR", func(x float64) float64 {
		return math.Pow(1-x, degree)
	})
	return &PolyWarmupLRScheduler{lrScheduler: s, Degree: degree}
}

var (
	_ training.LRScheduler = (*ConstantWarmupLRScheduler)(nil)
	_ training.LRScheduler = (*LinearWarmupLRScheduler)(nil)
	_ training.LRScheduler = (*CosineWarmupLRScheduler)(nil)
	_ training.LRScheduler = (*PolyWarmupLRScheduler)(nil)
)
