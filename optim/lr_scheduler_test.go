package optim

import (
	"math"
	"testing"

	"github.com/tsawler/go-trainer/training"
)

func sgdWithLR(t *testing.T, lr float64) *Config {
	t.Helper()
	cfg, err := NewSGDConfig(WithLR(lr))
	if err != nil {
		t.Fatalf("failed to create SGD config: %v", err)
	}
	return cfg
}

func TestLRSchedulerCreation(t *testing.T) {
	initialLR := 0.5
	totalSteps := 10
	warmup := 0.05

	configs := map[string]func() (*Config, error){
		"Adam": func() (*Config, error) { return NewAdamConfig(WithLR(initialLR)) },
		"Lamb": func() (*Config, error) { return NewLambConfig(WithLR(initialLR)) },
		"SGD":  func() (*Config, error) { return NewSGDConfig(WithLR(initialLR)) },
	}

	for name, build := range configs {
		cfg, err := build()
		if err != nil {
			t.Fatalf("%s: failed to create config: %v", name, err)
		}

		scheduler := NewLinearWarmupLRScheduler(cfg, totalSteps, warmup)

		if scheduler.OptimizerConfig != cfg {
			t.Errorf("%s: scheduler does not hold the optimizer config", name)
		}
		if scheduler.TotalSteps != totalSteps {
			t.Errorf("%s: expected total steps %d, got %d", name, totalSteps, scheduler.TotalSteps)
		}
		if scheduler.Warmup != warmup {
			t.Errorf("%s: expected warmup %v, got %v", name, warmup, scheduler.Warmup)
		}
		if cfg.LR() != initialLR {
			t.Errorf("%s: lr modified before stepping: %v", name, cfg.LR())
		}
		if scheduler.GetLastLR() != nil {
			t.Errorf("%s: expected no last lr before stepping", name)
		}
	}
}

// TestLRSchedulerUpdate drives each scheduler through ten steps with
// initial lr 1, total steps 10, warmup 0.5, and checks the full learning
// rate trajectory. All four variants share the warmup ramp and differ only
// in the decay tail.
func TestLRSchedulerUpdate(t *testing.T) {
	const rtol = 1e-4

	tests := []struct {
		name     string
		build    func(cfg *Config, totalSteps int, warmup float64) training.LRScheduler
		expected []float64
	}{
		{
			name: "ConstantWarmupLR",
			build: func(cfg *Config, totalSteps int, warmup float64) training.LRScheduler {
				return NewConstantWarmupLRScheduler(cfg, totalSteps, warmup)
			},
			expected: []float64{0.181818, 0.066116, 0.036063, 0.026228, 0.023843,
				0.023843, 0.023843, 0.023843, 0.023843, 0.023843},
		},
		{
			name: "CosineWarmupLR",
			build: func(cfg *Config, totalSteps int, warmup float64) training.LRScheduler {
				return NewCosineWarmupLRScheduler(cfg, totalSteps, warmup)
			},
			expected: []float64{0.181818, 0.066116, 0.036063, 0.026228, 0.023843,
				0.010225, 0.002989, 0.0005158, 0.000040937, 0.0000008291},
		},
		{
			name: "LinearWarmupLR",
			build: func(cfg *Config, totalSteps int, warmup float64) training.LRScheduler {
				return NewLinearWarmupLRScheduler(cfg, totalSteps, warmup)
			},
			expected: []float64{0.181818, 0.066116, 0.036063, 0.026228, 0.023843,
				0.021675, 0.0157636, 0.0085983, 0.0031266, 0.00056847},
		},
		{
			name: "PolyWarmupLR",
			build: func(cfg *Config, totalSteps int, warmup float64) training.LRScheduler {
				return NewPolyWarmupLRScheduler(cfg, totalSteps, warmup)
			},
			expected: []float64{0.181818, 0.066116, 0.036063, 0.026228, 0.023843,
				0.0160749, 0.0096935, 0.0050622, 0.0021585, 0.000650833},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sgdWithLR(t, 1)
			scheduler := tt.build(cfg, 10, 0.5)

			for step := 0; step < 10; step++ {
				info, err := training.NewTrainStepInfo(training.WithStep(step))
				if err != nil {
					t.Fatalf("step %d: %v", step, err)
				}

				scheduler.Step(info)
				lrs := scheduler.GetLastLR()
				if len(lrs) != 1 {
					t.Fatalf("step %d: expected a single lr, got %d", step, len(lrs))
				}
				want := tt.expected[step]
				if math.Abs(lrs[0]-want) > rtol*math.Abs(want) {
					t.Errorf("step %d: expected lr %v, got %v", step, want, lrs[0])
				}
				// The config's lr is the scheduled one.
				if cfg.LR() != lrs[0] {
					t.Errorf("step %d: config lr %v does not match last lr %v", step, cfg.LR(), lrs[0])
				}
			}
		})
	}
}

func TestPolyWarmupLRSchedulerDegree(t *testing.T) {
	cfg := sgdWithLR(t, 1)
	scheduler := NewPolyWarmupLRSchedulerWithDegree(cfg, 10, 0.0, 2)

	if scheduler.Degree != 2 {
		t.Fatalf("expected degree 2, got %v", scheduler.Degree)
	}

	// No warmup: the first step is already on the decay curve,
	// m = (1 - 1/11)^2.
	info, err := training.NewTrainStepInfo(training.WithStep(0))
	if err != nil {
		t.Fatal(err)
	}
	scheduler.Step(info)

	want := math.Pow(1-1.0/11.0, 2)
	got := scheduler.GetLastLR()[0]
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected lr %v, got %v", want, got)
	}
}

func TestSchedulerNames(t *testing.T) {
	cfg := sgdWithLR(t, 1)

	tests := []struct {
		scheduler training.LRScheduler
		expected  string
	}{
		{NewConstantWarmupLRScheduler(cfg, 10, 0.5), "ConstantWarmupLR"},
		{NewCosineWarmupLRScheduler(cfg, 10, 0.5), "CosineWarmupLR"},
		{NewLinearWarmupLRScheduler(cfg, 10, 0.5), "LinearWarmupLR"},
		{NewPolyWarmupLRScheduler(cfg, 10, 0.5), "PolyWarmupLR"},
	}

	for _, tt := range tests {
		if name := tt.scheduler.Name(); name != tt.expected {
			t.Errorf("expected name %s, got %s", tt.expected, name)
		}
	}
}

func TestLRSchedulerClampsArguments(t *testing.T) {
	cfg := sgdWithLR(t, 1)

	s := NewConstantWarmupLRScheduler(cfg, 0, -0.5)
	if s.TotalSteps != 1 {
		t.Errorf("expected total steps clamped to 1, got %d", s.TotalSteps)
	}
	if s.Warmup != 0 {
		t.Errorf("expected warmup clamped to 0, got %v", s.Warmup)
	}

	s2 := NewConstantWarmupLRScheduler(cfg, 10, 1.5)
	if s2.Warmup != 1 {
		t.Errorf("expected warmup clamped to 1, got %v", s2.Warmup)
	}
}
