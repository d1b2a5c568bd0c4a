// Package amp holds the mixed-precision helpers of the training frontend:
// the dynamic loss scaler and the gradient finiteness checks that feed it.
package amp

import (
	"math"

	"github.com/tsawler/go-trainer/training"
)

const (
	// DefaultLossScale is the initial loss scale, 2^16.
	DefaultLossScale = float64(1 << 16)

	// DefaultUpScaleWindow is the number of consecutive finite steps
	// required before the scale is doubled.
	DefaultUpScaleWindow = 2000

	// DefaultMinLossScale is the lower clamp for the loss scale.
	DefaultMinLossScale = 1.0

	// DefaultMaxLossScale is the upper clamp for the loss scale, 2^24.
	DefaultMaxLossScale = float64(1 << 24)
)

// DynamicLossScaler adjusts the loss scale used for reduced-precision
// gradient computation. The scale doubles after UpScaleWindow consecutive
// finite steps and halves immediately whenever a step overflows, clamped to
// [MinLossScale, MaxLossScale].
//
// One scaler instance belongs to one training run. Update must be called
// exactly once per step, in step order, by a single caller; the scale and
// the stable-step counter always change together.
type DynamicLossScaler struct {
	// AutomaticUpdate reports whether the owning step loop invokes Update
	// implicitly. When false the caller drives Update itself. The flag does
	// not change the transition rule.
	AutomaticUpdate bool

	// LossScale is the current multiplier applied to the loss.
	LossScale float64

	// UpScaleWindow is the number of consecutive finite steps before the
	// scale is doubled.
	UpScaleWindow int

	// MinLossScale and MaxLossScale bound the scale.
	MinLossScale float64
	MaxLossScale float64

	stableStepsCount int
}

// Option overrides one DynamicLossScaler default.
type Option func(*DynamicLossScaler)

// WithAutomaticUpdate controls whether the step loop calls Update implicitly.
func WithAutomaticUpdate(automatic bool) Option {
	return func(s *DynamicLossScaler) {
		s.AutomaticUpdate = automatic
	}
}

// WithLossScale sets the initial loss scale.
func WithLossScale(scale float64) Option {
	return func(s *DynamicLossScaler) {
		s.LossScale = scale
	}
}

// WithUpScaleWindow sets the number of stable steps required before doubling.
func WithUpScaleWindow(window int) Option {
	return func(s *DynamicLossScaler) {
		s.UpScaleWindow = window
	}
}

// WithMinLossScale sets the lower bound for the loss scale.
func WithMinLossScale(min float64) Option {
	return func(s *DynamicLossScaler) {
		s.MinLossScale = min
	}
}

// WithMaxLossScale sets the upper bound for the loss scale.
func WithMaxLossScale(max float64) Option {
	return func(s *DynamicLossScaler) {
		s.MaxLossScale = max
	}
}

// NewDynamicLossScaler creates a scaler with the default configuration
// (scale 2^16, window 2000, bounds [1, 2^24], automatic update) and applies
// any overrides.
func NewDynamicLossScaler(opts ...Option) *DynamicLossScaler {
	scaler := &DynamicLossScaler{
		AutomaticUpdate: true,
		LossScale:       DefaultLossScale,
		UpScaleWindow:   DefaultUpScaleWindow,
		MinLossScale:    DefaultMinLossScale,
		MaxLossScale:    DefaultMaxLossScale,
	}
	for _, opt := range opts {
		opt(scaler)
	}
	return scaler
}

// Scale returns the current loss scale.
func (s *DynamicLossScaler) Scale() float64 {
	return s.LossScale
}

// StableSteps returns the number of consecutive finite steps observed since
// the scale last changed or the counter last wrapped.
func (s *DynamicLossScaler) StableSteps() int {
	return s.stableStepsCount
}

// Update advances the scaler with the outcome of one training step and
// returns the new loss scale. A step with finite gradients increments the
// stable-step counter and, once the counter reaches UpScaleWindow, resets it
// and doubles the scale (clamped to MaxLossScale). A step whose gradients
// overflowed resets the counter and halves the scale (clamped to
// MinLossScale). A nil AllFinite is treated as an overflow.
func (s *DynamicLossScaler) Update(info *training.TrainStepInfo) float64 {
	finite := info != nil && info.AllFinite != nil && *info.AllFinite

	if finite {
		s.stableStepsCount++
		if s.stableStepsCount >= s.UpScaleWindow {
			s.stableStepsCount = 0
			s.LossScale = math.Min(s.LossScale*2, s.MaxLossScale)
		}
	} else {
		s.stableStepsCount = 0
		s.LossScale = math.Max(s.LossScale/2, s.MinLossScale)
	}
	return s.LossScale
}

// State is the serializable portion of a scaler, used by checkpointing.
type State struct {
	LossScale   float64 `json:"loss_scale"`
	StableSteps int     `json:"stable_steps"`
}

// State captures the scaler's mutable state.
func (s *DynamicLossScaler) State() State {
	return State{LossScale: s.LossScale, StableSteps: s.stableStepsCount}
}

// Restore replaces the scaler's mutable state with a previously captured one.
func (s *DynamicLossScaler) Restore(state State) {
	s.LossScale = state.LossScale
	s.stableStepsCount = state.StableSteps
}

var _ training.LossScaler = (*DynamicLossScaler)(nil)
