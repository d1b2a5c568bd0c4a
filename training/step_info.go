package training

import (
	"github.com/pkg/errors"
)

// TrainStepInfo carries per-iteration state from the training loop to the
// components that react to it (loss scalers, LR schedulers). Fields are
// optional; a nil pointer means the caller did not supply the value.
type TrainStepInfo struct {
	// AllFinite reports whether every gradient produced by the step was
	// finite. It drives the loss scaler's up/down decisions.
	AllFinite *bool

	// Epoch is the current epoch, starting at 0.
	Epoch *int

	// Step is the current optimization step, starting at 0.
	Step *int
}

// StepInfoOption configures a TrainStepInfo at construction.
type StepInfoOption func(*TrainStepInfo)

// WithAllFinite sets the finite-gradient signal for the step.
func WithAllFinite(allFinite bool) StepInfoOption {
	return func(info *TrainStepInfo) {
		info.AllFinite = &allFinite
	}
}

// WithEpoch sets the current epoch.
func WithEpoch(epoch int) StepInfoOption {
	return func(info *TrainStepInfo) {
		info.Epoch = &epoch
	}
}

// WithStep sets the current optimization step.
func WithStep(step int) StepInfoOption {
	return func(info *TrainStepInfo) {
		info.Step = &step
	}
}

// NewTrainStepInfo creates a TrainStepInfo for a single training iteration.
// Epoch and step must be non-negative when supplied.
func NewTrainStepInfo(opts ...StepInfoOption) (*TrainStepInfo, error) {
	info := &TrainStepInfo{}
	for _, opt := range opts {
		opt(info)
	}

	if info.Epoch != nil && *info.Epoch < 0 {
		return nil, errors.Errorf("epoch must be a non-negative integer, got %d", *info.Epoch)
	}
	if info.Step != nil && *info.Step < 0 {
		return nil, errors.Errorf("step must be a non-negative integer, got %d", *info.Step)
	}

	return info, nil
}

// LossScaler is the contract a mixed-precision loss scaler fulfills. The
// canonical implementation is amp.DynamicLossScaler.
type LossScaler interface {
	// Scale returns the current loss-scale multiplier.
	Scale() float64

	// Update advances the scaler's state with the outcome of one training
	// step and returns the new loss scale.
	Update(info *TrainStepInfo) float64
}

// LRScheduler is the contract a learning-rate scheduler fulfills. The
// implementations live in the optim package.
type LRScheduler interface {
	// Step recomputes the learning rate for the given training step.
	Step(info *TrainStepInfo)

	// GetLastLR returns the learning rate(s) computed by the most recent
	// Step call, one entry per optimizer instance.
	GetLastLR() []float64

	// Name returns the scheduler name for logging.
	Name() string
}
