// Package checkpoints serializes the training frontend's restartable state:
// the optimizer configuration, the learning-rate position, and the dynamic
// loss scaler. Model weights belong to the execution engine and are not
// stored here.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-trainer/amp"
	"github.com/tsawler/go-trainer/optim"
)

// CheckpointFormat defines the serialization format.
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// TrainingState captures the frontend's position in the training run.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerConfig is the serialized form of an optim.Config.
type OptimizerConfig struct {
	Name            string                `json:"name"`
	HyperParameters map[string]any        `json:"hyper_parameters"`
	ParamGroups     []OptimizerParamGroup `json:"param_groups,omitempty"`
}

// OptimizerParamGroup is the serialized form of an optim.ParamGroup.
type OptimizerParamGroup struct {
	Params          []string       `json:"params"`
	HyperParameters map[string]any `json:"hyper_parameters"`
}

// CheckpointMetadata contains checkpoint metadata.
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Checkpoint is the complete restartable frontend state.
type Checkpoint struct {
	OptimizerConfig *OptimizerConfig   `json:"optimizer_config,omitempty"`
	TrainingState   TrainingState      `json:"training_state"`
	LossScaler      *amp.State         `json:"loss_scaler,omitempty"`
	Metadata        CheckpointMetadata `json:"metadata"`
}

// NewCheckpoint captures the current state of a training run. Either the
// config or the scaler may be nil when the run does not use them.
func NewCheckpoint(cfg *optim.Config, scaler *amp.DynamicLossScaler, state TrainingState) *Checkpoint {
	ckpt := &Checkpoint{TrainingState: state}
	if cfg != nil {
		ckpt.OptimizerConfig = encodeConfig(cfg)
		// Validated configs never carry lr <= 0, so a zero learning rate in
		// the supplied state can only mean the caller left it unset.
		if state.LearningRate == 0 {
			ckpt.TrainingState.LearningRate = cfg.LR()
		}
	}
	if scaler != nil {
		s := scaler.State()
		ckpt.LossScaler = &s
	}
	return ckpt
}

// RestoreScaler builds a scaler from the checkpointed state. The structural
// fields (window, bounds) come from the supplied options; the mutable state
// comes from the checkpoint.
func (c *Checkpoint) RestoreScaler(opts ...amp.Option) (*amp.DynamicLossScaler, error) {
	if c.LossScaler == nil {
		return nil, fmt.Errorf("checkpoint holds no loss scaler state")
	}
	scaler := amp.NewDynamicLossScaler(opts...)
	scaler.Restore(*c.LossScaler)
	return scaler, nil
}

// RestoreOptimizerConfig rebuilds and revalidates the optimizer config.
func (c *Checkpoint) RestoreOptimizerConfig() (*optim.Config, error) {
	if c.OptimizerConfig == nil {
		return nil, fmt.Errorf("checkpoint holds no optimizer config")
	}
	groups := make([]optim.ParamGroup, 0, len(c.OptimizerConfig.ParamGroups))
	for _, g := range c.OptimizerConfig.ParamGroups {
		groups = append(groups, optim.ParamGroup{
			Params:          g.Params,
			HyperParameters: decodeHyperParameters(g.HyperParameters),
		})
	}
	return optim.NewConfig(optim.Name(c.OptimizerConfig.Name), decodeHyperParameters(c.OptimizerConfig.HyperParameters), groups)
}

func encodeConfig(cfg *optim.Config) *OptimizerConfig {
	out := &OptimizerConfig{
		Name:            string(cfg.Name),
		HyperParameters: encodeHyperParameters(cfg.HyperParameters),
	}
	for _, g := range cfg.ParamGroups {
		out.ParamGroups = append(out.ParamGroups, OptimizerParamGroup{
			Params:          g.Params,
			HyperParameters: encodeHyperParameters(g.HyperParameters),
		})
	}
	return out
}

// JSON has no encoding for non-finite numbers, but the Lamb defaults leave
// the trust ratio unbounded (ratio_min -Inf, ratio_max +Inf). Non-finite
// hyper-parameter values are written as string sentinels and turned back
// into floats on restore. Hyper-parameters are numeric or boolean, so the
// sentinels can never collide with a legitimate value.
const (
	positiveInfinitySentinel = "Infinity"
	negativeInfinitySentinel = "-Infinity"
	nanSentinel              = "NaN"
)

func encodeHyperParameters(hyper map[string]any) map[string]any {
	out := make(map[string]any, len(hyper))
	for key, value := range hyper {
		if f, ok := value.(float64); ok {
			switch {
			case math.IsInf(f, 1):
				value = positiveInfinitySentinel
			case math.IsInf(f, -1):
				value = negativeInfinitySentinel
			case math.IsNaN(f):
				value = nanSentinel
			}
		}
		out[key] = value
	}
	return out
}

func decodeHyperParameters(hyper map[string]any) map[string]any {
	out := make(map[string]any, len(hyper))
	for key, value := range hyper {
		switch value {
		case positiveInfinitySentinel:
			value = math.Inf(1)
		case negativeInfinitySentinel:
			value = math.Inf(-1)
		case nanSentinel:
			value = math.NaN()
		}
		out[key] = value
	}
	return out
}

// CheckpointSaver handles saving and loading checkpoints in a given format.
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a checkpoint saver for the specified format.
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint saves a checkpoint to disk.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a checkpoint from disk.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-trainer"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	// Encode into a temp file and rename it into place so a failed save
	// never truncates an existing checkpoint.
	file, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		file.Close()
		os.Remove(file.Name())
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return fmt.Errorf("failed to write checkpoint file: %v", err)
	}
	if err := os.Rename(file.Name(), path); err != nil {
		os.Remove(file.Name())
		return fmt.Errorf("failed to replace checkpoint file: %v", err)
	}

	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}
