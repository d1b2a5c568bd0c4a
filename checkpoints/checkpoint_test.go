package checkpoints

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-trainer/amp"
	"github.com/tsawler/go-trainer/optim"
	"github.com/tsawler/go-trainer/training"
)

func TestCheckpointJSONSaveLoad(t *testing.T) {
	cfg, err := optim.NewAdamConfig(
		optim.WithLR(0.002),
		optim.WithParamGroups(optim.ParamGroup{
			Params:          []string{"encoder.weight"},
			HyperParameters: map[string]any{"alpha": 0.8},
		}),
	)
	if err != nil {
		t.Fatalf("failed to create optimizer config: %v", err)
	}

	scaler := amp.NewDynamicLossScaler(amp.WithUpScaleWindow(100))
	info, err := training.NewTrainStepInfo(training.WithAllFinite(true), training.WithStep(0))
	if err != nil {
		t.Fatalf("failed to create step info: %v", err)
	}
	for i := 0; i < 17; i++ {
		scaler.Update(info)
	}

	checkpoint := NewCheckpoint(cfg, scaler, TrainingState{
		Epoch:      3,
		Step:       1700,
		TotalSteps: 10000,
	})
	checkpoint.Metadata.Description = "mid-run state"
	checkpoint.Metadata.Tags = []string{"test"}

	path := filepath.Join(t.TempDir(), "state.json")
	saver := NewCheckpointSaver(FormatJSON)

	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("failed to save checkpoint: %v", err)
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("failed to load checkpoint: %v", err)
	}

	if loaded.TrainingState.Epoch != 3 || loaded.TrainingState.Step != 1700 {
		t.Errorf("training state mismatch: %+v", loaded.TrainingState)
	}
	if loaded.TrainingState.LearningRate != 0.002 {
		t.Errorf("expected learning rate filled from config, got %v", loaded.TrainingState.LearningRate)
	}
	if loaded.Metadata.Framework != "go-trainer" {
		t.Errorf("expected framework metadata to be filled in, got %q", loaded.Metadata.Framework)
	}

	restored, err := loaded.RestoreScaler(amp.WithUpScaleWindow(100))
	if err != nil {
		t.Fatalf("failed to restore scaler: %v", err)
	}
	if restored.LossScale != scaler.LossScale {
		t.Errorf("expected restored loss scale %v, got %v", scaler.LossScale, restored.LossScale)
	}
	if restored.StableSteps() != 17 {
		t.Errorf("expected 17 restored stable steps, got %d", restored.StableSteps())
	}

	restoredCfg, err := loaded.RestoreOptimizerConfig()
	if err != nil {
		t.Fatalf("failed to restore optimizer config: %v", err)
	}
	if restoredCfg.Name != optim.AdamOptimizer {
		t.Errorf("expected Adam config, got %s", restoredCfg.Name)
	}
	if restoredCfg.LR() != 0.002 {
		t.Errorf("expected lr 0.002, got %v", restoredCfg.LR())
	}
	if len(restoredCfg.ParamGroups) != 1 {
		t.Fatalf("expected one param group, got %d", len(restoredCfg.ParamGroups))
	}
	if alpha, _ := restoredCfg.ParamGroups[0].HyperParameters["alpha"].(float64); alpha != 0.8 {
		t.Errorf("expected param group alpha 0.8, got %v", restoredCfg.ParamGroups[0].HyperParameters["alpha"])
	}
}

// The Lamb defaults leave the trust ratio unbounded; the non-finite bounds
// must survive a save/load cycle even though JSON cannot encode them.
func TestCheckpointLambRoundTrip(t *testing.T) {
	cfg, err := optim.NewLambConfig(optim.WithLR(0.01))
	if err != nil {
		t.Fatalf("failed to create optimizer config: %v", err)
	}

	checkpoint := NewCheckpoint(cfg, nil, TrainingState{Step: 5, TotalSteps: 100})
	path := filepath.Join(t.TempDir(), "lamb.json")
	saver := NewCheckpointSaver(FormatJSON)

	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("failed to save checkpoint: %v", err)
	}
	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("failed to load checkpoint: %v", err)
	}

	restoredCfg, err := loaded.RestoreOptimizerConfig()
	if err != nil {
		t.Fatalf("failed to restore optimizer config: %v", err)
	}
	if restoredCfg.Name != optim.LambOptimizer {
		t.Errorf("expected Lamb config, got %s", restoredCfg.Name)
	}
	if restoredCfg.LR() != 0.01 {
		t.Errorf("expected lr 0.01, got %v", restoredCfg.LR())
	}
	ratioMin, _ := restoredCfg.HyperParameters["ratio_min"].(float64)
	if !math.IsInf(ratioMin, -1) {
		t.Errorf("expected ratio_min -Inf, got %v", restoredCfg.HyperParameters["ratio_min"])
	}
	ratioMax, _ := restoredCfg.HyperParameters["ratio_max"].(float64)
	if !math.IsInf(ratioMax, 1) {
		t.Errorf("expected ratio_max +Inf, got %v", restoredCfg.HyperParameters["ratio_max"])
	}
}

// A save that fails to encode must leave an existing checkpoint untouched.
func TestCheckpointFailedSaveKeepsExistingFile(t *testing.T) {
	cfg, err := optim.NewSGDConfig()
	if err != nil {
		t.Fatalf("failed to create config: %v", err)
	}

	path := filepath.Join(t.TempDir(), "state.json")
	saver := NewCheckpointSaver(FormatJSON)
	if err := saver.SaveCheckpoint(NewCheckpoint(cfg, nil, TrainingState{Step: 1}), path); err != nil {
		t.Fatalf("failed to save checkpoint: %v", err)
	}
	original, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read checkpoint: %v", err)
	}

	// Hand-built state carrying a raw +Inf that the JSON encoder rejects.
	broken := &Checkpoint{
		OptimizerConfig: &OptimizerConfig{
			Name:            string(optim.SGDOptimizer),
			HyperParameters: map[string]any{"lr": math.Inf(1)},
		},
	}
	if err := saver.SaveCheckpoint(broken, path); err == nil {
		t.Fatal("expected an error encoding a non-finite hyper parameter")
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to re-read checkpoint: %v", err)
	}
	if !bytes.Equal(original, after) {
		t.Error("failed save modified the existing checkpoint")
	}
}

func TestCheckpointLearningRateDefaulting(t *testing.T) {
	cfg, err := optim.NewAdamConfig(optim.WithLR(0.004))
	if err != nil {
		t.Fatalf("failed to create config: %v", err)
	}

	filled := NewCheckpoint(cfg, nil, TrainingState{Step: 1})
	if filled.TrainingState.LearningRate != 0.004 {
		t.Errorf("expected learning rate filled from config, got %v", filled.TrainingState.LearningRate)
	}

	explicit := NewCheckpoint(cfg, nil, TrainingState{Step: 1, LearningRate: 0.0005})
	if explicit.TrainingState.LearningRate != 0.0005 {
		t.Errorf("expected explicit learning rate kept, got %v", explicit.TrainingState.LearningRate)
	}
}

func TestCheckpointWithoutScaler(t *testing.T) {
	cfg, err := optim.NewSGDConfig()
	if err != nil {
		t.Fatalf("failed to create config: %v", err)
	}

	checkpoint := NewCheckpoint(cfg, nil, TrainingState{Step: 10})
	if _, err := checkpoint.RestoreScaler(); err == nil {
		t.Error("expected an error restoring a scaler that was never saved")
	}
}

func TestCheckpointLoadMissingFile(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	if _, err := saver.LoadCheckpoint(filepath.Join(os.TempDir(), "does-not-exist.json")); err == nil {
		t.Error("expected an error loading a missing checkpoint")
	}
}
