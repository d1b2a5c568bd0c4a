package training

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// TrainerOptions is the validated, fully-defaulted configuration for a
// training session. Construct it with NewTrainerOptions; a zero value has
// not had defaults applied.
type TrainerOptions struct {
	Batch          BatchOptions
	Device         DeviceOptions
	Distributed    DistributedOptions
	LRScheduler    LRScheduler
	MixedPrecision MixedPrecisionOptions
	Utils          UtilsOptions
}

// BatchOptions controls gradient accumulation.
type BatchOptions struct {
	GradientAccumulationSteps int
}

// DeviceOptions selects the execution device.
type DeviceOptions struct {
	ID       string
	MemLimit int
}

// DistributedOptions configures multi-worker training.
type DistributedOptions struct {
	WorldRank                 int
	WorldSize                 int
	LocalRank                 int
	AllreducePostAccumulation bool
	EnablePartitionOptimizer  bool
	EnableAdasum              bool
}

// MixedPrecisionOptions enables reduced-precision training.
type MixedPrecisionOptions struct {
	Enabled    bool
	LossScaler LossScaler
}

// UtilsOptions holds miscellaneous training toggles.
type UtilsOptions struct {
	GradNormClip bool
}

// OptionsError aggregates every schema violation found while validating a
// trainer options map, keyed by "section.field".
type OptionsError struct {
	Violations map[string][]string
}

func (e *OptionsError) Error() string {
	keys := make([]string, 0, len(e.Violations))
	for k := range e.Violations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("invalid options: ")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(fmt.Sprintf("%s: %s", k, strings.Join(e.Violations[k], ", ")))
	}
	return sb.String()
}

func (e *OptionsError) add(section, field, msg string) {
	key := section + "." + field
	e.Violations[key] = append(e.Violations[key], msg)
}

// fieldKind is the expected type of an option value.
type fieldKind int

const (
	kindBool fieldKind = iota
	kindInt
	kindString
	kindLossScaler
)

// optionRule validates a single option field. Rules are run eagerly over the
// whole schema so every violation is reported in one pass.
type optionRule struct {
	kind    fieldKind
	min     int // minimum for kindInt fields
	def     any
	message string
}

var optionsSchema = map[string]map[string]optionRule{
	"batch": {
		"gradient_accumulation_steps": {kind: kindInt, min: 0, def: 0, message: "must be a non-negative integer"},
	},
	"device": {
		"id":        {kind: kindString, def: "", message: "must be a string"},
		"mem_limit": {kind: kindInt, min: 0, def: 0, message: "must be a non-negative integer"},
	},
	"distributed": {
		"world_rank":                  {kind: kindInt, min: 0, def: 0, message: "must be a non-negative integer"},
		"world_size":                  {kind: kindInt, min: 1, def: 1, message: "must be a positive integer"},
		"local_rank":                  {kind: kindInt, min: 0, def: 0, message: "must be a non-negative integer"},
		"allreduce_post_accumulation": {kind: kindBool, def: false, message: "must be of boolean type"},
		"enable_partition_optimizer":  {kind: kindBool, def: false, message: "must be of boolean type"},
		"enable_adasum":               {kind: kindBool, def: false, message: "must be of boolean type"},
	},
	"mixed_precision": {
		"enabled":     {kind: kindBool, def: false, message: "must be of boolean type"},
		"loss_scaler": {kind: kindLossScaler, def: nil, message: "must implement LossScaler"},
	},
	"utils": {
		"grad_norm_clip": {kind: kindBool, def: false, message: "must be of boolean type"},
	},
}

// NewTrainerOptions validates a raw options map against the declarative
// schema, applies defaults for everything omitted, and returns the normalized
// options. All violations are aggregated into a single *OptionsError; no
// partial result is returned on failure.
func NewTrainerOptions(raw map[string]any) (*TrainerOptions, error) {
	if raw == nil {
		raw = map[string]any{}
	}

	verr := &OptionsError{Violations: map[string][]string{}}
	normalized := map[string]map[string]any{}

	for section, fields := range optionsSchema {
		rawSection, err := sectionMap(raw, section)
		if err != nil {
			verr.Violations[section] = append(verr.Violations[section], err.Error())
			continue
		}

		normalized[section] = map[string]any{}
		for field, rule := range fields {
			value, ok := rawSection[field]
			if !ok || value == nil {
				normalized[section][field] = rule.def
				continue
			}
			coerced, ok := coerceOption(value, rule)
			if !ok {
				verr.add(section, field, rule.message)
				continue
			}
			normalized[section][field] = coerced
		}

		for field := range rawSection {
			if _, known := fields[field]; !known {
				verr.add(section, field, "unknown field")
			}
		}
	}

	scheduler, err := schedulerOption(raw)
	if err != nil {
		verr.Violations["lr_scheduler"] = append(verr.Violations["lr_scheduler"], err.Error())
	}

	for section := range raw {
		if section == "lr_scheduler" {
			continue
		}
		if _, known := optionsSchema[section]; !known {
			verr.Violations[section] = append(verr.Violations[section], "unknown section")
		}
	}

	if len(verr.Violations) > 0 {
		return nil, verr
	}

	opts := &TrainerOptions{
		Batch: BatchOptions{
			GradientAccumulationSteps: normalized["batch"]["gradient_accumulation_steps"].(int),
		},
		Device: DeviceOptions{
			ID:       normalized["device"]["id"].(string),
			MemLimit: normalized["device"]["mem_limit"].(int),
		},
		Distributed: DistributedOptions{
			WorldRank:                 normalized["distributed"]["world_rank"].(int),
			WorldSize:                 normalized["distributed"]["world_size"].(int),
			LocalRank:                 normalized["distributed"]["local_rank"].(int),
			AllreducePostAccumulation: normalized["distributed"]["allreduce_post_accumulation"].(bool),
			EnablePartitionOptimizer:  normalized["distributed"]["enable_partition_optimizer"].(bool),
			EnableAdasum:              normalized["distributed"]["enable_adasum"].(bool),
		},
		LRScheduler: scheduler,
		Utils: UtilsOptions{
			GradNormClip: normalized["utils"]["grad_norm_clip"].(bool),
		},
	}
	opts.MixedPrecision.Enabled = normalized["mixed_precision"]["enabled"].(bool)
	if scaler := normalized["mixed_precision"]["loss_scaler"]; scaler != nil {
		opts.MixedPrecision.LossScaler = scaler.(LossScaler)
	}

	return opts, nil
}

// TrainerOptionsFromProto validates options delivered as a protobuf Struct,
// as received from a remote launcher.
func TrainerOptionsFromProto(s *structpb.Struct) (*TrainerOptions, error) {
	if s == nil {
		return NewTrainerOptions(nil)
	}
	return NewTrainerOptions(s.AsMap())
}

func sectionMap(raw map[string]any, section string) (map[string]any, error) {
	value, ok := raw[section]
	if !ok || value == nil {
		return map[string]any{}, nil
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("must be a mapping")
	}
	return m, nil
}

func schedulerOption(raw map[string]any) (LRScheduler, error) {
	value, ok := raw["lr_scheduler"]
	if !ok || value == nil {
		return nil, nil
	}
	scheduler, ok := value.(LRScheduler)
	if !ok {
		return nil, fmt.Errorf("must implement LRScheduler")
	}
	return scheduler, nil
}

func coerceOption(value any, rule optionRule) (any, bool) {
	switch rule.kind {
	case kindBool:
		b, ok := value.(bool)
		return b, ok
	case kindInt:
		n, ok := intValue(value)
		if !ok || n < rule.min {
			return nil, false
		}
		return n, true
	case kindString:
		s, ok := value.(string)
		return s, ok
	case kindLossScaler:
		scaler, ok := value.(LossScaler)
		return scaler, ok
	}
	return nil, false
}

// intValue accepts the integer encodings produced by Go literals, JSON
// decoding and structpb conversion (which both deliver numbers as float64).
func intValue(value any) (int, bool) {
	switch n := value.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case float32:
		if n != float32(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
