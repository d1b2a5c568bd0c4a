// Package optim holds the optimizer configurations and the learning-rate
// schedulers of the training frontend. None of the numeric optimization
// itself happens here; the configs are validated descriptions handed to the
// execution engine.
package optim

import (
	"math"

	"github.com/pkg/errors"
)

// Name identifies one of the supported optimizers.
type Name string

const (
	AdamOptimizer Name = "AdamOptimizer"
	LambOptimizer Name = "LambOptimizer"
	SGDOptimizer  Name = "SGDOptimizer"
)

// LRKey is the hyper-parameter key holding the learning rate. It is global
// to the optimizer and may never be overridden inside a param group.
const LRKey = "lr"

// ParamGroup overrides a subset of hyper-parameters for the named model
// parameters. After config construction every group carries the full
// hyper-parameter set, inheriting anything it did not override.
type ParamGroup struct {
	Params          []string
	HyperParameters map[string]any
}

// Config is a validated optimizer configuration: the optimizer name, its
// hyper-parameters, and any per-parameter-group overrides. Construct it with
// NewConfig or one of the per-optimizer constructors.
type Config struct {
	Name            Name
	HyperParameters map[string]any
	ParamGroups     []ParamGroup
}

// hyperRule validates one hyper-parameter value.
type hyperRule struct {
	required bool
	check    func(v any) error
}

func positiveFloat(v any) error {
	f, ok := floatValue(v)
	if !ok {
		return errors.New("must be a number")
	}
	if f <= 0 {
		return errors.Errorf("must be positive, got %v", f)
	}
	return nil
}

func nonNegativeFloat(v any) error {
	f, ok := floatValue(v)
	if !ok {
		return errors.New("must be a number")
	}
	if f < 0 {
		return errors.Errorf("must be non-negative, got %v", f)
	}
	return nil
}

func anyFloat(v any) error {
	if _, ok := floatValue(v); !ok {
		return errors.New("must be a number")
	}
	return nil
}

func anyBool(v any) error {
	if _, ok := v.(bool); !ok {
		return errors.New("must be a boolean")
	}
	return nil
}

// hyperRules is the per-optimizer rule table. Every optimizer requires a
// positive lr; the rest of the keys are type/range checked when present.
var hyperRules = map[Name]map[string]hyperRule{
	AdamOptimizer: {
		LRKey:                {required: true, check: positiveFloat},
		"alpha":              {check: nonNegativeFloat},
		"beta":               {check: nonNegativeFloat},
		"lambda_coef":        {check: nonNegativeFloat},
		"epsilon":            {check: positiveFloat},
		"do_bias_correction": {check: anyBool},
		"weight_decay_mode":  {check: anyBool},
	},
	LambOptimizer: {
		LRKey:                {required: true, check: positiveFloat},
		"alpha":              {check: nonNegativeFloat},
		"beta":               {check: nonNegativeFloat},
		"lambda_coef":        {check: nonNegativeFloat},
		"ratio_min":          {check: anyFloat},
		"ratio_max":          {check: anyFloat},
		"epsilon":            {check: positiveFloat},
		"do_bias_correction": {check: anyBool},
	},
	SGDOptimizer: {
		LRKey: {required: true, check: positiveFloat},
	},
}

// NewConfig validates and normalizes an optimizer configuration. Validation
// is fail-fast: on any violation no Config is returned. After construction
// every hyper-parameter key present at the top level is present in every
// param group (overridden or inherited) and no group carries a key absent at
// the top level.
func NewConfig(name Name, hyperParameters map[string]any, paramGroups []ParamGroup) (*Config, error) {
	rules, ok := hyperRules[name]
	if !ok {
		return nil, errors.Errorf("invalid optimizer name %q", name)
	}
	if hyperParameters == nil {
		return nil, errors.New("hyper_parameters must be provided")
	}

	for key, rule := range rules {
		value, present := hyperParameters[key]
		if !present || value == nil {
			if rule.required {
				return nil, errors.Errorf("hyper parameter %q is required for %s", key, name)
			}
			continue
		}
		if rule.check != nil {
			if err := rule.check(value); err != nil {
				return nil, errors.Wrapf(err, "hyper parameter %q", key)
			}
		}
	}
	for key := range hyperParameters {
		if _, known := rules[key]; !known {
			return nil, errors.Errorf("hyper parameter %q is not supported by %s", key, name)
		}
	}

	if name == SGDOptimizer && len(paramGroups) > 0 {
		return nil, errors.New("param_groups must be empty for the SGD optimizer")
	}

	normalized := make([]ParamGroup, 0, len(paramGroups))
	for i, group := range paramGroups {
		if len(group.Params) == 0 {
			return nil, errors.Errorf("param group %d must name at least one parameter", i)
		}
		merged := ParamGroup{
			Params:          append([]string(nil), group.Params...),
			HyperParameters: make(map[string]any, len(hyperParameters)),
		}
		for key, value := range group.HyperParameters {
			if key == LRKey {
				return nil, errors.New("lr is not supported inside param_groups")
			}
			if _, present := hyperParameters[key]; !present {
				return nil, errors.Errorf("param group %d overrides %q which is not a top-level hyper parameter", i, key)
			}
			if rule, known := rules[key]; known && rule.check != nil {
				if err := rule.check(value); err != nil {
					return nil, errors.Wrapf(err, "param group %d, hyper parameter %q", i, key)
				}
			}
			merged.HyperParameters[key] = value
		}
		// Inherit everything the group did not override.
		for key, value := range hyperParameters {
			if _, present := merged.HyperParameters[key]; !present {
				merged.HyperParameters[key] = value
			}
		}
		normalized = append(normalized, merged)
	}

	cfg := &Config{
		Name:            name,
		HyperParameters: make(map[string]any, len(hyperParameters)),
		ParamGroups:     normalized,
	}
	for key, value := range hyperParameters {
		cfg.HyperParameters[key] = value
	}
	return cfg, nil
}

// LR returns the global learning rate.
func (c *Config) LR() float64 {
	lr, _ := floatValue(c.HyperParameters[LRKey])
	return lr
}

func (c *Config) setLR(lr float64) {
	c.HyperParameters[LRKey] = lr
}

// settings collects constructor overrides shared by the per-optimizer
// constructors.
type settings struct {
	hyper       map[string]any
	paramGroups []ParamGroup
}

// ConfigOption overrides one default of a per-optimizer constructor.
type ConfigOption func(*settings)

// WithLR overrides the learning rate.
func WithLR(lr float64) ConfigOption {
	return WithHyperParameter(LRKey, lr)
}

// WithHyperParameter overrides a single named hyper-parameter.
func WithHyperParameter(key string, value any) ConfigOption {
	return func(s *settings) {
		s.hyper[key] = value
	}
}

// WithParamGroups sets per-parameter-group overrides.
func WithParamGroups(groups ...ParamGroup) ConfigOption {
	return func(s *settings) {
		s.paramGroups = groups
	}
}

func buildConfig(name Name, defaults map[string]any, opts []ConfigOption) (*Config, error) {
	s := &settings{hyper: make(map[string]any, len(defaults))}
	for key, value := range defaults {
		s.hyper[key] = value
	}
	for _, opt := range opts {
		opt(s)
	}
	return NewConfig(name, s.hyper, s.paramGroups)
}

// NewAdamConfig creates an Adam optimizer configuration with the frontend's
// defaults: lr 0.001, alpha 0.9, beta 0.999, lambda_coef 0, epsilon 1e-8,
// bias correction and decoupled weight decay enabled.
func NewAdamConfig(opts ...ConfigOption) (*Config, error) {
	return buildConfig(AdamOptimizer, map[string]any{
		LRKey:                0.001,
		"alpha":              0.9,
		"beta":               0.999,
		"lambda_coef":        0.0,
		"epsilon":            1e-8,
		"do_bias_correction": true,
		"weight_decay_mode":  true,
	}, opts)
}

// NewLambConfig creates a Lamb optimizer configuration with the frontend's
// defaults: lr 0.001, alpha 0.9, beta 0.999, lambda_coef 0, unbounded trust
// ratio, epsilon 1e-6, bias correction enabled.
func NewLambConfig(opts ...ConfigOption) (*Config, error) {
	return buildConfig(LambOptimizer, map[string]any{
		LRKey:                0.001,
		"alpha":              0.9,
		"beta":               0.999,
		"lambda_coef":        0.0,
		"ratio_min":          math.Inf(-1),
		"ratio_max":          math.Inf(1),
		"epsilon":            1e-6,
		"do_bias_correction": true,
	}, opts)
}

// NewSGDConfig creates an SGD optimizer configuration with lr 0.001. SGD
// does not support param groups.
func NewSGDConfig(opts ...ConfigOption) (*Config, error) {
	return buildConfig(SGDOptimizer, map[string]any{
		LRKey: 0.001,
	}, opts)
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
