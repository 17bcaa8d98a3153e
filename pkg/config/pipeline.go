// Package config provides typed runtime configuration loaded from the
// environment, with built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// PipelineConfig contains the knobs consumed by the pipeline core.
type PipelineConfig struct {
	// RunTimeout is the per-run timeout guard. A run that is not terminal
	// when it expires is failed with a timeout error.
	RunTimeout time.Duration

	// CostPerTokenUSD converts token counts into estimated cost.
	CostPerTokenUSD float64

	// FreshnessWindow is how recently an existing opportunity must have been
	// updated for the duplicate detector to skip it without a field diff.
	FreshnessWindow time.Duration

	// SLA targets, weighted 25/35/15/25 in the compliance score.
	SLATargetOppsPerMinute      float64
	SLATargetSuccessRate        float64
	SLATargetCostPerOpportunity float64
	SLATargetTotalTime          time.Duration

	// GlobalForceFullReprocessing mirrors the system_config override and is
	// read once at process start; runtime changes go through the datastore.
	GlobalForceFullReprocessing bool
}

// DefaultPipelineConfig returns the built-in pipeline defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		RunTimeout:                  30 * time.Minute,
		CostPerTokenUSD:             0.00001,
		FreshnessWindow:             24 * time.Hour,
		SLATargetOppsPerMinute:      1,
		SLATargetSuccessRate:        90,
		SLATargetCostPerOpportunity: 0.05,
		SLATargetTotalTime:          5 * time.Minute,
	}
}

// LoadPipelineConfigFromEnv loads pipeline configuration from environment
// variables, falling back to defaults for anything unset.
func LoadPipelineConfigFromEnv() (*PipelineConfig, error) {
	cfg := DefaultPipelineConfig()

	if v := os.Getenv("RUN_TIMEOUT_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid RUN_TIMEOUT_MS %q", v)
		}
		cfg.RunTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("COST_PER_TOKEN_USD"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil || c < 0 {
			return nil, fmt.Errorf("invalid COST_PER_TOKEN_USD %q", v)
		}
		cfg.CostPerTokenUSD = c
	}
	if v := os.Getenv("FRESHNESS_WINDOW_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid FRESHNESS_WINDOW_MS %q", v)
		}
		cfg.FreshnessWindow = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("SLA_TARGET_OPPS_PER_MINUTE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid SLA_TARGET_OPPS_PER_MINUTE %q", v)
		}
		cfg.SLATargetOppsPerMinute = f
	}
	if v := os.Getenv("SLA_TARGET_SUCCESS_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 100 {
			return nil, fmt.Errorf("invalid SLA_TARGET_SUCCESS_RATE %q", v)
		}
		cfg.SLATargetSuccessRate = f
	}
	if v := os.Getenv("SLA_TARGET_COST_PER_OPPORTUNITY"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid SLA_TARGET_COST_PER_OPPORTUNITY %q", v)
		}
		cfg.SLATargetCostPerOpportunity = f
	}
	if v := os.Getenv("SLA_TARGET_TOTAL_TIME_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid SLA_TARGET_TOTAL_TIME_MS %q", v)
		}
		cfg.SLATargetTotalTime = time.Duration(ms) * time.Millisecond
	}

	return cfg, nil
}
