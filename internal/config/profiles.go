package config

import (
	"sort"
	"strings"
)

// Weights are the composite-score weights over the eight heuristics.
// They must sum to 1.0; Normalize rescales after overrides.
type Weights struct {
	Centrality      float64 `yaml:"centrality" json:"centrality"`
	Liquidity       float64 `yaml:"liquidity" json:"liquidity"`
	Activity        float64 `yaml:"activity" json:"activity"`
	Competitiveness float64 `yaml:"competitiveness" json:"competitiveness"`
	Reliability     float64 `yaml:"reliability" json:"reliability"`
	Age             float64 `yaml:"age" json:"age"`
	PeerQuality     float64 `yaml:"peer_quality" json:"peer_quality"`
	Position        float64 `yaml:"position" json:"position"`
}

func (w Weights) Sum() float64 {
	return w.Centrality + w.Liquidity + w.Activity + w.Competitiveness +
		w.Reliability + w.Age + w.PeerQuality + w.Position
}

// Normalize returns weights rescaled to sum to 1.0. Zero-sum input
// falls back to the balanced defaults.
func (w Weights) Normalize() Weights {
	sum := w.Sum()
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{
		Centrality:      w.Centrality / sum,
		Liquidity:       w.Liquidity / sum,
		Activity:        w.Activity / sum,
		Competitiveness: w.Competitiveness / sum,
		Reliability:     w.Reliability / sum,
		Age:             w.Age / sum,
		PeerQuality:     w.PeerQuality / sum,
		Position:        w.Position / sum,
	}
}

func DefaultWeights() Weights {
	return Weights{
		Centrality:      0.20,
		Liquidity:       0.25,
		Activity:        0.20,
		Competitiveness: 0.15,
		Reliability:     0.10,
		Age:             0.05,
		PeerQuality:     0.03,
		Position:        0.02,
	}
}

// DecisionThresholds drive the decision rule ladder.
type DecisionThresholds struct {
	NoAction          float64 `yaml:"no_action" json:"no_action"`
	Close             float64 `yaml:"close" json:"close"`
	LowActivity       float64 `yaml:"low_activity" json:"low_activity"`
	RebalanceLow      float64 `yaml:"rebalance_low" json:"rebalance_low"`
	RebalanceHigh     float64 `yaml:"rebalance_high" json:"rebalance_high"`
	CloseInactiveDays int     `yaml:"close_inactive_days" json:"close_inactive_days"`
	// VarianceLow is the score variance above which confidence drops
	// to LOW regardless of the composite.
	VarianceLow float64 `yaml:"variance_low" json:"variance_low"`
	// FeeStepMax bounds the deterministic fee suggestion factor.
	FeeStepMax float64 `yaml:"fee_step_max" json:"fee_step_max"`
}

// ValidatorBounds are the hard safety bounds enforced before execution.
type ValidatorBounds struct {
	MinFeePpm           int64   `yaml:"min_fee_ppm" json:"min_fee_ppm"`
	MaxFeePpm           int64   `yaml:"max_fee_ppm" json:"max_fee_ppm"`
	MaxChangePct        float64 `yaml:"max_change_pct" json:"max_change_pct"`
	CooldownHours       int     `yaml:"cooldown_hours" json:"cooldown_hours"`
	MaxChangesPerWindow int     `yaml:"max_changes_per_window" json:"max_changes_per_window"`
	MaxRebalanceSat     int64   `yaml:"max_rebalance_sat" json:"max_rebalance_sat"`
	// MaxRebalanceCostRatio caps estimated routing cost against the
	// expected benefit of the move.
	MaxRebalanceCostRatio float64  `yaml:"max_rebalance_cost_ratio" json:"max_rebalance_cost_ratio"`
	Blacklist             []string `yaml:"blacklist" json:"blacklist"`
}

// RollbackThresholds drive the automatic post-change monitor.
type RollbackThresholds struct {
	WindowHours        int     `yaml:"window_hours" json:"window_hours"`
	SuccessRateDropPct float64 `yaml:"success_rate_drop_pct" json:"success_rate_drop_pct"`
	RevenueDropPct     float64 `yaml:"revenue_drop_pct" json:"revenue_drop_pct"`
}

// Profile is a named, selectable-as-a-whole preset of weights and
// thresholds.
type Profile struct {
	Name       string             `json:"name"`
	Weights    Weights            `json:"weights"`
	Thresholds DecisionThresholds `json:"thresholds"`
	Validator  ValidatorBounds    `json:"validator"`
	Rollback   RollbackThresholds `json:"rollback"`
}

var profiles = map[string]Profile{
	"conservative": {
		Name:    "conservative",
		Weights: DefaultWeights(),
		Thresholds: DecisionThresholds{
			NoAction:          0.60,
			Close:             0.05,
			LowActivity:       0.25,
			RebalanceLow:      0.15,
			RebalanceHigh:     0.85,
			CloseInactiveDays: 30,
			VarianceLow:       0.06,
			FeeStepMax:        0.15,
		},
		Validator: ValidatorBounds{
			MinFeePpm:             1,
			MaxFeePpm:             2000,
			MaxChangePct:          0.25,
			CooldownHours:         48,
			MaxChangesPerWindow:   1,
			MaxRebalanceSat:       2_000_000,
			MaxRebalanceCostRatio: 0.25,
		},
		Rollback: RollbackThresholds{
			WindowHours:        12,
			SuccessRateDropPct: 0.30,
			RevenueDropPct:     0.50,
		},
	},
	"balanced": {
		Name:    "balanced",
		Weights: DefaultWeights(),
		Thresholds: DecisionThresholds{
			NoAction:          0.70,
			Close:             0.10,
			LowActivity:       0.30,
			RebalanceLow:      0.20,
			RebalanceHigh:     0.80,
			CloseInactiveDays: 30,
			VarianceLow:       0.08,
			FeeStepMax:        0.25,
		},
		Validator: ValidatorBounds{
			MinFeePpm:             1,
			MaxFeePpm:             5000,
			MaxChangePct:          0.50,
			CooldownHours:         24,
			MaxChangesPerWindow:   1,
			MaxRebalanceSat:       5_000_000,
			MaxRebalanceCostRatio: 0.50,
		},
		Rollback: RollbackThresholds{
			WindowHours:        6,
			SuccessRateDropPct: 0.40,
			RevenueDropPct:     0.60,
		},
	},
	"aggressive": {
		Name:    "aggressive",
		Weights: DefaultWeights(),
		Thresholds: DecisionThresholds{
			NoAction:          0.75,
			Close:             0.15,
			LowActivity:       0.35,
			RebalanceLow:      0.25,
			RebalanceHigh:     0.75,
			CloseInactiveDays: 21,
			VarianceLow:       0.10,
			FeeStepMax:        0.40,
		},
		Validator: ValidatorBounds{
			MinFeePpm:             1,
			MaxFeePpm:             10000,
			MaxChangePct:          0.50,
			CooldownHours:         12,
			MaxChangesPerWindow:   2,
			MaxRebalanceSat:       10_000_000,
			MaxRebalanceCostRatio: 0.75,
		},
		Rollback: RollbackThresholds{
			WindowHours:        4,
			SuccessRateDropPct: 0.50,
			RevenueDropPct:     0.70,
		},
	},
}

// ProfileByName returns the named preset, falling back to balanced for
// unknown names.
func ProfileByName(name string) Profile {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return profiles["balanced"]
	}
	return p
}

func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
