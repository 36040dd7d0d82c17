package decision

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"feepilot/internal/config"
	"feepilot/internal/heuristics"
)

func balancedConfig() Config {
	profile := config.ProfileByName("balanced")
	return Config{Weights: profile.Weights, Thresholds: profile.Thresholds}
}

func uniformScores(value float64) map[string]heuristics.Score {
	scores := map[string]heuristics.Score{}
	for _, name := range heuristics.AllNames() {
		scores[name] = heuristics.Score{Name: name, Value: value}
	}
	return scores
}

func TestDecideIsDeterministic(t *testing.T) {
	in := Input{
		ChannelID:         42,
		Scores:            uniformScores(0.35),
		LiquidityRatio:    0.5,
		InactiveDays:      2,
		CurrentFeeRatePpm: 500,
		CapacitySat:       10_000_000,
		LocalBalanceSat:   5_000_000,
		Now:               time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	first := Decide(in, balancedConfig())
	second := Decide(in, balancedConfig())
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical decisions, got %+v vs %+v", first, second)
	}
}

func TestDecideHealthyChannelNoAction(t *testing.T) {
	in := Input{
		ChannelID:      1,
		Scores:         uniformScores(0.85),
		LiquidityRatio: 0.5,
	}
	d := Decide(in, balancedConfig())
	if d.Type != NoAction {
		t.Fatalf("expected NO_ACTION, got %s", d.Type)
	}
	if d.Confidence != ConfidenceHigh {
		t.Fatalf("expected HIGH confidence, got %s", d.Confidence)
	}
}

func TestDecideDeadInactiveChannelCloses(t *testing.T) {
	in := Input{
		ChannelID:      2,
		Scores:         uniformScores(0.08),
		LiquidityRatio: 0.5,
		InactiveDays:   45,
	}
	d := Decide(in, balancedConfig())
	if d.Type != CloseChannel {
		t.Fatalf("expected CLOSE_CHANNEL, got %s", d.Type)
	}
	if d.Confidence != ConfidenceHigh {
		t.Fatalf("expected HIGH confidence, got %s", d.Confidence)
	}
}

func TestDecideLowCompositeButRecentActivityDoesNotClose(t *testing.T) {
	in := Input{
		ChannelID:      3,
		Scores:         uniformScores(0.08),
		LiquidityRatio: 0.5,
		InactiveDays:   3,
	}
	d := Decide(in, balancedConfig())
	if d.Type == CloseChannel {
		t.Fatalf("did not expect CLOSE_CHANNEL for a recently active channel")
	}
}

func TestDecideDrainedChannelRebalances(t *testing.T) {
	in := Input{
		ChannelID:       4,
		Scores:          uniformScores(0.45),
		LiquidityRatio:  0.05,
		CapacitySat:     10_000_000,
		LocalBalanceSat: 500_000,
	}
	d := Decide(in, balancedConfig())
	if d.Type != Rebalance {
		t.Fatalf("expected REBALANCE, got %s", d.Type)
	}

	// The suggested amount must move the ratio to 0.5 +/- 0.05.
	ratio := float64(in.LocalBalanceSat+d.Params.RebalanceAmountSat) / float64(in.CapacitySat)
	if ratio < 0.45 || ratio > 0.55 {
		t.Fatalf("suggested amount %d leaves ratio %.3f, want ~0.5", d.Params.RebalanceAmountSat, ratio)
	}
}

func TestDecideLowActivityCompetitivePricingIncreases(t *testing.T) {
	scores := uniformScores(0.2)
	scores[heuristics.NameActivity] = heuristics.Score{Name: heuristics.NameActivity, Value: 0.05}
	scores[heuristics.NameCompetitiveness] = heuristics.Score{Name: heuristics.NameCompetitiveness, Value: 0.4}

	in := Input{
		ChannelID:         5,
		Scores:            scores,
		LiquidityRatio:    0.5,
		CurrentFeeRatePpm: 1000,
	}
	d := Decide(in, balancedConfig())
	if d.Type != IncreaseFees {
		t.Fatalf("expected INCREASE_FEES, got %s", d.Type)
	}
	if d.Params.TargetFeeRatePpm <= 1000 {
		t.Fatalf("expected suggested fee above current, got %d", d.Params.TargetFeeRatePpm)
	}
}

func TestDecideLowActivityBadPricingDecreases(t *testing.T) {
	scores := uniformScores(0.25)
	scores[heuristics.NameActivity] = heuristics.Score{Name: heuristics.NameActivity, Value: 0.2}
	scores[heuristics.NameCompetitiveness] = heuristics.Score{Name: heuristics.NameCompetitiveness, Value: 0.05}

	in := Input{
		ChannelID:         6,
		Scores:            scores,
		LiquidityRatio:    0.5,
		CurrentFeeRatePpm: 1000,
	}
	d := Decide(in, balancedConfig())
	if d.Type != DecreaseFees {
		t.Fatalf("expected DECREASE_FEES, got %s", d.Type)
	}
	if d.Params.TargetFeeRatePpm >= 1000 {
		t.Fatalf("expected suggested fee below current, got %d", d.Params.TargetFeeRatePpm)
	}
}

func TestDecideTieBrokenByBaselineDeviation(t *testing.T) {
	scores := uniformScores(0.25)
	scores[heuristics.NameActivity] = heuristics.Score{Name: heuristics.NameActivity, Value: 0.2}
	scores[heuristics.NameCompetitiveness] = heuristics.Score{Name: heuristics.NameCompetitiveness, Value: 0.2}

	in := Input{
		ChannelID:         7,
		Scores:            scores,
		LiquidityRatio:    0.5,
		CurrentFeeRatePpm: 1000,
		Baselines: map[string]float64{
			heuristics.NameActivity:        0.3,
			heuristics.NameCompetitiveness: 0.8,
		},
	}
	d := Decide(in, balancedConfig())
	if d.Type != DecreaseFees {
		t.Fatalf("expected baseline deviation to pick DECREASE_FEES, got %s", d.Type)
	}
}

func TestDecideDisagreementYieldsLowConfidence(t *testing.T) {
	scores := uniformScores(0.5)
	scores[heuristics.NameActivity] = heuristics.Score{Name: heuristics.NameActivity, Value: 0.0}
	scores[heuristics.NameCentrality] = heuristics.Score{Name: heuristics.NameCentrality, Value: 1.0}
	scores[heuristics.NameLiquidity] = heuristics.Score{Name: heuristics.NameLiquidity, Value: 0.05}
	scores[heuristics.NameReliability] = heuristics.Score{Name: heuristics.NameReliability, Value: 0.95}

	in := Input{ChannelID: 8, Scores: scores, LiquidityRatio: 0.5}
	d := Decide(in, balancedConfig())
	if d.Confidence != ConfidenceLow {
		t.Fatalf("expected LOW confidence on strong disagreement, got %s", d.Confidence)
	}
}

func TestDecideReasoningNamesTopContributors(t *testing.T) {
	scores := uniformScores(0.9)
	scores[heuristics.NameLiquidity] = heuristics.Score{Name: heuristics.NameLiquidity, Value: 0.1}

	in := Input{ChannelID: 9, Scores: scores, LiquidityRatio: 0.5}
	d := Decide(in, balancedConfig())
	if d.Reasoning == "" {
		t.Fatalf("expected non-empty reasoning")
	}
	if want := heuristics.NameLiquidity; !strings.Contains(d.Reasoning, want) {
		t.Fatalf("expected reasoning to name %q: %s", want, d.Reasoning)
	}
}
