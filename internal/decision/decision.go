package decision

import (
	"fmt"
	"math"
	"sort"
	"time"

	"feepilot/internal/config"
	"feepilot/internal/heuristics"
)

// Type is the action a Decision recommends.
type Type string

const (
	NoAction     Type = "NO_ACTION"
	IncreaseFees Type = "INCREASE_FEES"
	DecreaseFees Type = "DECREASE_FEES"
	Rebalance    Type = "REBALANCE"
	CloseChannel Type = "CLOSE_CHANNEL"
)

// Confidence is the qualitative certainty attached to a Decision.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// SuggestedParams carries the numeric parameters derived from the
// scores. Bounds enforcement happens later in the validator.
type SuggestedParams struct {
	TargetFeeRatePpm     int64   `json:"target_fee_rate_ppm,omitempty"`
	RebalanceAmountSat   int64   `json:"rebalance_amount_sat,omitempty"`
	RebalanceTargetRatio float64 `json:"rebalance_target_ratio,omitempty"`
}

// Decision is the immutable per-channel, per-cycle recommendation.
type Decision struct {
	ChannelID      uint64          `json:"channel_id"`
	Type           Type            `json:"decision_type"`
	CompositeScore float64         `json:"composite_score"`
	Confidence     Confidence      `json:"confidence"`
	Reasoning      string          `json:"reasoning"`
	Params         SuggestedParams `json:"suggested_params"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Input is everything Decide needs. It is assembled by the caller so
// the function itself stays free of I/O.
type Input struct {
	ChannelID         uint64
	Scores            map[string]heuristics.Score
	LiquidityRatio    float64
	InactiveDays      float64
	CurrentFeeRatePpm int64
	CapacitySat       int64
	LocalBalanceSat   int64
	// Baselines holds each heuristic's trailing average (default
	// 30d), used only to tie-break INCREASE vs DECREASE. A missing
	// baseline defaults to 0.5.
	Baselines map[string]float64
	// Now pins the decision timestamp so identical inputs yield
	// identical outputs.
	Now time.Time
}

// Config pairs the composite weights with the rule thresholds.
type Config struct {
	Weights    config.Weights
	Thresholds config.DecisionThresholds
}

// Decide maps heuristic scores to a recommendation. It is pure and
// deterministic: no I/O, no clock reads, no randomness.
func Decide(in Input, cfg Config) Decision {
	weights := cfg.Weights.Normalize()
	th := cfg.Thresholds

	composite := compositeScore(in.Scores, weights)
	confidence := confidenceFor(composite, in.Scores, th)

	d := Decision{
		ChannelID:      in.ChannelID,
		CompositeScore: round4(composite),
		Confidence:     confidence,
		CreatedAt:      in.Now,
	}

	top := topContributors(in.Scores, weights)

	switch {
	case composite >= th.NoAction:
		d.Type = NoAction
		d.Reasoning = fmt.Sprintf("composite %.2f above no-action threshold %.2f; healthiest signals: %s", composite, th.NoAction, top)

	case composite < th.Close && in.InactiveDays >= float64(th.CloseInactiveDays):
		d.Type = CloseChannel
		d.Reasoning = fmt.Sprintf("composite %.2f below close threshold %.2f and inactive %.0fd; weakest signals: %s", composite, th.Close, in.InactiveDays, top)

	case in.LiquidityRatio > th.RebalanceHigh || in.LiquidityRatio < th.RebalanceLow:
		d.Type = Rebalance
		d.Params.RebalanceTargetRatio = 0.5
		d.Params.RebalanceAmountSat = rebalanceAmount(in.CapacitySat, in.LocalBalanceSat)
		d.Reasoning = fmt.Sprintf("liquidity ratio %.2f outside [%.2f, %.2f]; suggested move %d sat toward 0.5; weakest signals: %s", in.LiquidityRatio, th.RebalanceLow, th.RebalanceHigh, d.Params.RebalanceAmountSat, top)

	case composite < th.LowActivity && scoreValue(in.Scores, heuristics.NameActivity) < th.LowActivity:
		d.Type, d.Reasoning = feeDirection(in, th, composite, top)
		d.Params.TargetFeeRatePpm = suggestedFee(in.CurrentFeeRatePpm, composite, th, d.Type)

	default:
		d.Type = NoAction
		if d.Confidence == ConfidenceHigh {
			d.Confidence = ConfidenceMedium
		}
		d.Reasoning = fmt.Sprintf("composite %.2f in the inconclusive band; flagged for review; signals: %s", composite, top)
	}

	return d
}

func compositeScore(scores map[string]heuristics.Score, w config.Weights) float64 {
	return w.Centrality*scoreValue(scores, heuristics.NameCentrality) +
		w.Liquidity*scoreValue(scores, heuristics.NameLiquidity) +
		w.Activity*scoreValue(scores, heuristics.NameActivity) +
		w.Competitiveness*scoreValue(scores, heuristics.NameCompetitiveness) +
		w.Reliability*scoreValue(scores, heuristics.NameReliability) +
		w.Age*scoreValue(scores, heuristics.NameAge) +
		w.PeerQuality*scoreValue(scores, heuristics.NamePeerQuality) +
		w.Position*scoreValue(scores, heuristics.NamePosition)
}

func scoreValue(scores map[string]heuristics.Score, name string) float64 {
	if s, ok := scores[name]; ok {
		return s.Value
	}
	return 0.5
}

// confidenceFor: strong disagreement between heuristics always yields
// LOW; a composite far from the inconclusive band with at least four
// directionally agreeing heuristics yields HIGH; MEDIUM otherwise.
func confidenceFor(composite float64, scores map[string]heuristics.Score, th config.DecisionThresholds) Confidence {
	variance := heuristics.Variance(scores)
	varianceLow := th.VarianceLow
	if varianceLow <= 0 {
		varianceLow = 0.08
	}
	if variance > varianceLow {
		return ConfidenceLow
	}

	const wideMargin = 0.15
	if composite >= 0.6+wideMargin || composite <= 0.4-wideMargin {
		agreeing := 0
		for _, s := range scores {
			if composite > 0.5 && s.Value >= 0.6 {
				agreeing++
			}
			if composite < 0.5 && s.Value <= 0.4 {
				agreeing++
			}
		}
		if agreeing >= 4 {
			return ConfidenceHigh
		}
	}
	return ConfidenceMedium
}

// feeDirection picks INCREASE vs DECREASE for a low-activity channel.
// Competitiveness dominating the shortfall means our pricing is the
// problem; ties are broken by whichever of the two deviates furthest
// from its trailing baseline.
func feeDirection(in Input, th config.DecisionThresholds, composite float64, top string) (Type, string) {
	activity := scoreValue(in.Scores, heuristics.NameActivity)
	competitiveness := scoreValue(in.Scores, heuristics.NameCompetitiveness)

	if competitiveness < activity {
		return DecreaseFees, fmt.Sprintf("composite %.2f low with non-competitive pricing (competitiveness %.2f); weakest signals: %s", composite, competitiveness, top)
	}
	if activity < competitiveness {
		return IncreaseFees, fmt.Sprintf("composite %.2f low with saturated/no-spare-capacity signal (activity %.2f); weakest signals: %s", composite, activity, top)
	}

	// Equal scores: fall back to baseline deviation.
	actDev := baselineFor(in.Baselines, heuristics.NameActivity) - activity
	compDev := baselineFor(in.Baselines, heuristics.NameCompetitiveness) - competitiveness
	if compDev > actDev {
		return DecreaseFees, fmt.Sprintf("composite %.2f low; competitiveness deviates %.2f below its baseline; weakest signals: %s", composite, compDev, top)
	}
	return IncreaseFees, fmt.Sprintf("composite %.2f low; activity deviates %.2f below its baseline; weakest signals: %s", composite, actDev, top)
}

func baselineFor(baselines map[string]float64, name string) float64 {
	if v, ok := baselines[name]; ok {
		return v
	}
	return 0.5
}

// suggestedFee derives the target fee deterministically from the
// composite: the further below the low-activity threshold, the larger
// the step, capped by FeeStepMax.
func suggestedFee(current int64, composite float64, th config.DecisionThresholds, t Type) int64 {
	if current <= 0 {
		current = 1
	}
	low := th.LowActivity
	if low <= 0 {
		low = 0.3
	}
	stepMax := th.FeeStepMax
	if stepMax <= 0 {
		stepMax = 0.25
	}
	step := stepMax * (low - composite) / low
	if step < 0 {
		step = 0
	}
	if step > stepMax {
		step = stepMax
	}

	factor := 1 + step
	if t == DecreaseFees {
		factor = 1 - step
	}
	target := int64(math.Round(float64(current) * factor))
	if target < 1 {
		target = 1
	}
	return target
}

// rebalanceAmount is the sat amount that moves the local ratio back to
// 0.5. Positive values always mean "toward balance"; direction comes
// from which side is overloaded.
func rebalanceAmount(capacitySat, localSat int64) int64 {
	if capacitySat <= 0 {
		return 0
	}
	amount := capacitySat/2 - localSat
	if amount < 0 {
		amount = -amount
	}
	return amount
}

// topContributors names the two heuristics with the largest weighted
// shortfall, i.e. the strongest pull on the composite.
func topContributors(scores map[string]heuristics.Score, w config.Weights) string {
	type contribution struct {
		name      string
		shortfall float64
	}
	weightFor := map[string]float64{
		heuristics.NameCentrality:      w.Centrality,
		heuristics.NameLiquidity:       w.Liquidity,
		heuristics.NameActivity:        w.Activity,
		heuristics.NameCompetitiveness: w.Competitiveness,
		heuristics.NameReliability:     w.Reliability,
		heuristics.NameAge:             w.Age,
		heuristics.NamePeerQuality:     w.PeerQuality,
		heuristics.NamePosition:        w.Position,
	}

	contributions := make([]contribution, 0, len(weightFor))
	for name, weight := range weightFor {
		contributions = append(contributions, contribution{
			name:      name,
			shortfall: weight * (1 - scoreValue(scores, name)),
		})
	}
	sort.Slice(contributions, func(a, b int) bool {
		if contributions[a].shortfall != contributions[b].shortfall {
			return contributions[a].shortfall > contributions[b].shortfall
		}
		return contributions[a].name < contributions[b].name
	})

	return fmt.Sprintf("%s (%.2f), %s (%.2f)",
		contributions[0].name, scoreValue(scores, contributions[0].name),
		contributions[1].name, scoreValue(scores, contributions[1].name))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
