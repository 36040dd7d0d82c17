package policy

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"feepilot/internal/config"
	"feepilot/internal/lndclient"
)

// ChangeType names the concrete mutation a validated change performs.
type ChangeType string

const (
	ChangeFeeUpdate ChangeType = "FEE_UPDATE"
	ChangeRebalance ChangeType = "REBALANCE"
	ChangeClose     ChangeType = "CLOSE"
)

// Change is the concrete mutation derived from a Decision. It is never
// mutated after validation; the next cycle supersedes it with a new one.
type Change struct {
	ChannelID    uint64              `json:"channel_id"`
	ChannelPoint string              `json:"channel_point"`
	Type         ChangeType          `json:"type"`
	PrevPolicy   lndclient.FeePolicy `json:"prev_policy"`
	NewPolicy    lndclient.FeePolicy `json:"new_policy"`

	RebalanceAmountSat int64  `json:"rebalance_amount_sat,omitempty"`
	RebalanceSourceID  uint64 `json:"rebalance_source_id,omitempty"`
	EstimatedCostSat   int64  `json:"estimated_cost_sat,omitempty"`
	ExpectedBenefitSat int64  `json:"expected_benefit_sat,omitempty"`

	Clamped   bool      `json:"clamped,omitempty"`
	ClampNote string    `json:"clamp_note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChangeRecord is one past policy change, used for cooldown accounting.
type ChangeRecord struct {
	ChannelID uint64    `json:"channel_id"`
	AppliedAt time.Time `json:"applied_at"`
}

// ValidationError rejects a change before any side effect. It is never
// retried.
type ValidationError struct {
	Rule   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Rule, e.Reason)
}

// hardRejectFactor: moves beyond this multiple of the max single-step
// change are rejected outright instead of clamped. A proposal that far
// out signals a broken upstream signal rather than an aggressive
// adjustment.
const hardRejectFactor = 2.0

// Validate enforces the hard safety bounds on a proposed change. It
// runs before any backup or external call; a failure here produces no
// transaction and no side effects. The returned Change may carry a
// recorded clamp.
func Validate(channel lndclient.ChannelState, change Change, history []ChangeRecord, bounds config.ValidatorBounds, now time.Time) (Change, error) {
	if change.ChannelID != channel.ChannelID {
		return change, &ValidationError{Rule: "identity", Reason: fmt.Sprintf("change targets channel %d, state is for %d", change.ChannelID, channel.ChannelID)}
	}

	if isBlacklisted(channel, bounds.Blacklist) {
		return change, &ValidationError{Rule: "blacklist", Reason: "channel is protected"}
	}

	if err := checkCooldown(channel.ChannelID, history, bounds, now); err != nil {
		return change, err
	}

	switch change.Type {
	case ChangeFeeUpdate:
		return validateFeeUpdate(channel, change, bounds)
	case ChangeRebalance:
		return validateRebalance(channel, change, bounds)
	case ChangeClose:
		return change, nil
	default:
		return change, &ValidationError{Rule: "type", Reason: fmt.Sprintf("unknown change type %q", change.Type)}
	}
}

func validateFeeUpdate(channel lndclient.ChannelState, change Change, bounds config.ValidatorBounds) (Change, error) {
	newFee := change.NewPolicy.FeeRatePpm
	if newFee < bounds.MinFeePpm || newFee > bounds.MaxFeePpm {
		return change, &ValidationError{Rule: "fee-bounds", Reason: fmt.Sprintf("fee %d ppm outside [%d, %d]", newFee, bounds.MinFeePpm, bounds.MaxFeePpm)}
	}

	current := channel.Policy.FeeRatePpm
	maxChange := bounds.MaxChangePct
	if maxChange <= 0 {
		maxChange = 0.5
	}
	if current > 0 {
		magnitude := math.Abs(float64(newFee-current)) / float64(current)
		if magnitude > maxChange*hardRejectFactor {
			return change, &ValidationError{Rule: "max-change", Reason: fmt.Sprintf("fee move of %.0f%% far exceeds the %.0f%% single-step limit", magnitude*100, maxChange*100)}
		}
		if magnitude > maxChange {
			clamped := clampFee(current, newFee, maxChange)
			change.ClampNote = fmt.Sprintf("fee move %d->%d ppm clamped to %d (%.0f%% limit)", current, newFee, clamped, maxChange*100)
			change.NewPolicy.FeeRatePpm = clamped
			change.Clamped = true
		}
	}

	if change.NewPolicy.FeeRatePpm == current && change.NewPolicy.BaseFeeMsat == channel.Policy.BaseFeeMsat {
		return change, &ValidationError{Rule: "no-op", Reason: "proposed policy equals current policy"}
	}
	return change, nil
}

func validateRebalance(channel lndclient.ChannelState, change Change, bounds config.ValidatorBounds) (Change, error) {
	amount := change.RebalanceAmountSat
	if amount <= 0 {
		return change, &ValidationError{Rule: "rebalance-amount", Reason: "amount must be positive"}
	}
	// A pulled-in amount has to fit in the channel's remote side; a
	// pushed-out amount in the local side.
	available := channel.RemoteBalanceSat
	if channel.LocalBalanceSat > channel.CapacitySat/2 {
		available = channel.LocalBalanceSat
	}
	if amount > available {
		return change, &ValidationError{Rule: "rebalance-amount", Reason: fmt.Sprintf("amount %d sat exceeds available balance %d sat", amount, available)}
	}
	if bounds.MaxRebalanceSat > 0 && amount > bounds.MaxRebalanceSat {
		return change, &ValidationError{Rule: "rebalance-cap", Reason: fmt.Sprintf("amount %d sat exceeds per-operation cap %d sat", amount, bounds.MaxRebalanceSat)}
	}
	if bounds.MaxRebalanceCostRatio > 0 && change.ExpectedBenefitSat > 0 {
		maxCost := int64(float64(change.ExpectedBenefitSat) * bounds.MaxRebalanceCostRatio)
		if change.EstimatedCostSat > maxCost {
			return change, &ValidationError{Rule: "rebalance-cost", Reason: fmt.Sprintf("estimated cost %d sat exceeds %.0f%% of expected benefit %d sat", change.EstimatedCostSat, bounds.MaxRebalanceCostRatio*100, change.ExpectedBenefitSat)}
		}
	}
	return change, nil
}

func checkCooldown(channelID uint64, history []ChangeRecord, bounds config.ValidatorBounds, now time.Time) error {
	window := time.Duration(bounds.CooldownHours) * time.Hour
	if window <= 0 {
		window = 24 * time.Hour
	}
	limit := bounds.MaxChangesPerWindow
	if limit <= 0 {
		limit = 1
	}

	recent := 0
	for _, rec := range history {
		if rec.ChannelID != channelID {
			continue
		}
		if now.Sub(rec.AppliedAt) < window {
			recent++
		}
	}
	if recent >= limit {
		return &ValidationError{Rule: "cooldown", Reason: fmt.Sprintf("%d change(s) within the %s cooldown window (limit %d)", recent, window, limit)}
	}
	return nil
}

func clampFee(current, proposed int64, maxChange float64) int64 {
	bound := int64(math.Round(float64(current) * maxChange))
	if bound < 1 {
		bound = 1
	}
	if proposed > current {
		return current + bound
	}
	clamped := current - bound
	if clamped < 1 {
		clamped = 1
	}
	return clamped
}

func isBlacklisted(channel lndclient.ChannelState, blacklist []string) bool {
	id := strconv.FormatUint(channel.ChannelID, 10)
	for _, entry := range blacklist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == id || strings.EqualFold(entry, channel.RemotePubkey) || entry == channel.ChannelPoint {
			return true
		}
	}
	return false
}
