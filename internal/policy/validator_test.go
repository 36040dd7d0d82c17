package policy

import (
	"errors"
	"strings"
	"testing"
	"time"

	"feepilot/internal/config"
	"feepilot/internal/lndclient"
)

func testBounds() config.ValidatorBounds {
	return config.ValidatorBounds{
		MinFeePpm:             1,
		MaxFeePpm:             5000,
		MaxChangePct:          0.50,
		CooldownHours:         24,
		MaxChangesPerWindow:   1,
		MaxRebalanceSat:       5_000_000,
		MaxRebalanceCostRatio: 0.50,
	}
}

func testChannel() lndclient.ChannelState {
	return lndclient.ChannelState{
		ChannelID:        777,
		ChannelPoint:     "aaaa:1",
		RemotePubkey:     "02abcdef",
		Active:           true,
		CapacitySat:      5_000_000,
		LocalBalanceSat:  2_500_000,
		RemoteBalanceSat: 2_500_000,
		Policy:           lndclient.FeePolicy{BaseFeeMsat: 1000, FeeRatePpm: 1000, TimeLockDelta: 144},
	}
}

func feeChange(ch lndclient.ChannelState, newFee int64) Change {
	return Change{
		ChannelID:    ch.ChannelID,
		ChannelPoint: ch.ChannelPoint,
		Type:         ChangeFeeUpdate,
		PrevPolicy:   ch.Policy,
		NewPolicy:    lndclient.FeePolicy{BaseFeeMsat: ch.Policy.BaseFeeMsat, FeeRatePpm: newFee, TimeLockDelta: 144},
		CreatedAt:    time.Now(),
	}
}

func TestValidateRejectsFeeFarAboveStepLimit(t *testing.T) {
	ch := testChannel()
	// 1000 -> 3000 ppm is a 200% move against a 50% limit.
	_, err := Validate(ch, feeChange(ch, 3000), nil, testBounds(), time.Now())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Rule != "max-change" {
		t.Fatalf("expected max-change rejection, got rule %q", verr.Rule)
	}
}

func TestValidateClampsModerateOvershoot(t *testing.T) {
	ch := testChannel()
	// 1000 -> 1600 ppm is a 60% move: clamped to the 50% bound, not rejected.
	got, err := Validate(ch, feeChange(ch, 1600), nil, testBounds(), time.Now())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !got.Clamped {
		t.Fatal("expected change to be marked clamped")
	}
	if got.NewPolicy.FeeRatePpm != 1500 {
		t.Fatalf("expected fee clamped to 1500 ppm, got %d", got.NewPolicy.FeeRatePpm)
	}
	if got.ClampNote == "" {
		t.Fatal("expected the clamp to be recorded in ClampNote")
	}
}

func TestValidateClampsDownwardMove(t *testing.T) {
	ch := testChannel()
	got, err := Validate(ch, feeChange(ch, 400), nil, testBounds(), time.Now())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.NewPolicy.FeeRatePpm != 500 {
		t.Fatalf("expected fee clamped to 500 ppm, got %d", got.NewPolicy.FeeRatePpm)
	}
}

func TestValidateRejectsFeeOutsideGlobalBounds(t *testing.T) {
	ch := testChannel()
	for _, fee := range []int64{0, 6000} {
		_, err := Validate(ch, feeChange(ch, fee), nil, testBounds(), time.Now())
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Rule != "fee-bounds" {
			t.Fatalf("fee %d: expected fee-bounds rejection, got %v", fee, err)
		}
	}
}

func TestValidateCooldownBlocksSecondChange(t *testing.T) {
	ch := testChannel()
	now := time.Now()
	history := []ChangeRecord{
		{ChannelID: ch.ChannelID, AppliedAt: now.Add(-2 * time.Hour)},
	}
	_, err := Validate(ch, feeChange(ch, 1200), history, testBounds(), now)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Rule != "cooldown" {
		t.Fatalf("expected cooldown rejection, got %v", err)
	}
}

func TestValidateCooldownIgnoresOldAndForeignChanges(t *testing.T) {
	ch := testChannel()
	now := time.Now()
	history := []ChangeRecord{
		{ChannelID: ch.ChannelID, AppliedAt: now.Add(-30 * time.Hour)},
		{ChannelID: 999, AppliedAt: now.Add(-1 * time.Hour)},
	}
	if _, err := Validate(ch, feeChange(ch, 1200), history, testBounds(), now); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateBlacklistByIDPubkeyAndPoint(t *testing.T) {
	ch := testChannel()
	bounds := testBounds()
	for _, entry := range []string{"777", "02ABCDEF", "aaaa:1"} {
		bounds.Blacklist = []string{entry}
		_, err := Validate(ch, feeChange(ch, 1200), nil, bounds, time.Now())
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Rule != "blacklist" {
			t.Fatalf("entry %q: expected blacklist rejection, got %v", entry, err)
		}
	}
}

func TestValidateRejectsNoOpChange(t *testing.T) {
	ch := testChannel()
	_, err := Validate(ch, feeChange(ch, ch.Policy.FeeRatePpm), nil, testBounds(), time.Now())
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Rule != "no-op" {
		t.Fatalf("expected no-op rejection, got %v", err)
	}
}

func TestValidateRebalanceCaps(t *testing.T) {
	ch := testChannel()
	bounds := testBounds()
	now := time.Now()

	base := Change{
		ChannelID:          ch.ChannelID,
		Type:               ChangeRebalance,
		RebalanceAmountSat: 1_000_000,
		EstimatedCostSat:   100,
		ExpectedBenefitSat: 1000,
		CreatedAt:          now,
	}
	if _, err := Validate(ch, base, nil, bounds, now); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	over := base
	over.RebalanceAmountSat = 6_000_000
	if _, err := Validate(ch, over, nil, bounds, now); err == nil {
		t.Fatal("expected rejection above available balance")
	}

	costly := base
	costly.EstimatedCostSat = 800
	_, err := Validate(ch, costly, nil, bounds, now)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Rule != "rebalance-cost" {
		t.Fatalf("expected rebalance-cost rejection, got %v", err)
	}
	if !strings.Contains(verr.Reason, "benefit") {
		t.Fatalf("reason should mention the benefit: %q", verr.Reason)
	}
}

func TestValidateCloseOnlyChecksSharedRules(t *testing.T) {
	ch := testChannel()
	closeChange := Change{ChannelID: ch.ChannelID, Type: ChangeClose, CreatedAt: time.Now()}
	if _, err := Validate(ch, closeChange, nil, testBounds(), time.Now()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
