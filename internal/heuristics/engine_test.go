package heuristics

import (
	"strings"
	"testing"
	"time"

	"feepilot/internal/lndclient"
)

func f64(v float64) *float64 { return &v }
func i(v int) *int           { return &v }
func i64(v int64) *int64     { return &v }

func testChannel() ChannelView {
	rate := 0.95
	return ChannelView{
		State: lndclient.ChannelState{
			ChannelID:        123,
			ChannelPoint:     "abc:0",
			RemotePubkey:     "peer1",
			Active:           true,
			CapacitySat:      10_000_000,
			LocalBalanceSat:  5_000_000,
			RemoteBalanceSat: 5_000_000,
			AgeDays:          120,
			UptimeRatio:      0.99,
			Policy:           lndclient.FeePolicy{BaseFeeMsat: 1000, FeeRatePpm: 150},
		},
		Forwarding: &lndclient.ForwardingStats{
			WindowDays:   30,
			ForwardCount: 200,
			VolumeSat:    4_000_000,
			FeeSat:       600,
			SuccessRate:  &rate,
		},
	}
}

func testSnapshot() *NetworkSnapshot {
	return &NetworkSnapshot{
		TakenAt:          time.Now(),
		MedianFeeRatePpm: 200,
		AvgDegree:        10,
		MaxBetweenness:   0.05,
		Peers: map[string]PeerMetrics{
			"peer1": {
				Pubkey:                "peer1",
				BetweennessCentrality: f64(0.02),
				Degree:                i(25),
				UptimePct:             f64(0.995),
				ReputationScore:       f64(0.8),
				TotalCapacitySat:      i64(500_000_000),
				ChannelCount:          i(80),
			},
		},
	}
}

func TestEvaluateAllScoresInRange(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	scores := engine.Evaluate(testChannel(), NodeContext{TotalCapacitySat: 100_000_000, ChannelCount: 12}, testSnapshot())

	if len(scores) != 8 {
		t.Fatalf("expected 8 scores, got %d", len(scores))
	}
	for _, name := range AllNames() {
		s, ok := scores[name]
		if !ok {
			t.Fatalf("missing score %q", name)
		}
		if s.Value < 0 || s.Value > 1 {
			t.Fatalf("score %q out of range: %f", name, s.Value)
		}
		if s.Details == "" {
			t.Fatalf("score %q missing details", name)
		}
	}
}

func TestEvaluateMissingDataNeverFails(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	ch := ChannelView{State: lndclient.ChannelState{ChannelID: 1, RemotePubkey: "nobody"}}

	scores := engine.Evaluate(ch, NodeContext{}, nil)
	for _, name := range AllNames() {
		s := scores[name]
		if s.Value < 0 || s.Value > 1 {
			t.Fatalf("score %q out of range with missing data: %f", name, s.Value)
		}
	}
	if !strings.Contains(scores[NameCentrality].Details, "default") {
		t.Fatalf("expected centrality default flagged in details: %q", scores[NameCentrality].Details)
	}
	if !strings.Contains(scores[NameCompetitiveness].Details, "default") {
		t.Fatalf("expected competitiveness default flagged in details: %q", scores[NameCompetitiveness].Details)
	}
}

func TestStaleSnapshotTreatedAsMissing(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	snapshot := testSnapshot()
	snapshot.TakenAt = time.Now().Add(-48 * time.Hour)

	scores := engine.Evaluate(testChannel(), NodeContext{}, snapshot)
	if !strings.Contains(scores[NameCentrality].Details, "default") {
		t.Fatalf("expected stale snapshot to degrade centrality: %q", scores[NameCentrality].Details)
	}
}

func TestLiquidityExtremeDeviationNearZero(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	ch := testChannel()
	ch.State.CapacitySat = 1_000_000
	ch.State.LocalBalanceSat = 50_000 // ratio 0.05, deviation 0.45

	s := engine.scoreLiquidity(ch)
	if s.Value > 0.05 {
		t.Fatalf("expected near-zero liquidity score, got %f", s.Value)
	}
}

func TestLiquidityCapacityBonus(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	small := testChannel()
	small.State.CapacitySat = 1_000_000
	small.State.LocalBalanceSat = 500_000

	large := testChannel()
	large.State.CapacitySat = 10_000_000
	large.State.LocalBalanceSat = 5_000_000

	if engine.scoreLiquidity(large).Value <= engine.scoreLiquidity(small).Value {
		t.Fatalf("expected capacity bonus for the larger channel")
	}
}

func TestActivityZeroForwardsFloorsScore(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	ch := testChannel()
	rate := 1.0
	ch.Forwarding = &lndclient.ForwardingStats{WindowDays: 30, ForwardCount: 0, SuccessRate: &rate}

	s := engine.scoreActivity(ch)
	if s.Value > 0.1 {
		t.Fatalf("expected zero-forward floor, got %f", s.Value)
	}
}

func TestCompetitivenessHighFeePenalized(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	ch := testChannel()
	ch.State.Policy.FeeRatePpm = 600 // 3x median of 200

	s := engine.scoreCompetitiveness(ch, testSnapshot())
	if s.Value > 0.01 {
		t.Fatalf("expected 3x-median fee to score near zero, got %f", s.Value)
	}
}

func TestCompetitivenessRewardCappedBelowFloor(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	atFloor := testChannel()
	atFloor.State.Policy.FeeRatePpm = 40 // 0.2x median

	belowFloor := testChannel()
	belowFloor.State.Policy.FeeRatePpm = 1 // effectively free

	sAt := engine.scoreCompetitiveness(atFloor, testSnapshot())
	sBelow := engine.scoreCompetitiveness(belowFloor, testSnapshot())
	if sBelow.Value >= sAt.Value {
		t.Fatalf("expected unprofitable pricing not to be rewarded further: at=%f below=%f", sAt.Value, sBelow.Value)
	}
}

func TestReliabilityForceCloseCap(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	ch := testChannel()
	peer := PeerMetrics{UptimePct: f64(1.0), ForceCloseCount: i(1)}

	s := engine.scoreReliability(ch, peer)
	if s.Value > 0.2 {
		t.Fatalf("expected force close to cap reliability at 0.2, got %f", s.Value)
	}
}

func TestAgeChurnPenalty(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	stable := testChannel()
	churned := testChannel()
	churned.RecentPolicyChanges = 5

	if engine.scoreAge(churned).Value >= engine.scoreAge(stable).Value {
		t.Fatalf("expected churn penalty to lower age score")
	}
}

func TestVariance(t *testing.T) {
	same := map[string]Score{
		"a": {Value: 0.5},
		"b": {Value: 0.5},
	}
	if v := Variance(same); v != 0 {
		t.Fatalf("expected zero variance, got %f", v)
	}
	spread := map[string]Score{
		"a": {Value: 0.0},
		"b": {Value: 1.0},
	}
	if v := Variance(spread); v != 0.25 {
		t.Fatalf("expected variance 0.25, got %f", v)
	}
}
