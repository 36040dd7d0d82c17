package server

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"feepilot/internal/decision"
	"feepilot/internal/heuristics"
	"feepilot/internal/lndclient"
	"feepilot/internal/policy"
)

func f64ptr(v float64) *float64 { return &v }

func testChannel(id uint64, localSat, remoteSat int64) lndclient.ChannelState {
	return lndclient.ChannelState{
		ChannelID:        id,
		ChannelPoint:     "txid:0",
		Active:           true,
		CapacitySat:      localSat + remoteSat,
		LocalBalanceSat:  localSat,
		RemoteBalanceSat: remoteSat,
		Policy:           lndclient.FeePolicy{BaseFeeMsat: 1000, FeeRatePpm: 500},
	}
}

func testRun() *runEngine {
	return &runEngine{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestChangeFromDecisionFeeUpdate(t *testing.T) {
	e := testRun()
	ch := testChannel(1, 500_000, 500_000)

	dec := decision.Decision{
		Type:   decision.IncreaseFees,
		Params: decision.SuggestedParams{TargetFeeRatePpm: 650},
	}
	change, ok := e.changeFromDecision(dec, ch, nil)
	if !ok {
		t.Fatal("fee increase should produce a change")
	}
	if change.Type != policy.ChangeFeeUpdate {
		t.Fatalf("change type: got %s", change.Type)
	}
	if change.NewPolicy.FeeRatePpm != 650 {
		t.Fatalf("new fee rate: got %d", change.NewPolicy.FeeRatePpm)
	}
	if change.PrevPolicy.FeeRatePpm != 500 {
		t.Fatalf("prev fee rate: got %d", change.PrevPolicy.FeeRatePpm)
	}
	if change.NewPolicy.BaseFeeMsat != ch.Policy.BaseFeeMsat {
		t.Fatal("fee update must not touch the base fee")
	}
}

func TestChangeFromDecisionSameTargetIsNoop(t *testing.T) {
	e := testRun()
	ch := testChannel(1, 500_000, 500_000)

	dec := decision.Decision{
		Type:   decision.DecreaseFees,
		Params: decision.SuggestedParams{TargetFeeRatePpm: 500},
	}
	if _, ok := e.changeFromDecision(dec, ch, nil); ok {
		t.Fatal("target equal to current fee should yield no change")
	}
}

func TestChangeFromDecisionNoAction(t *testing.T) {
	e := testRun()
	ch := testChannel(1, 500_000, 500_000)
	if _, ok := e.changeFromDecision(decision.Decision{Type: decision.NoAction}, ch, nil); ok {
		t.Fatal("NO_ACTION should yield no change")
	}
}

func TestChangeFromDecisionRebalance(t *testing.T) {
	e := testRun()
	target := testChannel(1, 50_000, 950_000)
	source := testChannel(2, 900_000, 100_000)

	dec := decision.Decision{
		Type: decision.Rebalance,
		Params: decision.SuggestedParams{
			RebalanceAmountSat:   400_000,
			RebalanceTargetRatio: 0.5,
		},
	}
	change, ok := e.changeFromDecision(dec, target, []lndclient.ChannelState{target, source})
	if !ok {
		t.Fatal("rebalance should produce a change")
	}
	if change.Type != policy.ChangeRebalance {
		t.Fatalf("change type: got %s", change.Type)
	}
	if change.RebalanceSourceID != 2 {
		t.Fatalf("source channel: got %d", change.RebalanceSourceID)
	}
	if change.EstimatedCostSat <= 0 || change.ExpectedBenefitSat <= 0 {
		t.Fatalf("cost/benefit must be estimated: cost=%d benefit=%d",
			change.EstimatedCostSat, change.ExpectedBenefitSat)
	}
}

func TestChangeFromDecisionRebalanceNoSource(t *testing.T) {
	e := testRun()
	target := testChannel(1, 50_000, 950_000)
	// The only other channel is itself remote-heavy and cannot donate.
	depleted := testChannel(2, 100_000, 900_000)

	dec := decision.Decision{
		Type:   decision.Rebalance,
		Params: decision.SuggestedParams{RebalanceAmountSat: 400_000},
	}
	if _, ok := e.changeFromDecision(dec, target, []lndclient.ChannelState{target, depleted}); ok {
		t.Fatal("no local-heavy channel available, rebalance should be skipped")
	}
}

func TestChangeFromDecisionClose(t *testing.T) {
	e := testRun()
	ch := testChannel(1, 500_000, 500_000)
	change, ok := e.changeFromDecision(decision.Decision{Type: decision.CloseChannel}, ch, nil)
	if !ok {
		t.Fatal("close should produce a change")
	}
	if change.Type != policy.ChangeClose {
		t.Fatalf("change type: got %s", change.Type)
	}
}

func TestPickRebalanceSourcePrefersMostLocalHeavy(t *testing.T) {
	target := testChannel(1, 50_000, 950_000)
	mild := testChannel(2, 600_000, 400_000)
	heavy := testChannel(3, 900_000, 100_000)
	inactive := testChannel(4, 990_000, 10_000)
	inactive.Active = false

	got, ok := pickRebalanceSource([]lndclient.ChannelState{target, mild, heavy, inactive}, target)
	if !ok {
		t.Fatal("expected a source")
	}
	if got.ChannelID != 3 {
		t.Fatalf("source: got channel %d, want 3", got.ChannelID)
	}
}

func TestPickRebalanceSourceRejectsBalancedDonors(t *testing.T) {
	target := testChannel(1, 50_000, 950_000)
	balanced := testChannel(2, 450_000, 550_000)
	if _, ok := pickRebalanceSource([]lndclient.ChannelState{target, balanced}, target); ok {
		t.Fatal("a donor below 0.5 local ratio should be rejected")
	}
}

func TestEstimateRoutingCost(t *testing.T) {
	snap := &heuristics.NetworkSnapshot{MedianFeeRatePpm: 250}
	if got := estimateRoutingCost(1_000_000, snap); got != 250 {
		t.Fatalf("snapshot cost: got %d want 250", got)
	}
	// No snapshot: 1000 ppm fallback.
	if got := estimateRoutingCost(1_000_000, nil); got != 1000 {
		t.Fatalf("fallback cost: got %d want 1000", got)
	}
	// Tiny amounts still cost at least a sat.
	if got := estimateRoutingCost(100, snap); got != 1 {
		t.Fatalf("minimum cost: got %d want 1", got)
	}
}

func TestExpectedForwardRevenue(t *testing.T) {
	if got := expectedForwardRevenue(2_000_000, 500); got != 1000 {
		t.Fatalf("revenue: got %d want 1000", got)
	}
	if got := expectedForwardRevenue(100, 1); got != 1 {
		t.Fatalf("minimum revenue: got %d want 1", got)
	}
}

func TestInactiveDays(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	stats := lndclient.ForwardingStats{LastForwardAt: now.AddDate(0, 0, -10)}
	if got := inactiveDays(stats, now); got != 10 {
		t.Fatalf("inactive days: got %v want 10", got)
	}

	// Never forwarded in the lookback: pinned to the window edge.
	empty := lndclient.ForwardingStats{WindowDays: 30}
	if got := inactiveDays(empty, now); got != 30 {
		t.Fatalf("empty history: got %v want 30", got)
	}
}

func TestChangesInWindowCountsPerChannel(t *testing.T) {
	e := testRun()
	e.history = []policy.ChangeRecord{
		{ChannelID: 1}, {ChannelID: 1}, {ChannelID: 2},
	}
	if got := e.changesInWindow(1); got != 2 {
		t.Fatalf("channel 1: got %d want 2", got)
	}
	if got := e.changesInWindow(3); got != 0 {
		t.Fatalf("channel 3: got %d want 0", got)
	}
}

func TestBaselineAccumAveragesPerChannel(t *testing.T) {
	acc := newBaselineAccum()
	acc.add(1, map[string]heuristics.Score{
		heuristics.NameActivity:        {Name: heuristics.NameActivity, Value: 0.2},
		heuristics.NameCompetitiveness: {Name: heuristics.NameCompetitiveness, Value: 0.8},
	})
	acc.add(1, map[string]heuristics.Score{
		heuristics.NameActivity: {Name: heuristics.NameActivity, Value: 0.6},
	})
	acc.add(2, map[string]heuristics.Score{
		heuristics.NameActivity: {Name: heuristics.NameActivity, Value: 1.0},
	})

	got := acc.averages()
	if got[1][heuristics.NameActivity] != 0.4 {
		t.Fatalf("channel 1 activity baseline = %v, want 0.4", got[1][heuristics.NameActivity])
	}
	if got[1][heuristics.NameCompetitiveness] != 0.8 {
		t.Fatalf("channel 1 competitiveness baseline = %v, want 0.8", got[1][heuristics.NameCompetitiveness])
	}
	if got[2][heuristics.NameActivity] != 1.0 {
		t.Fatalf("channel 2 activity baseline = %v, want 1.0", got[2][heuristics.NameActivity])
	}
	// A channel with no history yields no entry; the decision engine
	// then falls back to its default baseline.
	if _, ok := got[3]; ok {
		t.Fatal("channel without history should have no baseline entry")
	}
}

func TestBaselineAccumIgnoresEmptyScores(t *testing.T) {
	acc := newBaselineAccum()
	acc.add(1, nil)
	acc.add(1, map[string]heuristics.Score{})
	if got := acc.averages(); len(got) != 0 {
		t.Fatalf("rows without scores should contribute nothing, got %v", got)
	}
}

type fakePeerReader struct {
	peers map[string]lndclient.PeerInfo
	calls []string
}

func (f *fakePeerReader) GetPeerInfo(_ context.Context, pubkey string) (lndclient.PeerInfo, error) {
	f.calls = append(f.calls, pubkey)
	info, ok := f.peers[pubkey]
	if !ok {
		return lndclient.PeerInfo{}, errors.New("node not in graph")
	}
	return info, nil
}

func TestEnrichPeerMetricsBackfillsUnknownPeers(t *testing.T) {
	known := heuristics.PeerMetrics{Pubkey: "peer-a", ReputationScore: f64ptr(0.9)}
	e := &runEngine{
		svc:      &Service{logger: log.New(io.Discard, "", 0)},
		snapshot: &heuristics.NetworkSnapshot{Peers: map[string]heuristics.PeerMetrics{"peer-a": known}},
	}
	reader := &fakePeerReader{peers: map[string]lndclient.PeerInfo{
		"peer-b": {Pubkey: "peer-b", NumChannels: 12, TotalCapacitySat: 50_000_000},
	}}

	chA := testChannel(1, 500_000, 500_000)
	chA.RemotePubkey = "peer-a"
	chB := testChannel(2, 500_000, 500_000)
	chB.RemotePubkey = "peer-b"
	chC := testChannel(3, 500_000, 500_000)
	chC.RemotePubkey = "peer-c"

	e.enrichPeerMetrics(context.Background(), reader, []lndclient.ChannelState{chA, chB, chC})

	// The collaborator's richer view wins for peers it already scored.
	if got := e.snapshot.Peers["peer-a"]; got.ReputationScore == nil || *got.ReputationScore != 0.9 {
		t.Fatalf("known peer must keep the snapshot view, got %+v", got)
	}
	for _, called := range reader.calls {
		if called == "peer-a" {
			t.Fatal("known peer should not trigger a graph lookup")
		}
	}
	got, ok := e.snapshot.Peers["peer-b"]
	if !ok {
		t.Fatal("unknown peer should be backfilled from the graph")
	}
	if got.ChannelCount == nil || *got.ChannelCount != 12 {
		t.Fatalf("backfilled channel count = %v, want 12", got.ChannelCount)
	}
	if got.TotalCapacitySat == nil || *got.TotalCapacitySat != 50_000_000 {
		t.Fatalf("backfilled capacity = %v, want 50000000", got.TotalCapacitySat)
	}
	// A failed lookup leaves the peer absent rather than guessed at.
	if _, ok := e.snapshot.Peers["peer-c"]; ok {
		t.Fatal("peer missing from the graph must stay out of the snapshot")
	}
}

func TestEnrichPeerMetricsNoSnapshotIsNoop(t *testing.T) {
	e := &runEngine{svc: &Service{logger: log.New(io.Discard, "", 0)}}
	reader := &fakePeerReader{}
	ch := testChannel(1, 1, 1)
	ch.RemotePubkey = "peer-a"
	e.enrichPeerMetrics(context.Background(), reader, []lndclient.ChannelState{ch})
	if len(reader.calls) != 0 {
		t.Fatal("without a snapshot there is nothing to enrich")
	}
}
