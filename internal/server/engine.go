package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"feepilot/internal/config"
	"feepilot/internal/decision"
	"feepilot/internal/executor"
	"feepilot/internal/heuristics"
	"feepilot/internal/lndclient"
	"feepilot/internal/policy"
)

// RunSummary accounts for one evaluation cycle, one bucket per channel.
type RunSummary struct {
	RunID       string `json:"run_id"`
	Reason      string `json:"reason"`
	DryRun      bool   `json:"dry_run"`
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at"`
	Total       int    `json:"total"`
	Disabled    int    `json:"disabled"`
	Inactive    int    `json:"inactive"`
	Evaluated   int    `json:"evaluated"`
	NoAction    int    `json:"no_action"`
	Applied     int    `json:"applied"`
	DryRunCount int    `json:"dry_run_count"`
	Rejected    int    `json:"rejected"`
	RolledBack  int    `json:"rolled_back"`
	Recommended int    `json:"recommended"`
	Errors      int    `json:"errors"`
}

// runEngine is the per-run working set: config, profile and network
// view are pinned at run start so the whole cycle sees one world.
type runEngine struct {
	svc       *Service
	cfg       EngineConfig
	profile   config.Profile
	heur      *heuristics.Engine
	snapshot  *heuristics.NetworkSnapshot
	history   []policy.ChangeRecord
	baselines map[uint64]map[string]float64
	settings  map[uint64]bool
	dryRun    bool
	runID     string
	reason    string
	now       time.Time
}

func (s *Service) newRunEngine(ctx context.Context, cfg EngineConfig, dryRun bool, reason string) (*runEngine, error) {
	profile := config.ProfileByName(cfg.Profile)
	s.exec.SetBounds(profile.Validator)

	heurCfg := heuristics.DefaultConfig()
	heurCfg.ActivityWindowDays = cfg.LookbackDays
	heurCfg.ChurnMaxChanges = profile.Validator.MaxChangesPerWindow + 1
	heurCfg.SnapshotMaxAge = time.Duration(cfg.SnapshotMaxAgeSec) * time.Second

	snapshot, err := s.loadNetworkSnapshot(ctx)
	if err != nil {
		s.logger.Printf("engine: network snapshot unavailable, degrading to defaults: %v", err)
		snapshot = nil
	}

	settings, err := s.LoadChannelSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load channel settings: %w", err)
	}

	window := time.Duration(profile.Validator.CooldownHours) * time.Hour
	history, err := s.loadChangeHistory(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("load change history: %w", err)
	}

	baselines, err := s.loadScoreBaselines(ctx, 30*24*time.Hour)
	if err != nil {
		s.logger.Printf("engine: score baselines unavailable, decisions fall back to defaults: %v", err)
		baselines = nil
	}

	return &runEngine{
		svc:       s,
		cfg:       cfg,
		profile:   profile,
		heur:      heuristics.NewEngine(heurCfg),
		snapshot:  snapshot,
		history:   history,
		baselines: baselines,
		settings:  settings,
		dryRun:    dryRun,
		runID:     uuid.NewString(),
		reason:    reason,
		now:       time.Now().UTC(),
	}, nil
}

type channelVerdict struct {
	state    lndclient.ChannelState
	stats    lndclient.ForwardingStats
	scores   map[string]heuristics.Score
	decision decision.Decision
	result   *executor.Result
	err      error
}

func (e *runEngine) Execute(ctx context.Context) (*RunSummary, error) {
	channels, err := e.svc.lnd.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	summary := &RunSummary{
		RunID:     e.runID,
		Reason:    e.reason,
		DryRun:    e.dryRun,
		StartedAt: e.now.Format(time.RFC3339),
		Total:     len(channels),
	}

	nodeCtx := heuristics.NodeContext{ChannelCount: len(channels)}
	for _, ch := range channels {
		nodeCtx.TotalCapacitySat += ch.CapacitySat
	}

	// Fill snapshot gaps from the node's own graph view before the
	// workers start reading it.
	e.enrichPeerMetrics(ctx, e.svc.lnd, channels)

	var mu sync.Mutex
	verdicts := make([]channelVerdict, 0, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, ch := range channels {
		if enabled, known := e.settings[ch.ChannelID]; known && !enabled {
			summary.Disabled++
			continue
		}
		if !ch.Active {
			summary.Inactive++
			continue
		}
		ch := ch
		g.Go(func() error {
			verdict := e.evaluateChannel(gctx, ch, nodeCtx, channels)
			mu.Lock()
			verdicts = append(verdicts, verdict)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Deterministic log order regardless of worker scheduling.
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].state.ChannelID < verdicts[j].state.ChannelID })

	rows := make([]decisionRow, 0, len(verdicts))
	for _, v := range verdicts {
		summary.Evaluated++
		row := decisionRow{
			RunID:     e.runID,
			ChannelID: v.state.ChannelID,
			DryRun:    e.dryRun,
		}
		if v.err != nil {
			summary.Errors++
			row.DecisionType = string(decision.NoAction)
			row.Reasoning = "evaluation failed"
			row.Error = v.err.Error()
			rows = append(rows, row)
			continue
		}

		row.DecisionType = string(v.decision.Type)
		row.Composite = v.decision.CompositeScore
		row.Confidence = string(v.decision.Confidence)
		row.Reasoning = v.decision.Reasoning
		row.Params = v.decision.Params
		row.Scores = v.scores

		if v.result == nil {
			summary.NoAction++
			row.Outcome = "KEPT"
			rows = append(rows, row)
			continue
		}

		row.Outcome = string(v.result.Outcome)
		row.TransactionID = v.result.TransactionID
		row.Error = v.result.Error
		switch v.result.Outcome {
		case executor.OutcomeApplied:
			summary.Applied++
			e.svc.rollbacks.Watch(v.result.TransactionID, v.state.ChannelID, v.stats)
		case executor.OutcomeDryRun:
			summary.DryRunCount++
		case executor.OutcomeRejected:
			summary.Rejected++
		case executor.OutcomeRolledBack:
			summary.RolledBack++
		case executor.OutcomeRecommended:
			summary.Recommended++
		default:
			summary.Errors++
		}
		rows = append(rows, row)
	}

	if err := e.svc.appendDecisionRows(ctx, rows); err != nil {
		return summary, fmt.Errorf("persist decisions: %w", err)
	}

	summary.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	e.svc.metrics.ObserveRun(summary)
	e.svc.hub.Broadcast(Event{Kind: "run_summary", RunID: e.runID, Payload: summary})
	e.svc.logger.Printf("engine: run %s (%s, dry_run=%t): %d evaluated, %d applied, %d rejected, %d errors",
		e.runID, e.reason, e.dryRun, summary.Evaluated, summary.Applied, summary.Rejected, summary.Errors)
	return summary, nil
}

// peerInfoReader reads a counterpart's graph footprint. Satisfied by
// *lndclient.Client.
type peerInfoReader interface {
	GetPeerInfo(ctx context.Context, pubkey string) (lndclient.PeerInfo, error)
}

// enrichPeerMetrics backfills counterparts the snapshot collaborator
// has not scored yet with the channel count and capacity the node's
// own graph reports. Peers already in the snapshot keep the richer
// collaborator view.
func (e *runEngine) enrichPeerMetrics(ctx context.Context, node peerInfoReader, channels []lndclient.ChannelState) {
	if e.snapshot == nil || node == nil {
		return
	}
	for _, ch := range channels {
		if ch.RemotePubkey == "" {
			continue
		}
		if _, ok := e.snapshot.Peers[ch.RemotePubkey]; ok {
			continue
		}
		info, err := node.GetPeerInfo(ctx, ch.RemotePubkey)
		if err != nil {
			e.svc.logger.Printf("engine: peer info for %s unavailable: %v", ch.RemotePubkey, err)
			continue
		}
		count := info.NumChannels
		capacity := info.TotalCapacitySat
		e.snapshot.Peers[ch.RemotePubkey] = heuristics.PeerMetrics{
			Pubkey:           ch.RemotePubkey,
			ChannelCount:     &count,
			TotalCapacitySat: &capacity,
		}
	}
}

func (e *runEngine) evaluateChannel(ctx context.Context, ch lndclient.ChannelState, nodeCtx heuristics.NodeContext, all []lndclient.ChannelState) channelVerdict {
	verdict := channelVerdict{state: ch}

	window := time.Duration(e.cfg.LookbackDays) * 24 * time.Hour
	stats, err := e.svc.lnd.GetForwardingHistory(ctx, ch.ChannelID, window)
	if err != nil {
		verdict.err = fmt.Errorf("forwarding history: %w", err)
		return verdict
	}
	verdict.stats = stats

	view := heuristics.ChannelView{
		State:               ch,
		Forwarding:          &stats,
		RecentPolicyChanges: e.changesInWindow(ch.ChannelID),
	}
	verdict.scores = e.heur.Evaluate(view, nodeCtx, e.snapshot)

	dec := decision.Decide(decision.Input{
		ChannelID:         ch.ChannelID,
		Scores:            verdict.scores,
		LiquidityRatio:    ch.LocalRatio(),
		InactiveDays:      inactiveDays(stats, e.now),
		CurrentFeeRatePpm: ch.Policy.FeeRatePpm,
		CapacitySat:       ch.CapacitySat,
		LocalBalanceSat:   ch.LocalBalanceSat,
		Baselines:         e.baselines[ch.ChannelID],
		Now:               e.now,
	}, decision.Config{Weights: e.profile.Weights, Thresholds: e.profile.Thresholds})
	verdict.decision = dec

	e.svc.hub.Broadcast(Event{Kind: "decision", RunID: e.runID, ChannelID: ch.ChannelID, Payload: dec})

	change, ok := e.changeFromDecision(dec, ch, all)
	if !ok {
		return verdict
	}
	res := e.svc.exec.Apply(ctx, change, e.history, e.dryRun, e.runID)
	verdict.result = &res
	return verdict
}

// changesInWindow counts our own recent policy changes on a channel,
// feeding the churn penalty.
func (e *runEngine) changesInWindow(channelID uint64) int {
	n := 0
	for _, rec := range e.history {
		if rec.ChannelID == channelID {
			n++
		}
	}
	return n
}

// changeFromDecision turns a recommendation into a concrete change.
// NO_ACTION yields nothing; everything else maps onto one change type.
func (e *runEngine) changeFromDecision(dec decision.Decision, ch lndclient.ChannelState, all []lndclient.ChannelState) (policy.Change, bool) {
	base := policy.Change{
		ChannelID:    ch.ChannelID,
		ChannelPoint: ch.ChannelPoint,
		PrevPolicy:   ch.Policy,
		CreatedAt:    e.now,
	}

	switch dec.Type {
	case decision.IncreaseFees, decision.DecreaseFees:
		if dec.Params.TargetFeeRatePpm <= 0 || dec.Params.TargetFeeRatePpm == ch.Policy.FeeRatePpm {
			return policy.Change{}, false
		}
		base.Type = policy.ChangeFeeUpdate
		newPolicy := ch.Policy
		newPolicy.FeeRatePpm = dec.Params.TargetFeeRatePpm
		base.NewPolicy = newPolicy
		return base, true

	case decision.Rebalance:
		amount := dec.Params.RebalanceAmountSat
		if amount <= 0 {
			return policy.Change{}, false
		}
		source, ok := pickRebalanceSource(all, ch)
		if !ok {
			return policy.Change{}, false
		}
		base.Type = policy.ChangeRebalance
		base.RebalanceAmountSat = amount
		base.RebalanceSourceID = source.ChannelID
		base.EstimatedCostSat = estimateRoutingCost(amount, e.snapshot)
		base.ExpectedBenefitSat = expectedForwardRevenue(amount, ch.Policy.FeeRatePpm)
		return base, true

	case decision.CloseChannel:
		base.Type = policy.ChangeClose
		return base, true

	default:
		return policy.Change{}, false
	}
}

// pickRebalanceSource chooses the most local-heavy active channel as
// the circular payment's outgoing leg.
func pickRebalanceSource(channels []lndclient.ChannelState, target lndclient.ChannelState) (lndclient.ChannelState, bool) {
	var best lndclient.ChannelState
	found := false
	for _, ch := range channels {
		if ch.ChannelID == target.ChannelID || !ch.Active {
			continue
		}
		if !found || ch.LocalRatio() > best.LocalRatio() {
			best = ch
			found = true
		}
	}
	if !found || best.LocalRatio() < 0.5 {
		return lndclient.ChannelState{}, false
	}
	return best, true
}

// estimateRoutingCost prices a circular payment at the network median
// fee rate, with a 1000 ppm fallback when no snapshot is available.
func estimateRoutingCost(amountSat int64, snapshot *heuristics.NetworkSnapshot) int64 {
	medianPpm := int64(1000)
	if snapshot != nil && snapshot.MedianFeeRatePpm > 0 {
		medianPpm = snapshot.MedianFeeRatePpm
	}
	cost := amountSat * medianPpm / 1_000_000
	if cost < 1 {
		cost = 1
	}
	return cost
}

// expectedForwardRevenue assumes the moved liquidity forwards out once
// at the channel's current fee rate.
func expectedForwardRevenue(amountSat, feeRatePpm int64) int64 {
	rev := amountSat * feeRatePpm / 1_000_000
	if rev < 1 {
		rev = 1
	}
	return rev
}

func inactiveDays(stats lndclient.ForwardingStats, now time.Time) float64 {
	if stats.LastForwardAt.IsZero() {
		// No forward in the whole lookback: treat the window edge as
		// the last activity bound.
		return float64(stats.WindowDays)
	}
	return now.Sub(stats.LastForwardAt).Hours() / 24
}
