package heuristics

import (
	"fmt"
	"math"
	"time"
)

// Engine computes the eight per-channel scores. It holds no mutable
// state; evaluations are safe to run concurrently.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate scores one channel against the node and network context.
// Missing inputs never fail the evaluation; each scorer falls back to a
// documented default recorded in its Details.
func (e *Engine) Evaluate(ch ChannelView, node NodeContext, snapshot *NetworkSnapshot) map[string]Score {
	if snapshot != nil && e.cfg.SnapshotMaxAge > 0 && !snapshot.TakenAt.IsZero() {
		if time.Since(snapshot.TakenAt) > e.cfg.SnapshotMaxAge {
			// Stale graph data is treated as missing.
			snapshot = nil
		}
	}

	peer, hasPeer := snapshot.Peer(ch.State.RemotePubkey)
	if !hasPeer {
		peer = PeerMetrics{Pubkey: ch.State.RemotePubkey}
	}

	return map[string]Score{
		NameCentrality:      e.scoreCentrality(peer, snapshot),
		NameLiquidity:       e.scoreLiquidity(ch),
		NameActivity:        e.scoreActivity(ch),
		NameCompetitiveness: e.scoreCompetitiveness(ch, snapshot),
		NameReliability:     e.scoreReliability(ch, peer),
		NameAge:             e.scoreAge(ch),
		NamePeerQuality:     e.scorePeerQuality(peer),
		NamePosition:        e.scorePosition(peer, snapshot),
	}
}

// scoreCentrality normalizes the counterpart's betweenness against the
// network maximum. Falls back to a degree proxy, then to 0.5.
func (e *Engine) scoreCentrality(peer PeerMetrics, snapshot *NetworkSnapshot) Score {
	score := Score{Name: NameCentrality, RawInputs: map[string]float64{}}

	if peer.BetweennessCentrality != nil && snapshot != nil && snapshot.MaxBetweenness > 0 {
		value := clamp01(*peer.BetweennessCentrality / snapshot.MaxBetweenness)
		score.Value = value
		score.Details = fmt.Sprintf("betweenness %.4f of network max %.4f", *peer.BetweennessCentrality, snapshot.MaxBetweenness)
		score.RawInputs["betweenness"] = *peer.BetweennessCentrality
		score.RawInputs["max_betweenness"] = snapshot.MaxBetweenness
		return score
	}

	if peer.Degree != nil && snapshot != nil && snapshot.AvgDegree > 0 {
		// Degree proxy: twice the network average counts as fully
		// central.
		value := clamp01(float64(*peer.Degree) / (2 * snapshot.AvgDegree))
		score.Value = value
		score.Details = fmt.Sprintf("degree proxy: %d peers vs network avg %.1f", *peer.Degree, snapshot.AvgDegree)
		score.RawInputs["degree"] = float64(*peer.Degree)
		score.RawInputs["avg_degree"] = snapshot.AvgDegree
		return score
	}

	score.Value = 0.5
	score.Details = "default 0.5: no centrality or degree data"
	return score
}

// scoreLiquidity penalizes deviation from a balanced 0.5 local ratio.
// A deviation at or beyond the configured max scores near zero. Larger
// channels get a small bonus.
func (e *Engine) scoreLiquidity(ch ChannelView) Score {
	score := Score{Name: NameLiquidity, RawInputs: map[string]float64{}}
	if ch.State.CapacitySat <= 0 {
		score.Value = 0.5
		score.Details = "default 0.5: capacity unknown"
		return score
	}

	ratio := ch.State.LocalRatio()
	deviation := math.Abs(ratio - 0.5)
	maxDev := e.cfg.LiquidityDeviationMax
	if maxDev <= 0 {
		maxDev = 0.4
	}
	value := clamp01(1 - deviation/maxDev)

	bonus := 0.0
	if e.cfg.CapacityBonusSat > 0 && ch.State.CapacitySat >= e.cfg.CapacityBonusSat {
		bonus = 0.1
	}
	score.Value = clamp01(value + bonus)
	score.Details = fmt.Sprintf("local ratio %.2f (deviation %.2f)", ratio, deviation)
	if bonus > 0 {
		score.Details += ", capacity bonus"
	}
	score.RawInputs["local_ratio"] = ratio
	score.RawInputs["deviation"] = deviation
	score.RawInputs["capacity_sat"] = float64(ch.State.CapacitySat)
	return score
}

// scoreActivity blends forwarding frequency, volume turnover, and
// success rate over the trailing window. Zero forwards floors the score
// regardless of the other factors.
func (e *Engine) scoreActivity(ch ChannelView) Score {
	score := Score{Name: NameActivity, RawInputs: map[string]float64{}}
	fwd := ch.Forwarding
	if fwd == nil {
		score.Value = 0.3
		score.Details = "default 0.3: no forwarding data"
		return score
	}

	windowDays := fwd.WindowDays
	if windowDays <= 0 {
		windowDays = e.cfg.ActivityWindowDays
	}

	target := e.cfg.ActivityTargetPerDay * float64(windowDays)
	freqScore := 0.0
	if target > 0 {
		freqScore = clamp01(float64(fwd.ForwardCount) / target)
	}

	volScore := 0.0
	if ch.State.CapacitySat > 0 && e.cfg.ActivityTurnoverTarget > 0 {
		turnover := float64(fwd.VolumeSat) / (float64(ch.State.CapacitySat) * e.cfg.ActivityTurnoverTarget)
		volScore = clamp01(turnover)
	}

	successScore := 0.9
	successDetail := "success rate unknown, default 0.9"
	if fwd.SuccessRate != nil {
		successScore = clamp01(*fwd.SuccessRate)
		successDetail = fmt.Sprintf("success rate %.2f", successScore)
		score.RawInputs["success_rate"] = successScore
	}

	value := 0.4*freqScore + 0.3*volScore + 0.3*successScore
	if fwd.ForwardCount == 0 {
		if value > 0.1 {
			value = 0.1
		}
		score.Details = fmt.Sprintf("no forwards in %dd window; %s", windowDays, successDetail)
	} else {
		score.Details = fmt.Sprintf("%d forwards, %d sat volume over %dd; %s", fwd.ForwardCount, fwd.VolumeSat, windowDays, successDetail)
	}
	score.Value = clamp01(value)
	score.RawInputs["forward_count"] = float64(fwd.ForwardCount)
	score.RawInputs["volume_sat"] = float64(fwd.VolumeSat)
	return score
}

// scoreCompetitiveness compares our fee rate to the network median.
// Fees above the median decay toward zero; pricing below the median is
// rewarded, but the reward stops growing at the profitability floor so
// the engine never pushes fees toward zero.
func (e *Engine) scoreCompetitiveness(ch ChannelView, snapshot *NetworkSnapshot) Score {
	score := Score{Name: NameCompetitiveness, RawInputs: map[string]float64{}}
	if snapshot == nil || snapshot.MedianFeeRatePpm <= 0 {
		score.Value = 0.5
		score.Details = "default 0.5: network median fee unknown"
		return score
	}

	fee := float64(ch.State.Policy.FeeRatePpm)
	median := float64(snapshot.MedianFeeRatePpm)
	ratio := fee / median
	score.RawInputs["fee_ppm"] = fee
	score.RawInputs["median_ppm"] = median
	score.RawInputs["ratio"] = ratio

	floor := e.cfg.CompetitivenessFloor
	if floor <= 0 {
		floor = 0.2
	}

	switch {
	case ratio >= 1:
		// Fee at 3x median scores zero.
		score.Value = clamp01(0.8 * (1 - (ratio-1)/2))
		score.Details = fmt.Sprintf("fee %.0f ppm is %.1fx network median", fee, ratio)
	case ratio >= floor:
		score.Value = clamp01(0.8 + 0.2*(1-ratio)/(1-floor))
		score.Details = fmt.Sprintf("fee %.0f ppm below median (%.1fx)", fee, ratio)
	default:
		score.Value = 0.9
		score.Details = fmt.Sprintf("fee %.0f ppm below profitability floor (%.1fx median), reward capped", fee, ratio)
	}
	return score
}

// scoreReliability uses counterpart uptime and disconnect history. Any
// force close in the window caps the score at 0.2 regardless of uptime.
func (e *Engine) scoreReliability(ch ChannelView, peer PeerMetrics) Score {
	score := Score{Name: NameReliability, RawInputs: map[string]float64{}}

	uptime := ch.State.UptimeRatio
	detail := fmt.Sprintf("channel uptime %.2f", uptime)
	if peer.UptimePct != nil {
		uptime = clamp01(*peer.UptimePct)
		detail = fmt.Sprintf("peer uptime %.2f", uptime)
	} else if uptime <= 0 {
		uptime = 0.9
		detail = "default uptime 0.9: no uptime data"
	}
	score.RawInputs["uptime"] = uptime

	value := uptime
	if peer.DisconnectCount != nil && *peer.DisconnectCount > 0 {
		value -= 0.05 * float64(*peer.DisconnectCount)
		detail += fmt.Sprintf(", %d disconnects", *peer.DisconnectCount)
		score.RawInputs["disconnects"] = float64(*peer.DisconnectCount)
	}
	value = clamp01(value)

	if peer.ForceCloseCount != nil && *peer.ForceCloseCount > 0 {
		if value > 0.2 {
			value = 0.2
		}
		detail += fmt.Sprintf(", capped: %d force closes in window", *peer.ForceCloseCount)
		score.RawInputs["force_closes"] = float64(*peer.ForceCloseCount)
	}

	score.Value = value
	score.Details = detail
	return score
}

// scoreAge rewards channel maturity and penalizes recent policy churn.
func (e *Engine) scoreAge(ch ChannelView) Score {
	score := Score{Name: NameAge, RawInputs: map[string]float64{}}

	mature := e.cfg.MatureAgeDays
	if mature <= 0 {
		mature = 90
	}
	maturity := clamp01(ch.State.AgeDays / mature)
	value := 0.3 + 0.7*maturity
	detail := fmt.Sprintf("age %.0fd (maturity %.2f)", ch.State.AgeDays, maturity)
	score.RawInputs["age_days"] = ch.State.AgeDays

	maxChanges := e.cfg.ChurnMaxChanges
	if maxChanges <= 0 {
		maxChanges = 2
	}
	if ch.RecentPolicyChanges > maxChanges {
		excess := ch.RecentPolicyChanges - maxChanges
		penalty := math.Max(0.2, 1-0.3*float64(excess))
		value *= penalty
		detail += fmt.Sprintf(", churn penalty: %d recent changes", ch.RecentPolicyChanges)
		score.RawInputs["recent_changes"] = float64(ch.RecentPolicyChanges)
	}

	score.Value = clamp01(value)
	score.Details = detail
	return score
}

// scorePeerQuality blends the counterpart's own connectivity, capacity
// and an externally supplied reputation signal.
func (e *Engine) scorePeerQuality(peer PeerMetrics) Score {
	score := Score{Name: NamePeerQuality, RawInputs: map[string]float64{}}

	hubChannels := e.cfg.PeerHubChannels
	if hubChannels <= 0 {
		hubChannels = 100
	}
	hubCapacity := e.cfg.PeerHubCapacitySat
	if hubCapacity <= 0 {
		hubCapacity = 1_000_000_000
	}

	connectivity := 0.5
	connDetail := "connectivity unknown"
	if peer.ChannelCount != nil {
		connectivity = clamp01(float64(*peer.ChannelCount) / float64(hubChannels))
		connDetail = fmt.Sprintf("%d channels", *peer.ChannelCount)
		score.RawInputs["peer_channels"] = float64(*peer.ChannelCount)
	} else if peer.Degree != nil {
		connectivity = clamp01(float64(*peer.Degree) / float64(hubChannels))
		connDetail = fmt.Sprintf("degree %d", *peer.Degree)
		score.RawInputs["peer_degree"] = float64(*peer.Degree)
	}

	capScore := 0.5
	capDetail := "capacity unknown"
	if peer.TotalCapacitySat != nil {
		capScore = clamp01(float64(*peer.TotalCapacitySat) / float64(hubCapacity))
		capDetail = fmt.Sprintf("%d sat total", *peer.TotalCapacitySat)
		score.RawInputs["peer_capacity_sat"] = float64(*peer.TotalCapacitySat)
	}

	reputation := 0.5
	repDetail := "reputation unknown"
	if peer.ReputationScore != nil {
		reputation = clamp01(*peer.ReputationScore)
		repDetail = fmt.Sprintf("reputation %.2f", reputation)
		score.RawInputs["reputation"] = reputation
	}

	score.Value = clamp01(0.4*connectivity + 0.3*capScore + 0.3*reputation)
	score.Details = fmt.Sprintf("%s, %s, %s", connDetail, capDetail, repDetail)
	return score
}

// scorePosition places the counterpart on the hub-vs-edge spectrum:
// relative degree against the network average plus its betweenness
// contribution.
func (e *Engine) scorePosition(peer PeerMetrics, snapshot *NetworkSnapshot) Score {
	score := Score{Name: NamePosition, RawInputs: map[string]float64{}}
	if snapshot == nil {
		score.Value = 0.5
		score.Details = "default 0.5: no network snapshot"
		return score
	}

	degreeScore := 0.5
	degreeDetail := "degree unknown"
	if peer.Degree != nil && snapshot.AvgDegree > 0 {
		rel := float64(*peer.Degree) / snapshot.AvgDegree
		degreeScore = clamp01(rel / 2)
		degreeDetail = fmt.Sprintf("degree %.1fx network avg", rel)
		score.RawInputs["relative_degree"] = rel
	}

	betweennessScore := 0.5
	betweennessDetail := "betweenness unknown"
	if peer.BetweennessCentrality != nil && snapshot.MaxBetweenness > 0 {
		betweennessScore = clamp01(*peer.BetweennessCentrality / snapshot.MaxBetweenness)
		betweennessDetail = fmt.Sprintf("betweenness share %.2f", betweennessScore)
		score.RawInputs["betweenness_share"] = betweennessScore
	}

	score.Value = clamp01(0.5*degreeScore + 0.5*betweennessScore)
	score.Details = fmt.Sprintf("%s, %s", degreeDetail, betweennessDetail)
	return score
}

// Variance returns the population variance of the score values, used by
// the decision engine's confidence rules.
func Variance(scores map[string]Score) float64 {
	if len(scores) == 0 {
		return 0
	}
	mean := 0.0
	for _, s := range scores {
		mean += s.Value
	}
	mean /= float64(len(scores))

	variance := 0.0
	for _, s := range scores {
		diff := s.Value - mean
		variance += diff * diff
	}
	return variance / float64(len(scores))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
