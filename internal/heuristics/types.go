package heuristics

import (
	"time"

	"feepilot/internal/lndclient"
)

// Score is one heuristic's verdict for one channel, recomputed every
// evaluation cycle. Value is normalized to [0,1] where 1 is healthy.
type Score struct {
	Name      string             `json:"name"`
	Value     float64            `json:"value"`
	Details   string             `json:"details"`
	RawInputs map[string]float64 `json:"raw_inputs,omitempty"`
}

// NodeContext is the owning node's aggregate view.
type NodeContext struct {
	TotalCapacitySat int64 `json:"total_capacity_sat"`
	ChannelCount     int   `json:"channel_count"`
}

// PeerMetrics are externally supplied graph metrics for a counterpart.
// Nil pointers mean the collaborator had no data; scorers degrade to
// documented defaults instead of failing.
type PeerMetrics struct {
	Pubkey                string   `json:"pubkey"`
	BetweennessCentrality *float64 `json:"betweenness_centrality,omitempty"`
	ClosenessCentrality   *float64 `json:"closeness_centrality,omitempty"`
	Degree                *int     `json:"degree,omitempty"`
	UptimePct             *float64 `json:"uptime_pct,omitempty"`
	ForceCloseCount       *int     `json:"force_close_count,omitempty"`
	DisconnectCount       *int     `json:"disconnect_count,omitempty"`
	ReputationScore       *float64 `json:"reputation_score,omitempty"`
	TotalCapacitySat      *int64   `json:"total_capacity_sat,omitempty"`
	ChannelCount          *int     `json:"channel_count,omitempty"`
}

// NetworkSnapshot is the externally refreshed network-wide view. The
// engine never recomputes centrality; it only consumes it.
type NetworkSnapshot struct {
	TakenAt          time.Time              `json:"taken_at"`
	MedianFeeRatePpm int64                  `json:"median_fee_rate_ppm"`
	AvgDegree        float64                `json:"avg_degree"`
	MaxBetweenness   float64                `json:"max_betweenness"`
	Peers            map[string]PeerMetrics `json:"peers,omitempty"`
}

// Peer looks up counterpart metrics; ok is false when the snapshot has
// nothing for that pubkey.
func (s *NetworkSnapshot) Peer(pubkey string) (PeerMetrics, bool) {
	if s == nil || len(s.Peers) == 0 {
		return PeerMetrics{}, false
	}
	p, ok := s.Peers[pubkey]
	return p, ok
}

// ChannelView bundles everything the engine needs about one channel for
// one evaluation cycle.
type ChannelView struct {
	State      lndclient.ChannelState
	Forwarding *lndclient.ForwardingStats
	// RecentPolicyChanges counts our own policy changes on this
	// channel inside the churn window, from the decision history.
	RecentPolicyChanges int
}

// Config holds the heuristic tuning knobs. Passed explicitly into every
// Evaluate call so runs are reproducible.
type Config struct {
	ActivityWindowDays     int
	ActivityTargetPerDay   float64
	ActivityTurnoverTarget float64
	LiquidityDeviationMax  float64
	CapacityBonusSat       int64
	CompetitivenessFloor   float64
	MatureAgeDays          float64
	ChurnMaxChanges        int
	PeerHubChannels        int
	PeerHubCapacitySat     int64
	SnapshotMaxAge         time.Duration
}

func DefaultConfig() Config {
	return Config{
		ActivityWindowDays:     30,
		ActivityTargetPerDay:   5,
		ActivityTurnoverTarget: 0.5,
		LiquidityDeviationMax:  0.4,
		CapacityBonusSat:       5_000_000,
		CompetitivenessFloor:   0.2,
		MatureAgeDays:          90,
		ChurnMaxChanges:        2,
		PeerHubChannels:        100,
		PeerHubCapacitySat:     1_000_000_000,
		SnapshotMaxAge:         24 * time.Hour,
	}
}

// Names of the eight heuristics, used as map keys and weight lookups.
const (
	NameCentrality      = "centrality"
	NameLiquidity       = "liquidity"
	NameActivity        = "activity"
	NameCompetitiveness = "competitiveness"
	NameReliability     = "reliability"
	NameAge             = "age"
	NamePeerQuality     = "peer_quality"
	NamePosition        = "position"
)

// AllNames lists the heuristics in composite-weight order.
func AllNames() []string {
	return []string{
		NameCentrality,
		NameLiquidity,
		NameActivity,
		NameCompetitiveness,
		NameReliability,
		NameAge,
		NamePeerQuality,
		NamePosition,
	}
}
