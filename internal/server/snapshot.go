package server

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"feepilot/internal/heuristics"
)

const networkSnapshotID = 1

// loadNetworkSnapshot reads the externally refreshed graph view. The
// snapshot collaborator writes these tables on its own schedule; the
// engine only consumes and never recomputes them. A stale snapshot is
// returned as-is; the heuristics engine handles staleness itself.
func (s *Service) loadNetworkSnapshot(ctx context.Context) (*heuristics.NetworkSnapshot, error) {
	snap := &heuristics.NetworkSnapshot{Peers: map[string]heuristics.PeerMetrics{}}

	err := s.db.QueryRow(ctx, `
select taken_at, median_fee_rate_ppm, avg_degree, max_betweenness
from network_snapshot where id = $1
`, networkSnapshotID).Scan(&snap.TakenAt, &snap.MedianFeeRatePpm, &snap.AvgDegree, &snap.MaxBetweenness)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New("no network snapshot loaded yet")
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
select pubkey, betweenness_centrality, closeness_centrality, degree, uptime_pct,
  force_close_count, disconnect_count, reputation_score, total_capacity_sat, channel_count
from network_peers
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var peer heuristics.PeerMetrics
		var betweenness, closeness, uptime, reputation pgtype.Float8
		var degree, forceCloses, disconnects, channelCount pgtype.Int4
		var capacity pgtype.Int8
		if err := rows.Scan(&peer.Pubkey, &betweenness, &closeness, &degree, &uptime,
			&forceCloses, &disconnects, &reputation, &capacity, &channelCount); err != nil {
			return nil, err
		}
		if betweenness.Valid {
			peer.BetweennessCentrality = &betweenness.Float64
		}
		if closeness.Valid {
			peer.ClosenessCentrality = &closeness.Float64
		}
		if degree.Valid {
			val := int(degree.Int32)
			peer.Degree = &val
		}
		if uptime.Valid {
			peer.UptimePct = &uptime.Float64
		}
		if forceCloses.Valid {
			val := int(forceCloses.Int32)
			peer.ForceCloseCount = &val
		}
		if disconnects.Valid {
			val := int(disconnects.Int32)
			peer.DisconnectCount = &val
		}
		if reputation.Valid {
			peer.ReputationScore = &reputation.Float64
		}
		if capacity.Valid {
			peer.TotalCapacitySat = &capacity.Int64
		}
		if channelCount.Valid {
			val := int(channelCount.Int32)
			peer.ChannelCount = &val
		}
		snap.Peers[peer.Pubkey] = peer
	}
	return snap, rows.Err()
}
