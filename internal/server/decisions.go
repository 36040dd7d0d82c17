package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"feepilot/internal/decision"
	"feepilot/internal/heuristics"
	"feepilot/internal/policy"
)

// decisionRow is one persisted decision-log line; seq orders rows
// inside a run.
type decisionRow struct {
	OccurredAt    time.Time                   `json:"occurred_at"`
	RunID         string                      `json:"run_id"`
	Seq           int                         `json:"seq"`
	ChannelID     uint64                      `json:"channel_id"`
	DecisionType  string                      `json:"decision_type"`
	Composite     float64                     `json:"composite_score"`
	Confidence    string                      `json:"confidence"`
	Reasoning     string                      `json:"reasoning"`
	Params        decision.SuggestedParams    `json:"params,omitempty"`
	Scores        map[string]heuristics.Score `json:"scores,omitempty"`
	Outcome       string                      `json:"outcome,omitempty"`
	TransactionID string                      `json:"transaction_id,omitempty"`
	DryRun        bool                        `json:"dry_run"`
	Error         string                      `json:"error,omitempty"`
}

func (s *Service) appendDecisionRows(ctx context.Context, rows []decisionRow) error {
	if s.db == nil || len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for i, row := range rows {
		var params, scores any
		if row.Params != (decision.SuggestedParams{}) {
			raw, _ := json.Marshal(row.Params)
			params = raw
		}
		if len(row.Scores) > 0 {
			raw, _ := json.Marshal(row.Scores)
			scores = raw
		}
		batch.Queue(`
insert into decision_logs (occurred_at, run_id, seq, channel_id, decision_type, composite_score, confidence, reasoning, params, scores, outcome, transaction_id, dry_run, error)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`, now, row.RunID, i, int64(row.ChannelID), row.DecisionType, row.Composite, row.Confidence, row.Reasoning, params, scores, row.Outcome, nullableString(row.TransactionID), row.DryRun, row.Error)
	}
	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListDecisions returns the newest decision rows, optionally filtered
// by channel.
func (s *Service) ListDecisions(ctx context.Context, channelID uint64, limit int) ([]decisionRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
select occurred_at, run_id, seq, channel_id, decision_type, composite_score, confidence, reasoning, params, scores, outcome, transaction_id, dry_run, error
from decision_logs
`
	args := []any{limit}
	if channelID > 0 {
		query += ` where channel_id = $2`
		args = append(args, int64(channelID))
	}
	query += ` order by occurred_at desc, seq asc limit $1`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []decisionRow
	for rows.Next() {
		var row decisionRow
		var channel int64
		var params, scores []byte
		var txID *string
		if err := rows.Scan(&row.OccurredAt, &row.RunID, &row.Seq, &channel, &row.DecisionType, &row.Composite, &row.Confidence, &row.Reasoning, &params, &scores, &row.Outcome, &txID, &row.DryRun, &row.Error); err != nil {
			return nil, err
		}
		row.ChannelID = uint64(channel)
		if len(params) > 0 {
			_ = json.Unmarshal(params, &row.Params)
		}
		if len(scores) > 0 {
			_ = json.Unmarshal(scores, &row.Scores)
		}
		if txID != nil {
			row.TransactionID = *txID
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

// baselineAccum averages per-scorer values across decision-log rows,
// grouped by channel.
type baselineAccum struct {
	sum   map[uint64]map[string]float64
	count map[uint64]map[string]int
}

func newBaselineAccum() *baselineAccum {
	return &baselineAccum{
		sum:   map[uint64]map[string]float64{},
		count: map[uint64]map[string]int{},
	}
}

func (a *baselineAccum) add(channelID uint64, scores map[string]heuristics.Score) {
	if len(scores) == 0 {
		return
	}
	if a.sum[channelID] == nil {
		a.sum[channelID] = map[string]float64{}
		a.count[channelID] = map[string]int{}
	}
	for name, score := range scores {
		a.sum[channelID][name] += score.Value
		a.count[channelID][name]++
	}
}

func (a *baselineAccum) averages() map[uint64]map[string]float64 {
	out := make(map[uint64]map[string]float64, len(a.sum))
	for channel, sums := range a.sum {
		avg := make(map[string]float64, len(sums))
		for name, total := range sums {
			avg[name] = total / float64(a.count[channel][name])
		}
		out[channel] = avg
	}
	return out
}

// loadScoreBaselines computes each channel's trailing per-scorer
// averages from the decision log. Channels with no history get no
// entry and fall back to the decision engine's default baseline.
func (s *Service) loadScoreBaselines(ctx context.Context, window time.Duration) (map[uint64]map[string]float64, error) {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	rows, err := s.db.Query(ctx, `
select channel_id, scores
from decision_logs
where scores is not null and occurred_at > $1
`, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	acc := newBaselineAccum()
	for rows.Next() {
		var channel int64
		var raw []byte
		if err := rows.Scan(&channel, &raw); err != nil {
			return nil, err
		}
		var scores map[string]heuristics.Score
		if err := json.Unmarshal(raw, &scores); err != nil {
			continue
		}
		acc.add(uint64(channel), scores)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return acc.averages(), nil
}

// loadChangeHistory feeds the validator's cooldown rule from the
// decision log: only rows that actually reached the node count.
func (s *Service) loadChangeHistory(ctx context.Context, window time.Duration) ([]policy.ChangeRecord, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	rows, err := s.db.Query(ctx, `
select channel_id, occurred_at
from decision_logs
where outcome = 'APPLIED' and occurred_at > $1
`, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []policy.ChangeRecord
	for rows.Next() {
		var channel int64
		var at time.Time
		if err := rows.Scan(&channel, &at); err != nil {
			return nil, err
		}
		records = append(records, policy.ChangeRecord{ChannelID: uint64(channel), AppliedAt: at})
	}
	return records, rows.Err()
}

// ChannelSetting is a per-channel engine override.
type ChannelSetting struct {
	ChannelID    uint64 `json:"channel_id"`
	ChannelPoint string `json:"channel_point"`
	Enabled      bool   `json:"enabled"`
}

// LoadChannelSettings returns the per-channel overrides; channels
// absent from the map are treated as enabled.
func (s *Service) LoadChannelSettings(ctx context.Context) (map[uint64]bool, error) {
	settings := map[uint64]bool{}
	if s.db == nil {
		return settings, nil
	}
	rows, err := s.db.Query(ctx, `select channel_id, enabled from channel_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var channel int64
		var enabled bool
		if err := rows.Scan(&channel, &enabled); err != nil {
			return nil, err
		}
		settings[uint64(channel)] = enabled
	}
	return settings, rows.Err()
}

func (s *Service) SetChannelEnabled(ctx context.Context, channelID uint64, channelPoint string, enabled bool) error {
	_, err := s.db.Exec(ctx, `
insert into channel_settings (channel_id, channel_point, enabled, updated_at)
values ($1,$2,$3,now())
on conflict (channel_id) do update set enabled = excluded.enabled, channel_point = excluded.channel_point, updated_at = now()
`, int64(channelID), channelPoint, enabled)
	return err
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
