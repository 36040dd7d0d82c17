package backup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"feepilot/internal/lndclient"
)

// PGStore persists snapshots in Postgres.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
create table if not exists channel_backups (
  id text primary key,
  channel_id bigint not null,
  channel_point text not null,
  transaction_id text not null default '',
  taken_at timestamptz not null,
  tier text not null,
  checksum text not null,
  state jsonb not null
);
create index if not exists channel_backups_channel_idx
  on channel_backups (channel_id, taken_at desc);
create index if not exists channel_backups_tier_idx
  on channel_backups (tier, taken_at);
create index if not exists channel_backups_txn_idx
  on channel_backups (transaction_id);
`)
	return err
}

func (s *PGStore) Save(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap.State)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
insert into channel_backups (id, channel_id, channel_point, transaction_id, taken_at, tier, checksum, state)
values ($1,$2,$3,$4,$5,$6,$7,$8)
`, snap.ID, int64(snap.ChannelID), snap.ChannelPoint, snap.TransactionID, snap.TakenAt, string(snap.Tier), snap.Checksum, raw)
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (Snapshot, error) {
	row := s.db.QueryRow(ctx, `
select id, channel_id, channel_point, transaction_id, taken_at, tier, checksum, state
from channel_backups
where id = $1
`, id)
	return scanSnapshot(row)
}

func (s *PGStore) LatestForChannel(ctx context.Context, channelID uint64) (Snapshot, error) {
	row := s.db.QueryRow(ctx, `
select id, channel_id, channel_point, transaction_id, taken_at, tier, checksum, state
from channel_backups
where channel_id = $1
order by taken_at desc
limit 1
`, int64(channelID))
	return scanSnapshot(row)
}

func (s *PGStore) SetTier(ctx context.Context, id string, tier Tier) error {
	tag, err := s.db.Exec(ctx, `
update channel_backups set tier = $2 where id = $1
`, id, string(tier))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListTierBefore(ctx context.Context, tier Tier, cutoff time.Time) ([]Snapshot, error) {
	rows, err := s.db.Query(ctx, `
select id, channel_id, channel_point, transaction_id, taken_at, tier, checksum, state
from channel_backups
where tier = $1 and taken_at < $2
order by taken_at asc
`, string(tier), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, snap)
	}
	return items, rows.Err()
}

func (s *PGStore) DeleteTierBefore(ctx context.Context, tier Tier, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
delete from channel_backups where tier = $1 and taken_at < $2
`, string(tier), cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(scanner rowScanner) (Snapshot, error) {
	var snap Snapshot
	var channelID int64
	var tier string
	var raw []byte
	err := scanner.Scan(&snap.ID, &channelID, &snap.ChannelPoint, &snap.TransactionID, &snap.TakenAt, &tier, &snap.Checksum, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	var state lndclient.ChannelState
	if err := json.Unmarshal(raw, &state); err != nil {
		return Snapshot{}, err
	}
	snap.ChannelID = uint64(channelID)
	snap.Tier = Tier(tier)
	snap.State = state
	return snap, nil
}
