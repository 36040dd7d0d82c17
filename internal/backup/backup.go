package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"feepilot/internal/lndclient"
)

// Tier is the storage tier of a snapshot. Snapshots start HOT and age
// through WARM to COLD before deletion.
type Tier string

const (
	TierHot  Tier = "HOT"
	TierWarm Tier = "WARM"
	TierCold Tier = "COLD"
)

// ErrNotFound is returned when no snapshot matches the lookup.
var ErrNotFound = errors.New("backup: snapshot not found")

// Snapshot captures the full pre-change state of a channel, keyed by
// channel, owning transaction and capture time. The checksum covers
// the canonical JSON encoding of State and is verified on every
// restore.
type Snapshot struct {
	ID            string                 `json:"id"`
	ChannelID     uint64                 `json:"channel_id"`
	ChannelPoint  string                 `json:"channel_point"`
	TransactionID string                 `json:"transaction_id"`
	TakenAt       time.Time              `json:"taken_at"`
	Tier          Tier                   `json:"tier"`
	Checksum      string                 `json:"checksum"`
	State         lndclient.ChannelState `json:"state"`
}

// Store persists snapshots. Implementations: PGStore, MemoryStore.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, id string) (Snapshot, error)
	LatestForChannel(ctx context.Context, channelID uint64) (Snapshot, error)
	SetTier(ctx context.Context, id string, tier Tier) error
	ListTierBefore(ctx context.Context, tier Tier, cutoff time.Time) ([]Snapshot, error)
	DeleteTierBefore(ctx context.Context, tier Tier, cutoff time.Time) (int64, error)
}

type loggerLike interface {
	Printf(format string, v ...any)
}

// Manager creates and restores snapshots and ages them through tiers.
type Manager struct {
	store  Store
	logger loggerLike

	// tier ages; zero values fall back to the defaults below.
	HotAge    time.Duration
	WarmAge   time.Duration
	Retention time.Duration
}

const (
	defaultHotAge    = 7 * 24 * time.Hour
	defaultWarmAge   = 30 * 24 * time.Hour
	defaultRetention = 90 * 24 * time.Hour
)

func NewManager(store Store, logger loggerLike) *Manager {
	return &Manager{store: store, logger: logger}
}

// CreateSnapshot persists the channel's current state for the given
// transaction and returns the stored snapshot. Callers must not mutate
// the channel until the snapshot is saved.
func (m *Manager) CreateSnapshot(ctx context.Context, state lndclient.ChannelState, transactionID string) (Snapshot, error) {
	sum, err := stateChecksum(state)
	if err != nil {
		return Snapshot{}, fmt.Errorf("checksum channel %d: %w", state.ChannelID, err)
	}
	snap := Snapshot{
		ID:            uuid.NewString(),
		ChannelID:     state.ChannelID,
		ChannelPoint:  state.ChannelPoint,
		TransactionID: transactionID,
		TakenAt:       time.Now().UTC(),
		Tier:          TierHot,
		Checksum:      sum,
		State:         state,
	}
	if err := m.store.Save(ctx, snap); err != nil {
		return Snapshot{}, fmt.Errorf("save snapshot for channel %d: %w", state.ChannelID, err)
	}
	return snap, nil
}

// Restore loads a snapshot and verifies its checksum. A mismatch is a
// hard error: a corrupt snapshot must never be used as a restore
// source.
func (m *Manager) Restore(ctx context.Context, id string) (lndclient.ChannelState, error) {
	snap, err := m.store.Get(ctx, id)
	if err != nil {
		return lndclient.ChannelState{}, err
	}
	sum, err := stateChecksum(snap.State)
	if err != nil {
		return lndclient.ChannelState{}, err
	}
	if sum != snap.Checksum {
		return lndclient.ChannelState{}, fmt.Errorf("snapshot %s for channel %d is corrupt: checksum mismatch", snap.ID, snap.ChannelID)
	}
	return snap.State, nil
}

// RestoreFor is Restore plus an ownership check: the snapshot must
// belong to the given transaction, so a rollback can never replay
// another transaction's state onto the channel.
func (m *Manager) RestoreFor(ctx context.Context, id, transactionID string) (lndclient.ChannelState, error) {
	snap, err := m.store.Get(ctx, id)
	if err != nil {
		return lndclient.ChannelState{}, err
	}
	if snap.TransactionID != transactionID {
		return lndclient.ChannelState{}, fmt.Errorf("snapshot %s belongs to transaction %s, not %s", snap.ID, snap.TransactionID, transactionID)
	}
	return m.Restore(ctx, id)
}

// Latest returns the most recent verified snapshot for a channel.
func (m *Manager) Latest(ctx context.Context, channelID uint64) (Snapshot, error) {
	snap, err := m.store.LatestForChannel(ctx, channelID)
	if err != nil {
		return Snapshot{}, err
	}
	sum, err := stateChecksum(snap.State)
	if err != nil {
		return Snapshot{}, err
	}
	if sum != snap.Checksum {
		return Snapshot{}, fmt.Errorf("snapshot %s for channel %d is corrupt: checksum mismatch", snap.ID, snap.ChannelID)
	}
	return snap, nil
}

// SweepStats reports one aging pass.
type SweepStats struct {
	Demoted int64 `json:"demoted"`
	Cooled  int64 `json:"cooled"`
	Deleted int64 `json:"deleted"`
}

// Sweep ages snapshots: HOT past HotAge become WARM, WARM past WarmAge
// become COLD, COLD past Retention are deleted.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (SweepStats, error) {
	hotAge, warmAge, retention := m.HotAge, m.WarmAge, m.Retention
	if hotAge <= 0 {
		hotAge = defaultHotAge
	}
	if warmAge <= 0 {
		warmAge = defaultWarmAge
	}
	if retention <= 0 {
		retention = defaultRetention
	}

	var stats SweepStats
	hot, err := m.store.ListTierBefore(ctx, TierHot, now.Add(-hotAge))
	if err != nil {
		return stats, err
	}
	for _, snap := range hot {
		if err := m.store.SetTier(ctx, snap.ID, TierWarm); err != nil {
			return stats, err
		}
		stats.Demoted++
	}

	warm, err := m.store.ListTierBefore(ctx, TierWarm, now.Add(-warmAge))
	if err != nil {
		return stats, err
	}
	for _, snap := range warm {
		if err := m.store.SetTier(ctx, snap.ID, TierCold); err != nil {
			return stats, err
		}
		stats.Cooled++
	}

	deleted, err := m.store.DeleteTierBefore(ctx, TierCold, now.Add(-retention))
	if err != nil {
		return stats, err
	}
	stats.Deleted = deleted

	if m.logger != nil && (stats.Demoted > 0 || stats.Cooled > 0 || stats.Deleted > 0) {
		m.logger.Printf("backup sweep: %d hot->warm, %d warm->cold, %d deleted", stats.Demoted, stats.Cooled, stats.Deleted)
	}
	return stats, nil
}

// stateChecksum hashes the canonical JSON encoding of a channel state.
// encoding/json emits struct fields in declaration order, so the
// encoding is stable for equal states.
func stateChecksum(state lndclient.ChannelState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
