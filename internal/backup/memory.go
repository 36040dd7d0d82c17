package backup

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps snapshots in memory. It backs dry runs and tests;
// nothing written here survives a restart.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.ID] = snap
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) LatestForChannel(_ context.Context, channelID uint64) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest Snapshot
	found := false
	for _, snap := range s.snaps {
		if snap.ChannelID != channelID {
			continue
		}
		if !found || snap.TakenAt.After(latest.TakenAt) {
			latest = snap
			found = true
		}
	}
	if !found {
		return Snapshot{}, ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStore) SetTier(_ context.Context, id string, tier Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return ErrNotFound
	}
	snap.Tier = tier
	s.snaps[id] = snap
	return nil
}

func (s *MemoryStore) ListTierBefore(_ context.Context, tier Tier, cutoff time.Time) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []Snapshot
	for _, snap := range s.snaps {
		if snap.Tier == tier && snap.TakenAt.Before(cutoff) {
			items = append(items, snap)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TakenAt.Before(items[j].TakenAt) })
	return items, nil
}

func (s *MemoryStore) DeleteTierBefore(_ context.Context, tier Tier, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, snap := range s.snaps {
		if snap.Tier == tier && snap.TakenAt.Before(cutoff) {
			delete(s.snaps, id)
			deleted++
		}
	}
	return deleted, nil
}

// Corrupt flips a byte of a stored snapshot's state by changing its
// checksum target. Test helper.
func (s *MemoryStore) Corrupt(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return false
	}
	snap.State.Policy.FeeRatePpm++
	s.snaps[id] = snap
	return true
}
