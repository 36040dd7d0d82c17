package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps transactions in memory for dry runs and tests.
type MemoryStore struct {
	mu  sync.Mutex
	txs map[string]Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]Transaction)}
}

func (s *MemoryStore) Insert(_ context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.txs[tx.ID]; exists {
		return fmt.Errorf("txn: duplicate id %s", tx.ID)
	}
	s.txs[tx.ID] = tx
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return tx, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from, to Status, errMsg string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != from {
		return fmt.Errorf("%w: transaction %s is no longer %s", ErrBadTransition, id, from)
	}
	tx.Status = to
	tx.Error = errMsg
	tx.UpdatedAt = time.Now().UTC()
	s.txs[id] = tx
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []Transaction
	for _, tx := range s.txs {
		if tx.Status == status {
			items = append(items, tx)
		}
	}
	sortNewestFirst(items)
	return truncate(items, limit), nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		items = append(items, tx)
	}
	sortNewestFirst(items)
	return truncate(items, limit), nil
}

// Backdate rewrites a transaction's creation time. Test helper.
func (s *MemoryStore) Backdate(id string, createdAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return false
	}
	tx.CreatedAt = createdAt
	s.txs[id] = tx
	return true
}

func sortNewestFirst(items []Transaction) {
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
}

func truncate(items []Transaction, limit int) []Transaction {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
