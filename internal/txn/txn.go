package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"feepilot/internal/backup"
	"feepilot/internal/lndclient"
	"feepilot/internal/policy"
)

// Status is the lifecycle state of a policy transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusPartial    Status = "PARTIAL"
	StatusRolledBack Status = "ROLLED_BACK"
)

// validTransitions is the whole state machine. SUCCESS can still move
// to ROLLED_BACK: the post-change monitor reverts committed changes
// whose metrics degrade.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusSuccess, StatusFailed, StatusPartial},
	StatusSuccess: {StatusRolledBack, StatusPartial},
	// PARTIAL -> PARTIAL records a failed rollback retry.
	StatusPartial: {StatusSuccess, StatusRolledBack, StatusPartial},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	ErrNotFound = errors.New("txn: transaction not found")
	// ErrBadTransition also covers a concurrent writer moving the
	// transaction first.
	ErrBadTransition = errors.New("txn: illegal status transition")
)

// Transaction groups the policy changes of one execution together with
// the snapshots taken before any of them were applied.
type Transaction struct {
	ID     string `json:"id"`
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
	Status Status `json:"status"`
	// BackupIDs maps each touched channel to its pre-change snapshot.
	BackupIDs map[uint64]string `json:"backup_ids"`
	Changes   []policy.Change   `json:"changes"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (t Transaction) ChannelIDs() []uint64 {
	ids := make([]uint64, 0, len(t.Changes))
	for _, ch := range t.Changes {
		ids = append(ids, ch.ChannelID)
	}
	return ids
}

// Store persists transactions. Transition must be atomic on the
// current status so two workers can never both move the same
// transaction.
type Store interface {
	Insert(ctx context.Context, tx Transaction) error
	Get(ctx context.Context, id string) (Transaction, error)
	Transition(ctx context.Context, id string, from, to Status, errMsg string) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]Transaction, error)
	ListRecent(ctx context.Context, limit int) ([]Transaction, error)
}

// PolicyRestorer pushes a restored policy back to the node. Satisfied
// by *lndclient.Client.
type PolicyRestorer interface {
	UpdateChannelPolicy(ctx context.Context, channelPoint string, policy lndclient.FeePolicy) error
}

type loggerLike interface {
	Printf(format string, v ...any)
}

// Manager drives the transaction lifecycle around a backup manager.
type Manager struct {
	store   Store
	backups *backup.Manager
	logger  loggerLike
}

func NewManager(store Store, backups *backup.Manager, logger loggerLike) *Manager {
	return &Manager{store: store, backups: backups, logger: logger}
}

// Begin snapshots every touched channel and records a PENDING
// transaction. No change may be applied before Begin returns: if any
// snapshot fails, the whole transaction is aborted and nothing was
// touched.
func (m *Manager) Begin(ctx context.Context, runID, reason string, states []lndclient.ChannelState, changes []policy.Change) (Transaction, error) {
	if len(changes) == 0 {
		return Transaction{}, errors.New("txn: no changes to apply")
	}
	stateByID := make(map[uint64]lndclient.ChannelState, len(states))
	for _, st := range states {
		stateByID[st.ChannelID] = st
	}

	// The id is minted up front so every snapshot carries its owning
	// transaction.
	txID := uuid.NewString()

	backupIDs := make(map[uint64]string, len(changes))
	for _, ch := range changes {
		if _, done := backupIDs[ch.ChannelID]; done {
			continue
		}
		st, ok := stateByID[ch.ChannelID]
		if !ok {
			return Transaction{}, fmt.Errorf("txn: no state for channel %d", ch.ChannelID)
		}
		snap, err := m.backups.CreateSnapshot(ctx, st, txID)
		if err != nil {
			return Transaction{}, fmt.Errorf("txn: snapshot channel %d: %w", ch.ChannelID, err)
		}
		backupIDs[ch.ChannelID] = snap.ID
	}

	now := time.Now().UTC()
	tx := Transaction{
		ID:        txID,
		RunID:     runID,
		Reason:    reason,
		Status:    StatusPending,
		BackupIDs: backupIDs,
		Changes:   changes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Insert(ctx, tx); err != nil {
		return Transaction{}, fmt.Errorf("txn: insert: %w", err)
	}
	return tx, nil
}

// Commit marks a pending transaction successful. Callers must have
// verified every change on the node before committing.
func (m *Manager) Commit(ctx context.Context, id string) error {
	return m.store.Transition(ctx, id, StatusPending, StatusSuccess, "")
}

// Fail marks a pending transaction failed after all its applied
// changes were restored.
func (m *Manager) Fail(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return m.store.Transition(ctx, id, StatusPending, StatusFailed, msg)
}

// Rollback restores every backed-up channel through the node API and
// moves the transaction to ROLLED_BACK. If any restore fails the
// transaction lands in PARTIAL with the failure recorded, so it stays
// visible for manual resolution.
func (m *Manager) Rollback(ctx context.Context, tx Transaction, restorer PolicyRestorer, reason string) error {
	if !CanTransition(tx.Status, StatusRolledBack) && tx.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, tx.Status, StatusRolledBack)
	}

	var restoreErr error
	for channelID, backupID := range tx.BackupIDs {
		state, err := m.backups.RestoreFor(ctx, backupID, tx.ID)
		if err != nil {
			restoreErr = fmt.Errorf("restore snapshot for channel %d: %w", channelID, err)
			break
		}
		if err := restorer.UpdateChannelPolicy(ctx, state.ChannelPoint, state.Policy); err != nil {
			restoreErr = fmt.Errorf("restore policy for channel %d: %w", channelID, err)
			break
		}
		if m.logger != nil {
			m.logger.Printf("rolled back channel %d to fee %d ppm (%s)", channelID, state.Policy.FeeRatePpm, reason)
		}
	}

	if restoreErr != nil {
		msg := fmt.Sprintf("%s: %v", reason, restoreErr)
		if err := m.store.Transition(ctx, tx.ID, tx.Status, StatusPartial, msg); err != nil {
			return fmt.Errorf("txn: record partial rollback: %w (restore error: %v)", err, restoreErr)
		}
		return restoreErr
	}

	target := StatusRolledBack
	if tx.Status == StatusPending {
		// A pending transaction fully restored counts as failed, not
		// rolled back: it was never committed.
		target = StatusFailed
	}
	return m.store.Transition(ctx, tx.ID, tx.Status, target, reason)
}

func (m *Manager) Get(ctx context.Context, id string) (Transaction, error) {
	return m.store.Get(ctx, id)
}
