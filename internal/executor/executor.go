package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"feepilot/internal/config"
	"feepilot/internal/lndclient"
	"feepilot/internal/policy"
	"feepilot/internal/txn"
)

// NodeClient is the slice of the node API the executor needs.
// Satisfied by *lndclient.Client.
type NodeClient interface {
	GetChannel(ctx context.Context, channelID uint64) (lndclient.ChannelState, error)
	UpdateChannelPolicy(ctx context.Context, channelPoint string, policy lndclient.FeePolicy) error
	RebalanceChannel(ctx context.Context, fromChannelID, toChannelID uint64, amountSat int64, feeLimitMsat int64, timeout time.Duration) (lndclient.RebalanceResult, error)
}

type loggerLike interface {
	Printf(format string, v ...any)
}

// Outcome classifies what happened to one change.
type Outcome string

const (
	OutcomeApplied     Outcome = "APPLIED"
	OutcomeDryRun      Outcome = "DRY_RUN"
	OutcomeRejected    Outcome = "REJECTED"
	OutcomeRolledBack  Outcome = "ROLLED_BACK"
	OutcomeFailed      Outcome = "FAILED"
	OutcomeRecommended Outcome = "RECOMMENDED"
)

// Result reports one channel's execution.
type Result struct {
	ChannelID     uint64        `json:"channel_id"`
	Outcome       Outcome       `json:"outcome"`
	Change        policy.Change `json:"change"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Attempts      int           `json:"attempts,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// BatchResult always carries one entry per requested channel; a batch
// never collapses to a single boolean.
type BatchResult struct {
	Results []Result `json:"results"`
}

func (b BatchResult) Count(outcome Outcome) int {
	n := 0
	for _, r := range b.Results {
		if r.Outcome == outcome {
			n++
		}
	}
	return n
}

const (
	defaultMaxAttempts = 3
	defaultRetryBase   = 500 * time.Millisecond
	rebalanceTimeout   = 2 * time.Minute
)

// Executor applies validated policy changes against the node inside a
// transaction with pre-change snapshots.
type Executor struct {
	node   NodeClient
	txns   *txn.Manager
	bounds config.ValidatorBounds
	logger loggerLike

	// MaxAttempts and RetryBase tune the transient retry loop; zero
	// values fall back to 3 attempts / 500ms base.
	MaxAttempts int
	RetryBase   time.Duration
	// BatchLimit bounds concurrent channels in ApplyBatch.
	BatchLimit int

	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

func New(node NodeClient, txns *txn.Manager, bounds config.ValidatorBounds, logger loggerLike) *Executor {
	return &Executor{
		node:   node,
		txns:   txns,
		bounds: bounds,
		logger: logger,
		locks:  make(map[uint64]*sync.Mutex),
	}
}

// SetBounds swaps the validator bounds, e.g. after a profile change.
func (e *Executor) SetBounds(bounds config.ValidatorBounds) {
	e.mu.Lock()
	e.bounds = bounds
	e.mu.Unlock()
}

func (e *Executor) boundsSnapshot() config.ValidatorBounds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bounds
}

// channelLock returns the mutex serializing work on one channel.
// Concurrent applies against the same channel queue here; different
// channels proceed in parallel.
func (e *Executor) channelLock(channelID uint64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[channelID] = lock
	}
	return lock
}

// Apply validates and executes one change. The order is fixed:
// validate, snapshot+begin, apply with retry, verify, commit. A dry
// run stops after validation: no snapshot, no transaction, no node
// write. Failures after a successful apply are rolled back from the
// snapshot.
func (e *Executor) Apply(ctx context.Context, change policy.Change, history []policy.ChangeRecord, dryRun bool, runID string) Result {
	lock := e.channelLock(change.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	res := Result{ChannelID: change.ChannelID, Change: change}

	state, err := e.node.GetChannel(ctx, change.ChannelID)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = fmt.Sprintf("read channel: %v", err)
		return res
	}

	validated, err := policy.Validate(state, change, history, e.boundsSnapshot(), time.Now())
	if err != nil {
		res.Outcome = OutcomeRejected
		res.Error = err.Error()
		return res
	}
	res.Change = validated

	if validated.Type == policy.ChangeClose {
		// Closes are surfaced, never executed unattended.
		res.Outcome = OutcomeRecommended
		return res
	}

	if dryRun {
		res.Outcome = OutcomeDryRun
		return res
	}

	// Past this point the sequence runs to completion: commit or
	// rollback, never a channel left half-applied. Caller cancellation
	// only keeps not-yet-started channels from starting.
	ctx = context.WithoutCancel(ctx)

	tx, err := e.txns.Begin(ctx, runID, "policy execution", []lndclient.ChannelState{state}, []policy.Change{validated})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}
	res.TransactionID = tx.ID

	attempts, applyErr := e.applyWithRetry(ctx, validated)
	res.Attempts = attempts
	if applyErr != nil {
		res.Outcome = OutcomeFailed
		res.Error = applyErr.Error()
		if rbErr := e.txns.Rollback(ctx, tx, e.node, fmt.Sprintf("apply failed: %v", applyErr)); rbErr != nil {
			res.Error = fmt.Sprintf("%v; rollback: %v", applyErr, rbErr)
		}
		return res
	}

	if err := e.verify(ctx, validated); err != nil {
		res.Outcome = OutcomeRolledBack
		res.Error = err.Error()
		if rbErr := e.txns.Rollback(ctx, tx, e.node, fmt.Sprintf("verification failed: %v", err)); rbErr != nil {
			res.Outcome = OutcomeFailed
			res.Error = fmt.Sprintf("%v; rollback: %v", err, rbErr)
		}
		return res
	}

	if err := e.txns.Commit(ctx, tx.ID); err != nil {
		res.Outcome = OutcomeFailed
		res.Error = fmt.Sprintf("commit: %v", err)
		return res
	}
	res.Outcome = OutcomeApplied
	if e.logger != nil {
		e.logger.Printf("executor: applied %s on channel %d (tx %s, %d attempt(s))", validated.Type, validated.ChannelID, tx.ID, attempts)
	}
	return res
}

// applyWithRetry pushes the change to the node, retrying transient
// failures with exponential backoff. Permanent failures abort
// immediately.
func (e *Executor) applyWithRetry(ctx context.Context, change policy.Change) (int, error) {
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	base := e.RetryBase
	if base <= 0 {
		base = defaultRetryBase
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = e.applyOnce(ctx, change)
		if lastErr == nil {
			return attempt, nil
		}
		if lndclient.IsPermanent(lastErr) {
			return attempt, lastErr
		}
		if attempt == maxAttempts {
			break
		}
		delay := base << (attempt - 1)
		if e.logger != nil {
			e.logger.Printf("executor: transient failure on channel %d (attempt %d/%d), retrying in %s: %v", change.ChannelID, attempt, maxAttempts, delay, lastErr)
		}
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(delay):
		}
	}
	return maxAttempts, lastErr
}

func (e *Executor) applyOnce(ctx context.Context, change policy.Change) error {
	switch change.Type {
	case policy.ChangeFeeUpdate:
		return e.node.UpdateChannelPolicy(ctx, change.ChannelPoint, change.NewPolicy)
	case policy.ChangeRebalance:
		feeLimitMsat := change.EstimatedCostSat * 1000
		if feeLimitMsat <= 0 {
			feeLimitMsat = change.RebalanceAmountSat * 10 // 1% ceiling
		}
		_, err := e.node.RebalanceChannel(ctx, change.RebalanceSourceID, change.ChannelID, change.RebalanceAmountSat, feeLimitMsat, rebalanceTimeout)
		return err
	default:
		return fmt.Errorf("executor: unsupported change type %q", change.Type)
	}
}

// verify re-reads the channel and checks the node reports the new
// policy. Rebalances are verified by payment settlement, which
// RebalanceChannel already awaits.
func (e *Executor) verify(ctx context.Context, change policy.Change) error {
	if change.Type != policy.ChangeFeeUpdate {
		return nil
	}
	state, err := e.node.GetChannel(ctx, change.ChannelID)
	if err != nil {
		return fmt.Errorf("verify channel %d: %w", change.ChannelID, err)
	}
	if state.Policy.FeeRatePpm != change.NewPolicy.FeeRatePpm {
		return fmt.Errorf("verify channel %d: node reports fee %d ppm, expected %d", change.ChannelID, state.Policy.FeeRatePpm, change.NewPolicy.FeeRatePpm)
	}
	if state.Policy.BaseFeeMsat != change.NewPolicy.BaseFeeMsat {
		return fmt.Errorf("verify channel %d: node reports base fee %d msat, expected %d", change.ChannelID, state.Policy.BaseFeeMsat, change.NewPolicy.BaseFeeMsat)
	}
	return nil
}

// ApplyBatch executes changes across channels concurrently, one result
// per change. Context cancellation stops picking up new channels but
// never interrupts a channel mid-apply.
func (e *Executor) ApplyBatch(ctx context.Context, changes []policy.Change, history []policy.ChangeRecord, dryRun bool, runID string) BatchResult {
	results := make([]Result, len(changes))

	limit := e.BatchLimit
	if limit <= 0 {
		limit = 4
	}
	var g errgroup.Group
	g.SetLimit(limit)

	for i, change := range changes {
		if ctx.Err() != nil {
			results[i] = Result{ChannelID: change.ChannelID, Change: change, Outcome: OutcomeFailed, Error: ctx.Err().Error()}
			continue
		}
		i, change := i, change
		g.Go(func() error {
			// Apply runs with its own uncancelable inner steps; the
			// batch context only gates scheduling.
			results[i] = e.Apply(ctx, change, history, dryRun, runID)
			return nil
		})
	}
	_ = g.Wait()
	return BatchResult{Results: results}
}
