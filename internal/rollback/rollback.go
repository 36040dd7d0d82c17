package rollback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"feepilot/internal/backup"
	"feepilot/internal/config"
	"feepilot/internal/lndclient"
	"feepilot/internal/txn"
)

// MetricsReader reads trailing forwarding stats for a channel.
// Satisfied by *lndclient.Client.
type MetricsReader interface {
	GetForwardingHistory(ctx context.Context, channelID uint64, window time.Duration) (lndclient.ForwardingStats, error)
}

type loggerLike interface {
	Printf(format string, v ...any)
}

const (
	defaultCheckInterval = 15 * time.Minute
	rpcTimeout           = 30 * time.Second
)

// ErrReasonRequired rejects any rollback without an explanation. The
// reason lands in the transaction record and is part of the audit
// trail.
var ErrReasonRequired = errors.New("rollback: a non-empty reason is required")

// watch is one committed transaction under post-change observation,
// with the pre-change forwarding baseline captured at apply time.
type watch struct {
	TransactionID string
	ChannelID     uint64
	Baseline      lndclient.ForwardingStats
	AppliedAt     time.Time
}

// Orchestrator watches committed policy changes and reverts the ones
// whose forwarding metrics degrade past the configured thresholds. It
// also serves manual and partial rollbacks.
type Orchestrator struct {
	metrics    MetricsReader
	restorer   txn.PolicyRestorer
	txns       *txn.Manager
	txStore    txn.Store
	backups    *backup.Manager
	thresholds config.RollbackThresholds
	logger     loggerLike

	// CheckInterval tunes the monitor loop; zero means 15m.
	CheckInterval time.Duration

	mu       sync.Mutex
	watches  map[string]watch
	started  bool
	inFlight bool
	stop     chan struct{}
	wake     chan struct{}
}

func NewOrchestrator(metrics MetricsReader, restorer txn.PolicyRestorer, txns *txn.Manager, txStore txn.Store, backups *backup.Manager, thresholds config.RollbackThresholds, logger loggerLike) *Orchestrator {
	return &Orchestrator{
		metrics:    metrics,
		restorer:   restorer,
		txns:       txns,
		txStore:    txStore,
		backups:    backups,
		thresholds: thresholds,
		logger:     logger,
		watches:    make(map[string]watch),
	}
}

// Watch registers a committed transaction for post-change monitoring.
// The baseline is the pre-change forwarding window the caller already
// holds from evaluation.
func (o *Orchestrator) Watch(transactionID string, channelID uint64, baseline lndclient.ForwardingStats) {
	o.mu.Lock()
	o.watches[transactionID] = watch{
		TransactionID: transactionID,
		ChannelID:     channelID,
		Baseline:      baseline,
		AppliedAt:     time.Now().UTC(),
	}
	o.mu.Unlock()

	// Nudge the monitor so a backlog of due watches is not stuck
	// waiting out the full check interval.
	o.trigger()
}

func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.stop = make(chan struct{})
	o.wake = make(chan struct{}, 1)
	o.mu.Unlock()

	go o.run()
}

func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started || o.stop == nil {
		o.mu.Unlock()
		return
	}
	close(o.stop)
	o.stop = nil
	o.started = false
	o.mu.Unlock()
}

func (o *Orchestrator) trigger() {
	o.mu.Lock()
	wake := o.wake
	o.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) interval() time.Duration {
	if o.CheckInterval > 0 {
		return o.CheckInterval
	}
	return defaultCheckInterval
}

func (o *Orchestrator) window() time.Duration {
	hours := o.thresholds.WindowHours
	if hours <= 0 {
		hours = 6
	}
	return time.Duration(hours) * time.Hour
}

func (o *Orchestrator) run() {
	timer := time.NewTimer(o.interval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			o.tick()
			timer.Reset(o.interval())
		case <-o.wake:
			o.tick()
		case <-o.stop:
			return
		}
	}
}

func (o *Orchestrator) tick() {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return
	}
	o.inFlight = true
	due := make([]watch, 0, len(o.watches))
	now := time.Now().UTC()
	for _, w := range o.watches {
		if now.Sub(w.AppliedAt) >= o.window() {
			due = append(due, w)
		}
	}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
	}()

	for _, w := range due {
		o.evaluateWatch(w)
	}
}

// evaluateWatch compares the post-change window against the baseline
// and rolls the transaction back when both readings say the change
// hurt. The watch is removed either way: each change gets exactly one
// verdict.
func (o *Orchestrator) evaluateWatch(w watch) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	current, err := o.metrics.GetForwardingHistory(ctx, w.ChannelID, o.window())
	cancel()
	if err != nil {
		if o.logger != nil {
			o.logger.Printf("rollback: metrics read for channel %d failed, keeping watch: %v", w.ChannelID, err)
		}
		return
	}

	degraded, detail := o.isDegraded(w.Baseline, current)
	o.mu.Lock()
	delete(o.watches, w.TransactionID)
	o.mu.Unlock()

	if !degraded {
		if o.logger != nil {
			o.logger.Printf("rollback: channel %d healthy after change (tx %s)", w.ChannelID, w.TransactionID)
		}
		return
	}

	reason := fmt.Sprintf("auto rollback: %s", detail)
	ctx, cancel = context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	tx, err := o.txns.Get(ctx, w.TransactionID)
	if err != nil {
		if o.logger != nil {
			o.logger.Printf("rollback: load tx %s: %v", w.TransactionID, err)
		}
		return
	}
	if err := o.txns.Rollback(ctx, tx, o.restorer, reason); err != nil {
		if o.logger != nil {
			o.logger.Printf("rollback: tx %s: %v", w.TransactionID, err)
		}
		return
	}
	if o.logger != nil {
		o.logger.Printf("rollback: reverted tx %s on channel %d (%s)", w.TransactionID, w.ChannelID, detail)
	}
}

// isDegraded applies the success-rate and revenue drop thresholds.
// Missing success-rate data on either side skips that check instead of
// guessing.
func (o *Orchestrator) isDegraded(baseline, current lndclient.ForwardingStats) (bool, string) {
	if baseline.SuccessRate != nil && current.SuccessRate != nil && *baseline.SuccessRate > 0 {
		drop := (*baseline.SuccessRate - *current.SuccessRate) / *baseline.SuccessRate
		if drop >= o.thresholds.SuccessRateDropPct {
			return true, fmt.Sprintf("success rate fell %.0f%% (%.2f -> %.2f)", drop*100, *baseline.SuccessRate, *current.SuccessRate)
		}
	}
	if baseline.FeeSat > 0 {
		drop := float64(baseline.FeeSat-current.FeeSat) / float64(baseline.FeeSat)
		if drop >= o.thresholds.RevenueDropPct {
			return true, fmt.Sprintf("fee revenue fell %.0f%% (%d -> %d sat)", drop*100, baseline.FeeSat, current.FeeSat)
		}
	}
	return false, ""
}

// Manual rolls back a transaction by ID. A transaction older than the
// monitoring window needs force=true; the reason is mandatory either
// way.
func (o *Orchestrator) Manual(ctx context.Context, transactionID, reason string, force bool) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	tx, err := o.txns.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if !force && time.Since(tx.CreatedAt) > o.window() {
		return fmt.Errorf("rollback: transaction %s is older than the %s monitoring window, pass force to override", transactionID, o.window())
	}
	o.mu.Lock()
	delete(o.watches, transactionID)
	o.mu.Unlock()
	return o.txns.Rollback(ctx, tx, o.restorer, "manual rollback: "+reason)
}

// Partial restores a subset of a transaction's channels. The
// transaction lands in PARTIAL when channels remain un-restored, or
// ROLLED_BACK when the subset covered all of them.
func (o *Orchestrator) Partial(ctx context.Context, transactionID string, channelIDs []uint64, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	if len(channelIDs) == 0 {
		return errors.New("rollback: no channels requested")
	}
	tx, err := o.txns.Get(ctx, transactionID)
	if err != nil {
		return err
	}

	requested := make(map[uint64]bool, len(channelIDs))
	for _, id := range channelIDs {
		requested[id] = true
	}

	restored := 0
	for channelID, backupID := range tx.BackupIDs {
		if !requested[channelID] {
			continue
		}
		state, err := o.backups.RestoreFor(ctx, backupID, tx.ID)
		if err != nil {
			return fmt.Errorf("rollback: restore snapshot for channel %d: %w", channelID, err)
		}
		if err := o.restorer.UpdateChannelPolicy(ctx, state.ChannelPoint, state.Policy); err != nil {
			return fmt.Errorf("rollback: restore policy for channel %d: %w", channelID, err)
		}
		restored++
	}
	if restored == 0 {
		return fmt.Errorf("rollback: none of the requested channels belong to transaction %s", transactionID)
	}

	o.mu.Lock()
	delete(o.watches, transactionID)
	o.mu.Unlock()

	target := txn.StatusPartial
	if restored == len(tx.BackupIDs) {
		target = txn.StatusRolledBack
	}
	return o.txStore.Transition(ctx, tx.ID, tx.Status, target, "partial rollback: "+reason)
}

// Watching reports the transactions currently under observation.
func (o *Orchestrator) Watching() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.watches))
	for id := range o.watches {
		ids = append(ids, id)
	}
	return ids
}
