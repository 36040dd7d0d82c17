package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"feepilot/internal/backup"
	"feepilot/internal/config"
	"feepilot/internal/executor"
	"feepilot/internal/lndclient"
	"feepilot/internal/rollback"
	"feepilot/internal/txn"
)

const (
	engineConfigID      = 1
	engineMinLookback   = 5
	engineMaxLookback   = 30
	engineMinIntervalS  = 3600
	engineMaxIntervalS  = 86400
	defaultSnapshotTTLS = 86400
)

type loggerLike interface {
	Printf(format string, v ...any)
}

// EngineConfig is the runtime-tunable engine configuration, persisted
// in Postgres so it survives restarts and can be tuned over the API.
type EngineConfig struct {
	Enabled           bool   `json:"enabled"`
	Profile           string `json:"profile"`
	RunIntervalSec    int    `json:"run_interval_sec"`
	LookbackDays      int    `json:"lookback_days"`
	DryRunOnly        bool   `json:"dry_run_only"`
	SnapshotMaxAgeSec int    `json:"snapshot_max_age_sec"`
	Workers           int    `json:"workers"`
}

// EngineConfigUpdate applies only the fields the caller set.
type EngineConfigUpdate struct {
	Enabled           *bool   `json:"enabled,omitempty"`
	Profile           *string `json:"profile,omitempty"`
	RunIntervalSec    *int    `json:"run_interval_sec,omitempty"`
	LookbackDays      *int    `json:"lookback_days,omitempty"`
	DryRunOnly        *bool   `json:"dry_run_only,omitempty"`
	SnapshotMaxAgeSec *int    `json:"snapshot_max_age_sec,omitempty"`
	Workers           *int    `json:"workers,omitempty"`
}

// ServiceStatus is the live view reported over the API.
type ServiceStatus struct {
	Running     bool        `json:"running"`
	LastRunAt   string      `json:"last_run_at,omitempty"`
	NextRunAt   string      `json:"next_run_at,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	LastSummary *RunSummary `json:"last_summary,omitempty"`
}

// Service owns the evaluation cycle: score, decide, validate, execute,
// watch. One run at a time; the scheduler loop adds jitter so restarts
// don't synchronize runs across nodes.
type Service struct {
	db        *pgxpool.Pool
	lnd       *lndclient.Client
	exec      *executor.Executor
	txns      *txn.Manager
	backups   *backup.Manager
	rollbacks *rollback.Orchestrator
	hub       *Hub
	metrics   *Metrics
	logger    loggerLike

	mu          sync.Mutex
	started     bool
	running     bool
	stop        chan struct{}
	lastRunAt   time.Time
	nextRunAt   time.Time
	lastError   string
	lastSummary *RunSummary
}

func NewService(db *pgxpool.Pool, lnd *lndclient.Client, exec *executor.Executor, txns *txn.Manager, backups *backup.Manager, rollbacks *rollback.Orchestrator, hub *Hub, metrics *Metrics, logger loggerLike) *Service {
	return &Service{
		db:        db,
		lnd:       lnd,
		exec:      exec,
		txns:      txns,
		backups:   backups,
		rollbacks: rollbacks,
		hub:       hub,
		metrics:   metrics,
		logger:    logger,
	}
}

func (s *Service) EnsureSchema(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not configured")
	}

	_, err := s.db.Exec(ctx, `
create table if not exists engine_config (
  id integer primary key,
  enabled boolean not null default false,
  profile text not null default 'balanced',
  run_interval_sec integer not null default 14400,
  lookback_days integer not null default 30,
  dry_run_only boolean not null default true,
  snapshot_max_age_sec integer not null default 86400,
  workers integer not null default 4,
  created_at timestamptz not null default now(),
  updated_at timestamptz not null default now()
);

create table if not exists channel_settings (
  channel_id bigint primary key,
  channel_point text not null,
  enabled boolean not null default true,
  updated_at timestamptz not null default now()
);
create index if not exists channel_settings_enabled_idx on channel_settings (enabled);

create table if not exists decision_logs (
  id bigserial primary key,
  occurred_at timestamptz not null default now(),
  run_id text not null,
  seq integer not null,
  channel_id bigint not null,
  decision_type text not null,
  composite_score double precision not null,
  confidence text not null,
  reasoning text not null,
  params jsonb,
  scores jsonb,
  outcome text not null default '',
  transaction_id text,
  dry_run boolean not null default false,
  error text not null default ''
);
create index if not exists decision_logs_occurred_at_idx on decision_logs (occurred_at desc);
create index if not exists decision_logs_run_idx on decision_logs (run_id, seq);
create index if not exists decision_logs_channel_idx on decision_logs (channel_id, occurred_at desc);

create table if not exists network_snapshot (
  id integer primary key,
  taken_at timestamptz not null,
  median_fee_rate_ppm bigint not null default 0,
  avg_degree double precision not null default 0,
  max_betweenness double precision not null default 0
);

create table if not exists network_peers (
  pubkey text primary key,
  betweenness_centrality double precision,
  closeness_centrality double precision,
  degree integer,
  uptime_pct double precision,
  force_close_count integer,
  disconnect_count integer,
  reputation_score double precision,
  total_capacity_sat bigint,
  channel_count integer,
  updated_at timestamptz not null default now()
);
`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
insert into engine_config (id) values ($1)
on conflict (id) do nothing
`, engineConfigID)
	return err
}

func (s *Service) defaultConfig() EngineConfig {
	return EngineConfig{
		Enabled:           false,
		Profile:           "balanced",
		RunIntervalSec:    14400,
		LookbackDays:      30,
		DryRunOnly:        true,
		SnapshotMaxAgeSec: defaultSnapshotTTLS,
		Workers:           4,
	}
}

func (s *Service) GetConfig(ctx context.Context) (EngineConfig, error) {
	cfg := s.defaultConfig()
	if s.db == nil {
		return cfg, errors.New("db unavailable")
	}

	err := s.db.QueryRow(ctx, `
select enabled, profile, run_interval_sec, lookback_days, dry_run_only, snapshot_max_age_sec, workers
from engine_config where id=$1
`, engineConfigID).Scan(
		&cfg.Enabled,
		&cfg.Profile,
		&cfg.RunIntervalSec,
		&cfg.LookbackDays,
		&cfg.DryRunOnly,
		&cfg.SnapshotMaxAgeSec,
		&cfg.Workers,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cfg, nil
		}
		return cfg, err
	}
	return clampEngineConfig(cfg), nil
}

func (s *Service) UpdateConfig(ctx context.Context, req EngineConfigUpdate) (EngineConfig, error) {
	current, err := s.GetConfig(ctx)
	if err != nil {
		return current, err
	}

	if req.Enabled != nil {
		current.Enabled = *req.Enabled
	}
	if req.Profile != nil && strings.TrimSpace(*req.Profile) != "" {
		current.Profile = config.ProfileByName(*req.Profile).Name
	}
	if req.RunIntervalSec != nil {
		current.RunIntervalSec = *req.RunIntervalSec
	}
	if req.LookbackDays != nil {
		current.LookbackDays = *req.LookbackDays
	}
	if req.DryRunOnly != nil {
		current.DryRunOnly = *req.DryRunOnly
	}
	if req.SnapshotMaxAgeSec != nil {
		current.SnapshotMaxAgeSec = *req.SnapshotMaxAgeSec
	}
	if req.Workers != nil {
		current.Workers = *req.Workers
	}
	current = clampEngineConfig(current)

	_, err = s.db.Exec(ctx, `
update engine_config
set enabled=$2,
  profile=$3,
  run_interval_sec=$4,
  lookback_days=$5,
  dry_run_only=$6,
  snapshot_max_age_sec=$7,
  workers=$8,
  updated_at=now()
where id=$1
`, engineConfigID,
		current.Enabled,
		current.Profile,
		current.RunIntervalSec,
		current.LookbackDays,
		current.DryRunOnly,
		current.SnapshotMaxAgeSec,
		current.Workers,
	)
	if err != nil {
		return current, err
	}

	s.exec.SetBounds(config.ProfileByName(current.Profile).Validator)
	return current, nil
}

func clampEngineConfig(cfg EngineConfig) EngineConfig {
	cfg.Profile = config.ProfileByName(cfg.Profile).Name
	if cfg.RunIntervalSec < engineMinIntervalS {
		cfg.RunIntervalSec = engineMinIntervalS
	}
	if cfg.RunIntervalSec > engineMaxIntervalS {
		cfg.RunIntervalSec = engineMaxIntervalS
	}
	if cfg.LookbackDays < engineMinLookback {
		cfg.LookbackDays = engineMinLookback
	}
	if cfg.LookbackDays > engineMaxLookback {
		cfg.LookbackDays = engineMaxLookback
	}
	if cfg.SnapshotMaxAgeSec <= 0 {
		cfg.SnapshotMaxAgeSec = defaultSnapshotTTLS
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Workers > 16 {
		cfg.Workers = 16
	}
	return cfg
}

func (s *Service) Status() ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := ServiceStatus{
		Running:     s.running,
		LastError:   s.lastError,
		LastSummary: s.lastSummary,
	}
	if !s.lastRunAt.IsZero() {
		status.LastRunAt = s.lastRunAt.UTC().Format(time.RFC3339)
	}
	if !s.nextRunAt.IsZero() {
		status.NextRunAt = s.nextRunAt.UTC().Format(time.RFC3339)
	}
	return status
}

// LastSummary returns the most recent run summary, nil before the
// first run.
func (s *Service) LastSummary() *RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSummary
}

func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	go s.loop()
}

func (s *Service) Stop() {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.started = false
	s.mu.Unlock()
}

func (s *Service) lastRunFromLogs(ctx context.Context) (time.Time, bool) {
	var ts *time.Time
	err := s.db.QueryRow(ctx, `select max(occurred_at) from decision_logs where seq = 0`).Scan(&ts)
	if err != nil || ts == nil {
		return time.Time{}, false
	}
	return *ts, true
}

func (s *Service) loop() {
	for {
		cfg, err := s.GetConfig(context.Background())
		if err != nil {
			s.logger.Printf("engine: config load failed: %v", err)
		}
		interval := time.Duration(cfg.RunIntervalSec) * time.Second

		now := time.Now()
		base := now
		s.mu.Lock()
		lastRun := s.lastRunAt
		s.mu.Unlock()
		if !lastRun.IsZero() {
			base = lastRun
		} else if s.db != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if ts, ok := s.lastRunFromLogs(ctx); ok {
				base = ts
				s.mu.Lock()
				s.lastRunAt = ts
				s.mu.Unlock()
			}
			cancel()
		}

		next := base.Add(interval)
		if !base.IsZero() && base.Before(now) {
			elapsed := now.Sub(base)
			steps := int64(elapsed/interval) + 1
			next = base.Add(time.Duration(steps) * interval)
		}
		jitter := time.Duration(rand.Int63n(int64(interval/10)+1)) - time.Duration(int64(interval/20))
		next = next.Add(jitter)
		if next.Before(now.Add(time.Minute)) {
			next = now.Add(time.Minute)
		}
		s.mu.Lock()
		s.nextRunAt = next
		s.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			if err := s.Run(context.Background(), false, "scheduled"); err != nil {
				s.logger.Printf("engine: scheduled run failed: %v", err)
			}
		}
	}
}

// Run executes one evaluation cycle. Only one run is in flight at a
// time; a second caller gets an error instead of a queued run. A
// manual dry run is allowed even while the engine is disabled.
func (s *Service) Run(ctx context.Context, dryRun bool, reason string) error {
	if s.db == nil {
		return errors.New("db unavailable")
	}
	if s.lnd == nil {
		return errors.New("node unavailable")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("engine run already in progress")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.lastRunAt = time.Now()
		s.mu.Unlock()
	}()

	cfg, err := s.GetConfig(ctx)
	if err != nil {
		s.setLastError(err)
		return err
	}
	if !cfg.Enabled && !dryRun {
		return nil
	}
	if cfg.DryRunOnly {
		dryRun = true
	}

	// Never act on a node that is still catching up: channel balances
	// and the graph view would both be stale.
	info, err := s.lnd.GetInfo(ctx)
	if err != nil {
		s.setLastError(fmt.Errorf("node status: %w", err))
		return err
	}
	if !info.SyncedToChain || !info.SyncedToGraph {
		s.logger.Printf("engine: node not synced (chain=%t graph=%t), skipping run", info.SyncedToChain, info.SyncedToGraph)
		return nil
	}

	engine, err := s.newRunEngine(ctx, cfg, dryRun, reason)
	if err != nil {
		s.setLastError(err)
		return err
	}
	summary, err := engine.Execute(ctx)
	if err != nil {
		s.setLastError(err)
		return err
	}

	s.mu.Lock()
	s.lastSummary = summary
	s.mu.Unlock()
	s.setLastError(nil)
	return nil
}

func (s *Service) setLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastError = err.Error()
		return
	}
	s.lastError = ""
}
