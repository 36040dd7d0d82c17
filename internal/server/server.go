package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"feepilot/internal/backup"
	"feepilot/internal/config"
	"feepilot/internal/executor"
	"feepilot/internal/lndclient"
	"feepilot/internal/rollback"
	"feepilot/internal/txn"
)

// Server wires the engine to its HTTPS surface.
type Server struct {
	cfg    *config.Config
	logger *log.Logger
	lnd    *lndclient.Client
	db     *pgxpool.Pool

	hub       *Hub
	metrics   *Metrics
	registry  *prometheus.Registry
	backups   *backup.Manager
	txStore   txn.Store
	txns      *txn.Manager
	exec      *executor.Executor
	rollbacks *rollback.Orchestrator
	service   *Service

	storeErr string
}

func New(cfg *config.Config, logger *log.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		lnd:      lndclient.New(cfg.LND, logger),
		hub:      NewHub(),
		registry: prometheus.NewRegistry(),
	}
	s.metrics = NewMetrics(s.registry)
	s.initStore()
	return s
}

// initStore connects Postgres and assembles the engine stack. Without
// a DSN the server still starts, serving errors from the engine
// endpoints, matching how the node dashboard behaves with no store.
func (s *Server) initStore() {
	dsn, err := config.ResolveStoreDSN()
	if err != nil {
		s.storeErr = fmt.Sprintf("engine unavailable: %v", err)
		s.logger.Printf("%s", s.storeErr)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		s.storeErr = fmt.Sprintf("engine unavailable: failed to connect to postgres: %v", err)
		s.logger.Printf("%s", s.storeErr)
		return
	}
	s.db = pool

	profile := config.ProfileByName(s.cfg.Engine.Profile)

	backupStore := backup.NewPGStore(pool)
	if err := backupStore.EnsureSchema(ctx); err != nil {
		s.storeErr = fmt.Sprintf("engine unavailable: backup schema: %v", err)
		s.logger.Printf("%s", s.storeErr)
		return
	}
	s.backups = backup.NewManager(backupStore, s.logger)

	txStore := txn.NewPGStore(pool)
	if err := txStore.EnsureSchema(ctx); err != nil {
		s.storeErr = fmt.Sprintf("engine unavailable: transaction schema: %v", err)
		s.logger.Printf("%s", s.storeErr)
		return
	}
	s.txStore = txStore
	s.txns = txn.NewManager(txStore, s.backups, s.logger)

	s.exec = executor.New(s.lnd, s.txns, profile.Validator, s.logger)
	s.rollbacks = rollback.NewOrchestrator(s.lnd, s.lnd, s.txns, s.txStore, s.backups, profile.Rollback, s.logger)
	s.service = NewService(pool, s.lnd, s.exec, s.txns, s.backups, s.rollbacks, s.hub, s.metrics, s.logger)

	if err := s.service.EnsureSchema(ctx); err != nil {
		s.storeErr = fmt.Sprintf("engine unavailable: engine schema: %v", err)
		s.logger.Printf("%s", s.storeErr)
		s.service = nil
		return
	}
	s.storeErr = ""
}

// Run starts the background loops and serves HTTPS until the listener
// fails.
func (s *Server) Run() error {
	if s.service != nil {
		s.service.Start()
		defer s.service.Stop()
	}
	if s.rollbacks != nil {
		s.rollbacks.Start()
		defer s.rollbacks.Stop()
	}
	if s.backups != nil {
		sweepStop := make(chan struct{})
		defer close(sweepStop)
		go s.sweepBackups(sweepStop)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}

	s.logger.Printf("listening on https://%s", addr)
	return httpServer.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
}

// sweepBackups ages snapshot tiers once an hour until stop closes.
func (s *Server) sweepBackups(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		stats, err := s.backups.Sweep(ctx, time.Now().UTC())
		cancel()
		if err != nil {
			s.logger.Printf("backup sweep failed: %v", err)
			continue
		}
		if stats.Demoted+stats.Cooled+stats.Deleted > 0 {
			s.logger.Printf("backup sweep: demoted=%d cooled=%d deleted=%d", stats.Demoted, stats.Cooled, stats.Deleted)
		}
	}
}

// engineService guards handlers that need the full stack.
func (s *Server) engineService() (*Service, string) {
	if s.service == nil {
		msg := s.storeErr
		if msg == "" {
			msg = "engine unavailable"
		}
		return nil, msg
	}
	return s.service, ""
}
