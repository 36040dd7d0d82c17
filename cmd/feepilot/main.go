package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"feepilot/internal/backup"
	"feepilot/internal/config"
	"feepilot/internal/server"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "sweep-backups" {
		runSweep(os.Args[2:])
		return
	}

	runServer(os.Args[1:])
}

func runServer(args []string) {
	fs := flag.NewFlagSet("feepilot", flag.ExitOnError)
	configPath := fs.String("config", "/etc/feepilot/config.yaml", "Path to config.yaml")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	srv := server.New(cfg, logger)

	if err := srv.Run(); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}

// runSweep ages snapshot tiers once and exits, for cron-driven
// deployments that keep the server stopped.
func runSweep(args []string) {
	fs := flag.NewFlagSet("sweep-backups", flag.ExitOnError)
	_ = fs.Parse(args)

	logger := log.New(os.Stdout, "", log.LstdFlags)
	dsn, err := config.ResolveStoreDSN()
	if err != nil {
		logger.Fatalf("sweep-backups failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Fatalf("sweep-backups failed: %v", err)
	}
	defer pool.Close()

	store := backup.NewPGStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatalf("sweep-backups failed: %v", err)
	}

	stats, err := backup.NewManager(store, logger).Sweep(ctx, time.Now().UTC())
	if err != nil {
		logger.Fatalf("sweep-backups failed: %v", err)
	}
	logger.Printf("backup sweep: demoted=%d cooled=%d deleted=%d", stats.Demoted, stats.Cooled, stats.Deleted)
}
