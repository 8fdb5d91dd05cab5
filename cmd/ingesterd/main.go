package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/pattoo-project/pattood/pkg/config"
	"github.com/pattoo-project/pattood/pkg/ingester"
	"github.com/pattoo-project/pattood/pkg/logger"
	"github.com/pattoo-project/pattood/pkg/spool"
	"github.com/pattoo-project/pattood/pkg/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet(config.IngesterName, pflag.ExitOnError)
	batchSize := flags.Int("batch_size", config.DefaultBatchSize, "spool files to read per batch")
	maxDuration := flags.Int("max_duration", 3600, "session deadline in seconds")
	loop := flags.Bool("loop", false, "keep running, one session every ingester_interval seconds")
	flags.Parse(os.Args[1:])

	log := logger.New(config.IngesterName)
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Errorw("Failed to load configuration", "error", err)
		return 1
	}
	// The config batch size applies unless the flag was given explicitly.
	if !flags.Changed("batch_size") {
		*batchSize = cfg.BatchSize
	}

	lock := ingester.NewLockfile(cfg.LockfilePath(), config.IngesterName, log)
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, ingester.ErrAlreadyRunning) {
			log.Errorw("Another ingester is already running", "lockfile", cfg.LockfilePath())
		} else {
			log.Errorw("Cannot acquire lockfile", "error", err)
		}
		return 1
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warnw("Cannot release lockfile", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Connect(store.Config{
		Hostname:    cfg.DBHostname,
		Username:    cfg.DBUsername,
		Password:    cfg.DBPassword,
		Name:        cfg.DBName,
		PoolSize:    cfg.DBPoolSize,
		MaxOverflow: cfg.DBMaxOverflow,
		Recycle:     config.DBRecycleInterval,
	}, log)
	if err != nil {
		log.Errorw("Cannot connect to database", "error", err)
		return 1
	}
	defer db.Close()

	if err := db.CreateTables(ctx); err != nil {
		log.Errorw("Cannot bootstrap schema", "error", err)
		return 1
	}

	sp, err := spool.New(cfg.AgentCacheDirectory())
	if err != nil {
		log.Errorw("Cannot open spool", "error", err)
		return 1
	}

	workers := 0
	if !cfg.Multiprocessing {
		workers = 1
	}
	ing := ingester.New(sp, db, ingester.Config{
		BatchSize:   *batchSize,
		MaxDuration: time.Duration(*maxDuration) * time.Second,
		Workers:     workers,
	}, log)

	for {
		if _, err := ing.Run(ctx); err != nil {
			log.Errorw("Ingest session failed", "error", err)
			return 1
		}
		if !*loop || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(time.Duration(cfg.IngesterInterval) * time.Second):
		}
	}
	return 0
}
