package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"hermesworker/internal/cache"
	"hermesworker/internal/config"
	"hermesworker/internal/cookies"
	"hermesworker/internal/database"
	"hermesworker/internal/ipc"
	"hermesworker/internal/repair"
	"hermesworker/internal/storage"
	"hermesworker/internal/supervisor"
	"hermesworker/internal/uploadcache"
	"hermesworker/internal/users"
	"hermesworker/internal/worker"
)

func main() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logger.WithError(err).Warn("could not open log file, logging to stderr only")
		} else {
			logger.SetOutput(f)
			defer f.Close()
		}
	}

	if err := cfg.Prepare(); err != nil {
		logger.WithError(err).Fatal("failed to prepare directories")
	}

	cookieMgr, err := cookies.NewManager(cfg.CookieFile, cfg.YtdlpCookies, cfg.TempDir, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize cookie manager")
	}
	defer cookieMgr.Close()

	db, err := database.New(cfg.SQLitePath(), logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	cacheMgr := cache.NewManager(db, cfg.EnableSearchCache, cfg.CacheExpiryHours)

	pool, err := storage.New(cfg.PoolTracksDir(), db, 4)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize storage pool")
	}

	sup := supervisor.New(logger)
	usersMgr := users.New(db)
	uploadCache := uploadcache.New(db)

	deps := &worker.Deps{
		Config:      cfg,
		Cookies:     cookieMgr,
		DB:          db,
		Cache:       cacheMgr,
		Pool:        pool,
		Supervisor:  sup,
		Users:       usersMgr,
		UploadCache: uploadCache,
		Logger:      logger,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	repairSvc := repair.New(cfg.DownloadDir, db, time.Duration(cfg.RepairIntervalSeconds)*time.Second, logger)
	go repairSvc.Run(ctx)

	loop := ipc.New(os.Stdout, logger)
	worker.RegisterAll(loop, deps)

	logger.Info("worker ready, reading requests from stdin")
	if err := loop.Run(ctx, os.Stdin); err != nil {
		logger.WithError(err).Warn("ipc loop exited with error")
	}
	logger.Info("worker shutting down")
}
