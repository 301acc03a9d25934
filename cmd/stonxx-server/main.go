package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knectardev/stonxx/internal/config"
	"github.com/knectardev/stonxx/internal/httpapi"
	"github.com/knectardev/stonxx/internal/ingest"
	"github.com/knectardev/stonxx/internal/store"
	"github.com/knectardev/stonxx/internal/util"
)

func main() {
	cfgPath := config.DefaultPath
	if p := os.Getenv("STONXX_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	// The server itself never calls the upstream API, so missing credentials
	// only degrade launches, not browsing.
	if err := cfg.ValidateAlpaca(); err != nil {
		logger.Warn("ingest launches will fail until credentials are set", "error", err)
	}

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	binPath := cfg.Ingest.IngestBin
	if binPath == "" {
		binPath = ingest.DefaultIngestBin()
	}
	launcher := ingest.NewLauncher(binPath, cfgPath)

	scheduler := ingest.NewScheduler(st, launcher, cfg.Scheduler.Periodic)
	if cfg.Scheduler.Realtime {
		scheduler.Start()
	}

	api := httpapi.NewServer(st, st, st, scheduler, launcher, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting stonxx server", "addr", addr, "db", cfg.Storage.SQLitePath, "realtime", cfg.Scheduler.Realtime)
		errCh <- httpSrv.ListenAndServe()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		log.Fatalf("server error: %v", err)
	}

	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}
