package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knectardev/stonxx/internal/config"
	"github.com/knectardev/stonxx/internal/domain"
	"github.com/knectardev/stonxx/internal/ingest"
	"github.com/knectardev/stonxx/internal/provider"
	"github.com/knectardev/stonxx/internal/store"
	"github.com/knectardev/stonxx/internal/util"
)

func main() {
	cfgFlag := flag.String("config", "", "path to config file (default: STONXX_CONFIG or config/stonxx.yaml)")
	mode := flag.String("mode", "catchup", "ingest mode: catchup or backfill")
	tfsFlag := flag.String("tfs", "", "comma-separated timeframes for catchup (default: all)")
	chunk := flag.Int("chunk", 0, "symbols per bars request (default: config value)")
	pause := flag.Duration("pause", 0, "pause between symbol groups (default: config value)")
	flag.Parse()

	cfgPath := config.DefaultPath
	if p := os.Getenv("STONXX_CONFIG"); p != "" {
		cfgPath = p
	}
	if *cfgFlag != "" {
		cfgPath = *cfgFlag
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateAlpaca(); err != nil {
		log.Fatalf("%v", err)
	}

	// Dual logger: stdout + /tmp log file, so detached launches stay
	// inspectable after the parent server's terminal is gone.
	logFileName := fmt.Sprintf("/tmp/stonxx-ingest-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("failed to open log file: %v", err)
	}
	defer logFile.Close()

	w := io.MultiWriter(os.Stdout, logFile)
	logger := util.NewTextLogger(w, cfg.Logging.Level)
	util.SetDefault(logger)

	tfs, err := parseTimeframes(*tfsFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	client := provider.NewClient(provider.ClientOpts{
		BaseURL:    cfg.Alpaca.DataURL,
		APIKey:     cfg.Alpaca.APIKey,
		APISecret:  cfg.Alpaca.APISecret,
		Feed:       cfg.Alpaca.Feed,
		Adjustment: cfg.Alpaca.Adjustment,
	})

	chunkSize := cfg.Ingest.ChunkSize
	if *chunk > 0 {
		chunkSize = *chunk
	}
	groupPause := time.Duration(cfg.Ingest.PauseMS) * time.Millisecond
	if *pause > 0 {
		groupPause = *pause
	}

	ingester := ingest.NewIngester(client, st, st,
		chunkSize,
		groupPause,
		time.Duration(cfg.Ingest.CooldownMS)*time.Millisecond,
		cfg.Ingest.BackfillDays,
	)
	if cfg.Alpaca.BaseURL != "" {
		ingester.SetCalendar(ingest.NewCalendar(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The fine-resolution table defines the symbol universe: a symbol is
	// tracked once it has at least one 1Min bar.
	symbols, err := st.SymbolsWithData(ctx, domain.OneMin)
	if err != nil {
		log.Fatalf("failed to load symbol universe: %v", err)
	}
	if len(symbols) == 0 {
		logger.Info("no symbols in database, nothing to ingest")
		return
	}

	logger.Info("starting ingest", "mode", *mode, "symbols", len(symbols), "logFile", logFileName)

	switch *mode {
	case "catchup":
		var total int64
		for _, tf := range tfs {
			inserted, err := ingester.RunCatchup(ctx, tf, symbols)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Info("catchup interrupted", "timeframe", tf)
					return
				}
				log.Fatalf("catchup %s failed: %v", tf, err)
			}
			total += inserted
		}
		logger.Info("catchup complete", "inserted", total)

	case "backfill":
		inserted, err := ingester.RunBackfill(ctx, symbols)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info("backfill interrupted")
				return
			}
			log.Fatalf("backfill failed: %v", err)
		}
		logger.Info("backfill complete", "inserted", inserted)

	default:
		log.Fatalf("unknown mode %q (want catchup or backfill)", *mode)
	}
}

func parseTimeframes(s string) ([]domain.Timeframe, error) {
	if strings.TrimSpace(s) == "" {
		return domain.AllTimeframes(), nil
	}
	var tfs []domain.Timeframe
	for _, part := range strings.Split(s, ",") {
		tf, err := domain.ParseTimeframe(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		tfs = append(tfs, tf)
	}
	return tfs, nil
}
