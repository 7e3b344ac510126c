package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/polycal/internal/config"
	"github.com/rewired-gh/polycal/internal/logger"
	"github.com/rewired-gh/polycal/internal/metrics"
	"github.com/rewired-gh/polycal/internal/models"
	"github.com/rewired-gh/polycal/internal/polymarket"
	"github.com/rewired-gh/polycal/internal/reconcile"
	"github.com/rewired-gh/polycal/internal/scheduler"
	"github.com/rewired-gh/polycal/internal/server"
	"github.com/rewired-gh/polycal/internal/shock"
	"github.com/rewired-gh/polycal/internal/storage"
	"github.com/rewired-gh/polycal/internal/telegram"
)

var (
	configPath = flag.String("config", "", "Path to configuration file (optional)")
	importPath = flag.String("import", "", "Import market records from a JSON file and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	if *configPath != "" {
		logger.Info("Configuration loaded from %s", *configPath)
	}

	storeOpts, err := cfg.StorageOptions()
	if err != nil {
		logger.Fatal("Failed to resolve storage credentials: %v", err)
	}
	store, err := storage.Open(storeOpts)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	if *importPath != "" {
		if err := runImport(store, *importPath); err != nil {
			logger.Fatal("Import failed: %v", err)
		}
		return
	}

	m := metrics.New()
	polyClient := polymarket.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout, cfg.ClientConfig())
	detector := shock.New(cfg.DetectorConfig(), nil)
	engine := reconcile.New(store, polyClient, detector, cfg.EngineConfig())
	engine.SetMetrics(m)

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		telegramClient.SetTitleFunc(func(localID string) string {
			rec, err := store.GetMarket(context.Background(), localID)
			if err != nil {
				return ""
			}
			return rec.Title
		})
		engine.SetNotifier(telegramClient)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Disabled {
		logger.Info("Recurring schedule disabled; on-demand trigger only")
	} else {
		sched = scheduler.New(ctx, engine, cfg.Scheduler.Timeout)
		if telegramClient != nil {
			sched.SetNotifier(telegramClient)
		}
		if _, err := sched.Add(cfg.Scheduler.Spec); err != nil {
			logger.Fatal("Failed to schedule reconciliation: %v", err)
		}
		sched.Start()
	}

	if telegramClient != nil {
		if sched != nil {
			telegramClient.SetStatusFunc(sched.Status)
		}
		telegramClient.ListenForCommands(ctx)
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.NewEngine(&server.Handler{
			Reconciler: engine,
			Store:      store,
			Metrics:    m,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Trigger server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Trigger server failed: %v", err)
			stop()
		}
	}()

	logger.Info("Starting reconciliation service (schedule: %s, shock threshold: %.2f, window: %v)",
		scheduleLabel(cfg), cfg.Shock.Threshold, cfg.Shock.Window)

	<-ctx.Done()
	logger.Info("Shutdown signal received, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Trigger server shutdown: %v", err)
	}
	if sched != nil {
		sched.Stop()
	}
	logger.Info("Service stopped")
}

func scheduleLabel(cfg *config.Config) string {
	if cfg.Scheduler.Disabled {
		return "disabled"
	}
	return cfg.Scheduler.Spec
}

// runImport loads a JSON array of market records and upserts them as a bulk import.
func runImport(store *storage.Storage, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var records []*models.MarketRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	res := store.ImportMarkets(context.Background(), records, models.SourceBulkImport)
	for id, err := range res.Failed {
		logger.Warn("Skipped record %s: %v", id, err)
	}
	logger.Info("Imported %d of %d records in %d batches", res.Imported, len(records), res.Batches)
	if res.Imported == 0 && len(records) > 0 {
		return errors.New("no records imported")
	}
	return nil
}
