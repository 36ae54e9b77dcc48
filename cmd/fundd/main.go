package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hostelfund/allocation"
	"hostelfund/blob"
	"hostelfund/classifier"
	"hostelfund/config"
	"hostelfund/ingest"
	"hostelfund/intake"
	"hostelfund/ledger"
	"hostelfund/lockmgr"
	"hostelfund/mail"
	"hostelfund/observability/logging"
	"hostelfund/server"
	"hostelfund/templates"
	"hostelfund/watchdog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.toml", "Path to the hostelfund config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.Setup("fundd", cfg.Environment, logging.Options{FilePath: cfg.LogFile})

	store, err := ledger.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if cfg.ConfidentialDSN != "" {
		if err := store.AttachConfidential(cfg.ConfidentialDSN); err != nil {
			return fmt.Errorf("attach confidential store: %w", err)
		}
	}
	blobs, err := blob.NewStore(cfg.BlobDir)
	if err != nil {
		return err
	}
	registry, err := templates.LoadDir(cfg.Templates.Dir)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	gateway := mail.NewHTTPGateway(cfg.Mail.BaseURL, cfg.Mail.AuthToken, cfg.Mail.SelfAddress, cfg.Mail.SendTimeout.Duration, cfg.Mail.SendRatePerMinute)
	classify := classifier.NewOpenAIClient(cfg.Classifier.BaseURL, cfg.Classifier.APIKey, cfg.Classifier.Model, cfg.Classifier.CallTimeout.Duration)
	lock := lockmgr.New()
	cache := ledger.NewLookupCache()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, label := range []string{
		mail.LabelToProcess,
		mail.LabelProcessed,
		mail.LabelUnmatched,
		mail.LabelWatchdogProcessed,
		mail.LabelWatchdogManualReview,
	} {
		if err := gateway.EnsureLabel(ctx, label); err != nil {
			return fmt.Errorf("ensure label %s: %w", label, err)
		}
	}
	if err := cache.Refresh(ctx, store); err != nil {
		log.Warn("initial cache refresh failed", slog.String("error", err.Error()))
	}

	intakeSvc := intake.NewService(store, gateway, registry, cfg.Intake, cfg.Mail, log)
	engine := allocation.NewEngine(store, gateway, registry, lock, cache, cfg.Mail, cfg.Engine, log)
	ingestor := ingest.NewIngestor(store, gateway, classify, blobs, lock, cfg.Mail, cfg.Engine, log)
	replyWatchdog := watchdog.New(store, gateway, classify, registry, lock, cache, cfg.Mail, cfg.Engine, log)

	api, err := server.New(server.Config{
		Store:    store,
		Engine:   engine,
		Intake:   intakeSvc,
		Operator: cfg.Operator,
		Log:      log,
	})
	if err != nil {
		return err
	}

	go ingestor.Run(ctx)
	go replyWatchdog.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: api.Handler(),
	}
	go func() {
		log.Info("operator API listening", slog.String("address", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	log.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
	return nil
}
