// Command mailsync-api serves the external HTTP surface of spec.md §6:
// connection management and sync triggers/status reads. It shares the same
// Store and JobQueue as cmd/mailsyncd but never touches ProviderClient
// directly except to validate a new connection's token at creation time
// (SPEC_FULL.md §2).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiwisdev/mailsync/internal/config"
	"github.com/kiwisdev/mailsync/internal/database"
	"github.com/kiwisdev/mailsync/internal/httpapi"
	"github.com/kiwisdev/mailsync/internal/logger"
	"github.com/kiwisdev/mailsync/internal/metrics"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
	"github.com/kiwisdev/mailsync/internal/provider/gmail"
	"github.com/kiwisdev/mailsync/internal/provider/outlook"
	"github.com/kiwisdev/mailsync/internal/queue"
	"github.com/kiwisdev/mailsync/internal/store/postgres"
	"github.com/kiwisdev/mailsync/internal/syncengine"
	"github.com/kiwisdev/mailsync/internal/token"
	"github.com/kiwisdev/mailsync/internal/watch"
)

func main() {
	logger.InitDefault()
	defer logger.Sync()

	if err := run(); err != nil {
		log.Fatalf("mailsync-api: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info(context.Background(), "database connected")

	m := metrics.New()

	connections := postgres.NewConnectionStore(db.Gorm)
	folders := postgres.NewFolderStore(db.Gorm)
	jobStore := postgres.NewJobStore(db.SQL)

	clients := map[models.Provider]provider.Client{
		models.ProviderGmail:   gmail.NewClient(cfg.GoogleClientID, cfg.GoogleClientSecret),
		models.ProviderOutlook: outlook.NewClient(),
	}

	tokens := token.NewManager(connections, clients, m)
	jobs := queue.New(jobStore, m)
	messages := postgres.NewMessageStore(db.Gorm)
	engine := syncengine.New(connections, folders, messages, jobs, clients, tokens, m)
	watches := watch.NewManager(connections, clients, tokens, engine, m, cfg.GooglePubSubTopic)

	apiCfg := httpapi.DefaultConfig()
	server := httpapi.NewServer(apiCfg, connections, folders, jobs, jobStore, clients, watches, engine, m)

	httpServer := &http.Server{
		Addr:    cfg.APIListenAddr,
		Handler: server.Handler(),
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "mailsync-api listening", logger.String("addr", cfg.APIListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http listener: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info(context.Background(), "shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "graceful shutdown failed", logger.ErrorField(err))
		}
		logger.Info(context.Background(), "mailsync-api stopped")
		return nil

	case err := <-errChan:
		return err
	}
}
