// Command mailsyncd is the sync orchestration core (SPEC_FULL.md §2):
// a pool of Workers, the Scheduler's three periodic tasks, and the Gmail
// push-notification listener, all sharing one database connection pool.
// Process structure follows the teacher's cmd/kiwis-worker/main.go:
// load config, connect, migrate, wire collaborators, run until a shutdown
// signal, then drain with a bounded timeout.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kiwisdev/mailsync/internal/config"
	"github.com/kiwisdev/mailsync/internal/database"
	"github.com/kiwisdev/mailsync/internal/logger"
	"github.com/kiwisdev/mailsync/internal/metrics"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
	"github.com/kiwisdev/mailsync/internal/provider/gmail"
	"github.com/kiwisdev/mailsync/internal/provider/outlook"
	"github.com/kiwisdev/mailsync/internal/queue"
	"github.com/kiwisdev/mailsync/internal/scheduler"
	"github.com/kiwisdev/mailsync/internal/store/postgres"
	"github.com/kiwisdev/mailsync/internal/syncengine"
	"github.com/kiwisdev/mailsync/internal/token"
	"github.com/kiwisdev/mailsync/internal/watch"
	"github.com/kiwisdev/mailsync/internal/worker"
)

func main() {
	logger.InitDefault()
	defer logger.Sync()

	if err := run(); err != nil {
		log.Fatalf("mailsyncd: %v", err)
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

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info(context.Background(), "migrations applied")

	m := metrics.New()

	connections := postgres.NewConnectionStore(db.Gorm)
	folders := postgres.NewFolderStore(db.Gorm)
	messages := postgres.NewMessageStore(db.Gorm)
	jobStore := postgres.NewJobStore(db.SQL)
	workerStore := postgres.NewWorkerStore(db.SQL)
	lockStore := postgres.NewLockStore(db.SQL)

	clients := map[models.Provider]provider.Client{
		models.ProviderGmail:   gmail.NewClient(cfg.GoogleClientID, cfg.GoogleClientSecret),
		models.ProviderOutlook: outlook.NewClient(),
	}

	tokens := token.NewManager(connections, clients, m)
	jobs := queue.New(jobStore, m)
	engine := syncengine.New(connections, folders, messages, jobs, clients, tokens, m)
	watches := watch.NewManager(connections, clients, tokens, engine, m, cfg.GooglePubSubTopic)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(connections, workerStore, lockStore, jobs, watches, m, hostnameOrDefault())
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	pool := make([]*worker.Worker, poolSize())
	var wg sync.WaitGroup
	errChan := make(chan error, len(pool)+1)
	for i := range pool {
		w := worker.New(workerConfig(cfg), connections, workerStore, jobs, engine, m)
		pool[i] = w
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				errChan <- err
			}
		}()
	}

	webhookServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: webhookRouter(watches, m),
	}
	go func() {
		if err := webhookServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("webhook listener: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info(ctx, "shutdown signal received")
		cancel()
		sched.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		_ = webhookServer.Shutdown(shutdownCtx)

		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn(ctx, "shutdown timeout exceeded, some workers may not have released their jobs")
		}
		logger.Info(ctx, "mailsyncd stopped")
		return nil

	case err := <-errChan:
		cancel()
		return err
	}
}

func poolSize() int {
	if n := os.Getenv("WORKER_POOL_SIZE"); n != "" {
		var size int
		if _, err := fmt.Sscanf(n, "%d", &size); err == nil && size > 0 {
			return size
		}
	}
	return 2
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		PollInterval:      time.Duration(cfg.PollIntervalSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		LockTimeout:       cfg.JobLockTimeout,
		MaxConcurrentJobs: cfg.MaxConcurrentJobsPerWorker,
		FailureThreshold:  3,
		RetryDelay:        time.Duration(cfg.WorkerFailureBackoffSeconds) * time.Second,
	}
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "mailsyncd"
	}
	return h
}

// webhookRouter exposes only /webhooks/gmail, /healthz and /metrics on this process;
// the rest of the HTTP surface (§6) lives in cmd/mailsync-api.
func webhookRouter(watches *watch.Manager, m *metrics.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/webhooks/gmail", watch.WebhookHandler(watches))
	return mux
}
