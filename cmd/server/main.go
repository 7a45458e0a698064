package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"waste-sync/internal/config"
	"waste-sync/internal/events"
	"waste-sync/internal/handler"
	"waste-sync/internal/idempotency"
	"waste-sync/internal/logger"
	"waste-sync/internal/repository"
	"waste-sync/internal/service"
	"waste-sync/internal/websocket"
	"waste-sync/internal/writequeue"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg := logger.New(cfg.Logging.Level, cfg.Server.Env)
	defer logg.Sync()

	if err := run(cfg, logg); err != nil {
		logg.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		txRepo    repository.TransactionRepository
		docs      repository.DocumentStore
		health    repository.HealthChecker
		couch     *kivik.Client
		err       error
		closers   []func() error
		publisher events.Publisher
		idem      idempotency.Store
	)

	if cfg.Database.URL != "" {
		couch, err = kivik.New("couch", cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to CouchDB: %w", err)
		}

		created, err := repository.EnsureDB(ctx, couch, cfg.Database.Name)
		if err != nil {
			return err
		}
		if created {
			logg.Info("created database", zap.String("name", cfg.Database.Name))
		}

		txRepo = repository.NewTransactionRepository(couch, cfg.Database.Name)
		docs = repository.NewDocumentStore(couch, cfg.Database.Name)
		health = repository.NewHealthChecker(couch)
	} else {
		logg.Warn("COUCHDB_URL not set, using in-memory storage")
		txRepo = repository.NewMemoryTransactionRepository()
		docs = repository.NewMemoryDocumentStore()
		health = repository.NewStaticHealthChecker()
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		publisher = kp
		closers = append(closers, kp.Close)
	} else {
		publisher = events.NewLogPublisher(logg)
	}

	if cfg.Redis.URL != "" {
		rs, err := idempotency.OpenRedis(cfg.Redis.URL)
		if err != nil {
			return err
		}
		idem = rs
		closers = append(closers, rs.Close)
	} else {
		idem = idempotency.NewMemoryStore(nil)
	}

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxConnPerUser,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
		logg,
	)
	wsCtx, stopWS := context.WithCancel(context.Background())
	defer stopWS()
	go wsManager.Run(wsCtx)

	transactions := service.NewTransactionService(
		txRepo,
		service.NewRandomCodeGenerator(),
		service.NewNotificationService(wsManager, logg),
		publisher,
		cfg.Verification.CodeTTL,
		logg,
	)
	executor := service.NewRouter(transactions, docs)

	queue := writequeue.New(executor, writequeue.Options{
		MaxAttempts:      cfg.Queue.MaxAttempts,
		RetryDelay:       cfg.Queue.RetryDelay,
		OperationTimeout: cfg.Queue.OperationTimeout,
	}, logg)

	wsManager.SetMessageHandler(handler.NewWebSocketMessageHandler(queue))

	r := buildRouter(routerDeps{
		cfg:          cfg,
		log:          logg,
		transactions: transactions,
		executor:     executor,
		queue:        queue,
		health:       health,
		idempotency:  idem,
		ws:           wsManager,
	})

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logg.Info("starting waste-sync server", zap.String("addr", addr), zap.String("env", cfg.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
	}

	logg.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// stop taking requests, then let queued writes reach the database
	// before anything they depend on goes away
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logg.Warn("sync queue did not drain", zap.Error(err), zap.Int("remaining", queue.Status().QueueLength))
	}
	stopWS()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logg.Warn("close failed", zap.Error(err))
		}
	}
	if couch != nil {
		if err := couch.Close(); err != nil {
			logg.Warn("couchdb close failed", zap.Error(err))
		}
	}

	logg.Info("server stopped gracefully")
	return nil
}
