package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"waste-sync/internal/apiclient"
	"waste-sync/internal/clientsync"
	"waste-sync/internal/config"
	"waste-sync/internal/connectivity"
	"waste-sync/internal/domain"
	"waste-sync/internal/localstore"
	"waste-sync/internal/logger"
	"waste-sync/internal/recovery"

	"go.uber.org/zap"
)

// The agent is the offline-tolerant client: it reads intents and commands as
// JSON lines on stdin and answers each with one JSON line on stdout.
func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg := logger.New(cfg.Logging.Level, cfg.Env)
	defer logg.Sync()

	role := domain.Role(cfg.API.Role)
	if !role.Valid() {
		logg.Fatal("unknown role", zap.String("role", cfg.API.Role))
	}

	backend, closeBackend, err := openBackend(cfg.Store)
	if err != nil {
		logg.Fatal("failed to open local store", zap.Error(err))
	}
	defer closeBackend()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := localstore.New(backend, cfg.Store.Prefix, nil, logg)
	api := apiclient.New(cfg.API.BaseURL, cfg.API.Token)
	monitor := connectivity.NewMonitor(api, cfg.Connectivity.ProbeInterval, logg)
	projection := clientsync.NewProjection(store)

	queue := clientsync.New(store, api, monitor, clientsync.Options{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		RetryDelay:     cfg.Queue.RetryDelay,
		RequestTimeout: cfg.Queue.OperationTimeout,
		Optimist:       projection,
	}, logg)
	queue.Init(ctx)

	a := &agent{
		role:       role,
		queue:      queue,
		monitor:    monitor,
		projection: projection,
		recovery: recovery.NewCoordinator(api, store, recovery.Options{
			Debounce: cfg.Recovery.Debounce,
			MaxAge:   cfg.Recovery.MaxAge,
		}, logg),
		log: logg,
	}
	monitor.OnReconnect(func() { a.reconnected(ctx) })
	go monitor.Run(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			logg.Warn("stdin read failed", zap.Error(err))
		}
	}()

	out := json.NewEncoder(os.Stdout)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if err := out.Encode(a.handleLine(ctx, line)); err != nil {
				logg.Warn("stdout write failed", zap.Error(err))
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logg.Warn("queue shutdown incomplete", zap.Error(err))
	}
	logg.Info("agent stopped", zap.Int("pending", queue.Status().QueueLength))
}

func openBackend(cfg config.StoreConfig) (localstore.Backend, func(), error) {
	switch {
	case cfg.RedisURL != "":
		b, err := localstore.OpenRedis(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil
	case cfg.Path != "":
		b, err := localstore.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil
	default:
		return localstore.NewMemoryBackend(), func() {}, nil
	}
}
