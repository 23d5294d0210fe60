package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/podushkina/taskrunner/internal/api"
	"github.com/podushkina/taskrunner/internal/config"
	"github.com/podushkina/taskrunner/internal/handlers"
	"github.com/podushkina/taskrunner/internal/lifecycle"
	"github.com/podushkina/taskrunner/internal/logging"
	"github.com/podushkina/taskrunner/internal/metrics"
	"github.com/podushkina/taskrunner/internal/queue"
	"github.com/podushkina/taskrunner/internal/store"
	"github.com/podushkina/taskrunner/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "taskrunner: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.AppName, cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	logging.SetGlobal(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := store.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	log.Info("connected to redis", zap.Strings("addrs", cfg.RedisAddrs()), zap.String("mode", cfg.Redis.Mode))

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(cfg.AppName)
	}

	registry := handlers.Default()
	markers := store.NewMarkers(client)
	results := store.NewResults(client, cfg.ResultTTL())
	q := queue.New(client, cfg.WorkerID)
	policy := cfg.Retry()

	var pool *worker.Pool
	if cfg.Role == config.RoleAll || cfg.Role == config.RoleWorker {
		pool = worker.NewPool(q, registry, results, markers, policy, worker.Options{
			Count:           cfg.WorkerCount,
			PromoteInterval: cfg.PromoteInterval(),
			Logger:          log,
			Metrics:         m,
		})
		pool.Start(ctx)
	}

	var server *http.Server
	if cfg.Role == config.RoleAll || cfg.Role == config.RoleAPI {
		manager, err := lifecycle.NewManager(markers, results, q, registry, lifecycle.Options{
			MarkerTTL:    policy.InFlightWindow(),
			DefaultKind:  handlers.KindSample,
			DefaultShots: cfg.Task.DefaultShots,
			Logger:       log,
			Metrics:      m,
		})
		if err != nil {
			return fmt.Errorf("init lifecycle manager: %w", err)
		}

		var metricsHandler http.Handler
		if m != nil {
			metricsHandler = m.Handler()
		}
		router := api.NewRouter(api.NewHandler(manager, q), log, metricsHandler)

		server = &http.Server{
			Addr:         cfg.ServerAddr(),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			log.Info("server starting", zap.String("addr", server.Addr), zap.Duration("marker_ttl", policy.InFlightWindow()))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("server error", zap.Error(err))
				cancel()
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("shutdown signal received")
	case <-ctx.Done():
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", zap.Error(err))
		}
	}

	cancel()
	if pool != nil {
		pool.Stop()
	}
	log.Info("server stopped")
	return nil
}
