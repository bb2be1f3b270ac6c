package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"recordable/server/internal/auth"
	"recordable/server/internal/broadcast"
	configpkg "recordable/server/internal/config"
	scoregrpc "recordable/server/internal/grpc"
	httpapi "recordable/server/internal/http"
	"recordable/server/internal/logging"
	"recordable/server/internal/score"
	"recordable/server/internal/simulation"
	"recordable/server/internal/storage"
	"recordable/server/internal/telemetry"
	"recordable/server/internal/volume"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepDelay      = 5 * time.Second
	tokenLeeway     = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "recordable: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := configpkg.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("configure telemetry: %w", err)
	}

	//1.- Open the configured backend and trace every call that reaches it.
	backend, closeStore, cleaner, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	store := storage.Instrument(backend, otel.Tracer("recordable/storage"))
	profiles := volume.NewCache(store, volume.WithLogger(logger))

	var keyring *auth.Keyring
	hubOpts := broadcast.HubOptions{
		Logger:         logger,
		PingInterval:   cfg.PingInterval,
		MaxClients:     cfg.MaxClients,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	if cfg.WSAuthSecret != "" {
		if keyring, err = auth.NewKeyring(cfg.WSAuthSecret, tokenLeeway); err != nil {
			return fmt.Errorf("configure listener tokens: %w", err)
		}
		hubOpts.Authenticator = broadcast.TokenAuthenticator{Keyring: keyring}
	} else {
		logger.Warn("volume stream authentication disabled")
	}
	hub := broadcast.NewHub(hubOpts)

	server, err := NewServer(ServerOptions{
		Logger: logger,
		Store:  store,
		Limits: score.Limits{
			MaxTicks:         cfg.Limits.MaxTicks,
			MaxSoundsPerTick: cfg.Limits.MaxSoundsPerTick,
			MaxRecordBytes:   cfg.Limits.MaxRecordBytes,
		},
		Profiles:  profiles,
		Publisher: hub,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	//2.- The loop keeps ticking past the signal so in-flight requests can still drain.
	monitor := simulation.NewTickMonitor(time.Duration(float64(time.Second) / cfg.TickRateHz))
	loop := simulation.NewLoop(cfg.TickRateHz, server.Step, monitor)
	loop.Start(context.Background())

	if cleaner != nil {
		go cleaner.Run(ctx, cfg.Retention.SweepInterval)
	}

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:         logger,
		Recordings:     server,
		Broadcasts:     server,
		Playbacks:      server,
		Store:          store,
		Profiles:       profiles,
		Stream:         hub,
		Keyring:        keyring,
		TokenTTL:       cfg.WSTokenTTL,
		AdminToken:     cfg.AdminToken,
		RateLimiter:    httpapi.NewSlidingWindowLimiter(cfg.StopWindow, cfg.StopBurst, nil),
		AllowedOrigins: cfg.AllowedOrigins,
		Ready: func() error {
			if ctx.Err() != nil {
				return errors.New("shutting down")
			}
			return nil
		},
		Metrics: func() httpapi.Metrics {
			stats := server.Stats()
			return httpapi.Metrics{
				Uptime:       server.Uptime(),
				Tick:         stats.Tick,
				Recorders:    stats.Recorders,
				Recording:    stats.Recording,
				Broadcasts:   stats.Broadcasts,
				Playbacks:    stats.Playbacks,
				Entities:     stats.Entities,
				Hub:          hub.Stats(),
				Storage:      store.Counters(),
				Profiles:     profiles.Stats(),
				TickTiming:   monitor.Snapshot(),
				TickBudget:   monitor.Budget(),
				TicksDropped: loop.Dropped(),
			}
		},
	})
	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           handlers.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer, healthServer, err := newGRPCServer(cfg, scoregrpc.NewService(store, profiles, scoregrpc.WithStreamRate(cfg.TickRateHz)), logger)
	if err != nil {
		return fmt.Errorf("create grpc server: %w", err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening",
			logging.String("url", listenerURL("http", cfg.Address, "")),
			logging.String("stream", listenerURL("ws", cfg.Address, "/ws/volumes")),
			logging.String("store", cfg.Store.Backend),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc server listening", logging.String("url", listenerURL("grpc", cfg.GRPCAddress, "")))
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
		logger.Error("server failed", logging.Error(runErr))
	}

	//3.- Stop accepting work first, then halt the loop and release what it owned.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	healthServer.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	grpcServer.GracefulStop()
	loop.Stop()
	if discarded := server.Close(); discarded > 0 {
		logger.Info("discarded unfinished recordings", logging.Int("count", discarded))
	}
	hub.Close()
	if closeStore != nil {
		if err := closeStore(); err != nil {
			logger.Warn("close store", logging.Error(err))
		}
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", logging.Error(err))
	}
	logger.Info("server stopped", logging.Duration("uptime", server.Uptime()))
	return runErr
}

// openStore opens the configured backend. The returned close function and cleaner are nil
// when the backend has nothing to release or prune.
func openStore(cfg *configpkg.Config, logger *logging.Logger) (storage.Store, func() error, *storage.Cleaner, error) {
	switch cfg.Store.Backend {
	case "file":
		store, err := storage.OpenFileStore(cfg.Store.Path, storage.FileOptions{
			Retention:  storage.RetentionPolicy{MaxScores: cfg.Retention.MaxScores, MaxAge: cfg.Retention.MaxAge},
			SweepDelay: sweepDelay,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return store, store.Close, store.Cleaner(), nil
	case "sqlite":
		store, err := storage.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, store.Close, nil, nil
	case "dynamodb":
		client, err := storage.NewDynamoClient(cfg.Store.DynamoRegion, cfg.Store.DynamoEndpoint)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create dynamodb client: %w", err)
		}
		store, err := storage.NewDynamoStore(client, cfg.Store.DynamoTable)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open dynamodb store: %w", err)
		}
		return store, nil, nil, nil
	default:
		return storage.NewMemoryStore(), nil, nil, nil
	}
}
