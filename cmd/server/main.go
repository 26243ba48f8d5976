package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/memecraft/backend/internal/api"
	"github.com/manpreetbhatti/memecraft/backend/internal/collab"
	"github.com/manpreetbhatti/memecraft/backend/internal/config"
	"github.com/manpreetbhatti/memecraft/backend/internal/db"
	"github.com/manpreetbhatti/memecraft/backend/internal/logging"
	"github.com/manpreetbhatti/memecraft/backend/internal/metrics"
	"github.com/manpreetbhatti/memecraft/backend/internal/ratelimit"
	"github.com/manpreetbhatti/memecraft/backend/internal/relay"
	"github.com/manpreetbhatti/memecraft/backend/internal/sweep"
	"github.com/manpreetbhatti/memecraft/backend/internal/ws"
)

func main() {
	configFile := flag.String("config", "", "path to config file (default: ./config.yaml if present)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, "memecraft:", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	service := collab.New(logger, m, collab.WithCommentStore(database))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}

		r := relay.New(client, service.Rooms, logger, m, relay.WithPrefix(cfg.Redis.Prefix))
		service.Rooms.SetFanout(r)
		g.Go(func() error { return r.Run(ctx) })
	}

	hub := ws.NewHub(service, logger)
	g.Go(func() error { return hub.Run(ctx) })

	sweeper := sweep.New(service.Registry, sweep.Config{Interval: cfg.Sweep.Interval}, logger, m)
	sweeper.Start()
	defer sweeper.Stop()

	upgrades := ratelimit.NewClientLimiters(cfg.RateLimit.UpgradesPerSecond, cfg.RateLimit.UpgradeBurst, cfg.RateLimit.IdleTTL)
	defer upgrades.Stop()

	wsServer := ws.NewServer(hub, ws.Config{
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		SendBuffer:        cfg.WebSocket.SendBuffer,
		MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
		MessageBurst:      cfg.RateLimit.MessageBurst,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, upgrades, logger)

	router := api.New(service, database, reg, logger).Router()
	router.Handle("/ws", wsServer)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: corsHandler.Handler(router),
	}

	g.Go(func() error {
		logger.Info("memecraft collaboration server starting",
			slog.String("addr", cfg.Server.Address),
			slog.String("db", cfg.Database.Path),
			slog.Bool("relay", cfg.Redis.URL != ""))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
