package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/relaylab/project-relay/internal/api/feed"
	corecfg "github.com/relaylab/project-relay/internal/core/config"
	"github.com/relaylab/project-relay/internal/core/storage/postgres"
	"github.com/relaylab/project-relay/internal/dispatch"
	"github.com/relaylab/project-relay/internal/migrations"
	"github.com/relaylab/project-relay/internal/queue"
	"github.com/relaylab/project-relay/internal/server"
	"github.com/relaylab/project-relay/internal/subscribers/checklist"
	"github.com/relaylab/project-relay/internal/subscribers/geofence"
	"github.com/relaylab/project-relay/internal/subscribers/grouping"
	"github.com/relaylab/project-relay/internal/subscribers/notification"
	"github.com/relaylab/project-relay/internal/subscribers/routersync"
	"github.com/relaylab/project-relay/internal/subscribers/webhook"
	"github.com/relaylab/project-relay/internal/tracking"
)

func main() {
	configPath := flag.String("config", "relay.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "server", cfg.Server.Addr(), "mode", cfg.Server.Mode)

	// 2. Run Database Migrations
	// NewStore refuses to start against an unmigrated schema, so migrations
	// run on their own connection first.
	if err := migrate(cfg); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// 3. Initialize Storage (PostgreSQL)
	store, err := postgres.NewStore(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 4. Initialize Queue (Redis)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	redisQueue := queue.NewRedisQueue(redisClient, cfg.Redis.Queue)

	// 5. Initialize Tracking (diff capture -> event log -> queue)
	tracker := tracking.NewTracker(store, cfg.Rules, redisQueue)

	// 6. Initialize Subscribers
	reg := dispatch.NewRegistry()
	reg.Register(dispatch.ChannelPostProcessing, grouping.NewSubscriber(store, tracker))
	reg.Register(dispatch.ChannelPostProcessing, geofence.NewSubscriber(store))

	var sweeper *routersync.Sweeper
	if cfg.RouterSync.BaseURL != "" {
		router := routersync.NewHTTPClient(cfg.RouterSync.BaseURL, nil)
		reg.Register(dispatch.ChannelPostProcessing, routersync.NewSubscriber(store, router))

		interval, _ := cfg.RouterSync.SweepIntervalDuration()
		sweeper = routersync.NewSweeper(store, router, interval, cfg.RouterSync.SweepLimit)
	}
	reg.Register(dispatch.ChannelPostProcessing, checklist.NewSubscriber(store))

	var pusher notification.Pusher = notification.LogPusher{}
	if cfg.Notification.PushGatewayURL != "" {
		pusher = notification.NewHTTPPusher(cfg.Notification.PushGatewayURL, nil)
	}
	coalescer := notification.NewCoalescer(pusher, cfg.Notification.CoalesceWindowDuration())
	reg.Register(dispatch.ChannelCorrelatedOps, notification.NewSubscriber(store, pusher, coalescer))
	reg.Register(dispatch.ChannelCorrelatedOps, webhook.NewSubscriber(store, nil, cfg.Webhook.FailureThreshold))

	dispatcher := dispatch.NewDispatcher(store, reg)
	worker := queue.NewWorker(redisQueue, dispatcher.HandleJob)

	// 7. Initialize Server
	srv := server.New(cfg.Server.Addr(), cfg.Server.Mode)
	srv.AddHealthCheck("database", store.DB())
	srv.AddHealthCheck("redis", redisPinger{client: redisClient})
	feed.NewHandler(store).Register(srv.Engine)

	// 8. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runBackground(ctx, "Queue worker", worker.Run)
	if sweeper != nil {
		go runBackground(ctx, "Sweeper", sweeper.Start)
	}

	// Signal handler -> triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	// Deliver anything still sitting in the coalescing window.
	coalescer.Flush()

	slog.Info("Shutdown complete")
}

// migrate opens a throwaway connection for schema migrations.
func migrate(cfg *corecfg.Config) error {
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	return migrations.RunMigrations(db, cfg.Database.AutoMigrate)
}

func runBackground(ctx context.Context, name string, run func(context.Context) error) {
	if err := run(ctx); err != nil && err != context.Canceled {
		slog.Error(name+" stopped with error", "error", err)
	}
}

// redisPinger adapts the redis client to the health-check interface.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
