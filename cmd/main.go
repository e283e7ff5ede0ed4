package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/application"
	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/events"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/ledger"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/repository/memory"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/repository/postgres"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/repository/redis"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/rest"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/scheduler"
	biddingws "github.com/cristianortiz/biddingEngine/internal/bidding/infra/websocket"
	"github.com/cristianortiz/biddingEngine/internal/shared/clock"
	"github.com/cristianortiz/biddingEngine/internal/shared/config"
	"github.com/cristianortiz/biddingEngine/internal/shared/db"
	"github.com/cristianortiz/biddingEngine/internal/shared/db/migrations"
	"github.com/cristianortiz/biddingEngine/internal/shared/httpserver"
	"github.com/cristianortiz/biddingEngine/internal/shared/logger"
	"github.com/cristianortiz/biddingEngine/internal/shared/websocket"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 10 * time.Second
	redisKeyPrefix  = "bidding"
)

func main() {
	logger := logger.GetLogger()
	defer logger.Sync()

	logger.Info("Starting biddingEngine server...")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	logger.Info("Configuration loaded",
		zap.String("app_env", cfg.AppEnv),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_driver", cfg.StoreDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Item store setup failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	var l domain.Ledger
	if cfg.LedgerURL != "" {
		l = ledger.NewHTTPClient(cfg.LedgerURL, cfg.LedgerTimeout)
		logger.Info("Using HTTP ledger", zap.String("url", cfg.LedgerURL))
	} else {
		l = ledger.NewMemory()
		logger.Warn("LEDGER_URL not set, using the in-memory ledger")
	}

	dispatcher := events.NewDispatcher(cfg.EventBuffer)
	if cfg.NatsURL != "" {
		conn, err := events.ConnectNats(cfg.NatsURL)
		if err != nil {
			logger.Fatal("NATS setup failed", zap.Error(err))
		}
		defer conn.Drain()
		sink, err := events.NewNatsSink(ctx, conn, cfg.NatsSubjectPrefix, cfg.NatsStream)
		if err != nil {
			logger.Fatal("NATS sink setup failed", zap.Error(err))
		}
		dispatcher.Attach(sink)
	}

	uc := application.NewUseCases(store, l, dispatcher, clock.Real(),
		application.BidOptions{MaxAttempts: cfg.BidMaxAttempts, LedgerTimeout: cfg.LedgerTimeout},
		application.LifecycleOptions{SweepConcurrency: cfg.SweepConcurrency, SettlementGrace: cfg.SettlementGrace})
	service := application.NewBiddingService(store, uc)

	hub := websocket.NewHub()
	wsHandler := biddingws.NewBiddingWSHandler(service, hub)
	dispatcher.Attach(biddingws.NewHubSink(hub, service))

	go dispatcher.Run()
	go hub.Run(ctx)
	go wsHandler.ListenForMessages(ctx)
	go scheduler.New(uc.Lifecycle, cfg.SweepInterval, cfg.SettlementRetryInterval).Run(ctx)

	server := httpserver.NewServer(rest.ErrorHandler)
	rest.NewItemHandler(service).RegisterRoutes(server.App().Group("/api"))
	server.App().Get("/ws/items/:id", wsHandler.Upgrade, wsHandler.Serve(ctx))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", zap.Error(err))
		}
	}()

	if err := server.Start(cfg.HTTPAddr); err != nil {
		logger.Fatal("HTTP server failed", zap.Error(err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := dispatcher.Close(closeCtx); err != nil {
		logger.Warn("Event backlog not fully delivered", zap.Int64("dropped", dispatcher.Dropped()), zap.Error(err))
	}
	logger.Info("biddingEngine stopped")
}

// openStore builds the item store selected by STORE_DRIVER, the returned func releases it.
func openStore(ctx context.Context, cfg *config.Config) (domain.ItemStore, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return memory.NewItemStore(), func() {}, nil

	case config.StorePostgres:
		log := logger.GetLogger()
		log.Info("Running database migrations...")
		if err := migrations.RunMigrations(cfg.DB.MigrationsPath, cfg.DB.DSN()); err != nil {
			return nil, nil, fmt.Errorf("database migration failed: %w", err)
		}
		log.Info("Database migrations completed successfully.")
		pool, err := db.GetPostgresDBPool(ctx, cfg.DB)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewItemStore(pool), pool.Close, nil

	case config.StoreRedis:
		rdb, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return redis.NewItemStore(rdb, redisKeyPrefix), func() { _ = rdb.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
