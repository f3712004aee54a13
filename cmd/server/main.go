package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DoyleJ11/bms-backend/internal/auth"
	"github.com/DoyleJ11/bms-backend/internal/config"
	"github.com/DoyleJ11/bms-backend/internal/events"
	"github.com/DoyleJ11/bms-backend/internal/game"
	"github.com/DoyleJ11/bms-backend/internal/host"
	"github.com/DoyleJ11/bms-backend/internal/httpapi"
	"github.com/DoyleJ11/bms-backend/internal/logging"
	"github.com/DoyleJ11/bms-backend/internal/mappick"
	"github.com/DoyleJ11/bms-backend/internal/model"
	"github.com/DoyleJ11/bms-backend/internal/notify"
	"github.com/DoyleJ11/bms-backend/internal/queue"
	"github.com/DoyleJ11/bms-backend/internal/relay"
	"github.com/DoyleJ11/bms-backend/internal/store"
	"github.com/DoyleJ11/bms-backend/internal/store/gormstore"
	"github.com/DoyleJ11/bms-backend/internal/store/memstore"
	"github.com/DoyleJ11/bms-backend/internal/ws"
	"github.com/DoyleJ11/bms-backend/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// rankedQueueID is the queue every ranked player joins.
const rankedQueueID = 1

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Dev)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := ensureQueue(ctx, st); err != nil {
		return err
	}

	bus := events.NewBus(logger)
	reg := ws.NewRegistry(logger)

	var (
		pub notify.Publisher
		rly *relay.Redis
	)
	if cfg.RedisURL != "" {
		rly, err = relay.NewFromURL(cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer rly.Close()
		if err := rly.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		pub = rly
	}
	notifier := notify.NewBroadcaster(reg, pub, logger)

	gateway := host.NewGateway(reg, logger,
		host.WithCallTimeout(cfg.Host.CallTimeout),
		host.WithServerID(cfg.Host.ServerID))

	sessions := auth.NewSessions(st)
	ws.NewProtocol(reg, sessions, cfg.HostSecret, logger).Register(bus)
	games := game.NewService(st, gateway, notifier, logger)
	games.Register(bus)
	defer games.Close()

	maps := mappick.New(st, bus, notifier, cfg.MapPick.Pool, logger)
	queues := queue.New(st, bus, maps, notifier, queue.Config{
		Capacity:       cfg.Queue.Capacity,
		ConfirmTimeout: cfg.Queue.ConfirmTimeout,
		MapCount:       cfg.Queue.MapCount,
	}, logger)
	defer queues.Close()

	handler := httpapi.SetupRoutes(httpapi.Deps{
		Queues:   queues,
		Matches:  maps,
		Sessions: sessions,
		Status: func() httpapi.Status {
			return httpapi.Status{
				Connections:      reg.Len(),
				HostConnected:    reg.Host() != nil,
				PendingHostCalls: gateway.Pending(),
			}
		},
		WS: ws.Handler(reg, bus, logger, ws.HandlerConfig{
			OriginPatterns: cfg.Websocket.OriginPatterns,
			SendBuffer:     cfg.Websocket.SendBuffer,
		}),
		Log: logger,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(ctx) })
	if rly != nil {
		g.Go(func() error {
			return rly.Run(ctx, func(evt types.OutboundEvent) { reg.Broadcast(evt) })
		})
	}
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, state is kept in memory")
		return memstore.New(), func() {}, nil
	}
	db, err := gormstore.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, func() { db.Close() }, nil
}

func ensureQueue(ctx context.Context, st store.Store) error {
	_, err := st.GetQueue(ctx, rankedQueueID)
	if errors.Is(err, store.ErrNotFound) {
		return st.CreateQueue(ctx, &model.Queue{ID: rankedQueueID, Type: model.QueueRanked})
	}
	return err
}
