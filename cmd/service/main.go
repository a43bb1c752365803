package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sync-service/internal/activity"
	"sync-service/internal/api"
	"sync-service/internal/collab"
	"sync-service/internal/config"
	"sync-service/internal/conflict"
	"sync-service/internal/domain"
	"sync-service/internal/lock"
	"sync-service/internal/membership"
	"sync-service/internal/notify"
	"sync-service/internal/permission"
	"sync-service/internal/presence"
	"sync-service/internal/realtime"
	"sync-service/internal/remote"
	"sync-service/internal/syncer"
)

// backend is the authoritative store: entities plus the collection mirror.
type backend interface {
	remote.Store
	membership.Remote
	LoadCollections(ctx context.Context) ([]domain.SharedCollection, error)
	ListParticipants(ctx context.Context, collectionID string) ([]domain.Member, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("sync-service: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	var (
		store backend
		sink  *activity.PostgresSink
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		defer pool.Close()
		if err := remote.AutoMigrate(ctx, pool); err != nil {
			logger.Fatal("postgres migrate", zap.Error(err))
		}
		store = remote.NewPostgresStore(pool, rdb, logger)
		sink = activity.NewPostgresSink(pool)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		store = remote.NewMemoryStore(nil)
	}

	bus := notify.NewBus()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	feedOpts := activity.Options{Capacity: cfg.ActivityCap, Bus: bus, Logger: logger}
	if sink != nil {
		feedOpts.Sink = sink
	}
	feed := activity.New(feedOpts)

	members := membership.NewStore(membership.Options{
		Remote:    store,
		Feed:      feed,
		Bus:       bus,
		Logger:    logger,
		InviteTTL: cfg.InviteTTL,
	})

	tracker := presence.NewTracker(presence.Options{TTL: cfg.PresenceTTL, Bus: bus, Logger: logger})

	var lockStore lock.Store = lock.NewMemoryStore(nil)
	if rdb != nil {
		lockStore = lock.NewRedisStore(rdb)
	}
	locks := lock.NewManager(lock.Options{Store: lockStore, Auth: members, TTL: cfg.LockTTL, Bus: bus, Logger: logger})

	engine := syncer.NewEngine(syncer.Options{
		Store:       store,
		Conflicts:   conflict.NewEngine(cfg.ConflictPolicy, logger, nil),
		Bus:         bus,
		Logger:      logger,
		Metrics:     syncer.NewMetrics(reg),
		Delays:      cfg.SyncDelays,
		BatchSize:   cfg.SyncBatchSize,
		Parallelism: cfg.SyncParallelism,
		CallTimeout: cfg.CallTimeout,
		Interval:    cfg.SyncInterval,
	})

	svc := collab.NewService(collab.Options{
		Members:  members,
		Presence: tracker,
		Locks:    locks,
		Sync:     engine,
		Bus:      bus,
		Logger:   logger,
	})

	collections, err := hydrate(ctx, store, members, feed, sink)
	if err != nil {
		logger.Fatal("load collections", zap.Error(err))
	}

	hub := realtime.NewHub(realtime.Options{
		Authorize: func(collectionID, userID string) error {
			return members.Authorize(collectionID, userID, permission.View)
		},
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        logger,
	})
	go hub.Run(ctx)
	hub.Bridge(ctx, bus)

	tracker.StartSweeper(ctx, cfg.SweepInterval)
	if rdb != nil {
		relay := presence.NewRedisRelay(rdb, tracker, cfg.DeviceID, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("presence relay stopped", zap.Error(err))
			}
		}()
	}

	for _, id := range collections {
		engine.Track(id)
		go func(id string) {
			if err := engine.Watch(ctx, id); err != nil {
				logger.Warn("watch stopped", zap.String("collection", id), zap.Error(err))
			}
		}(id)
	}
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sync engine stopped", zap.Error(err))
		}
	}()

	srv := api.NewServer(api.Options{
		Service:       svc,
		Members:       members,
		Sync:          engine,
		Hub:           hub,
		Secret:        cfg.JWTSecret,
		Gatherer:      reg,
		AllowedOrigin: cfg.CORSOrigin,
		RateLimitRPS:  cfg.RateLimitRPS,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		Logger:        logger,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}()

	logger.Info("sync-service listening", zap.String("port", cfg.Port), zap.String("policy", string(cfg.ConflictPolicy)))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server", zap.Error(err))
	}

	// Last attempt to push queued edits before exiting.
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
	defer cancel()
	if err := engine.Flush(flushCtx); err != nil {
		logger.Warn("final flush", zap.Error(err))
	}
}

// hydrate loads collections, members and recent activity from the
// authoritative store and returns the collection ids.
func hydrate(ctx context.Context, store backend, members *membership.Store, feed *activity.Feed, sink *activity.PostgresSink) ([]string, error) {
	colls, err := store.LoadCollections(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(colls))
	for _, c := range colls {
		parts, err := store.ListParticipants(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		members.Hydrate(c, parts)
		if sink != nil {
			events, err := sink.Load(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			feed.Restore(c.ID, events)
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("sync-service: logger: %v", err)
	}
	return logger
}
