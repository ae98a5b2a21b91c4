package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"

	"github.com/punchamoorthee/pointsledger/internal/analytics"
	"github.com/punchamoorthee/pointsledger/internal/api"
	"github.com/punchamoorthee/pointsledger/internal/audit"
	"github.com/punchamoorthee/pointsledger/internal/config"
	"github.com/punchamoorthee/pointsledger/internal/events"
	"github.com/punchamoorthee/pointsledger/internal/level"
	"github.com/punchamoorthee/pointsledger/internal/listeners"
	"github.com/punchamoorthee/pointsledger/internal/queue"
	"github.com/punchamoorthee/pointsledger/internal/rules"
	"github.com/punchamoorthee/pointsledger/internal/service"
	"github.com/punchamoorthee/pointsledger/internal/store"
	"github.com/punchamoorthee/pointsledger/internal/telemetry"
)

// backend is satisfied by both the Postgres and the in-memory store.
type backend interface {
	service.Ledger
	service.BalanceStore
	audit.Sink
	api.Pinger
	Close()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := log.NewFilter(
		log.With(log.NewStdLogger(os.Stdout),
			"ts", log.DefaultTimestamp,
			"caller", log.DefaultCaller,
			"service", cfg.ServiceName,
			"env", cfg.Env,
		),
		log.FilterLevel(log.ParseLevel(cfg.LogLevel)),
	)
	helper := log.NewHelper(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.Env, cfg.OTELEndpoint)
	if err != nil {
		helper.Fatalf("Unable to set up tracing: %v", err)
	}

	db, err := openBackend(ctx, cfg)
	if err != nil {
		helper.Fatalf("Unable to open storage: %v", err)
	}
	defer db.Close()

	table, err := rules.Load(cfg.RulesFile)
	if err != nil {
		helper.Fatalf("Unable to load rules: %v", err)
	}
	levels := level.Default()
	if cfg.LevelThresholds != "" {
		thresholds, err := level.ParseThresholds(cfg.LevelThresholds)
		if err != nil {
			helper.Fatalf("Invalid LEVEL_THRESHOLDS: %v", err)
		}
		if levels, err = level.NewEvaluator(thresholds); err != nil {
			helper.Fatalf("Invalid LEVEL_THRESHOLDS: %v", err)
		}
	}

	// Event fan-out
	dispatcher := events.NewDispatcher(logger)
	var (
		dedup events.Deduper = events.NewMemoryDeduper()
		ls    []events.Listener
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			helper.Fatalf("Unable to reach redis: %v", err)
		}
		dedup = events.NewRedisDeduper(rdb)
		ls = append(ls, listeners.NewDerivedStats(rdb))
	} else {
		helper.Warn("REDIS_ADDR not set, derived stats and dedup are process-local")
		ls = append(ls, listeners.NewDerivedStats(listeners.NewMemoryStats()))
	}

	var analyticsSink analytics.Sink = analytics.NewLogSink(logger)
	var notifications listeners.Publisher = queue.NewLogPublisher(cfg.KafkaNotificationTopic, logger)
	if len(cfg.KafkaBrokers) > 0 {
		analyticsProducer := queue.NewProducer(queue.NewWriter(cfg.KafkaBrokers, cfg.KafkaAnalyticsTopic), cfg.KafkaAnalyticsTopic)
		defer analyticsProducer.Close()
		notificationProducer := queue.NewProducer(queue.NewWriter(cfg.KafkaBrokers, cfg.KafkaNotificationTopic), cfg.KafkaNotificationTopic)
		defer notificationProducer.Close()

		analyticsSink = analytics.NewKafkaSink(analyticsProducer)
		notifications = notificationProducer
	}
	ls = append(ls,
		listeners.NewAnalytics(analytics.NewBuilder(cfg.AnalyticsSalt), analyticsSink, logger),
		listeners.NewNotification(notifications),
	)
	listeners.Register(dispatcher, dedup, cfg.DedupTTL, ls...)

	engineCfg := service.DefaultConfig()
	engineCfg.Locking = service.LockingMode(cfg.BalanceLocking)
	engineCfg.MaxAttempts = cfg.BalanceMaxAttempts

	engine := service.NewPointsEngine(service.Deps{
		Rules:      table,
		Levels:     levels,
		Ledger:     db,
		Balances:   db,
		Dispatcher: dispatcher,
		Auditor:    audit.NewRecorder(db, cfg.AuditSalt, logger),
	}, engineCfg, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(api.NewHandler(engine, db, logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		helper.Infof("Server starting on :%s (storage=%s, rules=%s, locking=%s)", cfg.Port, cfg.Storage, table.Version(), cfg.BalanceLocking)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			helper.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	helper.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		helper.Errorf("HTTP shutdown: %v", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		helper.Errorf("Dispatcher drain: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		helper.Errorf("Tracing shutdown: %v", err)
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	if cfg.Storage == config.StorageMemory {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
