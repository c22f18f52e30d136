package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evolvingprimate/algorhythmic/internal/app"
	"github.com/evolvingprimate/algorhythmic/internal/breaker"
	"github.com/evolvingprimate/algorhythmic/internal/core/config"
	"github.com/evolvingprimate/algorhythmic/internal/core/model"
	"github.com/evolvingprimate/algorhythmic/internal/credit"
	"github.com/evolvingprimate/algorhythmic/internal/fallback"
	"github.com/evolvingprimate/algorhythmic/internal/generation"
	"github.com/evolvingprimate/algorhythmic/internal/idempotency"
	"github.com/evolvingprimate/algorhythmic/internal/jobqueue/kafkaqueue"
	"github.com/evolvingprimate/algorhythmic/internal/logger"
	"github.com/evolvingprimate/algorhythmic/internal/poolmon"
	"github.com/evolvingprimate/algorhythmic/internal/pregen"
	"github.com/evolvingprimate/algorhythmic/internal/queuectl"
	"github.com/evolvingprimate/algorhythmic/internal/servedcache"
	"github.com/evolvingprimate/algorhythmic/internal/storage/redisstore"
	"github.com/evolvingprimate/algorhythmic/internal/telemetry"
	"github.com/evolvingprimate/algorhythmic/internal/worker"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "admissiond",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting admission engine",
		"addr", cfg.Addr,
		"version", Version,
		"redis", cfg.RedisAddr,
		"kafka", cfg.Kafka.Brokers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := redisstore.New(ctx, cfg.RedisAddr, appLog)
	if err != nil {
		appLog.Error("redis store init failed", "err", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	queue, err := kafkaqueue.New(kafkaqueue.Config{
		Brokers:             strings.Split(cfg.Kafka.Brokers, ","),
		Topic:               cfg.Kafka.JobTopic,
		MaxConcurrentPreGen: cfg.Kafka.MaxConcurrentPreGen,
		JobTTL:              2 * cfg.Breaker.TimeoutMax,
	}, appLog)
	if err != nil {
		appLog.Error("kafka job queue init failed", "err", err)
		return 1
	}
	defer func() { _ = queue.Close() }()

	tel := telemetry.NewLog(zl)

	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		CooldownMax:      cfg.Breaker.CooldownMax,
		TimeoutMin:       cfg.Breaker.TimeoutMin,
		TimeoutMax:       cfg.Breaker.TimeoutMax,
		LatencyWindow:    cfg.Breaker.LatencyWindow,
	})
	rec := breaker.NewRecoveryManager(br, cfg.Pool.BatchMax, appLog)
	qctl := queuectl.New(br, rec)

	var creditCtl pregen.CreditController
	if cfg.Credit.Enabled {
		creditCtl = credit.New(cfg.Credit.CostPerGeneration, cfg.Credit.HourlySpendCap)
	}

	mgr := pregen.NewManager(cfg.PreGen, br, queue, creditCtl, tel, appLog)
	mon := poolmon.New(cfg.Pool, store, br, mgr, tel, appLog)

	served := servedcache.New(cfg.Cache.ServedCap, cfg.Cache.ServedTTL)
	resolver := fallback.NewResolver(store, served, tel, appLog)
	idem := idempotency.New(cfg.Cache.IdempotencyCap, cfg.Cache.IdempotencyTTL)

	go mon.Run(ctx)
	go rec.StartMonitoring(ctx)
	go idem.StartSweeper(ctx, cfg.Cache.SweepInterval)
	go qctl.Run(ctx, cfg.Pool.MonitorInterval, func() model.QueueMetrics {
		stats := queue.Metrics()
		return model.QueueMetrics{
			QueueSize:  stats.ActiveJobs,
			TargetSize: cfg.Queue.TargetSize,
			MinSize:    cfg.Queue.MinSize,
			MaxSize:    cfg.Queue.MaxSize,
		}
	})

	if cfg.Worker.Enabled {
		backend := generation.NewHTTPBackend(cfg.Worker.BackendURL)
		runner := generation.NewRunner(backend, br, rec, appLog)
		wk := worker.New(worker.Config{
			Brokers: strings.Split(cfg.Kafka.Brokers, ","),
			Topic:   cfg.Kafka.JobTopic,
			GroupID: cfg.Worker.GroupID,
		}, runner, store, queue.JobDone, tel, appLog)
		if err := wk.Start(ctx); err != nil {
			appLog.Error("generation worker start failed", "err", err)
			return 1
		}
		defer wk.Stop()
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics, appLog)
	}

	srv := app.NewServer(cfg, appLog, store, br, qctl, mgr, mon, resolver, idem)
	if err := srv.Run(ctx); err != nil {
		appLog.Error("server exited", "err", err)
		return 1
	}
	appLog.Info("shutdown complete")
	return 0
}

func serveMetrics(ctx context.Context, cfg config.MetricsCfg, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics listen", "addr", cfg.Addr, "path", cfg.Path)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server exited", "err", err)
	}
}
