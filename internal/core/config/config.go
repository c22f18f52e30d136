// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type BreakerCfg struct {
	FailureThreshold int
	Cooldown         time.Duration
	CooldownMax      time.Duration
	TimeoutMin       time.Duration
	TimeoutMax       time.Duration
	LatencyWindow    int
}

type QueueCfg struct {
	MinSize    int
	MaxSize    int
	TargetSize int
	DepthCap   int
}

type PreGenCfg struct {
	Cooldown             time.Duration
	HourlyCap            int
	QueueDepthCap        int
	BatchMax             int
	TokenBucketMax       int
	TokenRefillPerMinute int
	SessionQuotaHourly   int
	StyleQuotaHourly     int
	GlobalQuotaHourly    int
	BackoffBase          time.Duration
	BackoffMaxMultiplier int
	RecentTimeoutWindow  time.Duration
	RecentTimeoutCap     int
	MinSuccessRate       float64
}

type PoolCfg struct {
	TargetSize        int
	MinSize           int
	BatchMax          int
	PreGenThreshold   float64
	CriticalThreshold float64
	MonitorInterval   time.Duration
	ConsumptionWindow time.Duration
	InactivityWindow  time.Duration
}

type CreditCfg struct {
	Enabled           bool
	CostPerGeneration float64
	HourlySpendCap    float64
}

type CacheCfg struct {
	ServedTTL      time.Duration
	ServedCap      int
	IdempotencyTTL time.Duration
	IdempotencyCap int
	SweepInterval  time.Duration
}

type KafkaCfg struct {
	Brokers             string
	JobTopic            string
	MaxConcurrentPreGen int
}

type MetricsCfg struct {
	Enabled bool
	Addr    string
	Path    string
}

type WorkerCfg struct {
	Enabled    bool
	BackendURL string
	GroupID    string
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	RedisAddr  string
	Kafka      KafkaCfg
	Metrics    MetricsCfg
	Worker     WorkerCfg
	Breaker    BreakerCfg
	Queue      QueueCfg
	PreGen     PreGenCfg
	Pool       PoolCfg
	Credit     CreditCfg
	Cache      CacheCfg
}

func FromEnv() Config {
	return Config{
		Addr:       getenv("ADDR", ":8080"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		RedisAddr:  getenv("REDIS_ADDR", "localhost:6379"),
		Kafka: KafkaCfg{
			Brokers:             getenv("KAFKA_BROKERS", "localhost:9092"),
			JobTopic:            getenv("KAFKA_JOB_TOPIC", "generation-jobs"),
			MaxConcurrentPreGen: getint("MAX_CONCURRENT_PREGEN", 2),
		},
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", false),
			Addr:    getenv("METRICS_ADDR", ":9090"),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},
		Worker: WorkerCfg{
			Enabled:    getbool("WORKER_ENABLED", false),
			BackendURL: getenv("GENERATION_URL", "http://localhost:8188/generate"),
			GroupID:    getenv("KAFKA_WORKER_GROUP_ID", "generation-worker"),
		},
		Breaker: BreakerCfg{
			FailureThreshold: getint("BREAKER_FAILURE_THRESHOLD", 3),
			Cooldown:         getduration("BREAKER_COOLDOWN", time.Minute),
			CooldownMax:      getduration("BREAKER_COOLDOWN_MAX", 10*time.Minute),
			TimeoutMin:       getduration("BREAKER_TIMEOUT_MIN", 45*time.Second),
			TimeoutMax:       getduration("BREAKER_TIMEOUT_MAX", 90*time.Second),
			LatencyWindow:    getint("BREAKER_LATENCY_WINDOW", 50),
		},
		Queue: QueueCfg{
			MinSize:    getint("QUEUE_MIN_SIZE", 3),
			MaxSize:    getint("QUEUE_MAX_SIZE", 10),
			TargetSize: getint("QUEUE_TARGET_SIZE", 5),
			DepthCap:   getint("MAX_QUEUE_DEPTH", 10),
		},
		PreGen: PreGenCfg{
			Cooldown:             getduration("PREGEN_COOLDOWN", time.Minute),
			HourlyCap:            getint("PREGEN_HOURLY_CAP", 30),
			QueueDepthCap:        getint("MAX_QUEUE_DEPTH", 10),
			BatchMax:             getint("PREGEN_BATCH_MAX", 5),
			TokenBucketMax:       getint("TOKEN_BUCKET_MAX", 10),
			TokenRefillPerMinute: getint("TOKEN_REFILL_PER_MINUTE", 1),
			SessionQuotaHourly:   getint("SESSION_QUOTA_HOURLY", 10),
			StyleQuotaHourly:     getint("STYLE_QUOTA_HOURLY", 15),
			GlobalQuotaHourly:    getint("GLOBAL_QUOTA_HOURLY", 60),
			BackoffBase:          getduration("BACKOFF_BASE", time.Minute),
			BackoffMaxMultiplier: getint("BACKOFF_MAX_MULTIPLIER", 8),
			RecentTimeoutWindow:  getduration("RECENT_TIMEOUT_WINDOW", 10*time.Minute),
			RecentTimeoutCap:     getint("RECENT_TIMEOUT_CAP", 3),
			MinSuccessRate:       getfloat("PREGEN_MIN_SUCCESS_RATE", 0.5),
		},
		Pool: PoolCfg{
			TargetSize:        getint("POOL_TARGET_SIZE", 10),
			MinSize:           getint("POOL_MIN_SIZE", 2),
			BatchMax:          getint("PREGEN_BATCH_MAX", 5),
			PreGenThreshold:   getfloat("PREGEN_COVERAGE_THRESHOLD", 0.85),
			CriticalThreshold: getfloat("CRITICAL_COVERAGE_THRESHOLD", 0.95),
			MonitorInterval:   getduration("MONITOR_INTERVAL", 30*time.Second),
			ConsumptionWindow: getduration("CONSUMPTION_WINDOW", 5*time.Minute),
			InactivityWindow:  getduration("SESSION_INACTIVITY", 10*time.Minute),
		},
		Credit: CreditCfg{
			Enabled:           getbool("CREDIT_ENABLED", false),
			CostPerGeneration: getfloat("COST_PER_GENERATION", 0.08),
			HourlySpendCap:    getfloat("HOURLY_SPEND_CAP", 2.40),
		},
		Cache: CacheCfg{
			ServedTTL:      getduration("SERVED_TTL", 30*time.Minute),
			ServedCap:      getint("SERVED_CAP", 1024),
			IdempotencyTTL: getduration("IDEMPOTENCY_TTL", 5*time.Minute),
			IdempotencyCap: getint("IDEMPOTENCY_CAP", 4096),
			SweepInterval:  getduration("IDEMPOTENCY_SWEEP_INTERVAL", time.Minute),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
