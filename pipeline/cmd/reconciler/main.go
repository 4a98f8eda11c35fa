package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"lms-stream-aggregation-system/pipeline/internal/aggstore"
	"lms-stream-aggregation-system/pipeline/internal/reconcile"
	"lms-stream-aggregation-system/pipeline/internal/repos"
	"lms-stream-aggregation-system/shared/cachex"
	"lms-stream-aggregation-system/shared/config"
	"lms-stream-aggregation-system/shared/dbx"
	"lms-stream-aggregation-system/shared/influxx"
	"lms-stream-aggregation-system/shared/logx"
	"lms-stream-aggregation-system/shared/metricsx"
	"lms-stream-aggregation-system/shared/observability"
)

const (
	taskReconcileScan    = "reconcile.scan"
	taskReconcileStudent = "reconcile.student"
)

type studentPayload struct {
	StudentID string `json:"student_id"`
}

func main() {
	cfg, problems := config.Load("aggregate-reconciler", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	metricsx.Register()

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	cacheClient, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer cacheClient.Close()

	store, err := aggstore.NewRedisStore(cacheClient.Client(), cfg.AggregateTable, time.Duration(cfg.DedupTTLSec)*time.Second)
	if err != nil {
		logger.Error(context.Background(), "store_init_failed", "aggregate store init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var influxClient *influxx.Client
	if cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != "" {
		influxClient, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}
	if influxClient != nil {
		defer influxClient.Close()
	}

	reconciler := reconcile.New(
		repos.NewSubmissionsRepo(dbPool),
		repos.NewSnapshotsRepo(dbPool),
		store,
		cacheClient.Client(),
		influxClient,
		time.Duration(cfg.ReconcileLockTTLSec)*time.Second,
		cfg.ApplyRetryMax,
		logger.WithComponent("reconciler"),
	)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
		RetryDelayFunc: func(n int, e error, t *asynq.Task) time.Duration {
			return retryDelay(n)
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskReconcileScan, func(ctx context.Context, t *asynq.Task) error {
		students, err := reconciler.Subjects(ctx, time.Duration(cfg.ReconcileLookbackSec)*time.Second, cfg.ReconcileBatchSize)
		if err != nil {
			return err
		}
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		for _, studentID := range students {
			payload, _ := json.Marshal(studentPayload{StudentID: studentID})
			task := asynq.NewTask(taskReconcileStudent, payload, asynq.Queue(cfg.AsynqQueue))
			if _, err := client.Enqueue(task); err != nil {
				logger.Error(ctx, "enqueue_failed", "failed to enqueue student reconcile",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("student_id", studentID),
					slog.String("error", err.Error()),
				)
			}
		}
		return nil
	})
	mux.HandleFunc(taskReconcileStudent, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "reconcile.student")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()
		var payload studentPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return err
		}
		studentID := strings.TrimSpace(payload.StudentID)
		if studentID == "" {
			return errors.New("missing student_id")
		}
		outcome, err := reconciler.ReconcileStudent(ctx, studentID)
		if err != nil {
			return err
		}
		if outcome == reconcile.OutcomeLocked {
			// Another worker holds the subject; asynq retries later.
			return errors.New("subject locked, retry later")
		}
		return nil
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.ReconcileScanSec)+"s", asynq.NewTask(taskReconcileScan, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "reconciler started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Int("scan_interval_sec", cfg.ReconcileScanSec),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "reconciler stopped")
}

func retryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
