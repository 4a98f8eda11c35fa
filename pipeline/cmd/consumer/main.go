package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"lms-stream-aggregation-system/pipeline/internal/aggregate"
	"lms-stream-aggregation-system/pipeline/internal/aggstore"
	"lms-stream-aggregation-system/pipeline/internal/models"
	"lms-stream-aggregation-system/shared/cachex"
	"lms-stream-aggregation-system/shared/config"
	"lms-stream-aggregation-system/shared/events"
	"lms-stream-aggregation-system/shared/influxx"
	"lms-stream-aggregation-system/shared/logx"
	"lms-stream-aggregation-system/shared/metricsx"
	"lms-stream-aggregation-system/shared/mqx"
	"lms-stream-aggregation-system/shared/observability"
)

func main() {
	cfg, problems := config.Load("change-stream-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
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

	updater := aggregate.NewUpdater(store, cfg.ApplyRetryMax, time.Duration(cfg.ApplyTimeoutMS)*time.Millisecond)
	processor := aggregate.NewProcessor(updater, cfg.BatchFanout, logger.WithComponent("processor"))

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

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

	reader, err := mqx.NewConsumer(cfg, events.TopicEntityChanges, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "change stream consumer started",
		slog.String("topic", events.TopicEntityChanges),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", events.TopicEntityChanges),
		)
		result := handleBatch(spanCtx, processor, producer, influxClient, msg.Value, logger)
		span.End()

		if !result.OK() {
			// No commit: the uncommitted offset makes the broker redeliver
			// the batch, and dedup marks keep the replays idempotent.
			logger.Error(ctx, "batch_failed", "change batch failed, leaving offset uncommitted",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.Int("status_code", result.StatusCode),
				slog.String("body", result.Body),
			)
			continue
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "change stream consumer stopped")
}

func handleBatch(ctx context.Context, processor *aggregate.Processor, producer *mqx.Producer, influxClient *influxx.Client, payload []byte, logger logx.Logger) models.BatchResult {
	var batch events.ChangeBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		// A batch that cannot be decoded will never decode on redelivery
		// either: acknowledge it and let the log line be the record.
		logger.Error(ctx, "batch_decode_failed", "dropping undecodable batch",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
		)
		return models.BatchResult{StatusCode: 200, Body: "Successfully processed change stream events"}
	}

	result := processor.ProcessBatch(ctx, batch)

	for _, applied := range result.Applied {
		if applied.Deduplicated {
			continue
		}
		notification, _ := json.Marshal(map[string]any{
			"subject":       applied.Key.Subject,
			"discriminator": applied.Key.Discriminator,
			"kind":          applied.Kind,
			"event_id":      applied.EventID,
			"new_count":     applied.NewCount,
			"new_average":   applied.NewAverage,
		})
		if err := producer.Publish(ctx, events.TopicAggregateUpdates, []byte(applied.Key.String()), notification, map[string]string{
			"batch_id": batch.BatchID,
		}); err != nil {
			logger.Warn(ctx, "notify_failed", "aggregate update notification failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("key", applied.Key.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if influxClient != nil {
		if err := influxClient.WritePoint(ctx, "change_batch", map[string]string{
			"source": batch.Source,
		}, map[string]any{
			"events_total":    result.EventsTotal,
			"intents_total":   result.IntentsTotal,
			"intents_applied": result.IntentsApplied,
			"intents_skipped": result.IntentsSkipped,
			"failures":        len(result.Failures),
		}, time.Now().UTC()); err != nil {
			metricsx.IncInfluxWriteFailure()
		}
	}

	return result
}
