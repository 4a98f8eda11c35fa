package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lms-stream-aggregation-system/pipeline/internal/aggregate"
	"lms-stream-aggregation-system/pipeline/internal/aggstore"
	"lms-stream-aggregation-system/pipeline/internal/middleware"
	"lms-stream-aggregation-system/pipeline/internal/models"
	"lms-stream-aggregation-system/shared/authx"
	"lms-stream-aggregation-system/shared/cachex"
	"lms-stream-aggregation-system/shared/config"
	"lms-stream-aggregation-system/shared/events"
	"lms-stream-aggregation-system/shared/httpx"
	"lms-stream-aggregation-system/shared/logx"
	"lms-stream-aggregation-system/shared/metricsx"
	"lms-stream-aggregation-system/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type batchResponse struct {
	StatusCode     int                   `json:"status_code"`
	Body           string                `json:"body"`
	EventsTotal    int                   `json:"events_total"`
	IntentsTotal   int                   `json:"intents_total"`
	IntentsApplied int                   `json:"intents_applied"`
	IntentsSkipped int                   `json:"intents_skipped"`
	Failures       []models.ApplyFailure `json:"failures,omitempty"`
}

type aggregateResponse struct {
	Subject         string    `json:"subject"`
	Discriminator   string    `json:"discriminator"`
	Kind            string    `json:"kind"`
	EnrollmentCount int64     `json:"enrollment_count"`
	GradeCount      int64     `json:"grade_count"`
	GradeAverage    float64   `json:"grade_average"`
	Version         int64     `json:"version"`
	LastUpdated     time.Time `json:"last_updated"`
}

func main() {
	cfg, readyProblems := config.Load("aggregation-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.RedisAddr == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
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

	var cacheClient *cachex.Client
	if cfg.RedisAddr != "" {
		var err error
		cacheClient, err = cachex.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "failed to connect to redis"})
			logger.Error(context.Background(), "redis_init_failed", "redis init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	var processor *aggregate.Processor
	var store aggregate.Store
	if cacheClient != nil {
		s, err := aggstore.NewRedisStore(cacheClient.Client(), cfg.AggregateTable, time.Duration(cfg.DedupTTLSec)*time.Second)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "AGGREGATE_TABLE", Message: "failed to initialize aggregate store"})
		} else {
			store = s
			updater := aggregate.NewUpdater(s, cfg.ApplyRetryMax, time.Duration(cfg.ApplyTimeoutMS)*time.Millisecond)
			processor = aggregate.NewProcessor(updater, cfg.BatchFanout, logger.WithComponent("processor"))
		}
	}

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		var err error
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := cacheClient.Ping(r.Context()); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: redis unavailable",
				map[string]any{"problem": "redis_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})

	mux.HandleFunc("POST /v1/change-batches", func(w http.ResponseWriter, r *http.Request) {
		if processor == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "aggregate store unavailable", nil)
			return
		}
		var batch events.ChangeBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid change batch payload", nil)
			return
		}
		result := processor.ProcessBatch(r.Context(), batch)
		httpx.WriteJSON(w, result.StatusCode, batchResponse{
			StatusCode:     result.StatusCode,
			Body:           result.Body,
			EventsTotal:    result.EventsTotal,
			IntentsTotal:   result.IntentsTotal,
			IntentsApplied: result.IntentsApplied,
			IntentsSkipped: result.IntentsSkipped,
			Failures:       result.Failures,
		})
	})

	mux.HandleFunc("GET /v1/aggregates/{subject}/{discriminator}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "aggregate store unavailable", nil)
			return
		}
		key := models.AggregateKey{
			Subject:       r.PathValue("subject"),
			Discriminator: r.PathValue("discriminator"),
		}
		rec, found, err := store.Get(r.Context(), key)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read aggregate", nil)
			return
		}
		if !found {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "aggregate not found", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, aggregateResponse{
			Subject:         rec.Key.Subject,
			Discriminator:   rec.Key.Discriminator,
			Kind:            rec.Kind,
			EnrollmentCount: rec.EnrollmentCount,
			GradeCount:      rec.GradeCount,
			GradeAverage:    rec.GradeAverage,
			Version:         rec.Version,
			LastUpdated:     rec.LastUpdated,
		})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipAuth := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	if verifier != nil {
		handler = middleware.AuthMiddleware{Verifier: verifier, Skip: skipAuth}.Wrap(handler)
	}
	handler = metricsx.Instrument(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, "http.server")
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if cacheClient != nil {
		_ = cacheClient.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
