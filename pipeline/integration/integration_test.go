//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"lms-stream-aggregation-system/pipeline/internal/aggregate"
	"lms-stream-aggregation-system/pipeline/internal/aggstore"
	"lms-stream-aggregation-system/pipeline/internal/models"
)

func TestDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			t.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			t.Fatalf("db ping failed: %v", err)
		}
	} else {
		t.Skip("DATABASE_URL not set")
	}

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	_ = conn.Close()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	_ = redisClient.Close()

	influxURL := os.Getenv("INFLUX_URL")
	if influxURL == "" {
		t.Skip("INFLUX_URL not set")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, influxURL+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("influx health failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.Fatalf("influx health status: %d", resp.StatusCode)
	}

	asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR")
	if asynqRedis == "" {
		t.Skip("ASYNQ_REDIS_ADDR not set")
	}
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
	defer inspector.Close()
	_, err = inspector.GetQueueInfo("default")
	if err != nil {
		t.Fatalf("asynq inspector failed: %v", err)
	}

	if _, err := net.DialTimeout("tcp", strings.TrimSpace(brokers[0]), 2*time.Second); err != nil {
		t.Fatalf("kafka tcp check failed: %v", err)
	}
}

func TestRedisAggregateStore(t *testing.T) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()

	table := fmt.Sprintf("aggregates-it-%d", time.Now().UnixNano())
	store, err := aggstore.NewRedisStore(client, table, time.Minute)
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}

	key := models.AggregateKey{Subject: "course#it-101", Discriminator: models.DiscriminatorCourseStats}
	defer client.Del(ctx, table+":"+key.Subject+":"+key.Discriminator)

	count, err := store.IncrementCount(ctx, key, 1, time.Now().UTC())
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
	count, err = store.IncrementCount(ctx, key, 1, time.Now().UTC())
	if err != nil {
		t.Fatalf("second increment failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}

	rec, found, err := store.Get(ctx, key)
	if err != nil || !found {
		t.Fatalf("get failed: found=%v err=%v", found, err)
	}
	if rec.EnrollmentCount != 2 || rec.Version != 2 {
		t.Fatalf("unexpected record count=%d version=%d", rec.EnrollmentCount, rec.Version)
	}

	// Stale version must be rejected.
	rec.GradeSum = 100
	rec.GradeCount = 1
	rec.GradeAverage = 100
	rec.LastUpdated = time.Now().UTC()
	if err := store.CompareAndPut(ctx, rec, rec.Version-1); !errors.Is(err, aggregate.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if err := store.CompareAndPut(ctx, rec, rec.Version); err != nil {
		t.Fatalf("compare-and-put failed: %v", err)
	}

	eventID := fmt.Sprintf("it-evt-%d", time.Now().UnixNano())
	defer client.Del(ctx, table+":applied:"+eventID)
	fresh, err := store.MarkApplied(ctx, eventID)
	if err != nil || !fresh {
		t.Fatalf("mark applied: fresh=%v err=%v", fresh, err)
	}
	fresh, err = store.MarkApplied(ctx, eventID)
	if err != nil || fresh {
		t.Fatalf("expected duplicate mark to report not fresh: fresh=%v err=%v", fresh, err)
	}
	if err := store.ClearApplied(ctx, eventID); err != nil {
		t.Fatalf("clear applied: %v", err)
	}
	fresh, err = store.MarkApplied(ctx, eventID)
	if err != nil || !fresh {
		t.Fatalf("expected mark after clear to be fresh: fresh=%v err=%v", fresh, err)
	}
}
