package aggstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"lms-stream-aggregation-system/pipeline/internal/aggregate"
	"lms-stream-aggregation-system/pipeline/internal/models"
)

// Aggregate records live in Redis hashes keyed <table>:<subject>:<disc>.
// Both mutation paths run as Lua so each is a single atomic step on the
// server: counters never lose increments under concurrent writers, and
// versioned puts reject any write whose expected version is stale.

// incrementScript bumps the counter and the version together and stamps the
// record metadata. Returns the new counter value.
const incrementScript = `
local count = redis.call("hincrby", KEYS[1], "enrollment_count", ARGV[1])
redis.call("hincrby", KEYS[1], "version", 1)
redis.call("hset", KEYS[1], "kind", ARGV[2], "last_updated", ARGV[3])
return count
`

// casScript writes the full record only when the stored version matches the
// expected one. A missing hash counts as version 0.
const casScript = `
local v = redis.call("hget", KEYS[1], "version")
if v == false then v = "0" end
if v ~= ARGV[1] then
	return 0
end
redis.call("hset", KEYS[1],
	"kind", ARGV[2],
	"grade_sum", ARGV[3],
	"grade_count", ARGV[4],
	"grade_average", ARGV[5],
	"version", ARGV[6],
	"last_updated", ARGV[7])
return 1
`

type RedisStore struct {
	client   *redis.Client
	table    string
	dedupTTL time.Duration
}

func NewRedisStore(client *redis.Client, table string, dedupTTL time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client not initialized")
	}
	if table == "" {
		return nil, errors.New("aggregate table name is required")
	}
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	return &RedisStore{client: client, table: table, dedupTTL: dedupTTL}, nil
}

func (s *RedisStore) recordKey(key models.AggregateKey) string {
	return s.table + ":" + key.Subject + ":" + key.Discriminator
}

func (s *RedisStore) dedupKey(eventID string) string {
	return s.table + ":applied:" + eventID
}

func (s *RedisStore) Get(ctx context.Context, key models.AggregateKey) (models.AggregateRecord, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return models.AggregateRecord{}, false, fmt.Errorf("get aggregate %s: %w", key, err)
	}
	if len(fields) == 0 {
		return models.AggregateRecord{}, false, nil
	}

	rec := models.AggregateRecord{Key: key, Kind: fields["kind"]}
	rec.EnrollmentCount = parseInt(fields["enrollment_count"])
	rec.GradeSum = parseFloat(fields["grade_sum"])
	rec.GradeCount = parseInt(fields["grade_count"])
	rec.GradeAverage = parseFloat(fields["grade_average"])
	rec.Version = parseInt(fields["version"])
	if raw := fields["last_updated"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rec.LastUpdated = t
		}
	}
	return rec, true, nil
}

func (s *RedisStore) IncrementCount(ctx context.Context, key models.AggregateKey, delta int64, now time.Time) (int64, error) {
	res, err := s.client.Eval(ctx, incrementScript,
		[]string{s.recordKey(key)},
		delta, models.IntentKindEnrollment, now.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment aggregate %s: %w", key, err)
	}
	return res, nil
}

func (s *RedisStore) CompareAndPut(ctx context.Context, rec models.AggregateRecord, expectedVersion int64) error {
	res, err := s.client.Eval(ctx, casScript,
		[]string{s.recordKey(rec.Key)},
		expectedVersion,
		rec.Kind,
		formatFloat(rec.GradeSum),
		rec.GradeCount,
		formatFloat(rec.GradeAverage),
		expectedVersion+1,
		rec.LastUpdated.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return fmt.Errorf("put aggregate %s: %w", rec.Key, err)
	}
	if res == 0 {
		return aggregate.ErrVersionConflict
	}
	return nil
}

func (s *RedisStore) MarkApplied(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.dedupKey(eventID), "1", s.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark event %s applied: %w", eventID, err)
	}
	return ok, nil
}

func (s *RedisStore) ClearApplied(ctx context.Context, eventID string) error {
	return s.client.Del(ctx, s.dedupKey(eventID)).Err()
}

func parseInt(raw string) int64 {
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}

func parseFloat(raw string) float64 {
	f, _ := strconv.ParseFloat(raw, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
