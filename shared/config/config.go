package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	AggregateTable string
	ApplyRetryMax  int
	ApplyTimeoutMS int
	DedupTTLSec    int
	BatchFanout    int

	ReconcileScanSec     int
	ReconcileBatchSize   int
	ReconcileLookbackSec int
	ReconcileLockTTLSec  int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:              envRaw,
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		ConfigPath:       strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS: 30000,

		OIDCIssuer:      strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:    strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:     strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:  300,
		JWTClockSkewSec: 60,

		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,

		KafkaRetryMax: 5,
		KafkaWriteMS:  5000,

		AsynqQueue:       "default",
		AsynqConcurrency: 10,

		AggregateTable: "aggregates",
		ApplyRetryMax:  4,
		ApplyTimeoutMS: 3000,
		DedupTTLSec:    86400,
		BatchFanout:    4,

		ReconcileScanSec:     60,
		ReconcileBatchSize:   100,
		ReconcileLookbackSec: 900,
		ReconcileLockTTLSec:  30,

		InfluxTimeoutMS: 5000,

		OtelEnabled:     false,
		OtelInsecure:    true,
		OtelSampleRatio: 1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	// Issuer without an explicit JWKS URL defaults to the well-known path.
	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.JWKSTTLSeconds <= 0 {
		problems = append(problems, Problem{Field: "JWKS_CACHE_TTL_SECONDS", Message: "JWKS_CACHE_TTL_SECONDS must be > 0"})
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if strings.TrimSpace(cfg.AggregateTable) == "" {
		problems = append(problems, Problem{Field: "AGGREGATE_TABLE", Message: "AGGREGATE_TABLE must not be empty"})
		cfg.AggregateTable = "aggregates"
	}
	if cfg.ApplyRetryMax < 0 {
		problems = append(problems, Problem{Field: "APPLY_RETRY_MAX", Message: "APPLY_RETRY_MAX must be >= 0"})
		cfg.ApplyRetryMax = 4
	}
	if cfg.ApplyTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "APPLY_TIMEOUT_MS", Message: "APPLY_TIMEOUT_MS must be > 0"})
		cfg.ApplyTimeoutMS = 3000
	}
	if cfg.DedupTTLSec <= 0 {
		problems = append(problems, Problem{Field: "DEDUP_TTL_SECONDS", Message: "DEDUP_TTL_SECONDS must be > 0"})
		cfg.DedupTTLSec = 86400
	}
	if cfg.BatchFanout <= 0 {
		problems = append(problems, Problem{Field: "BATCH_FANOUT", Message: "BATCH_FANOUT must be > 0"})
		cfg.BatchFanout = 4
	}
	if cfg.ReconcileScanSec <= 0 {
		problems = append(problems, Problem{Field: "RECONCILE_SCAN_INTERVAL_SECONDS", Message: "RECONCILE_SCAN_INTERVAL_SECONDS must be > 0"})
		cfg.ReconcileScanSec = 60
	}
	if cfg.ReconcileBatchSize <= 0 {
		problems = append(problems, Problem{Field: "RECONCILE_BATCH_SIZE", Message: "RECONCILE_BATCH_SIZE must be > 0"})
		cfg.ReconcileBatchSize = 100
	}
	if cfg.ReconcileLookbackSec <= 0 {
		problems = append(problems, Problem{Field: "RECONCILE_LOOKBACK_SECONDS", Message: "RECONCILE_LOOKBACK_SECONDS must be > 0"})
		cfg.ReconcileLookbackSec = 900
	}
	if cfg.ReconcileLockTTLSec <= 0 {
		problems = append(problems, Problem{Field: "RECONCILE_LOCK_TTL_SECONDS", Message: "RECONCILE_LOCK_TTL_SECONDS must be > 0"})
		cfg.ReconcileLockTTLSec = 30
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}

	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	applyEnvInt(problems, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)

	if v := strings.TrimSpace(os.Getenv("OIDC_ISSUER")); v != "" {
		cfg.OIDCIssuer = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")); v != "" {
		cfg.OIDCAudience = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")); v != "" {
		cfg.OIDCJWKSURL = v
	}
	applyEnvInt(problems, "JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds)
	applyEnvInt(problems, "JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec)

	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	applyEnvInt(problems, "DB_MAX_CONNS", &cfg.DBMaxConns)
	applyEnvInt(problems, "DB_MIN_CONNS", &cfg.DBMinConns)
	applyEnvInt(problems, "DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec)
	applyEnvInt(problems, "DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec)

	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")); v != "" {
		cfg.KafkaClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_CONSUMER_GROUP")); v != "" {
		cfg.KafkaGroupID = v
	}
	applyEnvInt(problems, "KAFKA_RETRY_MAX", &cfg.KafkaRetryMax)
	applyEnvInt(problems, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS)

	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	applyEnvInt(problems, "REDIS_DB", &cfg.RedisDB)

	if v := strings.TrimSpace(os.Getenv("ASYNQ_REDIS_ADDR")); v != "" {
		cfg.AsynqRedisAddr = v
	}
	if v := os.Getenv("ASYNQ_REDIS_PASSWORD"); v != "" {
		cfg.AsynqRedisPass = v
	}
	applyEnvInt(problems, "ASYNQ_REDIS_DB", &cfg.AsynqRedisDB)
	if v := strings.TrimSpace(os.Getenv("ASYNQ_QUEUE")); v != "" {
		cfg.AsynqQueue = v
	}
	applyEnvInt(problems, "ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency)

	if v := strings.TrimSpace(os.Getenv("AGGREGATE_TABLE")); v != "" {
		cfg.AggregateTable = v
	}
	applyEnvInt(problems, "APPLY_RETRY_MAX", &cfg.ApplyRetryMax)
	applyEnvInt(problems, "APPLY_TIMEOUT_MS", &cfg.ApplyTimeoutMS)
	applyEnvInt(problems, "DEDUP_TTL_SECONDS", &cfg.DedupTTLSec)
	applyEnvInt(problems, "BATCH_FANOUT", &cfg.BatchFanout)

	applyEnvInt(problems, "RECONCILE_SCAN_INTERVAL_SECONDS", &cfg.ReconcileScanSec)
	applyEnvInt(problems, "RECONCILE_BATCH_SIZE", &cfg.ReconcileBatchSize)
	applyEnvInt(problems, "RECONCILE_LOOKBACK_SECONDS", &cfg.ReconcileLookbackSec)
	applyEnvInt(problems, "RECONCILE_LOCK_TTL_SECONDS", &cfg.ReconcileLockTTLSec)

	if v := strings.TrimSpace(os.Getenv("INFLUX_URL")); v != "" {
		cfg.InfluxURL = v
	}
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		cfg.InfluxToken = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_ORG")); v != "" {
		cfg.InfluxOrg = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_BUCKET")); v != "" {
		cfg.InfluxBucket = v
	}
	applyEnvInt(problems, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS)

	if v := strings.TrimSpace(os.Getenv("OTEL_ENABLED")); v != "" {
		if b, ok := asBool(v); ok {
			cfg.OtelEnabled = b
		} else {
			*problems = append(*problems, Problem{Field: "OTEL_ENABLED", Message: "OTEL_ENABLED must be a boolean"})
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.OtelEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		if b, ok := asBool(v); ok {
			cfg.OtelInsecure = b
		} else {
			*problems = append(*problems, Problem{Field: "OTEL_EXPORTER_OTLP_INSECURE", Message: "OTEL_EXPORTER_OTLP_INSECURE must be a boolean"})
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SAMPLE_RATIO")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err != nil {
			*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be a number"})
		} else {
			cfg.OtelSampleRatio = f
		}
	}
}

func applyEnvInt(problems *[]Problem, field string, dst *int) {
	v := strings.TrimSpace(os.Getenv(field))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be an integer"})
		return
	}
	*dst = n
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "ENV":
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
		case "SERVICE_NAME":
			applyMapString(&cfg.ServiceName, v)
		case "HTTP_PORT":
			p, ok := asInt(v)
			if !ok || p <= 0 || p > 65535 {
				*problems = append(*problems, Problem{Field: key, Message: "HTTP_PORT must be 1-65535"})
			} else {
				cfg.HTTPPort = p
			}
		case "LOG_LEVEL":
			applyMapString(&cfg.LogLevel, v)
		case "REQUEST_TIMEOUT_MS":
			applyMapInt(problems, key, &cfg.RequestTimeoutMS, v)
		case "OIDC_ISSUER":
			applyMapString(&cfg.OIDCIssuer, v)
		case "OIDC_AUDIENCE":
			applyMapString(&cfg.OIDCAudience, v)
		case "OIDC_JWKS_URL":
			applyMapString(&cfg.OIDCJWKSURL, v)
		case "JWKS_CACHE_TTL_SECONDS":
			applyMapInt(problems, key, &cfg.JWKSTTLSeconds, v)
		case "JWT_CLOCK_SKEW_SECONDS":
			applyMapInt(problems, key, &cfg.JWTClockSkewSec, v)
		case "DATABASE_URL":
			applyMapString(&cfg.DatabaseURL, v)
		case "DB_MAX_CONNS":
			applyMapInt(problems, key, &cfg.DBMaxConns, v)
		case "DB_MIN_CONNS":
			applyMapInt(problems, key, &cfg.DBMinConns, v)
		case "DB_CONN_MAX_IDLE_SECONDS":
			applyMapInt(problems, key, &cfg.DBConnMaxIdleSec, v)
		case "DB_CONN_MAX_LIFETIME_SECONDS":
			applyMapInt(problems, key, &cfg.DBConnMaxLifeSec, v)
		case "KAFKA_BROKERS":
			if s, ok := v.(string); ok {
				cfg.KafkaBrokers = parseCSV(s)
			} else if arr, ok := v.([]any); ok {
				cfg.KafkaBrokers = parseAnyCSV(arr)
			}
		case "KAFKA_CLIENT_ID":
			applyMapString(&cfg.KafkaClientID, v)
		case "KAFKA_CONSUMER_GROUP":
			applyMapString(&cfg.KafkaGroupID, v)
		case "KAFKA_RETRY_MAX":
			applyMapInt(problems, key, &cfg.KafkaRetryMax, v)
		case "KAFKA_WRITE_TIMEOUT_MS":
			applyMapInt(problems, key, &cfg.KafkaWriteMS, v)
		case "REDIS_ADDR":
			applyMapString(&cfg.RedisAddr, v)
		case "REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.RedisPassword = s
			}
		case "REDIS_DB":
			applyMapInt(problems, key, &cfg.RedisDB, v)
		case "ASYNQ_REDIS_ADDR":
			applyMapString(&cfg.AsynqRedisAddr, v)
		case "ASYNQ_REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.AsynqRedisPass = s
			}
		case "ASYNQ_REDIS_DB":
			applyMapInt(problems, key, &cfg.AsynqRedisDB, v)
		case "ASYNQ_QUEUE":
			applyMapString(&cfg.AsynqQueue, v)
		case "ASYNQ_CONCURRENCY":
			applyMapInt(problems, key, &cfg.AsynqConcurrency, v)
		case "AGGREGATE_TABLE":
			applyMapString(&cfg.AggregateTable, v)
		case "APPLY_RETRY_MAX":
			applyMapInt(problems, key, &cfg.ApplyRetryMax, v)
		case "APPLY_TIMEOUT_MS":
			applyMapInt(problems, key, &cfg.ApplyTimeoutMS, v)
		case "DEDUP_TTL_SECONDS":
			applyMapInt(problems, key, &cfg.DedupTTLSec, v)
		case "BATCH_FANOUT":
			applyMapInt(problems, key, &cfg.BatchFanout, v)
		case "RECONCILE_SCAN_INTERVAL_SECONDS":
			applyMapInt(problems, key, &cfg.ReconcileScanSec, v)
		case "RECONCILE_BATCH_SIZE":
			applyMapInt(problems, key, &cfg.ReconcileBatchSize, v)
		case "RECONCILE_LOOKBACK_SECONDS":
			applyMapInt(problems, key, &cfg.ReconcileLookbackSec, v)
		case "RECONCILE_LOCK_TTL_SECONDS":
			applyMapInt(problems, key, &cfg.ReconcileLockTTLSec, v)
		case "INFLUX_URL":
			applyMapString(&cfg.InfluxURL, v)
		case "INFLUX_TOKEN":
			if s, ok := v.(string); ok {
				cfg.InfluxToken = s
			}
		case "INFLUX_ORG":
			applyMapString(&cfg.InfluxOrg, v)
		case "INFLUX_BUCKET":
			applyMapString(&cfg.InfluxBucket, v)
		case "INFLUX_TIMEOUT_MS":
			applyMapInt(problems, key, &cfg.InfluxTimeoutMS, v)
		case "OTEL_ENABLED":
			applyMapBool(problems, key, &cfg.OtelEnabled, v)
		case "OTEL_EXPORTER_OTLP_ENDPOINT":
			applyMapString(&cfg.OtelEndpoint, v)
		case "OTEL_EXPORTER_OTLP_INSECURE":
			applyMapBool(problems, key, &cfg.OtelInsecure, v)
		case "OTEL_SAMPLE_RATIO":
			if f, ok := asFloat(v); ok {
				cfg.OtelSampleRatio = f
			} else {
				*problems = append(*problems, Problem{Field: key, Message: "OTEL_SAMPLE_RATIO must be a number"})
			}
		}
	}
}

func applyMapString(dst *string, v any) {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		*dst = strings.TrimSpace(s)
	}
}

func applyMapInt(problems *[]Problem, field string, dst *int, v any) {
	n, ok := asInt(v)
	if !ok {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be an integer"})
		return
	}
	*dst = n
}

func applyMapBool(problems *[]Problem, field string, dst *bool, v any) {
	switch t := v.(type) {
	case bool:
		*dst = t
	case string:
		if b, ok := asBool(t); ok {
			*dst = b
		} else {
			*problems = append(*problems, Problem{Field: field, Message: field + " must be a boolean"})
		}
	default:
		*problems = append(*problems, Problem{Field: field, Message: field + " must be a boolean"})
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
