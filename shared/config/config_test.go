package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	cfg, _ := Load("aggregation-test", 8080)
	if cfg.AggregateTable != "aggregates" {
		t.Fatalf("expected default aggregate table, got %q", cfg.AggregateTable)
	}
	if cfg.ApplyRetryMax != 4 {
		t.Fatalf("expected default apply retry max 4, got %d", cfg.ApplyRetryMax)
	}
	if cfg.BatchFanout != 4 {
		t.Fatalf("expected default batch fanout 4, got %d", cfg.BatchFanout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("AGGREGATE_TABLE", "course_stats")
	t.Setenv("DEDUP_TTL_SECONDS", "120")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	cfg, _ := Load("aggregation-test", 8080)
	if cfg.AggregateTable != "course_stats" {
		t.Fatalf("expected course_stats, got %q", cfg.AggregateTable)
	}
	if cfg.DedupTTLSec != 120 {
		t.Fatalf("expected dedup ttl 120, got %d", cfg.DedupTTLSec)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %#v", cfg.KafkaBrokers)
	}
}

func TestLoadRejectsBadInt(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("APPLY_RETRY_MAX", "lots")
	_, problems := Load("aggregation-test", 8080)
	found := false
	for _, p := range problems {
		if p.Field == "APPLY_RETRY_MAX" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a problem for APPLY_RETRY_MAX, got %#v", problems)
	}
}
