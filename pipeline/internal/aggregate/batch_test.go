package aggregate

import (
	"context"
	"testing"
	"time"

	"lms-stream-aggregation-system/pipeline/internal/models"
	"lms-stream-aggregation-system/shared/events"
	"lms-stream-aggregation-system/shared/logx"
)

func testProcessor(store Store) *Processor {
	u := NewUpdater(store, 2, time.Second)
	return NewProcessor(u, 4, logx.New("test", "test", "", "error"))
}

func insertRecord(eventID string, image map[string]any, pk string) events.ChangeRecord {
	return events.ChangeRecord{
		EventID:      eventID,
		Operation:    "INSERT",
		PartitionKey: pk,
		NewImage:     image,
	}
}

func TestProcessBatchSuccess(t *testing.T) {
	store := newMemStore()
	p := testProcessor(store)

	batch := events.ChangeBatch{
		BatchID: "batch-1",
		Records: []events.ChangeRecord{
			insertRecord("evt-1", map[string]any{"entityType": "student"}, "course#math-101"),
			insertRecord("evt-2", map[string]any{"entityType": "student"}, "course#math-101"),
			insertRecord("evt-3", map[string]any{"entityType": "submission", "studentID": "alice", "grade": 90.0}, "course#math-101"),
			{EventID: "evt-4", Operation: "UPDATE", PartitionKey: "course#math-101", NewImage: map[string]any{"entityType": "student"}},
		},
	}

	result := p.ProcessBatch(context.Background(), batch)
	if !result.OK() {
		t.Fatalf("expected 200, got %d: %s", result.StatusCode, result.Body)
	}
	if result.EventsTotal != 4 {
		t.Fatalf("expected 4 events, got %d", result.EventsTotal)
	}
	if result.IntentsTotal != 3 || result.IntentsApplied != 3 {
		t.Fatalf("expected 3 intents applied, got total=%d applied=%d", result.IntentsTotal, result.IntentsApplied)
	}

	rec, _, _ := store.Get(context.Background(), courseKey)
	if rec.EnrollmentCount != 2 {
		t.Fatalf("expected enrollment count 2, got %d", rec.EnrollmentCount)
	}
	grades, _, _ := store.Get(context.Background(), studentKey)
	if grades.GradeAverage != 90 {
		t.Fatalf("expected average 90, got %v", grades.GradeAverage)
	}
}

func TestProcessBatchEmpty(t *testing.T) {
	p := testProcessor(newMemStore())
	result := p.ProcessBatch(context.Background(), events.ChangeBatch{BatchID: "batch-empty"})
	if !result.OK() {
		t.Fatalf("expected empty batch to succeed, got %d", result.StatusCode)
	}
	if result.EventsTotal != 0 || result.IntentsTotal != 0 {
		t.Fatalf("expected zero counts, got %+v", result)
	}
}

func TestProcessBatchPartialFailurePersistsSuccesses(t *testing.T) {
	store := newMemStore()
	p := testProcessor(store)

	// The grade path fails on version conflicts while the enrollment path
	// keeps working; the batch must finish and keep the counter writes.
	store.casConflicts = 100

	batch := events.ChangeBatch{
		BatchID: "batch-2",
		Records: []events.ChangeRecord{
			insertRecord("evt-1", map[string]any{"entityType": "student"}, "course#math-101"),
			insertRecord("evt-2", map[string]any{"entityType": "submission", "studentID": "alice", "grade": 75.0}, "course#math-101"),
			insertRecord("evt-3", map[string]any{"entityType": "student"}, "course#math-101"),
		},
	}

	result := p.ProcessBatch(context.Background(), batch)
	if result.OK() {
		t.Fatalf("expected 500 for partially failed batch")
	}
	if len(result.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(result.Failures))
	}
	if result.Failures[0].EventID != "evt-2" {
		t.Fatalf("expected evt-2 to fail, got %q", result.Failures[0].EventID)
	}
	if result.IntentsApplied != 2 {
		t.Fatalf("expected 2 applied despite failure, got %d", result.IntentsApplied)
	}

	rec, _, _ := store.Get(context.Background(), courseKey)
	if rec.EnrollmentCount != 2 {
		t.Fatalf("successful updates must persist: expected count 2, got %d", rec.EnrollmentCount)
	}
}

type panicStore struct {
	*memStore
}

func (s *panicStore) IncrementCount(ctx context.Context, key models.AggregateKey, delta int64, now time.Time) (int64, error) {
	panic("store exploded")
}

func TestProcessBatchRecoversPanic(t *testing.T) {
	p := testProcessor(&panicStore{memStore: newMemStore()})

	batch := events.ChangeBatch{
		BatchID: "batch-3",
		Records: []events.ChangeRecord{
			insertRecord("evt-1", map[string]any{"entityType": "student"}, "course#math-101"),
		},
	}

	result := p.ProcessBatch(context.Background(), batch)
	if result.OK() {
		t.Fatalf("expected 500 after store panic")
	}
	if len(result.Failures) != 1 {
		t.Fatalf("expected panic to surface as a failure, got %d", len(result.Failures))
	}
}

func TestProcessBatchRedeliveryIsIdempotent(t *testing.T) {
	store := newMemStore()
	p := testProcessor(store)

	batch := events.ChangeBatch{
		BatchID: "batch-4",
		Records: []events.ChangeRecord{
			insertRecord("evt-1", map[string]any{"entityType": "student"}, "course#math-101"),
			insertRecord("evt-2", map[string]any{"entityType": "submission", "studentID": "alice", "grade": 88.0}, "course#math-101"),
		},
	}

	first := p.ProcessBatch(context.Background(), batch)
	if !first.OK() {
		t.Fatalf("first delivery failed: %d", first.StatusCode)
	}
	second := p.ProcessBatch(context.Background(), batch)
	if !second.OK() {
		t.Fatalf("redelivery failed: %d", second.StatusCode)
	}
	if second.IntentsSkipped != 2 || second.IntentsApplied != 0 {
		t.Fatalf("expected full dedup on redelivery, got skipped=%d applied=%d", second.IntentsSkipped, second.IntentsApplied)
	}

	rec, _, _ := store.Get(context.Background(), courseKey)
	if rec.EnrollmentCount != 1 {
		t.Fatalf("redelivery mutated the store: count %d", rec.EnrollmentCount)
	}
	grades, _, _ := store.Get(context.Background(), studentKey)
	if grades.GradeCount != 1 {
		t.Fatalf("redelivery mutated grades: count %d", grades.GradeCount)
	}
}
