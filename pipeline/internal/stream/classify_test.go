package stream

import (
	"testing"

	"lms-stream-aggregation-system/pipeline/internal/models"
	"lms-stream-aggregation-system/shared/events"
)

func TestClassifyIgnoresNonInsert(t *testing.T) {
	for _, op := range []string{"UPDATE", "MODIFY", "DELETE", "REMOVE", "garbage", ""} {
		rec := events.ChangeRecord{
			EventID:      "evt-1",
			Operation:    op,
			PartitionKey: "course#math-101",
			NewImage:     map[string]any{"entityType": "student"},
		}
		if intents := Classify(rec); len(intents) != 0 {
			t.Fatalf("operation %q: expected no intents, got %d", op, len(intents))
		}
	}
}

func TestClassifyEnrollment(t *testing.T) {
	rec := events.ChangeRecord{
		EventID:      "evt-2",
		Operation:    "INSERT",
		PartitionKey: "course#math-101",
		SortKey:      "student#alice",
		NewImage:     map[string]any{"entityType": "student"},
	}
	intents := Classify(rec)
	if len(intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(intents))
	}
	intent := intents[0]
	if intent.Kind != models.IntentKindEnrollment {
		t.Fatalf("expected enrollment intent, got %q", intent.Kind)
	}
	if intent.Key.Subject != "course#math-101" || intent.Key.Discriminator != models.DiscriminatorCourseStats {
		t.Fatalf("unexpected key %v", intent.Key)
	}
	if intent.Delta != 1 {
		t.Fatalf("expected delta 1, got %d", intent.Delta)
	}
	if intent.EventID != "evt-2" {
		t.Fatalf("expected event id carried over, got %q", intent.EventID)
	}
}

func TestClassifyEnrollmentRequiresCoursePartition(t *testing.T) {
	rec := events.ChangeRecord{
		EventID:      "evt-3",
		Operation:    "INSERT",
		PartitionKey: "org#acme",
		NewImage:     map[string]any{"entityType": "student"},
	}
	if intents := Classify(rec); len(intents) != 0 {
		t.Fatalf("expected no intents for non-course partition, got %d", len(intents))
	}
}

func TestClassifyGrade(t *testing.T) {
	rec := events.ChangeRecord{
		EventID:      "evt-4",
		Operation:    "INSERT",
		PartitionKey: "course#math-101",
		SortKey:      "submission#1",
		NewImage: map[string]any{
			"entityType": "submission",
			"studentID":  "alice",
			"grade":      92.5,
		},
	}
	intents := Classify(rec)
	if len(intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(intents))
	}
	intent := intents[0]
	if intent.Kind != models.IntentKindGrade {
		t.Fatalf("expected grade intent, got %q", intent.Kind)
	}
	if intent.Key.Subject != "user#alice" || intent.Key.Discriminator != models.DiscriminatorAcademicStats {
		t.Fatalf("unexpected key %v", intent.Key)
	}
	if intent.Grade != 92.5 {
		t.Fatalf("expected grade 92.5, got %v", intent.Grade)
	}
}

func TestClassifyGradeTypedAttributes(t *testing.T) {
	rec := events.ChangeRecord{
		EventID:      "evt-5",
		Operation:    "INSERT",
		PartitionKey: "course#math-101",
		NewImage: map[string]any{
			"entityType": map[string]any{"S": "submission"},
			"studentID":  map[string]any{"S": "bob"},
			"grade":      map[string]any{"N": "78"},
		},
	}
	intents := Classify(rec)
	if len(intents) != 1 {
		t.Fatalf("expected 1 intent for typed attributes, got %d", len(intents))
	}
	if intents[0].Key.Subject != "user#bob" || intents[0].Grade != 78 {
		t.Fatalf("unexpected intent %+v", intents[0])
	}
}

func TestClassifySubmissionWithoutGradeSkips(t *testing.T) {
	rec := events.ChangeRecord{
		EventID:      "evt-6",
		Operation:    "INSERT",
		PartitionKey: "course#math-101",
		NewImage: map[string]any{
			"entityType": "submission",
			"studentID":  "alice",
		},
	}
	if intents := Classify(rec); len(intents) != 0 {
		t.Fatalf("expected ungraded submission to be skipped, got %d intents", len(intents))
	}
}

func TestClassifySubmissionWithoutStudentSkips(t *testing.T) {
	rec := events.ChangeRecord{
		EventID:      "evt-7",
		Operation:    "INSERT",
		PartitionKey: "course#math-101",
		NewImage: map[string]any{
			"entityType": "submission",
			"grade":      60.0,
		},
	}
	if intents := Classify(rec); len(intents) != 0 {
		t.Fatalf("expected submission without student id to be skipped, got %d intents", len(intents))
	}
}

func TestClassifyMissingEntityType(t *testing.T) {
	rec := events.ChangeRecord{
		EventID:      "evt-8",
		Operation:    "INSERT",
		PartitionKey: "course#math-101",
		NewImage:     map[string]any{"studentID": "alice", "grade": 90.0},
	}
	if intents := Classify(rec); len(intents) != 0 {
		t.Fatalf("expected record without entityType to be skipped, got %d intents", len(intents))
	}
}
