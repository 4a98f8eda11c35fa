package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lms-stream-aggregation-system/pipeline/internal/models"
)

// memStore is an in-memory Store with the same atomicity guarantees the
// Redis implementation provides: increments and versioned puts each happen
// under one lock acquisition.
type memStore struct {
	mu           sync.Mutex
	records      map[models.AggregateKey]models.AggregateRecord
	applied      map[string]bool
	incErr       error
	casConflicts int
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[models.AggregateKey]models.AggregateRecord),
		applied: make(map[string]bool),
	}
}

func (s *memStore) Get(ctx context.Context, key models.AggregateKey) (models.AggregateRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *memStore) IncrementCount(ctx context.Context, key models.AggregateKey, delta int64, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incErr != nil {
		return 0, s.incErr
	}
	rec := s.records[key]
	rec.Key = key
	rec.Kind = models.IntentKindEnrollment
	rec.EnrollmentCount += delta
	rec.Version++
	rec.LastUpdated = now
	s.records[key] = rec
	return rec.EnrollmentCount, nil
}

func (s *memStore) CompareAndPut(ctx context.Context, rec models.AggregateRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.casConflicts > 0 {
		s.casConflicts--
		return ErrVersionConflict
	}
	current := s.records[rec.Key]
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	rec.Version = expectedVersion + 1
	s.records[rec.Key] = rec
	return nil
}

func (s *memStore) MarkApplied(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied[eventID] {
		return false, nil
	}
	s.applied[eventID] = true
	return true, nil
}

func (s *memStore) ClearApplied(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.applied, eventID)
	return nil
}

var courseKey = models.AggregateKey{Subject: "course#math-101", Discriminator: models.DiscriminatorCourseStats}
var studentKey = models.AggregateKey{Subject: "user#alice", Discriminator: models.DiscriminatorAcademicStats}

func enrollmentIntent(eventID string) models.UpdateIntent {
	return models.UpdateIntent{
		EventID: eventID,
		Kind:    models.IntentKindEnrollment,
		Key:     courseKey,
		Delta:   1,
	}
}

func gradeIntent(eventID string, grade float64) models.UpdateIntent {
	return models.UpdateIntent{
		EventID: eventID,
		Kind:    models.IntentKindGrade,
		Key:     studentKey,
		Grade:   grade,
	}
}

func TestApplyEnrollmentFirst(t *testing.T) {
	store := newMemStore()
	u := NewUpdater(store, 2, time.Second)

	applied, err := u.Apply(context.Background(), enrollmentIntent("evt-1"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.NewCount != 1 {
		t.Fatalf("expected count 1 on first apply, got %d", applied.NewCount)
	}
	if applied.Deduplicated {
		t.Fatalf("first apply must not be deduplicated")
	}
}

func TestApplyEnrollmentAccumulates(t *testing.T) {
	store := newMemStore()
	u := NewUpdater(store, 2, time.Second)

	for i := 0; i < 7; i++ {
		if _, err := u.Apply(context.Background(), enrollmentIntent(fmt.Sprintf("evt-%d", i))); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	applied, err := u.Apply(context.Background(), enrollmentIntent("evt-7"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.NewCount != 8 {
		t.Fatalf("expected count 8 after eighth apply, got %d", applied.NewCount)
	}
}

func TestApplyGradeAverage(t *testing.T) {
	store := newMemStore()
	u := NewUpdater(store, 2, time.Second)

	if _, err := u.Apply(context.Background(), gradeIntent("evt-1", 80)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	applied, err := u.Apply(context.Background(), gradeIntent("evt-2", 90))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.NewAverage != 85 {
		t.Fatalf("expected average 85, got %v", applied.NewAverage)
	}

	rec, ok, _ := store.Get(context.Background(), studentKey)
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if rec.GradeCount != 2 || rec.GradeSum != 170 {
		t.Fatalf("unexpected record sum=%v count=%d", rec.GradeSum, rec.GradeCount)
	}
}

func TestApplyDeduplicates(t *testing.T) {
	store := newMemStore()
	u := NewUpdater(store, 2, time.Second)

	if _, err := u.Apply(context.Background(), enrollmentIntent("evt-dup")); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	applied, err := u.Apply(context.Background(), enrollmentIntent("evt-dup"))
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !applied.Deduplicated {
		t.Fatalf("expected redelivered event to be deduplicated")
	}

	rec, _, _ := store.Get(context.Background(), courseKey)
	if rec.EnrollmentCount != 1 {
		t.Fatalf("duplicate apply mutated the store: count %d", rec.EnrollmentCount)
	}
}

func TestApplyFailureReleasesDedupMark(t *testing.T) {
	store := newMemStore()
	store.incErr = errors.New("store down")
	u := NewUpdater(store, 2, time.Second)

	if _, err := u.Apply(context.Background(), enrollmentIntent("evt-retry")); err == nil {
		t.Fatalf("expected apply to fail while store is down")
	}

	store.mu.Lock()
	store.incErr = nil
	store.mu.Unlock()

	applied, err := u.Apply(context.Background(), enrollmentIntent("evt-retry"))
	if err != nil {
		t.Fatalf("reapply after failure: %v", err)
	}
	if applied.Deduplicated {
		t.Fatalf("failed apply must not leave a dedup mark behind")
	}
	if applied.NewCount != 1 {
		t.Fatalf("expected count 1, got %d", applied.NewCount)
	}
}

func TestApplyGradeRetriesOnConflict(t *testing.T) {
	store := newMemStore()
	store.casConflicts = 2
	u := NewUpdater(store, 4, time.Second)

	applied, err := u.Apply(context.Background(), gradeIntent("evt-cas", 70))
	if err != nil {
		t.Fatalf("expected conflict retries to succeed: %v", err)
	}
	if applied.NewAverage != 70 {
		t.Fatalf("expected average 70, got %v", applied.NewAverage)
	}
}

func TestApplyGradeConflictExhausted(t *testing.T) {
	store := newMemStore()
	store.casConflicts = 100
	u := NewUpdater(store, 1, time.Second)

	_, err := u.Apply(context.Background(), gradeIntent("evt-cas-fail", 70))
	if err == nil {
		t.Fatalf("expected error after exhausting conflict retries")
	}
	var applyErr *ApplyError
	if !errors.As(err, &applyErr) {
		t.Fatalf("expected ApplyError, got %T", err)
	}
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict cause, got %v", err)
	}

	store.mu.Lock()
	marked := store.applied["evt-cas-fail"]
	store.mu.Unlock()
	if marked {
		t.Fatalf("exhausted apply must release its dedup mark")
	}
}

func TestApplyUnknownKind(t *testing.T) {
	store := newMemStore()
	u := NewUpdater(store, 2, time.Second)

	_, err := u.Apply(context.Background(), models.UpdateIntent{EventID: "evt-x", Kind: "mystery", Key: courseKey})
	if err == nil {
		t.Fatalf("expected error for unknown intent kind")
	}
}

func TestConcurrentEnrollmentApplies(t *testing.T) {
	store := newMemStore()
	u := NewUpdater(store, 4, time.Second)

	const n = 20
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := u.Apply(context.Background(), enrollmentIntent(fmt.Sprintf("evt-conc-%d", i))); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent apply failed: %v", err)
	}

	rec, _, _ := store.Get(context.Background(), courseKey)
	if rec.EnrollmentCount != n {
		t.Fatalf("lost increments: expected %d, got %d", n, rec.EnrollmentCount)
	}
}

func TestConcurrentGradeApplies(t *testing.T) {
	store := newMemStore()
	u := NewUpdater(store, 50, time.Second)

	const n = 8
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := u.Apply(context.Background(), gradeIntent(fmt.Sprintf("evt-grade-%d", i), 100)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent grade apply failed: %v", err)
	}

	rec, _, _ := store.Get(context.Background(), studentKey)
	if rec.GradeCount != n {
		t.Fatalf("lost grade folds: expected %d, got %d", n, rec.GradeCount)
	}
	if rec.GradeAverage != 100 {
		t.Fatalf("expected average 100, got %v", rec.GradeAverage)
	}
}
