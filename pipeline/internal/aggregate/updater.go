package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lms-stream-aggregation-system/pipeline/internal/models"
)

// ErrVersionConflict is returned by CompareAndPut when the record's version
// moved between read and write. The updater retries; other callers decide.
var ErrVersionConflict = errors.New("aggregate version conflict")

// Store is the keyed aggregate store capability. A missing record is not an
// error: Get reports found=false and the zero record. IncrementCount must be
// atomic in the store; CompareAndPut must reject any write whose expected
// version no longer matches. MarkApplied/ClearApplied back event-id
// deduplication so redelivered events mutate nothing.
type Store interface {
	Get(ctx context.Context, key models.AggregateKey) (models.AggregateRecord, bool, error)
	IncrementCount(ctx context.Context, key models.AggregateKey, delta int64, now time.Time) (int64, error)
	CompareAndPut(ctx context.Context, rec models.AggregateRecord, expectedVersion int64) error
	MarkApplied(ctx context.Context, eventID string) (bool, error)
	ClearApplied(ctx context.Context, eventID string) error
}

// ApplyError carries the failed intent together with the underlying cause so
// batch processing can collect failures without losing either.
type ApplyError struct {
	Intent models.UpdateIntent
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s intent for %s: %v", e.Intent.Kind, e.Intent.Key, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

type Updater struct {
	store        Store
	retryMax     int
	applyTimeout time.Duration
	now          func() time.Time
}

func NewUpdater(store Store, retryMax int, applyTimeout time.Duration) *Updater {
	if retryMax < 0 {
		retryMax = 0
	}
	if applyTimeout <= 0 {
		applyTimeout = 3 * time.Second
	}
	return &Updater{
		store:        store,
		retryMax:     retryMax,
		applyTimeout: applyTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Apply performs one intent against the store. Counters take the atomic
// increment path; computed statistics take a read-fold-CAS loop retried on
// version conflicts with bounded backoff. A duplicate event id is a
// successful no-op. Exactly one store mutation happens per non-deduplicated
// success.
func (u *Updater) Apply(ctx context.Context, intent models.UpdateIntent) (models.AppliedUpdate, error) {
	applied := models.AppliedUpdate{
		Key:     intent.Key,
		Kind:    intent.Kind,
		EventID: intent.EventID,
	}

	ctx, cancel := context.WithTimeout(ctx, u.applyTimeout)
	defer cancel()

	if intent.EventID != "" {
		fresh, err := u.store.MarkApplied(ctx, intent.EventID)
		if err != nil {
			return applied, &ApplyError{Intent: intent, Err: err}
		}
		if !fresh {
			applied.Deduplicated = true
			return applied, nil
		}
	}

	var err error
	switch intent.Kind {
	case models.IntentKindEnrollment:
		applied.NewCount, err = u.store.IncrementCount(ctx, intent.Key, intent.Delta, u.now())
	case models.IntentKindGrade:
		applied.NewAverage, err = u.applyGrade(ctx, intent)
	default:
		err = fmt.Errorf("unknown intent kind %q", intent.Kind)
	}
	if err != nil {
		// Release the dedup mark so a redelivery can retry the mutation.
		if intent.EventID != "" {
			_ = u.store.ClearApplied(context.WithoutCancel(ctx), intent.EventID)
		}
		return applied, &ApplyError{Intent: intent, Err: err}
	}
	return applied, nil
}

func (u *Updater) applyGrade(ctx context.Context, intent models.UpdateIntent) (float64, error) {
	var lastErr error
	for attempt := 0; attempt <= u.retryMax; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay(attempt)); err != nil {
				return 0, err
			}
		}

		rec, found, err := u.store.Get(ctx, intent.Key)
		if err != nil {
			return 0, err
		}
		expected := int64(0)
		if found {
			expected = rec.Version
		}

		rec.Key = intent.Key
		rec.Kind = models.IntentKindGrade
		rec.GradeSum += intent.Grade
		rec.GradeCount++
		rec.GradeAverage = rec.GradeSum / float64(rec.GradeCount)
		rec.LastUpdated = u.now()

		err = u.store.CompareAndPut(ctx, rec, expected)
		if err == nil {
			return rec.GradeAverage, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

func retryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 25 * time.Millisecond
	}
	delay := time.Duration(attempt*attempt) * 25 * time.Millisecond
	if delay > 500*time.Millisecond {
		return 500 * time.Millisecond
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
