package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"lms-stream-aggregation-system/pipeline/internal/aggregate"
	"lms-stream-aggregation-system/pipeline/internal/models"
	"lms-stream-aggregation-system/pipeline/internal/repos"
	"lms-stream-aggregation-system/shared/influxx"
	"lms-stream-aggregation-system/shared/lockx"
	"lms-stream-aggregation-system/shared/logx"
	"lms-stream-aggregation-system/shared/metricsx"
)

const lockPrefix = "reconcile:lock:"

// Outcomes reported per reconcile run.
const (
	OutcomeApplied = "applied"
	OutcomeClean   = "clean"
	OutcomeLocked  = "locked"
	OutcomeError   = "error"
)

// Reconciler recomputes grade aggregates from the authoritative submission
// rows and repairs the derived store when the stream path drifted (missed
// events, crashed mid-batch, Redis data loss). It is the system's source of
// eventual correctness; the stream path is only the fast approximation.
type Reconciler struct {
	submissions *repos.SubmissionsRepo
	snapshots   *repos.SnapshotsRepo
	store       aggregate.Store
	locks       *redis.Client
	influx      *influxx.Client
	lockTTL     time.Duration
	retryMax    int
	logger      logx.Logger
	now         func() time.Time
}

func New(
	submissions *repos.SubmissionsRepo,
	snapshots *repos.SnapshotsRepo,
	store aggregate.Store,
	locks *redis.Client,
	influx *influxx.Client,
	lockTTL time.Duration,
	retryMax int,
	logger logx.Logger,
) *Reconciler {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	if retryMax < 0 {
		retryMax = 0
	}
	return &Reconciler{
		submissions: submissions,
		snapshots:   snapshots,
		store:       store,
		locks:       locks,
		influx:      influx,
		lockTTL:     lockTTL,
		retryMax:    retryMax,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Subjects lists the students whose grades changed inside the lookback
// window. These are the only aggregates worth re-verifying on a scan.
func (r *Reconciler) Subjects(ctx context.Context, lookback time.Duration, limit int) ([]string, error) {
	return r.submissions.RecentlyGradedStudents(ctx, r.now().Add(-lookback), limit)
}

// ReconcileStudent recomputes one student's grade aggregate and overwrites
// the stored record if it drifted. A per-subject lock keeps concurrent
// reconcile workers off the same aggregate; losing the lock race means
// another worker is already on it, which is a skip, not a failure.
func (r *Reconciler) ReconcileStudent(ctx context.Context, studentID string) (string, error) {
	lock, ok, err := lockx.Acquire(ctx, r.locks, lockPrefix+studentID, r.lockTTL)
	if err != nil {
		metricsx.IncReconcileRun(OutcomeError)
		return OutcomeError, err
	}
	if !ok {
		metricsx.IncReconcileRun(OutcomeLocked)
		return OutcomeLocked, nil
	}
	defer func() { _ = lockx.Release(context.WithoutCancel(ctx), r.locks, lock) }()

	sum, count, err := r.submissions.GradeTotals(ctx, studentID)
	if err != nil {
		metricsx.IncReconcileRun(OutcomeError)
		return OutcomeError, err
	}

	key := models.AggregateKey{
		Subject:       "user#" + studentID,
		Discriminator: models.DiscriminatorAcademicStats,
	}

	outcome, drift, err := r.repair(ctx, key, sum, count)
	if err != nil {
		metricsx.IncReconcileRun(OutcomeError)
		return OutcomeError, err
	}

	now := r.now()
	avg := 0.0
	if count > 0 {
		avg = sum / float64(count)
	}
	if err := r.snapshots.Upsert(ctx, models.AggregateSnapshot{
		Subject:       key.Subject,
		Discriminator: key.Discriminator,
		Kind:          models.IntentKindGrade,
		GradeSum:      sum,
		GradeCount:    count,
		GradeAverage:  avg,
		UpdatedAt:     now,
	}); err != nil {
		metricsx.IncReconcileRun(OutcomeError)
		return OutcomeError, err
	}

	if r.influx != nil {
		if err := r.influx.WritePoint(ctx, "aggregate_reconcile", map[string]string{
			"subject": key.Subject,
		}, map[string]any{
			"grade_sum":   sum,
			"grade_count": count,
			"drift":       drift,
		}, now); err != nil {
			metricsx.IncInfluxWriteFailure()
		}
	}

	metricsx.IncReconcileRun(outcome)
	if outcome == OutcomeApplied {
		r.logger.Info(ctx, "aggregate_repaired", "aggregate repaired from source of truth",
			slog.String("subject", key.Subject),
			slog.Float64("drift", drift),
			slog.Int64("grade_count", count),
		)
	}
	return outcome, nil
}

// repair CAS-writes the authoritative totals into the store, retrying on
// version conflicts with the stream path. Returns the drift between the
// stored sum and the recomputed one.
func (r *Reconciler) repair(ctx context.Context, key models.AggregateKey, sum float64, count int64) (string, float64, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retryMax; attempt++ {
		rec, found, err := r.store.Get(ctx, key)
		if err != nil {
			return OutcomeError, 0, err
		}
		expected := int64(0)
		if found {
			expected = rec.Version
		}

		drift := math.Abs(rec.GradeSum - sum)
		if found && rec.GradeCount == count && drift < 1e-9 {
			return OutcomeClean, 0, nil
		}

		rec.Key = key
		rec.Kind = models.IntentKindGrade
		rec.GradeSum = sum
		rec.GradeCount = count
		if count > 0 {
			rec.GradeAverage = sum / float64(count)
		} else {
			rec.GradeAverage = 0
		}
		rec.LastUpdated = r.now()

		err = r.store.CompareAndPut(ctx, rec, expected)
		if err == nil {
			return OutcomeApplied, drift, nil
		}
		if !errors.Is(err, aggregate.ErrVersionConflict) {
			return OutcomeError, 0, err
		}
		lastErr = err
	}
	return OutcomeError, 0, lastErr
}
