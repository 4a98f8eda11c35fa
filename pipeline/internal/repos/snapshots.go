package repos

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lms-stream-aggregation-system/pipeline/internal/models"
)

// SnapshotsRepo mirrors reconciled aggregates into Postgres so the derived
// numbers survive a Redis flush and can be audited against the source rows.
type SnapshotsRepo struct {
	pool *pgxpool.Pool
}

func NewSnapshotsRepo(pool *pgxpool.Pool) *SnapshotsRepo {
	return &SnapshotsRepo{pool: pool}
}

func (r *SnapshotsRepo) Upsert(ctx context.Context, snap models.AggregateSnapshot) error {
	return upsertSnapshot(ctx, r.pool, snap)
}

func (r *SnapshotsRepo) Get(ctx context.Context, subject string, discriminator string) (models.AggregateSnapshot, bool, error) {
	var snap models.AggregateSnapshot
	err := r.pool.QueryRow(ctx, `
		SELECT subject, discriminator, kind, grade_sum, grade_count, grade_average, updated_at
		FROM aggregate_snapshots
		WHERE subject = $1 AND discriminator = $2
	`, subject, discriminator).Scan(
		&snap.Subject, &snap.Discriminator, &snap.Kind,
		&snap.GradeSum, &snap.GradeCount, &snap.GradeAverage, &snap.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AggregateSnapshot{}, false, nil
		}
		return models.AggregateSnapshot{}, false, err
	}
	return snap, true, nil
}

func upsertSnapshot(ctx context.Context, db DBTX, snap models.AggregateSnapshot) error {
	_, err := db.Exec(ctx, `
		INSERT INTO aggregate_snapshots (subject, discriminator, kind, grade_sum, grade_count, grade_average, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject, discriminator) DO UPDATE SET
			kind = EXCLUDED.kind,
			grade_sum = EXCLUDED.grade_sum,
			grade_count = EXCLUDED.grade_count,
			grade_average = EXCLUDED.grade_average,
			updated_at = EXCLUDED.updated_at
	`, snap.Subject, snap.Discriminator, snap.Kind,
		snap.GradeSum, snap.GradeCount, snap.GradeAverage, snap.UpdatedAt)
	return err
}
