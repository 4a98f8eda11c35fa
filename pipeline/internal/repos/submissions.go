package repos

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lms-stream-aggregation-system/pipeline/internal/models"
)

// SubmissionsRepo reads the authoritative submission rows the reconciler
// re-aggregates from. The stream path never touches this table.
type SubmissionsRepo struct {
	pool *pgxpool.Pool
}

func NewSubmissionsRepo(pool *pgxpool.Pool) *SubmissionsRepo {
	return &SubmissionsRepo{pool: pool}
}

// GradeTotals returns the sum and count of graded submissions for one
// student. A student with no graded submissions yields (0, 0, nil).
func (r *SubmissionsRepo) GradeTotals(ctx context.Context, studentID string) (float64, int64, error) {
	var sum float64
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(grade), 0), COUNT(*)
		FROM submissions
		WHERE student_id = $1 AND graded_at IS NOT NULL
	`, studentID).Scan(&sum, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	return sum, count, nil
}

// RecentlyGradedStudents lists distinct students whose submissions were
// graded inside the lookback window, capped at limit. These are the subjects
// the periodic reconcile pass re-verifies.
func (r *SubmissionsRepo) RecentlyGradedStudents(ctx context.Context, since time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT student_id
		FROM submissions
		WHERE graded_at >= $1
		ORDER BY student_id
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListByStudent returns the student's graded submissions, newest first.
func (r *SubmissionsRepo) ListByStudent(ctx context.Context, studentID string, limit int) ([]models.Submission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT submission_id, student_id, course_id, grade, graded_at
		FROM submissions
		WHERE student_id = $1 AND graded_at IS NOT NULL
		ORDER BY graded_at DESC
		LIMIT $2
	`, studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.Submission
	for rows.Next() {
		var s models.Submission
		if err := rows.Scan(&s.SubmissionID, &s.StudentID, &s.CourseID, &s.Grade, &s.GradedAt); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
