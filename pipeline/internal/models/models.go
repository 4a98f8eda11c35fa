package models

import (
	"time"
)

// Discriminators distinguish aggregate records from primary entity records
// that share a partition in the source key space.
const (
	DiscriminatorCourseStats   = "stats"
	DiscriminatorAcademicStats = "academic_stats"
)

const (
	IntentKindEnrollment = "enrollment"
	IntentKindGrade      = "grade"
)

// AggregateKey addresses one aggregate record: subject partition plus the
// fixed discriminator. At most one record exists per key.
type AggregateKey struct {
	Subject       string
	Discriminator string
}

func (k AggregateKey) String() string {
	return k.Subject + "/" + k.Discriminator
}

// AggregateRecord is a derived statistic. Version backs the compare-and-set
// write path; a missing record reads as the zero value with Version 0.
type AggregateRecord struct {
	Key             AggregateKey
	Kind            string
	EnrollmentCount int64
	GradeSum        float64
	GradeCount      int64
	GradeAverage    float64
	Version         int64
	LastUpdated     time.Time
}

// UpdateIntent is the transient instruction produced by classification:
// which aggregate to touch and how. Never persisted.
type UpdateIntent struct {
	EventID string
	Kind    string
	Key     AggregateKey
	Delta   int64   // enrollment increment
	Grade   float64 // graded submission value
}

// AppliedUpdate reports one successful aggregate mutation so callers can
// publish notifications without re-reading the store.
type AppliedUpdate struct {
	Key          AggregateKey
	Kind         string
	EventID      string
	NewCount     int64
	NewAverage   float64
	Deduplicated bool
}

type ApplyFailure struct {
	EventID string `json:"event_id"`
	Kind    string `json:"kind"`
	Key     string `json:"key"`
	Reason  string `json:"reason"`
}

// BatchResult is the sole contract with the invoking delivery mechanism:
// 200 acknowledges the batch, anything else requests redelivery.
type BatchResult struct {
	StatusCode     int
	Body           string
	EventsTotal    int
	IntentsTotal   int
	IntentsApplied int
	IntentsSkipped int
	Applied        []AppliedUpdate
	Failures       []ApplyFailure
}

func (r BatchResult) OK() bool {
	return r.StatusCode == 200
}

// Submission is the authoritative source row the reconciler re-aggregates
// from. Only the fields the aggregation needs are mapped.
type Submission struct {
	SubmissionID string
	StudentID    string
	CourseID     string
	Grade        float64
	GradedAt     *time.Time
}

// AggregateSnapshot is the durable Postgres mirror of an aggregate record,
// refreshed by the reconciler.
type AggregateSnapshot struct {
	Subject       string
	Discriminator string
	Kind          string
	GradeSum      float64
	GradeCount    int64
	GradeAverage  float64
	UpdatedAt     time.Time
}
