package stream

import (
	"strings"

	"lms-stream-aggregation-system/pipeline/internal/models"
	"lms-stream-aggregation-system/shared/events"
)

const coursePartitionPrefix = "course#"

// Classify inspects one change record and returns the update intents it
// implies. Only INSERT mutations feed aggregates: updates and deletes are a
// stated limitation of the pipeline, not an oversight, so they classify to
// nothing rather than to an error. Records missing the fields a rule needs
// are likewise a non-match.
func Classify(rec events.ChangeRecord) []models.UpdateIntent {
	if events.NormalizeOperation(rec.Operation) != events.OpInsert {
		return nil
	}

	entityType, ok := events.StringAttr(rec.NewImage, "entityType")
	if !ok {
		return nil
	}

	var intents []models.UpdateIntent

	// Enrollment rule: a student row landing under a course partition means
	// one more enrollee for that course.
	if entityType == "student" && strings.HasPrefix(rec.PartitionKey, coursePartitionPrefix) {
		intents = append(intents, models.UpdateIntent{
			EventID: rec.EventID,
			Kind:    models.IntentKindEnrollment,
			Key: models.AggregateKey{
				Subject:       rec.PartitionKey,
				Discriminator: models.DiscriminatorCourseStats,
			},
			Delta: 1,
		})
	}

	// Grade rule: a graded submission folds into the student's running
	// average. Both the student id and a numeric grade must be present;
	// a submission without a grade is skipped, not failed.
	if entityType == "submission" {
		if studentID, ok := events.StringAttr(rec.NewImage, "studentID"); ok {
			if grade, ok := events.NumberAttr(rec.NewImage, "grade"); ok {
				intents = append(intents, models.UpdateIntent{
					EventID: rec.EventID,
					Kind:    models.IntentKindGrade,
					Key: models.AggregateKey{
						Subject:       "user#" + studentID,
						Discriminator: models.DiscriminatorAcademicStats,
					},
					Grade: grade,
				})
			}
		}
	}

	return intents
}
