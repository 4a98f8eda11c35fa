package events

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Operation kinds observed on the entity change log. Anything the producer
// sends that is not a known kind normalizes to OpOther.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
	OpOther  = "OTHER"
)

// ChangeRecord is one mutation observed on the source table. NewImage is the
// post-image for INSERT/UPDATE; attribute types are whatever the producer's
// JSON encoder emitted, so consumers must type-check before use.
type ChangeRecord struct {
	EventID      string         `json:"event_id"`
	Operation    string         `json:"operation"`
	PartitionKey string         `json:"pk"`
	SortKey      string         `json:"sk"`
	NewImage     map[string]any `json:"new_image,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// ChangeBatch is the delivery unit on the change topic: one ordered slice of
// records sharing a redelivery fate.
type ChangeBatch struct {
	BatchID     string         `json:"batch_id"`
	Source      string         `json:"source,omitempty"`
	Records     []ChangeRecord `json:"records"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

const (
	TopicEntityChanges    = "entity.changes"
	TopicAggregateUpdates = "aggregate.updates"
)

func NormalizeOperation(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case OpInsert:
		return OpInsert
	case OpUpdate, "MODIFY":
		return OpUpdate
	case OpDelete, "REMOVE":
		return OpDelete
	default:
		return OpOther
	}
}

// StringAttr reads a string attribute from a change image, tolerating both
// plain values and the {"S": "..."} shape some stream encoders emit.
func StringAttr(image map[string]any, name string) (string, bool) {
	if image == nil {
		return "", false
	}
	switch v := image[name].(type) {
	case string:
		s := strings.TrimSpace(v)
		return s, s != ""
	case map[string]any:
		if s, ok := v["S"].(string); ok {
			s = strings.TrimSpace(s)
			return s, s != ""
		}
	}
	return "", false
}

// NumberAttr reads a numeric attribute from a change image. Stream encoders
// deliver numbers either as JSON numbers or as {"N": "85.5"} strings.
func NumberAttr(image map[string]any, name string) (float64, bool) {
	if image == nil {
		return 0, false
	}
	switch v := image[name].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case map[string]any:
		if s, ok := v["N"].(string); ok {
			return parseFloat(s)
		}
	case string:
		return parseFloat(v)
	}
	return 0, false
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}
