package services

// Trigger keys are a fixed catalogue of event categories. Event types
// map onto them purely; unknown event types match no rules.
const (
	TriggerJobCreated       = "job.created"
	TriggerJobUpdated       = "job.updated"
	TriggerJobStatusChanged = "job.status_changed"
	TriggerJobOverdue       = "job.overdue"
	TriggerAssignmentBooked = "assignment.booked"
	TriggerStockUpdated     = "material.stock_updated"
	TriggerTaskCompleted    = "task.completed"
	TriggerContactAdded     = "contact.added"
)

// triggerCatalogue maps event types to trigger keys. Several event
// types can feed the same trigger (a completion is a status change).
var triggerCatalogue = map[string]string{
	"job.created":            TriggerJobCreated,
	"job.updated":            TriggerJobUpdated,
	"job.status.changed":     TriggerJobStatusChanged,
	"job.completed":          TriggerJobStatusChanged,
	"job.cancelled":          TriggerJobStatusChanged,
	"job.overdue":            TriggerJobOverdue,
	"assignment.created":     TriggerAssignmentBooked,
	"assignment.updated":     TriggerAssignmentBooked,
	"material.stock.updated": TriggerStockUpdated,
	"task.completed":         TriggerTaskCompleted,
	"contact.added":          TriggerContactAdded,
}

// statusChangeTriggers require explicit operator confirmation before a
// rule listening on them can be enabled.
var statusChangeTriggers = map[string]bool{
	TriggerJobStatusChanged: true,
}

// TriggerKeyForEvent returns the trigger key an event type feeds, or
// "" when the event type is outside the catalogue.
func TriggerKeyForEvent(eventType string) string {
	return triggerCatalogue[eventType]
}

// KnownTriggerKey reports whether key is in the catalogue.
func KnownTriggerKey(key string) bool {
	for _, k := range triggerCatalogue {
		if k == key {
			return true
		}
	}
	return false
}
