package domain

// Change event types emitted after a task row is written.
const (
	TaskCreated = "task-created"
	TaskUpdated = "task-updated"
	TaskDeleted = "task-deleted"
)

// ChangeEvent tells downstream consumers that a user's task list changed.
type ChangeEvent struct {
	ID         string `json:"id"`
	EntityID   string `json:"entityId"`
	EntityType string `json:"entityType"`
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	Time       int64  `json:"time"`
}
