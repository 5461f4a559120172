package api

import (
	"context"

	"github.com/Chounic/next-tasks-manager/domain"
	"github.com/Chounic/next-tasks-manager/session"
	"github.com/Chounic/next-tasks-manager/storage"
)

// Storage abstracts task and settings persistence for handlers.
type Storage interface {
	storage.TaskStore
	storage.SettingsStore
}

// Sessions is the edit session surface the handlers drive.
type Sessions interface {
	Open(ctx context.Context, userID string, taskID *int64) (*session.Session, error)
	Get(ctx context.Context, userID, id string) (*session.Session, error)
	UpdateDraft(ctx context.Context, userID, id string, p domain.TaskPatch) (*session.Session, error)
	AddSubTask(ctx context.Context, userID, id string, f domain.TaskFields) (*session.Session, error)
	UpdateSubTask(ctx context.Context, userID, id, uuid string, p domain.TaskPatch) (*session.Session, error)
	RemoveSubTask(ctx context.Context, userID, id, uuid string) (*session.Session, error)
	ToggleLabel(ctx context.Context, userID, id, label string) (*session.Session, error)
	RemoveLabel(ctx context.Context, userID, id, label string) (*session.Session, error)
	Suggest(ctx context.Context, userID, id string) (*session.Session, bool, error)
	Commit(ctx context.Context, userID, id string) (session.Result, error)
	Close(ctx context.Context, userID, id string) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate commits.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the commit fails.
	Remove(ctx context.Context, userID, key string) error
}

// EventPublisher delivers change events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, events []domain.ChangeEvent) error
}

// HealthChecker reports whether the primary database is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Deps groups everything Register needs. Deduper, Events and Health are
// optional.
type Deps struct {
	Store    Storage
	Sessions Sessions
	Auth     Authenticator
	Deduper  Deduper
	Events   EventPublisher
	Health   HealthChecker
	Pool     PoolConfig
}
