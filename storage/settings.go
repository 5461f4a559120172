package storage

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"github.com/Chounic/next-tasks-manager/domain"
)

// SettingsStore loads and saves per-user board settings.
type SettingsStore interface {
	FetchSettings(ctx context.Context, userID string) (domain.Settings, error)
	SaveSettings(ctx context.Context, userID string, s domain.Settings) error
}

// TableSettings keeps board settings in Azure Table Storage, one entity per
// user with PartitionKey = RowKey = user id.
type TableSettings struct {
	table *aztables.Client
}

// NewTableSettings creates a settings store from the given connection string.
func NewTableSettings(connStr, table string) (*TableSettings, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableSettings{table: svc.NewClient(table)}, nil
}

type settingsEntity struct {
	aztables.Entity
	TasksPerColumn    int  `json:"TasksPerColumn"`
	ShowDoneTasks     bool `json:"ShowDoneTasks"`
	ShowArchivedTasks bool `json:"ShowArchivedTasks"`
}

func decodeSettingsEntity(data []byte) (domain.Settings, error) {
	var raw settingsEntity
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return domain.Settings{}, err
	}
	return domain.Settings{
		TasksPerColumn:    raw.TasksPerColumn,
		ShowDoneTasks:     raw.ShowDoneTasks,
		ShowArchivedTasks: raw.ShowArchivedTasks,
	}, nil
}

func encodeSettingsEntity(userID string, s domain.Settings) ([]byte, error) {
	return sonic.Marshal(map[string]any{
		"PartitionKey":      userID,
		"RowKey":            userID,
		"TasksPerColumn":    s.TasksPerColumn,
		"ShowDoneTasks":     s.ShowDoneTasks,
		"ShowArchivedTasks": s.ShowArchivedTasks,
	})
}

// FetchSettings returns the stored settings or the defaults when the user
// never saved any.
func (t *TableSettings) FetchSettings(ctx context.Context, userID string) (domain.Settings, error) {
	ent, err := t.table.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return domain.DefaultSettings(), nil
		}
		return domain.Settings{}, err
	}
	return decodeSettingsEntity(ent.Value)
}

func (t *TableSettings) SaveSettings(ctx context.Context, userID string, s domain.Settings) error {
	payload, err := encodeSettingsEntity(userID, s)
	if err != nil {
		return err
	}
	_, err = t.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// MemorySettings is the settings store used when no table storage is configured.
type MemorySettings struct {
	mu    sync.RWMutex
	byUID map[string]domain.Settings
}

func NewMemorySettings() *MemorySettings {
	return &MemorySettings{byUID: make(map[string]domain.Settings)}
}

func (m *MemorySettings) FetchSettings(_ context.Context, userID string) (domain.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.byUID[userID]; ok {
		return s, nil
	}
	return domain.DefaultSettings(), nil
}

func (m *MemorySettings) SaveSettings(_ context.Context, userID string, s domain.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUID[userID] = s
	return nil
}
