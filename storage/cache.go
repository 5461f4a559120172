package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/Chounic/next-tasks-manager/domain"
)

// Cache wraps a task store and a settings store with Redis-backed caching for
// read operations. Every write evicts the user's cached entries so the next
// board read pulls fresh rows.
type Cache struct {
	base     TaskStore
	settings SettingsStore
	redis    *redis.Client
	ttl      time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// A nil client turns the cache into a pass-through.
func NewCache(base TaskStore, settings SettingsStore, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if settings == nil {
		settings = NewMemorySettings()
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, settings: settings, redis: client, ttl: ttl}
}

func (c *Cache) CreateTask(ctx context.Context, t domain.NewTask) (domain.Task, error) {
	created, err := c.base.CreateTask(ctx, t)
	if err != nil {
		return created, err
	}
	c.evictTasks(ctx, t.UserID)
	return created, nil
}

func (c *Cache) GetTask(ctx context.Context, userID string, id int64) (domain.Task, error) {
	return c.base.GetTask(ctx, userID, id)
}

func (c *Cache) UpdateTask(ctx context.Context, t domain.Task) error {
	if err := c.base.UpdateTask(ctx, t); err != nil {
		return err
	}
	c.evictTasks(ctx, t.UserID)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, userID string, id int64) error {
	if err := c.base.DeleteTask(ctx, userID, id); err != nil {
		return err
	}
	c.evictTasks(ctx, userID)
	return nil
}

// ListTasks serves the unfiltered per-user list from Redis when possible.
// Parent-filtered lists always go to the backing store.
func (c *Cache) ListTasks(ctx context.Context, filter TaskFilter) ([]domain.Task, error) {
	if filter.ParentTaskID != nil {
		return c.base.ListTasks(ctx, filter)
	}
	if tasks, ok := c.loadTasksFromCache(ctx, filter.UserID); ok {
		return tasks, nil
	}
	tasks, err := c.base.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	c.storeTasks(ctx, filter.UserID, tasks)
	return tasks, nil
}

// ApplyBatch forwards to the backing store and evicts even on failure, since
// a non-atomic store may have applied a prefix of the batch.
func (c *Cache) ApplyBatch(ctx context.Context, b Batch) (BatchResult, error) {
	res, err := Apply(ctx, c.base, b)
	c.evictTasks(ctx, b.UserID)
	return res, err
}

func (c *Cache) FetchSettings(ctx context.Context, userID string) (domain.Settings, error) {
	if settings, ok := c.loadSettingsFromCache(ctx, userID); ok {
		return settings, nil
	}
	settings, err := c.settings.FetchSettings(ctx, userID)
	if err != nil {
		return domain.Settings{}, err
	}
	c.storeSettings(ctx, userID, settings)
	return settings, nil
}

func (c *Cache) SaveSettings(ctx context.Context, userID string, s domain.Settings) error {
	if err := c.settings.SaveSettings(ctx, userID, s); err != nil {
		return err
	}
	if c.redis != nil {
		_ = c.redis.Del(ctx, settingsCacheKey(userID)).Err()
	}
	return nil
}

func (c *Cache) loadTasksFromCache(ctx context.Context, userID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) loadSettingsFromCache(ctx context.Context, userID string) (domain.Settings, bool) {
	if c.redis == nil {
		return domain.Settings{}, false
	}
	data, err := c.redis.Get(ctx, settingsCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, settingsCacheKey(userID)).Err()
		}
		return domain.Settings{}, false
	}
	var settings domain.Settings
	if err := sonic.Unmarshal(data, &settings); err != nil {
		_ = c.redis.Del(ctx, settingsCacheKey(userID)).Err()
		return domain.Settings{}, false
	}
	return settings, true
}

func (c *Cache) storeTasks(ctx context.Context, userID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(userID), data, c.ttl).Err()
}

func (c *Cache) storeSettings(ctx context.Context, userID string, settings domain.Settings) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(settings)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, settingsCacheKey(userID), data, c.ttl).Err()
}

func (c *Cache) evictTasks(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(userID)).Result()
}

func tasksCacheKey(userID string) string {
	return "tasks:" + userID
}

func settingsCacheKey(userID string) string {
	return "settings:" + userID
}
