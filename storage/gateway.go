package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Chounic/next-tasks-manager/domain"
)

var (
	// ErrTaskNotFound is returned when no task matches the id for the given user.
	ErrTaskNotFound = errors.New("task not found")
	// ErrParentNotFound is returned when a new sub-task names a parent the
	// user does not own. It matches ErrTaskNotFound.
	ErrParentNotFound = fmt.Errorf("parent %w", ErrTaskNotFound)
)

// TaskFilter narrows ListTasks. UserID is required.
type TaskFilter struct {
	UserID       string
	ParentTaskID *int64
}

// TaskStore is the row-level contract every task backend satisfies.
type TaskStore interface {
	CreateTask(ctx context.Context, t domain.NewTask) (domain.Task, error)
	GetTask(ctx context.Context, userID string, id int64) (domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, userID string, id int64) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]domain.Task, error)
}

type taskRecord struct {
	ID            int64      `gorm:"primaryKey;autoIncrement"`
	UUID          string     `gorm:"column:uuid;type:varchar(36);uniqueIndex;not null"`
	Name          string     `gorm:"type:varchar(255);not null"`
	Description   string     `gorm:"type:text"`
	Status        string     `gorm:"type:varchar(32);not null;default:backlog;check:chk_tasks_status,status IN ('backlog','ready','in-progress','done')"`
	Priority      string     `gorm:"type:varchar(16);not null;default:medium"`
	DueDate       *time.Time `gorm:"column:due_date"`
	EstimatedTime *int       `gorm:"column:estimated_time"`
	Labels        []string   `gorm:"type:text;serializer:json"`
	Archived      bool       `gorm:"not null;default:false"`
	ParentTaskID  *int64     `gorm:"column:parent_task_id;index"`
	UserID        string     `gorm:"column:user_id;type:varchar(64);index;not null"`
	CreatedAt     time.Time
}

func (taskRecord) TableName() string { return "tasks" }

func recordFromFields(userID string, parent *int64, f domain.TaskFields) taskRecord {
	labels := f.Labels
	if labels == nil {
		labels = []string{}
	}
	return taskRecord{
		UUID:          f.UUID,
		Name:          f.Name,
		Description:   f.Description,
		Status:        string(f.Status),
		Priority:      string(f.Priority),
		DueDate:       f.DueDate,
		EstimatedTime: f.EstimatedTime,
		Labels:        labels,
		Archived:      f.Archived,
		ParentTaskID:  parent,
		UserID:        userID,
	}
}

func (r taskRecord) toDomain() domain.Task {
	labels := r.Labels
	if labels == nil {
		labels = []string{}
	}
	return domain.Task{
		ID:           r.ID,
		UserID:       r.UserID,
		ParentTaskID: r.ParentTaskID,
		CreatedAt:    r.CreatedAt,
		TaskFields: domain.TaskFields{
			UUID:          r.UUID,
			Name:          r.Name,
			Description:   r.Description,
			Status:        domain.Status(r.Status),
			Priority:      domain.Priority(r.Priority),
			DueDate:       r.DueDate,
			EstimatedTime: r.EstimatedTime,
			Labels:        labels,
			Archived:      r.Archived,
		},
	}
}

// Gateway persists tasks in a relational database through gorm.
type Gateway struct {
	db *gorm.DB
}

// Open connects to the relational store. driver is "sqlite" or "postgres".
func Open(driver, dsn string, lg *log.Logger) (*Gateway, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		if dsn == "" {
			dsn = "file:tasks.db?_foreign_keys=on"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		if dsn == "" {
			return nil, errors.New("postgres driver requires DB_DSN")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}

	cfg := &gorm.Config{Logger: logger.Discard}
	if lg != nil && lg.IsLevelEnabled(log.DebugLevel) {
		cfg.Logger = logger.New(lg, logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      logger.Info,
		})
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "" || driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access database handle: %w", err)
		}
		// SQLite works best with a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	return NewGateway(db), nil
}

// NewGateway wraps an existing gorm handle.
func NewGateway(db *gorm.DB) *Gateway {
	if db == nil {
		panic("storage.NewGateway: db is nil")
	}
	return &Gateway{db: db}
}

// Migrate creates or updates the tasks table.
func (g *Gateway) Migrate(ctx context.Context) error {
	if err := g.db.WithContext(ctx).AutoMigrate(&taskRecord{}); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database answers.
func (g *Gateway) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func checkFields(f domain.TaskFields) error {
	if !f.Status.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStatus, f.Status)
	}
	if !f.Priority.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidPriority, f.Priority)
	}
	return nil
}

// CreateTask inserts a new task. A missing uuid is generated.
func (g *Gateway) CreateTask(ctx context.Context, t domain.NewTask) (domain.Task, error) {
	return createTask(g.db.WithContext(ctx), t)
}

func createTask(tx *gorm.DB, t domain.NewTask) (domain.Task, error) {
	if t.UserID == "" {
		return domain.Task{}, errors.New("create task: missing user id")
	}
	if t.UUID == "" {
		t.UUID = newUUID()
	}
	if err := checkFields(t.TaskFields); err != nil {
		return domain.Task{}, err
	}
	if t.ParentTaskID != nil {
		var n int64
		if err := tx.Model(&taskRecord{}).Where("id = ? AND user_id = ?", *t.ParentTaskID, t.UserID).Count(&n).Error; err != nil {
			return domain.Task{}, fmt.Errorf("failed to look up parent task: %w", err)
		}
		if n == 0 {
			return domain.Task{}, fmt.Errorf("%w: %d", ErrParentNotFound, *t.ParentTaskID)
		}
	}
	rec := recordFromFields(t.UserID, t.ParentTaskID, t.TaskFields)
	if err := tx.Create(&rec).Error; err != nil {
		return domain.Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	return rec.toDomain(), nil
}

// GetTask loads a single task owned by userID.
func (g *Gateway) GetTask(ctx context.Context, userID string, id int64) (domain.Task, error) {
	var rec taskRecord
	err := g.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("failed to get task: %w", err)
	}
	return rec.toDomain(), nil
}

// UpdateTask overwrites the editable fields of the task matched by id.
func (g *Gateway) UpdateTask(ctx context.Context, t domain.Task) error {
	return updateTask(g.db.WithContext(ctx), t.UserID, t.ID, t.TaskFields)
}

func updateTask(tx *gorm.DB, userID string, id int64, f domain.TaskFields) error {
	if id == 0 {
		return errors.New("update task: missing id")
	}
	if err := checkFields(f); err != nil {
		return err
	}
	rec := recordFromFields(userID, nil, f)
	res := tx.Model(&taskRecord{}).
		Where("id = ? AND user_id = ?", id, userID).
		Select("Name", "Description", "Status", "Priority", "DueDate", "EstimatedTime", "Labels", "Archived").
		Updates(&rec)
	if res.Error != nil {
		return fmt.Errorf("failed to update task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes the task and every task below it.
func (g *Gateway) DeleteTask(ctx context.Context, userID string, id int64) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteTask(tx, userID, id)
	})
}

func deleteTask(tx *gorm.DB, userID string, id int64) error {
	res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&taskRecord{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	descendants, err := descendantIDs(tx, userID, id)
	if err != nil {
		return err
	}
	if len(descendants) == 0 {
		return nil
	}
	if err := tx.Where("id IN ? AND user_id = ?", descendants, userID).Delete(&taskRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete sub-tasks: %w", err)
	}
	return nil
}

// descendantIDs walks parent_task_id links down from root, one level per query.
func descendantIDs(tx *gorm.DB, userID string, root int64) ([]int64, error) {
	var out []int64
	seen := map[int64]bool{root: true}
	frontier := []int64{root}
	for len(frontier) > 0 {
		var next []int64
		if err := tx.Model(&taskRecord{}).
			Where("parent_task_id IN ? AND user_id = ?", frontier, userID).
			Pluck("id", &next).Error; err != nil {
			return nil, fmt.Errorf("failed to list sub-tasks: %w", err)
		}
		frontier = frontier[:0]
		for _, id := range next {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
				frontier = append(frontier, id)
			}
		}
	}
	return out, nil
}

// ListTasks returns the user's tasks in insertion order.
func (g *Gateway) ListTasks(ctx context.Context, filter TaskFilter) ([]domain.Task, error) {
	if filter.UserID == "" {
		return nil, errors.New("list tasks: missing user id")
	}
	q := g.db.WithContext(ctx).Where("user_id = ?", filter.UserID)
	if filter.ParentTaskID != nil {
		q = q.Where("parent_task_id = ?", *filter.ParentTaskID)
	}
	var recs []taskRecord
	if err := q.Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]domain.Task, 0, len(recs))
	for _, r := range recs {
		tasks = append(tasks, r.toDomain())
	}
	return tasks, nil
}
