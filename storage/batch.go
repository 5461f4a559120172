package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Chounic/next-tasks-manager/domain"
)

// OpKind names a row operation inside a Batch.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is a single row operation. Creates may reference a parent that is
// created earlier in the same batch through ParentUUID.
type Op struct {
	Kind         OpKind            `json:"kind"`
	ID           int64             `json:"id,omitempty"`
	Fields       domain.TaskFields `json:"fields"`
	ParentTaskID *int64            `json:"parentTaskId,omitempty"`
	ParentUUID   string            `json:"parentUuid,omitempty"`
}

// Batch is an ordered list of operations for one user.
type Batch struct {
	UserID string `json:"userId"`
	Ops    []Op   `json:"ops"`
}

// Counts returns how many creates, updates and deletes the batch holds.
func (b Batch) Counts() (creates, updates, deletes int) {
	for _, op := range b.Ops {
		switch op.Kind {
		case OpCreate:
			creates++
		case OpUpdate:
			updates++
		case OpDelete:
			deletes++
		}
	}
	return
}

// OpResult records one operation that reached the store.
type OpResult struct {
	Index int    `json:"index"`
	Kind  OpKind `json:"kind"`
	ID    int64  `json:"id"`
	UUID  string `json:"uuid,omitempty"`
}

// BatchResult lists the operations that were applied, in order.
// Atomic is true when the store applied the batch all-or-nothing.
type BatchResult struct {
	Applied []OpResult `json:"applied"`
	Atomic  bool       `json:"atomic"`
}

// CreatedID returns the id assigned to the created row with the given uuid.
func (r BatchResult) CreatedID(uuid string) (int64, bool) {
	for _, a := range r.Applied {
		if a.Kind == OpCreate && a.UUID == uuid {
			return a.ID, true
		}
	}
	return 0, false
}

// BatchError reports which operation failed. When RolledBack is set nothing
// from the batch was kept.
type BatchError struct {
	Index      int
	Op         Op
	RolledBack bool
	Err        error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch op %d (%s) failed: %v", e.Index, e.Op.Kind, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Batcher is implemented by stores that can apply a Batch atomically.
type Batcher interface {
	ApplyBatch(ctx context.Context, b Batch) (BatchResult, error)
}

// Apply submits b through store. Stores implementing Batcher get the whole
// batch at once; others receive the operations one by one, stopping at the
// first failure.
func Apply(ctx context.Context, store TaskStore, b Batch) (BatchResult, error) {
	if bs, ok := store.(Batcher); ok {
		return bs.ApplyBatch(ctx, b)
	}
	return applySequential(ctx, store, b)
}

func applySequential(ctx context.Context, store TaskStore, b Batch) (BatchResult, error) {
	res := BatchResult{Applied: make([]OpResult, 0, len(b.Ops))}
	created := make(map[string]int64)
	for i, op := range b.Ops {
		r, err := applyOp(i, op, created, func(op Op, parent *int64) (int64, error) {
			switch op.Kind {
			case OpCreate:
				t, err := store.CreateTask(ctx, domain.NewTask{UserID: b.UserID, ParentTaskID: parent, TaskFields: op.Fields})
				return t.ID, err
			case OpUpdate:
				return op.ID, store.UpdateTask(ctx, domain.Task{ID: op.ID, UserID: b.UserID, TaskFields: op.Fields})
			default:
				return op.ID, store.DeleteTask(ctx, b.UserID, op.ID)
			}
		})
		if err != nil {
			return res, err
		}
		res.Applied = append(res.Applied, r)
	}
	return res, nil
}

// ApplyBatch runs every operation of b inside one transaction.
func (g *Gateway) ApplyBatch(ctx context.Context, b Batch) (BatchResult, error) {
	res := BatchResult{Atomic: true}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied := make([]OpResult, 0, len(b.Ops))
		created := make(map[string]int64)
		for i, op := range b.Ops {
			r, err := applyOp(i, op, created, func(op Op, parent *int64) (int64, error) {
				switch op.Kind {
				case OpCreate:
					t, err := createTask(tx, domain.NewTask{UserID: b.UserID, ParentTaskID: parent, TaskFields: op.Fields})
					return t.ID, err
				case OpUpdate:
					return op.ID, updateTask(tx, b.UserID, op.ID, op.Fields)
				default:
					return op.ID, deleteTask(tx, b.UserID, op.ID)
				}
			})
			if err != nil {
				var be *BatchError
				if errors.As(err, &be) {
					be.RolledBack = true
				}
				return err
			}
			applied = append(applied, r)
		}
		res.Applied = applied
		return nil
	})
	if err != nil {
		res.Applied = nil
		return res, err
	}
	return res, nil
}

// applyOp resolves the parent reference, runs exec and records the result.
func applyOp(i int, op Op, created map[string]int64, exec func(Op, *int64) (int64, error)) (OpResult, error) {
	parent := op.ParentTaskID
	if op.Kind == OpCreate && parent == nil && op.ParentUUID != "" {
		id, ok := created[op.ParentUUID]
		if !ok {
			return OpResult{}, &BatchError{Index: i, Op: op, Err: fmt.Errorf("parent %s is not created in this batch", op.ParentUUID)}
		}
		parent = &id
	}
	if op.Kind == OpCreate && op.Fields.UUID == "" {
		op.Fields.UUID = newUUID()
	}
	switch op.Kind {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return OpResult{}, &BatchError{Index: i, Op: op, Err: fmt.Errorf("unknown op kind %q", op.Kind)}
	}
	id, err := exec(op, parent)
	if err != nil {
		return OpResult{}, &BatchError{Index: i, Op: op, Err: err}
	}
	if op.Kind == OpCreate {
		created[op.Fields.UUID] = id
	}
	return OpResult{Index: i, Kind: op.Kind, ID: id, UUID: op.Fields.UUID}, nil
}

func newUUID() string {
	return uuid.NewString()
}
