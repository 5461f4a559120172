package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/Chounic/next-tasks-manager/domain"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := Open("sqlite", ":memory:", nil)
	if err != nil {
		t.Fatalf("open gateway: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	if err := g.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return g
}

func fields(name string) domain.TaskFields {
	f := domain.DefaultFields()
	f.Name = name
	return f
}

func TestGatewayTaskCRUD(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	f := fields("Ship v2")
	f.Labels = []string{"feature", "bug"}
	f.DueDate = domain.DatePtr(2025, 4, 1)
	f.EstimatedTime = domain.IntPtr(3)
	created, err := g.CreateTask(ctx, domain.NewTask{UserID: "u1", TaskFields: f})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == 0 {
		t.Fatalf("expected id to be assigned")
	}
	if created.UUID == "" {
		t.Fatalf("expected uuid to be generated")
	}

	got, err := g.GetTask(ctx, "u1", created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Ship v2" || len(got.Labels) != 2 || got.Labels[1] != "bug" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.EstimatedTime == nil || *got.EstimatedTime != 3 {
		t.Fatalf("unexpected estimate: %v", got.EstimatedTime)
	}

	got.Status = domain.StatusDone
	got.EstimatedTime = nil
	got.Labels = nil
	if err := g.UpdateTask(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, err := g.GetTask(ctx, "u1", created.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if updated.Status != domain.StatusDone || updated.EstimatedTime != nil || len(updated.Labels) != 0 {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.UUID != created.UUID {
		t.Fatalf("uuid must not change on update")
	}

	if _, err := g.GetTask(ctx, "someone-else", created.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected other users to miss the task, got %v", err)
	}

	if err := g.DeleteTask(ctx, "u1", created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := g.DeleteTask(ctx, "u1", created.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestGatewayRejectsInvalidStatus(t *testing.T) {
	g := newTestGateway(t)
	f := fields("bad")
	f.Status = "blocked"
	_, err := g.CreateTask(context.Background(), domain.NewTask{UserID: "u1", TaskFields: f})
	if !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestGatewayListTasksByParent(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	parent, err := g.CreateTask(ctx, domain.NewTask{UserID: "u1", TaskFields: fields("parent")})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		if _, err := g.CreateTask(ctx, domain.NewTask{UserID: "u1", ParentTaskID: &parent.ID, TaskFields: fields(name)}); err != nil {
			t.Fatalf("create child: %v", err)
		}
	}
	if _, err := g.CreateTask(ctx, domain.NewTask{UserID: "u2", TaskFields: fields("other")}); err != nil {
		t.Fatalf("create other: %v", err)
	}

	all, err := g.ListTasks(ctx, TaskFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks for u1, got %d", len(all))
	}
	children, err := g.ListTasks(ctx, TaskFilter{UserID: "u1", ParentTaskID: &parent.ID})
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 2 || children[0].Name != "a" || children[1].Name != "b" {
		t.Fatalf("unexpected children: %+v", children)
	}

	if err := g.DeleteTask(ctx, "u1", parent.ID); err != nil {
		t.Fatalf("delete parent: %v", err)
	}
	left, err := g.ListTasks(ctx, TaskFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected sub-tasks to be deleted with parent, got %d", len(left))
	}
}

func TestGatewayApplyBatchResolvesParentUUID(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	parent := fields("Ship v2")
	parent.UUID = "parent-uuid"
	child := fields("Write tests")
	child.UUID = "child-uuid"
	res, err := g.ApplyBatch(ctx, Batch{UserID: "u1", Ops: []Op{
		{Kind: OpCreate, Fields: parent},
		{Kind: OpCreate, Fields: child, ParentUUID: "parent-uuid"},
	}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Atomic || len(res.Applied) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	parentID, ok := res.CreatedID("parent-uuid")
	if !ok {
		t.Fatalf("expected parent id in result")
	}
	children, err := g.ListTasks(ctx, TaskFilter{UserID: "u1", ParentTaskID: &parentID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(children) != 1 || children[0].UUID != "child-uuid" {
		t.Fatalf("unexpected children: %+v", children)
	}
}

func TestGatewayApplyBatchRollsBack(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	_, err := g.ApplyBatch(ctx, Batch{UserID: "u1", Ops: []Op{
		{Kind: OpCreate, Fields: fields("kept?")},
		{Kind: OpUpdate, ID: 999, Fields: fields("missing")},
	}})
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	if be.Index != 1 || !be.RolledBack || !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("unexpected batch error: %+v", be)
	}
	tasks, err := g.ListTasks(ctx, TaskFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected rollback to discard the create, got %d tasks", len(tasks))
	}
}

func TestGatewayRejectsForeignOrMissingParent(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	bobs, err := g.CreateTask(ctx, domain.NewTask{UserID: "bob", TaskFields: fields("bob's task")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = g.CreateTask(ctx, domain.NewTask{UserID: "alice", ParentTaskID: &bobs.ID, TaskFields: fields("intruder")})
	if !errors.Is(err, ErrParentNotFound) || !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrParentNotFound for a foreign parent, got %v", err)
	}

	missing := int64(9999)
	if _, err := g.CreateTask(ctx, domain.NewTask{UserID: "alice", ParentTaskID: &missing, TaskFields: fields("orphan")}); !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("expected ErrParentNotFound for a missing parent, got %v", err)
	}

	tasks, err := g.ListTasks(ctx, TaskFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rejected sub-tasks must not be stored, got %+v", tasks)
	}
}

func TestGatewayDeleteCascadesThroughAllLevels(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	root, err := g.CreateTask(ctx, domain.NewTask{UserID: "u1", TaskFields: fields("root")})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	parent := root.ID
	for _, name := range []string{"child", "grandchild", "great-grandchild"} {
		c, err := g.CreateTask(ctx, domain.NewTask{UserID: "u1", ParentTaskID: &parent, TaskFields: fields(name)})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		parent = c.ID
	}
	keep, err := g.CreateTask(ctx, domain.NewTask{UserID: "u1", TaskFields: fields("unrelated")})
	if err != nil {
		t.Fatalf("create unrelated: %v", err)
	}

	if err := g.DeleteTask(ctx, "u1", root.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	left, err := g.ListTasks(ctx, TaskFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 1 || left[0].ID != keep.ID {
		t.Fatalf("expected only the unrelated task to survive, got %+v", left)
	}
}

func TestGatewayDeleteOfForeignTaskKeepsSubTasks(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	root, err := g.CreateTask(ctx, domain.NewTask{UserID: "u1", TaskFields: fields("root")})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	if _, err := g.CreateTask(ctx, domain.NewTask{UserID: "u1", ParentTaskID: &root.ID, TaskFields: fields("child")}); err != nil {
		t.Fatalf("create child: %v", err)
	}
	if err := g.DeleteTask(ctx, "u2", root.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	left, err := g.ListTasks(ctx, TaskFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("a rejected delete must not touch sub-tasks, got %d tasks", len(left))
	}
}
