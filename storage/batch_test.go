package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/Chounic/next-tasks-manager/domain"
)

// rowStore is a TaskStore without batch support, recording every call.
type rowStore struct {
	nextID  int64
	calls   []string
	failOn  string
	parents map[string]*int64
}

func (s *rowStore) record(call string) error {
	s.calls = append(s.calls, call)
	if call == s.failOn {
		return errors.New("boom")
	}
	return nil
}

func (s *rowStore) CreateTask(_ context.Context, t domain.NewTask) (domain.Task, error) {
	if err := s.record("create:" + t.Name); err != nil {
		return domain.Task{}, err
	}
	s.nextID++
	if s.parents == nil {
		s.parents = make(map[string]*int64)
	}
	s.parents[t.Name] = t.ParentTaskID
	return domain.Task{ID: s.nextID, UserID: t.UserID, TaskFields: t.TaskFields}, nil
}

func (s *rowStore) GetTask(context.Context, string, int64) (domain.Task, error) {
	return domain.Task{}, ErrTaskNotFound
}

func (s *rowStore) UpdateTask(_ context.Context, t domain.Task) error {
	return s.record("update:" + t.Name)
}

func (s *rowStore) DeleteTask(context.Context, string, int64) error {
	return s.record("delete")
}

func (s *rowStore) ListTasks(context.Context, TaskFilter) ([]domain.Task, error) {
	return nil, nil
}

func TestApplySequentialReportsPrefixOnFailure(t *testing.T) {
	store := &rowStore{failOn: "create:second"}
	b := Batch{UserID: "u1", Ops: []Op{
		{Kind: OpUpdate, ID: 1, Fields: fields("first")},
		{Kind: OpCreate, Fields: fields("second")},
		{Kind: OpDelete, ID: 3},
	}}

	res, err := Apply(context.Background(), store, b)
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	if be.Index != 1 || be.RolledBack {
		t.Fatalf("unexpected batch error: %+v", be)
	}
	if res.Atomic {
		t.Fatalf("sequential apply must not claim atomicity")
	}
	if len(res.Applied) != 1 || res.Applied[0].Kind != OpUpdate {
		t.Fatalf("expected only the first op to be reported applied, got %+v", res.Applied)
	}
	if len(store.calls) != 2 {
		t.Fatalf("expected apply to stop after failure, calls=%v", store.calls)
	}
}

func TestApplySequentialResolvesParentUUID(t *testing.T) {
	store := &rowStore{}
	parent := fields("parent")
	parent.UUID = "p"
	b := Batch{UserID: "u1", Ops: []Op{
		{Kind: OpCreate, Fields: parent},
		{Kind: OpCreate, Fields: fields("child"), ParentUUID: "p"},
	}}
	res, err := Apply(context.Background(), store, b)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.Applied) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := store.parents["child"]; got == nil || *got != 1 {
		t.Fatalf("expected child to reference parent id 1, got %v", got)
	}
	if res.Applied[1].UUID == "" {
		t.Fatalf("expected generated uuid for child")
	}
}

func TestApplyRejectsUnknownParent(t *testing.T) {
	store := &rowStore{}
	_, err := Apply(context.Background(), store, Batch{UserID: "u1", Ops: []Op{
		{Kind: OpCreate, Fields: fields("orphan"), ParentUUID: "nope"},
	}})
	var be *BatchError
	if !errors.As(err, &be) || be.Index != 0 {
		t.Fatalf("expected BatchError at index 0, got %v", err)
	}
	if len(store.calls) != 0 {
		t.Fatalf("store must not be called, got %v", store.calls)
	}
}

func TestBatchCounts(t *testing.T) {
	b := Batch{Ops: []Op{{Kind: OpCreate}, {Kind: OpUpdate}, {Kind: OpUpdate}, {Kind: OpDelete}}}
	c, u, d := b.Counts()
	if c != 1 || u != 2 || d != 1 {
		t.Fatalf("unexpected counts: %d %d %d", c, u, d)
	}
}
