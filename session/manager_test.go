package session

import (
	"context"
	"errors"
	"testing"

	"github.com/Chounic/next-tasks-manager/domain"
	"github.com/Chounic/next-tasks-manager/storage"
)

func seededTasks() *fakeTasks {
	parent := task(1, "t", "Ship v2")
	child := task(2, "a", "Write tests")
	pid := parent.ID
	child.ParentTaskID = &pid
	return newFakeTasks(parent, child)
}

func TestManagerOpenEditingLoadsSubTasks(t *testing.T) {
	m := NewManager(NewMemoryStore(), seededTasks(), nil, nil)
	id := int64(1)
	s, err := m.Open(context.Background(), "u1", &id)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.State != StateOpenEditing || s.Original.ID != 1 {
		t.Fatalf("unexpected session: %+v", s)
	}
	if len(s.SubTasks) != 1 || s.SubTasks[0].UUID() != "a" {
		t.Fatalf("expected loaded sub-task, got %+v", s.SubTasks)
	}
	if _, ok := s.SubTasks[0].(Persisted); !ok {
		t.Fatalf("loaded sub-tasks must be persisted entries")
	}

	missing := int64(99)
	if _, err := m.Open(context.Background(), "u1", &missing); err == nil {
		t.Fatalf("expected error opening a missing task")
	}
}

func TestManagerEnforcesOwnership(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), newFakeTasks(), nil, nil)
	s, err := m.Open(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := m.Get(ctx, "u2", s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	if _, err := m.ToggleLabel(ctx, "u2", s.ID, "bug"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	if err := m.Close(ctx, "u2", s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	if _, err := m.Get(ctx, "u1", s.ID); err != nil {
		t.Fatalf("owner lost the session: %v", err)
	}
}

func TestManagerRejectsSecondSuggestion(t *testing.T) {
	ctx := context.Background()
	sg := &fakeSuggester{
		res:     domain.Suggestion{Tags: []string{"bug"}},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := NewManager(NewMemoryStore(), newFakeTasks(), sg, nil)
	s, err := m.Open(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	desc := "crash on save"
	if _, err := m.UpdateDraft(ctx, "u1", s.ID, domain.TaskPatch{Description: &desc}); err != nil {
		t.Fatalf("draft: %v", err)
	}

	type result struct {
		s       *Session
		applied bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		out, applied, err := m.Suggest(ctx, "u1", s.ID)
		done <- result{out, applied, err}
	}()
	<-sg.started

	if _, _, err := m.Suggest(ctx, "u1", s.ID); !errors.Is(err, ErrSuggestionInFlight) {
		t.Fatalf("expected ErrSuggestionInFlight, got %v", err)
	}
	if _, err := m.ToggleLabel(ctx, "u1", s.ID, "design"); err != nil {
		t.Fatalf("edits during a suggestion must be accepted: %v", err)
	}
	close(sg.release)

	r := <-done
	if r.err != nil || !r.applied {
		t.Fatalf("suggest: applied=%v err=%v", r.applied, r.err)
	}
	want := []string{"design", "bug"}
	if len(r.s.Draft.Labels) != 2 || r.s.Draft.Labels[0] != want[0] || r.s.Draft.Labels[1] != want[1] {
		t.Fatalf("suggestion must merge into the latest draft, got %v", r.s.Draft.Labels)
	}
	if sg.count() != 1 {
		t.Fatalf("expected exactly one remote call, got %d", sg.count())
	}
}

func TestManagerGuardsCommitInFlight(t *testing.T) {
	ctx := context.Background()
	tasks := seededTasks()
	tasks.block = make(chan struct{})
	tasks.entered = make(chan struct{})
	m := NewManager(NewMemoryStore(), tasks, nil, nil)

	id := int64(1)
	s, err := m.Open(ctx, "u1", &id)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := m.RemoveSubTask(ctx, "u1", s.ID, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Commit(ctx, "u1", s.ID)
		done <- err
	}()
	<-tasks.entered

	if err := m.Close(ctx, "u1", s.ID); !errors.Is(err, ErrCommitInFlight) {
		t.Fatalf("expected close to be refused, got %v", err)
	}
	if _, err := m.ToggleLabel(ctx, "u1", s.ID, "bug"); !errors.Is(err, ErrCommitInFlight) {
		t.Fatalf("expected edits to be refused, got %v", err)
	}
	if _, err := m.Commit(ctx, "u1", s.ID); !errors.Is(err, ErrCommitInFlight) {
		t.Fatalf("expected second commit to be refused, got %v", err)
	}
	close(tasks.block)

	if err := <-done; err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := m.Get(ctx, "u1", s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("committed session must be dropped, got %v", err)
	}
	if _, err := tasks.GetTask(ctx, "u1", 2); err == nil {
		t.Fatalf("removed sub-task must be deleted")
	}
}

func TestManagerCommitFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), newFakeTasks(), nil, nil)
	s, err := m.Open(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := m.Commit(ctx, "u1", s.ID); err == nil {
		t.Fatalf("expected validation failure for an unnamed task")
	}
	name := "Named"
	if _, err := m.UpdateDraft(ctx, "u1", s.ID, domain.TaskPatch{Name: &name}); err != nil {
		t.Fatalf("session should still be editable: %v", err)
	}
	res, err := m.Commit(ctx, "u1", s.ID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.TaskID == 0 {
		t.Fatalf("expected created task id, got %+v", res)
	}
}

// stickyStore refuses deletes, as a store that lost its connection would.
type stickyStore struct {
	*MemoryStore
}

func (stickyStore) Delete(context.Context, string) error {
	return errors.New("store unavailable")
}

func TestManagerCommitMarksSessionClosedWhenDropFails(t *testing.T) {
	ctx := context.Background()
	tasks := newFakeTasks()
	m := NewManager(stickyStore{NewMemoryStore()}, tasks, nil, nil)
	s, err := m.Open(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	name := "Ship v2"
	if _, err := m.UpdateDraft(ctx, "u1", s.ID, domain.TaskPatch{Name: &name}); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	if _, err := m.AddSubTask(ctx, "u1", s.ID, domain.TaskFields{Name: "Write tests"}); err != nil {
		t.Fatalf("add sub-task: %v", err)
	}
	if _, err := m.Commit(ctx, "u1", s.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := m.Commit(ctx, "u1", s.ID); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected replayed commit to fail with ErrClosed, got %v", err)
	}
	got, err := m.Get(ctx, "u1", s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IsOpen() {
		t.Fatalf("session must be stored closed")
	}
	rows, err := tasks.ListTasks(ctx, storage.TaskFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected parent and one sub-task, got %d rows", len(rows))
	}
}
