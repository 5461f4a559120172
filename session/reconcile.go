package session

import (
	"fmt"

	"github.com/Chounic/next-tasks-manager/domain"
	"github.com/Chounic/next-tasks-manager/storage"
)

// Update is a sub-task present both in the original list and the session.
type Update struct {
	ID     int64
	Fields domain.TaskFields
}

// Diff is the three-way difference between the original sub-tasks and the
// current list, keyed by uuid only.
type Diff struct {
	Creates []domain.TaskFields
	Updates []Update
	Deletes []domain.Task
}

// Reconcile matches current against original by uuid: entries in both become
// updates, entries only in current become creates and originals missing from
// current become deletes. Creates and updates follow the order of current,
// deletes the order of original.
func Reconcile(original []domain.Task, current Entries) Diff {
	byUUID := make(map[string]domain.Task, len(original))
	for _, t := range original {
		byUUID[t.UUID] = t
	}
	var d Diff
	seen := make(map[string]bool, len(current))
	for _, e := range current {
		uuid := e.UUID()
		if seen[uuid] {
			continue
		}
		seen[uuid] = true
		if orig, ok := byUUID[uuid]; ok {
			d.Updates = append(d.Updates, Update{ID: orig.ID, Fields: e.Fields()})
			continue
		}
		d.Creates = append(d.Creates, e.Fields())
	}
	for _, t := range original {
		if !seen[t.UUID] {
			d.Deletes = append(d.Deletes, t)
		}
	}
	return d
}

// Plan turns the session into one ordered batch: the main task first, then
// the sub-tasks in list order, then the deletes. Sub-tasks of a new task
// point at it through its uuid.
func (s *Session) Plan() (storage.Batch, error) {
	if !s.IsOpen() {
		return storage.Batch{}, ErrClosed
	}
	b := storage.Batch{UserID: s.UserID}

	if s.State == StateOpenNew {
		b.Ops = append(b.Ops, storage.Op{Kind: storage.OpCreate, Fields: s.Draft.Clone()})
		for _, e := range s.SubTasks {
			b.Ops = append(b.Ops, storage.Op{
				Kind:       storage.OpCreate,
				Fields:     e.Fields().Clone(),
				ParentUUID: s.Draft.UUID,
			})
		}
		return b, nil
	}

	if s.Original == nil {
		return storage.Batch{}, fmt.Errorf("session %s: editing without an original task", s.ID)
	}
	parentID := s.Original.ID
	b.Ops = append(b.Ops, storage.Op{Kind: storage.OpUpdate, ID: parentID, Fields: s.Draft.Clone()})

	d := Reconcile(s.OriginalSubTasks, s.SubTasks)
	updates := make(map[string]Update, len(d.Updates))
	for _, u := range d.Updates {
		updates[u.Fields.UUID] = u
	}
	emitted := make(map[string]bool, len(s.SubTasks))
	for _, e := range s.SubTasks {
		uuid := e.UUID()
		if emitted[uuid] {
			continue
		}
		emitted[uuid] = true
		if u, ok := updates[uuid]; ok {
			b.Ops = append(b.Ops, storage.Op{Kind: storage.OpUpdate, ID: u.ID, Fields: u.Fields.Clone()})
			continue
		}
		b.Ops = append(b.Ops, storage.Op{
			Kind:         storage.OpCreate,
			Fields:       e.Fields().Clone(),
			ParentTaskID: &parentID,
		})
	}
	for _, t := range d.Deletes {
		b.Ops = append(b.Ops, storage.Op{Kind: storage.OpDelete, ID: t.ID, Fields: t.TaskFields.Clone()})
	}
	return b, nil
}
