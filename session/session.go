// Package session holds the state of one task editing interaction: the task
// draft, its sub-task list and label selection, and the reconciliation of
// that state against the stored rows on commit.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Chounic/next-tasks-manager/domain"
)

var (
	ErrClosed           = errors.New("session is closed")
	ErrSubTaskNotFound  = errors.New("sub-task not found")
	ErrDuplicateSubTask = errors.New("sub-task uuid already present")
)

// State is the lifecycle position of a session.
type State string

const (
	StateClosed      State = "closed"
	StateOpenNew     State = "open-new"
	StateOpenEditing State = "open-editing"
)

// Session is the working copy of one task and its sub-tasks.
type Session struct {
	ID               string            `json:"id"`
	UserID           string            `json:"userId"`
	State            State             `json:"state"`
	Draft            domain.TaskFields `json:"draft"`
	Original         *domain.Task      `json:"original,omitempty"`
	OriginalSubTasks []domain.Task     `json:"originalSubTasks"`
	SubTasks         Entries           `json:"subTasks"`
	SuggestedLabels  []string          `json:"suggestedLabels"` // tags of the latest suggestion
	UpdatedAt        time.Time         `json:"updatedAt"`
}

var newUUID = uuid.NewString

// Open starts a session. Without a task the draft starts from the form
// defaults and an empty sub-task list; otherwise it is a copy of task and
// subTasks.
func Open(userID string, task *domain.Task, subTasks []domain.Task) *Session {
	s := &Session{
		ID:               newUUID(),
		UserID:           userID,
		OriginalSubTasks: []domain.Task{},
		SubTasks:         Entries{},
		SuggestedLabels:  []string{},
		UpdatedAt:        time.Now().UTC(),
	}
	if task == nil {
		s.State = StateOpenNew
		s.Draft = domain.DefaultFields()
		s.Draft.UUID = newUUID()
		return s
	}

	s.State = StateOpenEditing
	orig := *task
	orig.TaskFields = task.TaskFields.Clone()
	if orig.UUID == "" {
		orig.UUID = newUUID()
	}
	s.Original = &orig
	s.Draft = orig.TaskFields.Clone()
	for _, st := range subTasks {
		st.TaskFields = st.TaskFields.Clone()
		if st.UUID == "" {
			st.UUID = newUUID()
		}
		s.OriginalSubTasks = append(s.OriginalSubTasks, st)
		s.SubTasks = append(s.SubTasks, Persisted{ID: st.ID, Task: st.TaskFields.Clone()})
	}
	return s
}

// IsOpen reports whether the session accepts edits.
func (s *Session) IsOpen() bool {
	return s != nil && (s.State == StateOpenNew || s.State == StateOpenEditing)
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now().UTC()
}

// UpdateDraft applies p to the task draft.
func (s *Session) UpdateDraft(p domain.TaskPatch) error {
	if !s.IsOpen() {
		return ErrClosed
	}
	f, err := p.Apply(s.Draft)
	if err != nil {
		return err
	}
	f.UUID = s.Draft.UUID
	s.Draft = f
	s.touch()
	return nil
}

// ApplySuggestion merges sg into the draft. Labels are only ever added,
// scalar fields are only replaced by present values, and suggested
// sub-tasks are appended as new drafts.
func (s *Session) ApplySuggestion(sg domain.Suggestion) error {
	if !s.IsOpen() {
		return ErrClosed
	}
	var suggested []string
	for _, tag := range sg.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || contains(suggested, tag) {
			continue
		}
		suggested = append(suggested, tag)
		if !s.Draft.HasLabel(tag) {
			s.Draft.Labels = append(s.Draft.Labels, tag)
		}
	}
	if len(suggested) > 0 {
		s.SuggestedLabels = suggested
	}
	if sg.Priority != nil {
		s.Draft.Priority = *sg.Priority
	}
	if sg.DueDate != nil {
		d := domain.TruncateDay(*sg.DueDate)
		s.Draft.DueDate = &d
	}
	if sg.EstimatedTime != nil && *sg.EstimatedTime >= 0 {
		v := *sg.EstimatedTime
		s.Draft.EstimatedTime = &v
	}
	for _, name := range sg.Subtasks {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f := domain.DefaultFields()
		f.UUID = newUUID()
		f.Name = name
		s.SubTasks = append(s.SubTasks, Draft{Task: f})
	}
	s.touch()
	return nil
}

// AddSubTask appends a new draft sub-task and returns it. A missing uuid is
// generated; empty status and priority take the form defaults.
func (s *Session) AddSubTask(f domain.TaskFields) (Draft, error) {
	if !s.IsOpen() {
		return Draft{}, ErrClosed
	}
	f = f.Clone()
	if f.UUID == "" {
		f.UUID = newUUID()
	}
	if s.SubTasks.index(f.UUID) >= 0 || f.UUID == s.Draft.UUID {
		return Draft{}, fmt.Errorf("%w: %s", ErrDuplicateSubTask, f.UUID)
	}
	if f.Status == "" {
		f.Status = domain.StatusBacklog
	}
	if f.Priority == "" {
		f.Priority = domain.PriorityMedium
	}
	d := Draft{Task: f}
	s.SubTasks = append(s.SubTasks, d)
	s.touch()
	return d, nil
}

// UpdateSubTask replaces the patched fields of the sub-task keyed by uuid.
func (s *Session) UpdateSubTask(uuid string, p domain.TaskPatch) (Entry, error) {
	if !s.IsOpen() {
		return nil, ErrClosed
	}
	i := s.SubTasks.index(uuid)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrSubTaskNotFound, uuid)
	}
	f, err := p.Apply(s.SubTasks[i].Fields())
	if err != nil {
		return nil, err
	}
	f.UUID = uuid
	s.SubTasks[i] = s.SubTasks[i].withFields(f)
	s.touch()
	return s.SubTasks[i], nil
}

// RemoveSubTask drops every entry whose uuid equals uuid. It reports whether
// anything was removed.
func (s *Session) RemoveSubTask(uuid string) (bool, error) {
	if !s.IsOpen() {
		return false, ErrClosed
	}
	kept := s.SubTasks[:0]
	removed := false
	for _, e := range s.SubTasks {
		if e.UUID() == uuid {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	s.SubTasks = kept
	if removed {
		s.touch()
	}
	return removed, nil
}

// ToggleLabel adds label when absent and removes it when present.
func (s *Session) ToggleLabel(label string) error {
	if !s.IsOpen() {
		return ErrClosed
	}
	if s.Draft.HasLabel(label) {
		s.Draft.Labels = without(s.Draft.Labels, label)
	} else {
		s.Draft.Labels = append(s.Draft.Labels, label)
	}
	s.touch()
	return nil
}

func (s *Session) RemoveLabel(label string) error {
	if !s.IsOpen() {
		return ErrClosed
	}
	s.Draft.Labels = without(s.Draft.Labels, label)
	s.touch()
	return nil
}

// Validate checks the draft and every sub-task. Sub-task messages are keyed
// as subTasks[<index>].<field>.
func (s *Session) Validate() error {
	verr := s.Draft.Validate()
	if verr == nil {
		verr = &domain.ValidationError{}
	}
	for i, e := range s.SubTasks {
		verr.Merge(fmt.Sprintf("subTasks[%d].", i), e.Fields().Validate())
	}
	return verr.OrNil()
}

// Close discards the draft and the sub-task list.
func (s *Session) Close() {
	s.State = StateClosed
	s.Draft = domain.TaskFields{}
	s.Original = nil
	s.OriginalSubTasks = nil
	s.SubTasks = nil
	s.SuggestedLabels = nil
	s.touch()
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	out := *s
	out.Draft = s.Draft.Clone()
	if s.Original != nil {
		o := *s.Original
		o.TaskFields = s.Original.TaskFields.Clone()
		out.Original = &o
	}
	if s.OriginalSubTasks != nil {
		out.OriginalSubTasks = make([]domain.Task, len(s.OriginalSubTasks))
		for i, t := range s.OriginalSubTasks {
			t.TaskFields = t.TaskFields.Clone()
			out.OriginalSubTasks[i] = t
		}
	}
	if s.SubTasks != nil {
		out.SubTasks = s.SubTasks.clone()
	}
	if s.SuggestedLabels != nil {
		out.SuggestedLabels = append([]string{}, s.SuggestedLabels...)
	}
	return &out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func without(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
