package session

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/Chounic/next-tasks-manager/domain"
)

// Entry is one row of the sub-task list. It is either a Persisted sub-task
// loaded from the store or a Draft created during the session.
type Entry interface {
	UUID() string
	Fields() domain.TaskFields
	withFields(domain.TaskFields) Entry
}

// Persisted is a sub-task that already has a row id.
type Persisted struct {
	ID   int64
	Task domain.TaskFields
}

func (p Persisted) UUID() string              { return p.Task.UUID }
func (p Persisted) Fields() domain.TaskFields { return p.Task }

func (p Persisted) withFields(f domain.TaskFields) Entry {
	p.Task = f
	return p
}

// Draft is a sub-task that only exists in the session.
type Draft struct {
	Task domain.TaskFields
}

func (d Draft) UUID() string              { return d.Task.UUID }
func (d Draft) Fields() domain.TaskFields { return d.Task }

func (d Draft) withFields(f domain.TaskFields) Entry {
	d.Task = f
	return d
}

const (
	kindPersisted = "persisted"
	kindDraft     = "draft"
)

type entryJSON struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id,omitempty"`
	domain.TaskFields
}

// Entries is the ordered sub-task list. Its JSON form tags every element
// with an explicit kind.
type Entries []Entry

func (es Entries) MarshalJSON() ([]byte, error) {
	out := make([]entryJSON, 0, len(es))
	for _, e := range es {
		switch v := e.(type) {
		case Persisted:
			out = append(out, entryJSON{Kind: kindPersisted, ID: v.ID, TaskFields: v.Task})
		case Draft:
			out = append(out, entryJSON{Kind: kindDraft, TaskFields: v.Task})
		default:
			return nil, fmt.Errorf("unknown entry type %T", e)
		}
	}
	return sonic.ConfigStd.Marshal(out)
}

func (es *Entries) UnmarshalJSON(data []byte) error {
	var raw []entryJSON
	if err := sonic.ConfigStd.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Entries, 0, len(raw))
	for i, r := range raw {
		switch r.Kind {
		case kindPersisted:
			if r.ID == 0 {
				return fmt.Errorf("entry %d: persisted sub-task without id", i)
			}
			out = append(out, Persisted{ID: r.ID, Task: r.TaskFields})
		case kindDraft:
			out = append(out, Draft{Task: r.TaskFields})
		default:
			return fmt.Errorf("entry %d: unknown kind %q", i, r.Kind)
		}
	}
	*es = out
	return nil
}

func (es Entries) index(uuid string) int {
	for i, e := range es {
		if e.UUID() == uuid {
			return i
		}
	}
	return -1
}

func (es Entries) clone() Entries {
	if es == nil {
		return Entries{}
	}
	out := make(Entries, len(es))
	for i, e := range es {
		out[i] = e.withFields(e.Fields().Clone())
	}
	return out
}
