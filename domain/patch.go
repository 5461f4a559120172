package domain

import (
	"bytes"
	"time"

	"github.com/bytedance/sonic"
)

// Nullable distinguishes an absent JSON field from an explicit null.
// Set is true whenever the key was present; Valid is false for null.
type Nullable[T any] struct {
	Set   bool
	Valid bool
	Value T
}

// Some returns a present, non-null value.
func Some[T any](v T) Nullable[T] { return Nullable[T]{Set: true, Valid: true, Value: v} }

// Null returns a present null.
func Null[T any]() Nullable[T] { return Nullable[T]{Set: true} }

func (n *Nullable[T]) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		n.Valid = false
		var zero T
		n.Value = zero
		return nil
	}
	if err := sonic.ConfigStd.Unmarshal(data, &n.Value); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return sonic.ConfigStd.Marshal(n.Value)
}

// TaskPatch is a partial update of TaskFields. Nil pointers mean "no change".
type TaskPatch struct {
	Name          *string          `json:"name,omitempty"`
	Description   *string          `json:"description,omitempty"`
	Status        *Status          `json:"status,omitempty"`
	Priority      *Priority        `json:"priority,omitempty"`
	DueDate       Nullable[string] `json:"dueDate"`
	EstimatedTime Nullable[int]    `json:"estimatedTime"`
	Labels        *[]string        `json:"labels,omitempty"`
	Archived      *bool            `json:"archived,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Status == nil && p.Priority == nil &&
		!p.DueDate.Set && !p.EstimatedTime.Set && p.Labels == nil && p.Archived == nil
}

// Apply returns a copy of f with the patched fields replaced. The uuid is never
// patched. An unparsable due date is reported as a validation error on dueDate.
func (p TaskPatch) Apply(f TaskFields) (TaskFields, error) {
	out := f.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Status != nil {
		out.Status = Status(NormalizeStatus(string(*p.Status)))
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.DueDate.Set {
		if !p.DueDate.Valid || p.DueDate.Value == "" {
			out.DueDate = nil
		} else {
			d, err := ParseDate(p.DueDate.Value)
			if err != nil {
				return f, &ValidationError{Fields: map[string]string{"dueDate": "must be a date (YYYY-MM-DD)"}}
			}
			out.DueDate = &d
		}
	}
	if p.EstimatedTime.Set {
		if !p.EstimatedTime.Valid {
			out.EstimatedTime = nil
		} else {
			v := p.EstimatedTime.Value
			out.EstimatedTime = &v
		}
	}
	if p.Labels != nil {
		out.Labels = append([]string{}, (*p.Labels)...)
	}
	if p.Archived != nil {
		out.Archived = *p.Archived
	}
	return out, nil
}

// DatePtr is a small helper for building fields in code and tests.
func DatePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func IntPtr(v int) *int { return &v }
