package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidStatus   = errors.New("invalid task status")
	ErrInvalidPriority = errors.New("invalid task priority")
)

// ValidationError collects per-field problems with a draft. Fields are keyed by
// their JSON name; sub-task problems use "subTasks[i].field".
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

// Merge copies other's fields under prefix.
func (e *ValidationError) Merge(prefix string, other *ValidationError) {
	if other == nil {
		return
	}
	for k, v := range other.Fields {
		e.add(prefix+k, v)
	}
}

// OrNil returns nil when nothing was recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Validate checks the fields a task must satisfy before it is persisted.
func (f TaskFields) Validate() *ValidationError {
	ve := &ValidationError{}
	name := strings.TrimSpace(f.Name)
	if name == "" {
		ve.add("name", "is required")
	} else if utf8.RuneCountInString(f.Name) > MaxNameLength {
		ve.add("name", fmt.Sprintf("must be at most %d characters", MaxNameLength))
	}
	if !f.Status.Valid() {
		ve.add("status", fmt.Sprintf("must be one of %s", joinStatuses()))
	}
	if !f.Priority.Valid() {
		ve.add("priority", "must be one of low, medium, high, urgent")
	}
	if f.EstimatedTime != nil && *f.EstimatedTime < 0 {
		ve.add("estimatedTime", "must be a non-negative number of days")
	}
	if len(ve.Fields) == 0 {
		return nil
	}
	return ve
}

func joinStatuses() string {
	parts := make([]string, len(Statuses))
	for i, s := range Statuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
