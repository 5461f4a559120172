package domain

import (
	"strings"
	"time"
)

// Status is the board column a task lives in.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
)

// Statuses lists every status in board order.
var Statuses = []Status{StatusBacklog, StatusReady, StatusInProgress, StatusDone}

func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusReady, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// NormalizeStatus lowercases s and turns spaces into hyphens so that a column
// label such as "In Progress" compares equal to the stored "in-progress".
func NormalizeStatus(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "-")
}

// ParseStatus accepts either a stored status or a column label.
func ParseStatus(s string) (Status, bool) {
	st := Status(NormalizeStatus(s))
	return st, st.Valid()
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	return p, p.Valid()
}

// MaxNameLength mirrors the width of the tasks.name column.
const MaxNameLength = 255

// TaskFields is the user editable part of a task.
type TaskFields struct {
	UUID          string     `json:"uuid"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Status        Status     `json:"status"`
	Priority      Priority   `json:"priority"`
	DueDate       *time.Time `json:"dueDate"`
	EstimatedTime *int       `json:"estimatedTime"`
	Labels        []string   `json:"labels"`
	Archived      bool       `json:"archived"`
}

// Task represents a persisted row. ID is always set once stored.
type Task struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"userId"`
	ParentTaskID *int64    `json:"parentTaskId"`
	CreatedAt    time.Time `json:"createdAt"`
	TaskFields
}

// NewTask carries everything needed to insert a task.
type NewTask struct {
	UserID       string `json:"userId"`
	ParentTaskID *int64 `json:"parentTaskId,omitempty"`
	TaskFields
}

// DefaultFields returns the values a blank task form starts with.
func DefaultFields() TaskFields {
	return TaskFields{
		Status:   StatusBacklog,
		Priority: PriorityMedium,
		Labels:   []string{},
	}
}

// Clone returns a deep copy so callers can mutate labels and pointers freely.
func (f TaskFields) Clone() TaskFields {
	out := f
	if f.Labels != nil {
		out.Labels = append([]string(nil), f.Labels...)
	} else {
		out.Labels = []string{}
	}
	if f.DueDate != nil {
		d := *f.DueDate
		out.DueDate = &d
	}
	if f.EstimatedTime != nil {
		e := *f.EstimatedTime
		out.EstimatedTime = &e
	}
	return out
}

// HasLabel reports whether label is present on the task.
func (f TaskFields) HasLabel(label string) bool {
	for _, l := range f.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// TruncateDay drops the time of day; due dates have day precision.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts YYYY-MM-DD or an RFC 3339 timestamp.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return TruncateDay(t), nil
}
