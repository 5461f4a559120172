package domain

import "time"

// Suggestion is the best-effort metadata bundle returned by the AI suggester.
// Every field is optional; nil means the model offered nothing for it.
type Suggestion struct {
	Tags          []string   `json:"tags,omitempty"`
	Priority      *Priority  `json:"priority,omitempty"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	EstimatedTime *int       `json:"estimatedTime,omitempty"`
	Subtasks      []string   `json:"subtasks,omitempty"`
}

// AvailableLabels is the fixed catalog offered by the label picker.
var AvailableLabels = []string{
	"bug",
	"feature",
	"documentation",
	"enhancement",
	"design",
	"testing",
}
