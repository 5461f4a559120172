package api

import (
	"github.com/Chounic/next-tasks-manager/board"
	"github.com/Chounic/next-tasks-manager/domain"
	"github.com/Chounic/next-tasks-manager/session"
)

const maxBodySize = 64 * 1024 // 64 KiB

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// GET /api/tasks response body
type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

// POST /api/tasks and POST /api/sessions/:id/subtasks request body. Omitted
// fields take the form defaults.
type createTaskRequest struct {
	UUID string `json:"uuid"`
	domain.TaskPatch
	ParentTaskID *int64 `json:"parentTaskId"`
}

func (r createTaskRequest) fields() (domain.TaskFields, error) {
	f, err := r.TaskPatch.Apply(domain.DefaultFields())
	if err != nil {
		return domain.TaskFields{}, err
	}
	f.UUID = r.UUID
	return f, nil
}

// GET /api/board response body
type boardResponse struct {
	board.Board
	Degraded bool `json:"degraded,omitempty"`
}

type labelsResponse struct {
	Labels []string `json:"labels"`
}

// POST /api/sessions request body
type openSessionRequest struct {
	TaskID *int64 `json:"taskId"`
}

// POST /api/sessions/:id/suggest response body
type suggestResponse struct {
	Session *session.Session `json:"session"`
	Applied bool             `json:"applied"`
}

// POST /api/sessions/:id/commit failure body. Result lists the operations
// that reached the store before the failure.
type commitFailureResponse struct {
	Error  string         `json:"error"`
	Result session.Result `json:"result"`
}
