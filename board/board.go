// Package board groups tasks into the status columns shown on the board.
package board

import (
	"github.com/Chounic/next-tasks-manager/domain"
)

// DefaultColumns are the board columns in display order.
var DefaultColumns = []string{"Backlog", "Ready", "In Progress", "Done"}

// Column is one board column. Hidden counts tasks that belong to the column
// but were left out by the board settings.
type Column struct {
	Name   string        `json:"name"`
	Tasks  []domain.Task `json:"tasks"`
	Hidden int           `json:"hidden"`
}

// Board is the rendered view of a user's tasks.
type Board struct {
	Columns []Column `json:"columns"`
}

// ListByColumn returns, for each column label, the tasks whose normalized
// status equals the normalized label. Input order is kept inside a column;
// tasks matching no column are left out.
func ListByColumn(tasks []domain.Task, columns []string) []Column {
	out := make([]Column, len(columns))
	index := make(map[string]int, len(columns))
	for i, name := range columns {
		out[i] = Column{Name: name, Tasks: []domain.Task{}}
		key := domain.NormalizeStatus(name)
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}
	for _, t := range tasks {
		i, ok := index[domain.NormalizeStatus(string(t.Status))]
		if !ok {
			continue
		}
		out[i].Tasks = append(out[i].Tasks, t)
	}
	for i, name := range columns {
		if first := index[domain.NormalizeStatus(name)]; first != i {
			out[i].Tasks = append([]domain.Task{}, out[first].Tasks...)
		}
	}
	return out
}

// Render builds the board for tasks using the default columns and the
// user's settings: archived tasks are dropped unless shown, the done column
// is emptied when done tasks are hidden, and TasksPerColumn caps every
// column when positive.
func Render(tasks []domain.Task, settings domain.Settings) Board {
	visible := tasks
	if !settings.ShowArchivedTasks {
		visible = make([]domain.Task, 0, len(tasks))
		for _, t := range tasks {
			if !t.Archived {
				visible = append(visible, t)
			}
		}
	}

	cols := ListByColumn(visible, DefaultColumns)
	for i := range cols {
		c := &cols[i]
		if !settings.ShowDoneTasks && domain.Status(domain.NormalizeStatus(c.Name)) == domain.StatusDone {
			c.Hidden = len(c.Tasks)
			c.Tasks = []domain.Task{}
			continue
		}
		if settings.TasksPerColumn > 0 && len(c.Tasks) > settings.TasksPerColumn {
			c.Hidden = len(c.Tasks) - settings.TasksPerColumn
			c.Tasks = c.Tasks[:settings.TasksPerColumn]
		}
	}
	return Board{Columns: cols}
}

// Empty is the board shown when tasks could not be loaded.
func Empty() Board {
	return Render(nil, domain.DefaultSettings())
}
