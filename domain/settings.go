package domain

// Settings represents user configurable board options.
type Settings struct {
	TasksPerColumn    int  `json:"tasksPerColumn"`
	ShowDoneTasks     bool `json:"displayDoneTasks"`
	ShowArchivedTasks bool `json:"displayArchivedTasks"`
}

// DefaultSettings is used for users that never saved any.
func DefaultSettings() Settings {
	return Settings{ShowDoneTasks: true}
}
