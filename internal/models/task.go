package models

// Task status values as stored in the media_tasks table.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// IsTerminal reports whether a task status is final.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusError
}
