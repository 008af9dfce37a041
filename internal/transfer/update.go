package transfer

// Update is a tagged registry mutation. Each variant maps to one edge of the
// task state machine so the registry can validate it before applying.
type Update interface {
	taskID() string
}

// ProgressUpdate reports upload progress for an uploading task.
// Percent is clamped to [0,100]; values below the current progress are ignored.
type ProgressUpdate struct {
	ID      string
	Percent int
}

func (u ProgressUpdate) taskID() string { return u.ID }

// CompletionUpdate moves an uploading task to a terminal state.
// Outcome must be StatusSuccess, StatusFailed or StatusAborted. Err carries the
// failure for StatusFailed and becomes the task's error message.
type CompletionUpdate struct {
	ID      string
	Outcome Status
	Err     error
}

func (u CompletionUpdate) taskID() string { return u.ID }

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
