package events

import "time"

// TaskScheduled is emitted when a task is handed to the execution channel.
type TaskScheduled struct {
	ID uint64
}

// TaskStarted is emitted on the channel right before a task's work runs.
type TaskStarted struct {
	ID uint64
}

// TaskFinished is emitted after a task's work completes. Err is set for
// failed tasks.
type TaskFinished struct {
	ID       uint64
	Err      error
	Duration time.Duration
}
