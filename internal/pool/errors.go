package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskFailed indicates the task's work item returned an error or panicked.
	ErrTaskFailed = errors.New("pool: task failed")
	// ErrTaskNotDone indicates a result was requested before completion.
	ErrTaskNotDone = errors.New("pool: task not done")
	// ErrClosed indicates the pool no longer accepts work.
	ErrClosed = errors.New("pool: closed")
	// ErrUnknownTask indicates a task that is not in the work table, usually
	// because it was released.
	ErrUnknownTask = errors.New("pool: unknown task")
	// ErrAlreadyScheduled indicates Schedule was called twice for a task.
	ErrAlreadyScheduled = errors.New("pool: task already scheduled")
	// ErrOffChannel is returned by a bound host function invoked while the
	// channel is not running a job.
	ErrOffChannel = errors.New("pool: host function called off the execution channel")
)

// TaskFailedError carries the failure of a task together with its id.
type TaskFailedError struct {
	ID  uint64
	Err error
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("pool: task %d failed: %v", e.ID, e.Err)
}

func (e *TaskFailedError) Is(target error) bool { return target == ErrTaskFailed }
func (e *TaskFailedError) Unwrap() error        { return e.Err }
