package orchestrator

import "errors"

// ErrTaskNotFound is returned when the task backing an execution no longer
// exists at execution time.
var ErrTaskNotFound = errors.New("orchestrator: task not found")

// ErrExecutionNotFound is returned when the execution row passed to
// ExecuteManual cannot be loaded.
var ErrExecutionNotFound = errors.New("orchestrator: execution not found")
