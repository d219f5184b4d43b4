package sandbox

import "fmt"

// StartupError reports a sandbox that never became ready. Logs captured from
// the container, when available, ride along for diagnosis.
type StartupError struct {
	Name string
	Logs string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("sandbox %q failed to start: %v", e.Name, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ExecutionError reports a command that failed inside a running sandbox,
// including exec timeouts.
type ExecutionError struct {
	Name   string
	Stderr string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("sandbox %q execution failed: %v", e.Name, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// StopError reports a failed graceful stop. Stop never escalates to Kill on
// its own; callers decide whether to force termination.
type StopError struct {
	Name string
	Err  error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("sandbox %q failed to stop: %v", e.Name, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

// NotFoundError reports an operation against a sandbox with no live process.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sandbox %q has no running process", e.Name)
}
