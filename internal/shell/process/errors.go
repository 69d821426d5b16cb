package process

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStartTimeout   = errors.New("process did not reach its start condition in time")
	ErrExitedEarly    = errors.New("process exited before its start condition was met")
	ErrAlreadyStarted = errors.New("process already started")
	ErrNotStarted     = errors.New("process not started")
	ErrClosed         = errors.New("process runner closed")
)

// ExitedEarlyError reports a process that exited while a start marker was
// still pending. Output holds every line seen before the exit.
type ExitedEarlyError struct {
	Command  string
	ExitCode int
	Pending  []string // Markers that were not satisfied
	Output   []string
}

func (e *ExitedEarlyError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d while waiting for %s", e.Command, e.ExitCode, strings.Join(e.Pending, ", "))
	if len(e.Output) > 0 {
		msg += "\n" + strings.Join(e.Output, "\n")
	}
	return msg
}

// Is matches ErrExitedEarly.
func (e *ExitedEarlyError) Is(target error) bool {
	return target == ErrExitedEarly
}
