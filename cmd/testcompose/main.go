// Command testcompose brings a compose test environment up from a descriptor
// and hands its discovery table to test runners written in any language.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitConfigError      = 1
	ExitEnvironmentError = 2
	ExitUsageError       = 64
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return cmdErr.ExitCode
		}
		return ExitUsageError
	}
	return ExitSuccess
}

// CommandError carries the exit code a failed command should produce.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
