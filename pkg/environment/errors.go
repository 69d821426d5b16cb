package environment

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// noSpaceMarker is what the engine prints when a volume or layer cannot be written.
const noSpaceMarker = "No space left on device"

var (
	// ErrNoSpaceLeft means the engine ran out of disk while starting services.
	ErrNoSpaceLeft = errors.New("no space left on device, try to clean volumes via 'docker volume prune'")

	// ErrManifestNotFound means the manifest file was not found in the
	// working directory or any of its parents.
	ErrManifestNotFound = errors.New("manifest file not found")

	// ErrScopeDisposed is returned by Initialize after the scope was torn down.
	ErrScopeDisposed = errors.New("scope already torn down")
)

// StartTimeoutError reports a compose step that did not finish or reach its
// start markers in time. Output holds everything compose printed so far.
type StartTimeoutError struct {
	Step    string
	Timeout time.Duration
	Output  []string
	Err     error
}

func (e *StartTimeoutError) Error() string {
	msg := fmt.Sprintf("compose %s did not complete within %s", e.Step, e.Timeout)
	if len(e.Output) > 0 {
		msg += ", compose output:\n" + strings.Join(e.Output, "\n")
	}
	return msg
}

func (e *StartTimeoutError) Unwrap() error {
	return e.Err
}

// containsNoSpace reports whether any line carries the disk exhaustion marker.
func containsNoSpace(lines []string) bool {
	for _, line := range lines {
		if strings.Contains(line, noSpaceMarker) {
			return true
		}
	}
	return false
}
