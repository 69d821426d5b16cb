package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func shell(script string) *Runner {
	return New("/bin/sh", "-c", script)
}

// lines is a concurrency-safe output sink.
type lines struct {
	mu  sync.Mutex
	all []string
}

func (l *lines) add(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, line)
}

func (l *lines) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.all...)
}

// =============================================================================
// Command Line Tests
// =============================================================================

func TestCommandLine_Quoting(t *testing.T) {
	r := New("docker", "compose").
		Argument("-f", "/tmp/my dir/file.yml").
		Argument("-p", "demo").
		Argument(`say "hi"`, "").
		Argument("up")

	assert.Equal(t, `docker compose -f "/tmp/my dir/file.yml" -p demo "say \"hi\"" "" up`, r.CommandLine())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "started", StateStarted.String())
	assert.Equal(t, "exited", StateExited.String())
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.Equal(t, "State(9)", State(9).String())
}

// =============================================================================
// Start Tests
// =============================================================================

func TestStart_NoMarkersReturnsAfterLaunch(t *testing.T) {
	r := shell("exit 7")
	defer r.Close()

	require.NoError(t, r.Start(context.Background(), 5*time.Second))

	code, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Equal(t, StateExited, r.State())
}

func TestStart_CollectsCombinedOutputInOrder(t *testing.T) {
	var got lines
	r := shell("echo one; echo two 1>&2; echo three").CollectOutput(got.add)
	defer r.Close()

	require.NoError(t, r.Start(context.Background(), 5*time.Second))
	_, err := r.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "two", "three"}, got.get())
	assert.Equal(t, []string{"one", "two", "three"}, r.Output())
}

func TestStart_WaitsForMarker(t *testing.T) {
	r := shell("echo starting; sleep 0.1; echo service is ready; exec sleep 30").
		WaitForMarker("is ready", 1)

	require.NoError(t, r.Start(context.Background(), 5*time.Second))
	assert.Equal(t, StateStarted, r.State())
	assert.Equal(t, []string{"starting", "service is ready"}, r.Output())

	require.NoError(t, r.Close())
	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	assert.Equal(t, StateExited, r.State())
}

func TestStart_MarkerOccurrencesCountLines(t *testing.T) {
	r := shell("echo ready ready; echo other; echo ready; exec sleep 30").
		WaitForMarker("ready", 2).
		WaitForMarker("other", 1)
	defer r.Close()

	require.NoError(t, r.Start(context.Background(), 5*time.Second))
	assert.Equal(t, []string{"ready ready", "other", "ready"}, r.Output())
}

func TestStart_ExitedEarly(t *testing.T) {
	r := shell("echo boom; echo disk full 1>&2; exit 3").WaitForMarker("ready", 1)
	defer r.Close()

	err := r.Start(context.Background(), 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExitedEarly))

	var early *ExitedEarlyError
	require.True(t, errors.As(err, &early))
	assert.Equal(t, 3, early.ExitCode)
	assert.Equal(t, []string{"boom", "disk full"}, early.Output)
	assert.Equal(t, []string{`"ready"`}, early.Pending)
	assert.Contains(t, err.Error(), "disk full")
}

func TestStart_Timeout(t *testing.T) {
	r := shell("exec sleep 30").WaitForMarker("never", 1)
	defer r.Close()

	start := time.Now()
	err := r.Start(context.Background(), 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStartTimeout))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, StateTimedOut, r.State())

	require.NoError(t, r.Close())
	assert.Equal(t, StateTimedOut, r.State())
}

func TestStart_ContextCancelled(t *testing.T) {
	r := shell("exec sleep 30").WaitForMarker("never", 1)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := r.Start(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStart_Twice(t *testing.T) {
	r := shell("exit 0")
	defer r.Close()

	require.NoError(t, r.Start(context.Background(), time.Second))
	assert.ErrorIs(t, r.Start(context.Background(), time.Second), ErrAlreadyStarted)
}

func TestStart_MissingExecutable(t *testing.T) {
	r := New("/nonexistent/testcompose-binary")
	err := r.Start(context.Background(), time.Second)
	require.Error(t, err)
	assert.Equal(t, StateCreated, r.State())
	assert.NoError(t, r.Close())
}

// =============================================================================
// Wait / Close Tests
// =============================================================================

func TestWait_NotStarted(t *testing.T) {
	_, err := shell("exit 0").Wait(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestWait_Context(t *testing.T) {
	r := shell("exec sleep 30")
	defer r.Close()
	require.NoError(t, r.Start(context.Background(), time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose_KillsRunningProcess(t *testing.T) {
	r := shell("exec sleep 30")
	require.NoError(t, r.Start(context.Background(), time.Second))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	code, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1, code)
}

func TestClose_NotStarted(t *testing.T) {
	assert.NoError(t, shell("exit 0").Close())
}

func TestClose_BeforeStartPreventsLaunch(t *testing.T) {
	r := shell("exec sleep 30")
	require.NoError(t, r.Close())

	err := r.Start(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StateCreated, r.State())

	_, err = r.Wait(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStart_LongLinesAreKept(t *testing.T) {
	const size = 2 << 20
	r := shell(`head -c 2097152 /dev/zero | tr '\0' 'x'; echo; echo finished`).
		WaitForMarker("finished", 1)
	defer r.Close()

	require.NoError(t, r.Start(context.Background(), 5*time.Second))

	output := r.Output()
	require.Len(t, output, 2)
	assert.Len(t, output[0], size)
	assert.Equal(t, "finished", output[1])
}
