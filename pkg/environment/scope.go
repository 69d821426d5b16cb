package environment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/artpar/testcompose/internal/shell/teardown"
	"github.com/artpar/testcompose/pkg/discovery"
)

// State is the lifecycle stage of a project within a Scope.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// DefaultTeardownTimeout bounds Scope teardown in RunTests.
const DefaultTeardownTimeout = 2 * time.Minute

// =============================================================================
// Scope
// =============================================================================

// Scope owns everything provisioned during one test process: the teardown
// chain and one initialization result per project. Environments sharing a
// Scope and project name provision once and share the result.
type Scope struct {
	chain  *teardown.Chain
	group  singleflight.Group
	logger *slog.Logger

	// runs is cancelled at teardown; every initialization runs under it.
	runs       context.Context
	cancelRuns context.CancelFunc
	inflight   sync.WaitGroup

	mu         sync.Mutex
	results    map[string]*result
	inProgress map[string]bool
	tearing    bool
}

type result struct {
	discovery *discovery.Discovery
	err       error
}

// NewScope creates an empty scope.
func NewScope(logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	runs, cancel := context.WithCancel(context.Background())
	return &Scope{
		chain:      teardown.NewChain(),
		logger:     logger.With("component", "scope"),
		runs:       runs,
		cancelRuns: cancel,
		results:    make(map[string]*result),
		inProgress: make(map[string]bool),
	}
}

// Chain exposes the teardown chain so callers can register their own
// resources for release at scope teardown.
func (s *Scope) Chain() *teardown.Chain {
	return s.chain
}

// State returns the lifecycle stage of project.
func (s *Scope) State(project string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.chain.Disposed():
		return StateDisposed
	case s.tearing:
		return StateDisposing
	}
	if r, ok := s.results[project]; ok {
		if r.err != nil {
			return StateFailed
		}
		return StateReady
	}
	if s.inProgress[project] {
		return StateInitializing
	}
	return StateUninitialized
}

// Teardown releases everything registered on the scope, last first. Running
// initializations are cancelled and awaited before the chain is disposed. It
// runs once; later calls return the first result.
func (s *Scope) Teardown(ctx context.Context) error {
	s.mu.Lock()
	s.tearing = true
	s.mu.Unlock()
	s.cancelRuns()

	if err := s.awaitInflight(ctx); err != nil {
		s.logger.Warn("initialization still running at teardown", "error", err)
	}

	err := s.chain.Dispose(ctx)
	if err != nil {
		s.logger.Error("teardown finished with errors", "error", err)
	}
	return err
}

func (s *Scope) awaitInflight(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// disposing reports whether teardown has begun.
func (s *Scope) disposing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tearing
}

// once runs init for project exactly once. Concurrent callers wait for the
// same run; later callers get its memoized result, failures included. init
// runs detached from the caller's cancellation so one impatient caller cannot
// fail the shared run for everyone else; teardown cancels it.
func (s *Scope) once(ctx context.Context, project string, init func(context.Context) (*discovery.Discovery, error)) (*discovery.Discovery, error) {
	if r, err := s.cached(project); r != nil || err != nil {
		return r.unpack(err)
	}

	ch := s.group.DoChan(project, func() (interface{}, error) {
		s.mu.Lock()
		if s.tearing {
			s.mu.Unlock()
			return nil, ErrScopeDisposed
		}
		if r, ok := s.results[project]; ok {
			s.mu.Unlock()
			return r.discovery, r.err
		}
		s.inProgress[project] = true
		s.inflight.Add(1)
		s.mu.Unlock()
		defer s.inflight.Done()

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stop := context.AfterFunc(s.runs, cancel)
		d, err := init(runCtx)
		stop()
		cancel()

		s.mu.Lock()
		s.results[project] = &result{discovery: d, err: err}
		delete(s.inProgress, project)
		tearing := s.tearing
		s.mu.Unlock()

		if tearing {
			return nil, ErrScopeDisposed
		}
		return d, err
	})

	select {
	case res := <-ch:
		d, _ := res.Val.(*discovery.Discovery)
		return d, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cached returns the memoized result of project, or ErrScopeDisposed once
// teardown has begun. Both are nil when project was never initialized.
func (s *Scope) cached(project string) (*result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tearing {
		return nil, ErrScopeDisposed
	}
	return s.results[project], nil
}

func (r *result) unpack(err error) (*discovery.Discovery, error) {
	if err != nil {
		return nil, err
	}
	return r.discovery, r.err
}

// =============================================================================
// Test Main Integration
// =============================================================================

// TestRunner is satisfied by *testing.M.
type TestRunner interface {
	Run() int
}

// RunTests runs m and tears scope down afterwards. A failing teardown turns
// a passing run into a failing one.
//
//	func TestMain(m *testing.M) {
//		os.Exit(environment.RunTests(m, scope))
//	}
func RunTests(m TestRunner, scope *Scope) int {
	code := m.Run()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTeardownTimeout)
	defer cancel()

	if err := scope.Teardown(ctx); err != nil && code == 0 {
		code = 1
	}
	return code
}
