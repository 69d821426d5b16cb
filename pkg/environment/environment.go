package environment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/procfs"

	"github.com/artpar/testcompose/internal/core/ports"
	"github.com/artpar/testcompose/internal/shell/docker"
	"github.com/artpar/testcompose/internal/shell/hostports"
	"github.com/artpar/testcompose/pkg/discovery"
)

// =============================================================================
// Options
// =============================================================================

// Option configures an Environment.
type Option func(*Environment)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Environment) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSink sets where compose output goes. Defaults to discarding it.
func WithSink(sink Sink) Option {
	return func(e *Environment) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithIntrospector replaces the Docker based image introspector.
func WithIntrospector(i docker.Introspector) Option {
	return func(e *Environment) {
		e.introspector = i
	}
}

// WithRenter replaces the port allocation strategy.
func WithRenter(r ports.Renter) Option {
	return func(e *Environment) {
		e.renter = r
	}
}

// WithGetenv replaces os.Getenv for startup mode detection.
func WithGetenv(getenv func(string) string) Option {
	return func(e *Environment) {
		if getenv != nil {
			e.getenv = getenv
		}
	}
}

// WithWorkDir sets the directory the manifest lookup starts from. Defaults to
// the process working directory.
func WithWorkDir(dir string) Option {
	return func(e *Environment) {
		e.workDir = dir
	}
}

// =============================================================================
// Environment
// =============================================================================

// Environment is one test suite's handle on a compose environment.
type Environment struct {
	scope        *Scope
	desc         Descriptor
	project      string
	workDir      string
	logger       *slog.Logger
	sink         Sink
	introspector docker.Introspector
	renter       ports.Renter
	getenv       func(string) string

	mu     sync.Mutex
	output []string

	discovery atomic.Pointer[discovery.Discovery]
}

// New creates an Environment bound to scope. Nothing is started until
// Initialize.
func New(scope *Scope, desc Descriptor, opts ...Option) (*Environment, error) {
	if scope == nil {
		return nil, fmt.Errorf("%w: scope is required", ErrInvalidDescriptor)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	e := &Environment{
		scope:  scope,
		desc:   desc.withDefaults(),
		logger: slog.Default(),
		sink:   discardSink{},
		getenv: os.Getenv,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine working directory: %w", err)
		}
		e.workDir = wd
	}

	e.project = e.desc.ProjectName
	if e.project == "" {
		e.project = ProjectNameFromDir(e.workDir)
	}

	e.logger = e.logger.With("component", "environment", "project", e.project)
	return e, nil
}

// Project returns the compose project name.
func (e *Environment) Project() string {
	return e.project
}

// Discovery returns the table set by a successful Initialize, or nil.
func (e *Environment) Discovery() *discovery.Discovery {
	return e.discovery.Load()
}

// Output returns the compose output collected by this Environment.
func (e *Environment) Output() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.output...)
}

// Initialize brings the environment up, or joins an initialization already
// run by another Environment of the same scope and project, and returns the
// discovery table.
func (e *Environment) Initialize(ctx context.Context) (*discovery.Discovery, error) {
	d, err := e.scope.once(ctx, e.project, e.initialize)
	if err != nil {
		return nil, err
	}
	e.discovery.Store(d)
	return d, nil
}

func (e *Environment) initialize(ctx context.Context) (*discovery.Discovery, error) {
	runID := uuid.NewString()
	logger := e.logger.With("run_id", runID)

	m := e.selectMode()
	logger.Info("initializing environment", "mode", m.name())

	d, err := m.discover(ctx, e)
	if err != nil {
		logger.Error("environment failed to start", "mode", m.name(), "error", err)
		return nil, err
	}

	if e.desc.ReadyHook != nil {
		if err := e.desc.ReadyHook(ctx, d); err != nil {
			return nil, fmt.Errorf("ready hook: %w", err)
		}
	}

	logger.Info("environment ready", "services", len(d.Services()))
	return d, nil
}

// message records a compose output line and forwards it to the sink.
func (e *Environment) message(line string) {
	e.mu.Lock()
	e.output = append(e.output, line)
	e.mu.Unlock()
	e.sink.Message(line)
}

// defaultRenter picks the allocation strategy from the descriptor.
func (e *Environment) defaultRenter() ports.Renter {
	start := uint16(e.desc.PortStart)
	if e.desc.PortStrategy == PortStrategySerial || e.desc.ReuseExisting {
		return ports.NewSerialRenter(start)
	}
	return hostports.NewFreeRenter(start, hostports.NewProcScanner(procfs.DefaultMountPoint, e.logger))
}

// =============================================================================
// Naming
// =============================================================================

var projectNameInvalid = regexp.MustCompile(`[^a-z0-9_-]+`)

// ProjectNameFromDir derives a compose project name from a directory: the base
// name lower-cased with characters compose rejects removed.
func ProjectNameFromDir(dir string) string {
	name := strings.ToLower(filepath.Base(filepath.Clean(dir)))
	name = projectNameInvalid.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, "_-")
	if name == "" {
		return "testcompose"
	}
	return name
}

// FindFile resolves name against dir and each of its parents, returning the
// first existing match. Absolute names are only checked as given.
func FindFile(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("%w: %s", ErrManifestNotFound, name)
		}
		return name, nil
	}

	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: %s (searched from %s upwards)", ErrManifestNotFound, name, dir)
		}
		dir = parent
	}
}

// tempManifestPath returns an unused ~<project><hex>.tmp.yml path in dir.
func tempManifestPath(dir, project string) string {
	for {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		path := filepath.Join(dir, "~"+project+suffix+".tmp.yml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}
