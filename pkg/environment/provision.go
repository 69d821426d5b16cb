package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/artpar/testcompose/internal/core/manifest"
	"github.com/artpar/testcompose/internal/shell/docker"
	"github.com/artpar/testcompose/internal/shell/process"
	"github.com/artpar/testcompose/internal/shell/readiness"
	"github.com/artpar/testcompose/internal/shell/teardown"
	"github.com/artpar/testcompose/pkg/discovery"
)

// reuseProbeTimeout bounds the single connect attempt used to detect an
// environment that is already running.
const reuseProbeTimeout = time.Second

// serviceMapping is the port plan of one discoverable service.
type serviceMapping struct {
	name  string
	ports []manifest.DockerPort
}

// provision loads the manifest, allocates ports, rewrites the manifest and
// drives compose through down, pull and up.
func (e *Environment) provision(ctx context.Context) (*discovery.Discovery, error) {
	path, err := FindFile(e.workDir, e.desc.ManifestFile)
	if err != nil {
		return nil, err
	}

	m, err := loadManifest(path)
	if err != nil {
		return nil, err
	}

	// ===== Ports =====
	mappings, err := e.assignPorts(ctx, m)
	if err != nil {
		return nil, err
	}
	d := discoveryFor(mappings)

	if e.desc.ReuseExisting {
		running, err := e.alreadyRunning(ctx, d, mappings)
		if err != nil {
			return nil, err
		}
		if running {
			e.logger.Info("reusing running environment")
			return d, nil
		}
	}

	// ===== Manifest =====
	if err := e.applyEnvironment(ctx, m, d); err != nil {
		return nil, err
	}

	if err := e.launchable(); err != nil {
		return nil, err
	}
	chain := teardown.NewChain()
	if err := registered(e.scope.Chain().Add(chain.Dispose)); err != nil {
		return nil, err
	}

	generated, err := e.writeManifest(ctx, m, chain, filepath.Dir(path))
	if err != nil {
		return nil, err
	}

	// ===== Compose =====
	down := e.compose(generated, "down", "--remove-orphans", "--volumes").
		CollectOutput(e.prefixed("down: "))
	if err := registered(chain.AddCloser(down)); err != nil {
		return nil, err
	}
	if err := e.launchable(); err != nil {
		return nil, err
	}
	if err := e.runToExit(ctx, down, "down", e.desc.StopTimeout); err != nil {
		return nil, err
	}

	if !e.desc.KeepOnComplete {
		if err := e.registerStop(chain, generated); err != nil {
			return nil, err
		}
	}

	pull := e.compose(generated, "pull").
		CollectOutput(e.prefixed("pull: "))
	if err := registered(chain.AddCloser(pull)); err != nil {
		return nil, err
	}
	if err := e.launchable(); err != nil {
		return nil, err
	}
	if err := e.runToExit(ctx, pull, "pull", e.desc.PullTimeout); err != nil {
		return nil, err
	}

	upArgs := []string{"up"}
	if e.desc.Build {
		upArgs = append(upArgs, "--build")
	}
	up := e.compose(generated, upArgs...).CollectOutput(e.message)
	for _, marker := range e.desc.StartedMarkers {
		up.WaitForMarker(marker, 1)
	}
	if err := registered(chain.AddCloser(up)); err != nil {
		return nil, err
	}
	if err := e.launchable(); err != nil {
		return nil, err
	}
	if err := up.Start(ctx, e.desc.StartTimeout); err != nil {
		return nil, e.startFailure(err)
	}

	// ===== Readiness =====
	if !e.desc.SkipPortWait {
		endpoints := e.publicEndpoints(mappings)
		e.logger.Debug("waiting for ports", "endpoints", len(endpoints), "timeout", e.desc.StartTimeout)
		if err := readiness.WaitUntilListening(ctx, endpoints, e.desc.StartTimeout); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func loadManifest(path string) (*manifest.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	m, err := manifest.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// assignPorts publishes every declared port of every image based service on a
// freshly rented host port. Protocols come from the image when it declares
// the port.
func (e *Environment) assignPorts(ctx context.Context, m *manifest.Manifest) ([]serviceMapping, error) {
	introspector := e.introspector
	if introspector == nil {
		client, err := docker.NewDockerClient(e.desc.DockerHost)
		if err != nil {
			e.logger.Warn("docker unavailable, image ports unknown", "error", err)
			introspector = docker.NewImageIntrospector(nil, e.logger)
		} else {
			defer client.Close()
			introspector = docker.NewImageIntrospector(client, e.logger)
		}
	}

	renter := e.renter
	if renter == nil {
		renter = e.defaultRenter()
	}

	for name := range e.desc.Ports {
		if svc, ok := m.Service(name); !ok || !svc.IsImageBased() {
			e.logger.Warn("declared service is not an image based service of the manifest", "service", name)
		}
	}

	var result []serviceMapping
	for _, svc := range m.Services() {
		if !svc.IsImageBased() {
			continue
		}
		declared, ok := e.desc.Ports[svc.Name()]
		if !ok {
			continue
		}

		exposed, err := introspector.ExposedPorts(ctx, svc.Image())
		if err != nil {
			return nil, err
		}

		public, err := renter.Rent(svc.Name(), len(declared))
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", svc.Name(), err)
		}

		mapping := make([]manifest.DockerPort, len(declared))
		for i, port := range declared {
			mapping[i] = manifest.DockerPort{ExposedPort: uint16(port), PublicPort: public[i]}
			for _, x := range exposed {
				if int(x.Port) == port {
					mapping[i].Protocol = x.Protocol
					break
				}
			}
		}

		svc.SetPortMapping(mapping)
		e.logger.Debug("ports assigned", "service", svc.Name(), "ports", mapping)
		result = append(result, serviceMapping{name: svc.Name(), ports: mapping})
	}
	return result, nil
}

func discoveryFor(mappings []serviceMapping) *discovery.Discovery {
	services := make([]discovery.Service, 0, len(mappings))
	for _, sm := range mappings {
		s := discovery.Service{Host: discovery.HostSubstitution{OriginalHost: sm.name, NewHost: "localhost"}}
		for _, p := range sm.ports {
			s.Ports = append(s.Ports, discovery.PortSubstitution{OriginalPort: int(p.ExposedPort), NewPort: int(p.PublicPort)})
		}
		services = append(services, s)
	}
	return discovery.New(services...)
}

// publicEndpoints lists the TCP host ports to wait for.
func (e *Environment) publicEndpoints(mappings []serviceMapping) []readiness.Endpoint {
	var endpoints []readiness.Endpoint
	for _, sm := range mappings {
		for _, p := range sm.ports {
			if !p.IsTCP() || e.ignoresPort(sm.name, int(p.ExposedPort)) {
				continue
			}
			endpoints = append(endpoints, readiness.Endpoint{Host: "localhost", Port: int(p.PublicPort)})
		}
	}
	return endpoints
}

// alreadyRunning reports whether every target port accepts connections and
// the running hook, if any, confirms the environment.
func (e *Environment) alreadyRunning(ctx context.Context, d *discovery.Discovery, mappings []serviceMapping) (bool, error) {
	endpoints := e.publicEndpoints(mappings)
	if len(endpoints) == 0 && e.desc.RunningHook == nil {
		return false, nil
	}
	if !readiness.AllListening(ctx, endpoints, reuseProbeTimeout) {
		return false, nil
	}
	if e.desc.RunningHook == nil {
		return true, nil
	}
	running, err := e.desc.RunningHook(ctx, d)
	if err != nil {
		return false, fmt.Errorf("running hook: %w", err)
	}
	return running, nil
}

// applyEnvironment lets the environment hook rewrite every service's variables.
func (e *Environment) applyEnvironment(ctx context.Context, m *manifest.Manifest, d *discovery.Discovery) error {
	if e.desc.EnvironmentHook == nil {
		return nil
	}
	for _, svc := range m.Services() {
		existing, err := svc.Environment()
		if err != nil {
			return err
		}
		overrides, err := e.desc.EnvironmentHook(ctx, svc.Name(), existing, d)
		if err != nil {
			return fmt.Errorf("environment hook for %s: %w", svc.Name(), err)
		}
		svc.SetEnvironment(overrides)
	}
	return nil
}

// writeManifest strips services that must not run and writes the manifest to
// a temporary file in dir. Removal of the file is registered first.
func (e *Environment) writeManifest(ctx context.Context, m *manifest.Manifest, chain *teardown.Chain, dir string) (string, error) {
	path := tempManifestPath(dir, e.project)
	err := registered(chain.AddFunc(func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.logger.Debug("failed to remove generated manifest", "path", path, "error", err)
		}
	}))
	if err != nil {
		return "", err
	}

	if !e.desc.KeepBuildServices {
		var build []string
		for _, svc := range m.Services() {
			if !svc.IsImageBased() {
				build = append(build, svc.Name())
			}
		}
		m.RemoveServices(build...)
	}
	m.RemoveServices(e.desc.ExcludeServices...)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create generated manifest: %w", err)
	}
	if err := m.Save(f); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write generated manifest: %w", err)
	}

	if err := m.Validate(ctx, dir, e.project); err != nil {
		e.logger.Warn("generated manifest did not pass validation", "path", path, "error", err)
	}

	e.logger.Debug("manifest generated", "path", path)
	return path, nil
}

// =============================================================================
// Compose Invocation
// =============================================================================

func (e *Environment) compose(manifestPath string, args ...string) *process.Runner {
	command := e.desc.ComposeCommand
	return process.New(command[0], command[1:]...).
		WithLogger(e.logger).
		Argument("-f", manifestPath, "-p", e.project).
		Argument(args...)
}

func (e *Environment) prefixed(prefix string) func(string) {
	return func(line string) {
		e.message(prefix + line)
	}
}

// runToExit launches r and waits up to timeout for it to exit. A non-zero
// exit is only logged; compose reports missing projects or images that way.
func (e *Environment) runToExit(ctx context.Context, r *process.Runner, step string, timeout time.Duration) error {
	e.logger.Debug("running compose", "step", step, "command", r.CommandLine())
	if err := r.Start(ctx, e.desc.LaunchTimeout); err != nil {
		if errors.Is(err, process.ErrClosed) {
			return fmt.Errorf("compose %s: %w: %w", step, ErrScopeDisposed, err)
		}
		return fmt.Errorf("compose %s: %w", step, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	code, err := r.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &StartTimeoutError{Step: step, Timeout: timeout, Output: e.Output(), Err: process.ErrStartTimeout}
		}
		return err
	}
	if code != 0 {
		e.logger.Warn("compose step exited with non-zero code", "step", step, "exit_code", code)
	}
	return nil
}

// registerStop schedules compose down for teardown. Its output goes to the
// logger only since the sink may belong to a finished test.
func (e *Environment) registerStop(chain *teardown.Chain, manifestPath string) error {
	stop := e.compose(manifestPath, "down", "--remove-orphans", "--volumes").
		CollectOutput(func(line string) {
			e.logger.Debug("compose output", "step", "stop", "line", line)
		})

	if err := registered(chain.AddCloser(stop)); err != nil {
		return err
	}
	return registered(chain.Add(func(ctx context.Context) error {
		e.logger.Info("stopping compose environment")
		return e.runToExit(ctx, stop, "stop", e.desc.StopTimeout)
	}))
}

// registered turns a registration on a chain that is already being disposed
// into ErrScopeDisposed. The resource has been released by then.
func registered(err error) error {
	if errors.Is(err, teardown.ErrDisposed) {
		return fmt.Errorf("%w: %w", ErrScopeDisposed, err)
	}
	return err
}

// launchable refuses new compose processes once scope teardown has begun.
func (e *Environment) launchable() error {
	if e.scope.disposing() {
		return ErrScopeDisposed
	}
	return nil
}

// startFailure turns a failed up into the error the caller can act on.
func (e *Environment) startFailure(err error) error {
	output := e.Output()
	if containsNoSpace(output) {
		return fmt.Errorf("%w: %w", ErrNoSpaceLeft, err)
	}
	if errors.Is(err, process.ErrStartTimeout) {
		return &StartTimeoutError{Step: "up", Timeout: e.desc.StartTimeout, Output: output, Err: err}
	}
	return fmt.Errorf("compose up: %w", err)
}
