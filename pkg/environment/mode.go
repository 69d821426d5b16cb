package environment

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/artpar/testcompose/internal/shell/readiness"
	"github.com/artpar/testcompose/pkg/discovery"
)

// mode is one way of getting to a running environment. It is chosen once per
// initialization.
type mode interface {
	name() string
	discover(ctx context.Context, e *Environment) (*discovery.Discovery, error)
}

// underCompose: tests run inside the compose project and reach services by
// their own names on their declared ports.
type underCompose struct{}

// external: someone else runs the environment on host.
type external struct {
	host string
}

// provision: launch the environment ourselves.
type provision struct{}

func (e *Environment) selectMode() mode {
	if truthy(e.getenv(e.desc.UnderComposeVariable)) {
		return underCompose{}
	}
	if e.desc.ExternalHost != "" {
		return external{host: e.desc.ExternalHost}
	}
	return provision{}
}

// truthy treats any non-empty value except an explicit false as set.
func truthy(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return true
}

func (underCompose) name() string { return "under_compose" }

func (underCompose) discover(ctx context.Context, e *Environment) (*discovery.Discovery, error) {
	if err := e.waitForDeclaredPorts(ctx, func(service string) string { return service }); err != nil {
		return nil, err
	}
	return discovery.Identity(e.desc.Ports), nil
}

func (external) name() string { return "external" }

func (m external) discover(ctx context.Context, e *Environment) (*discovery.Discovery, error) {
	if err := e.waitForDeclaredPorts(ctx, func(string) string { return m.host }); err != nil {
		return nil, err
	}
	return discovery.WithHost(m.host, e.desc.Ports), nil
}

func (provision) name() string { return "provision" }

func (provision) discover(ctx context.Context, e *Environment) (*discovery.Discovery, error) {
	return e.provision(ctx)
}

// waitForDeclaredPorts waits for every declared, not ignored port on the host
// hostFor returns for its service.
func (e *Environment) waitForDeclaredPorts(ctx context.Context, hostFor func(service string) string) error {
	if e.desc.SkipPortWait {
		return nil
	}

	services := make([]string, 0, len(e.desc.Ports))
	for service := range e.desc.Ports {
		services = append(services, service)
	}
	sort.Strings(services)

	var endpoints []readiness.Endpoint
	for _, service := range services {
		for _, port := range e.desc.Ports[service] {
			if e.ignoresPort(service, port) {
				continue
			}
			endpoints = append(endpoints, readiness.Endpoint{Host: hostFor(service), Port: port})
		}
	}

	e.logger.Debug("waiting for ports", "endpoints", len(endpoints), "timeout", e.desc.StartTimeout)
	return readiness.WaitUntilListening(ctx, endpoints, e.desc.StartTimeout)
}

func (e *Environment) ignoresPort(service string, port int) bool {
	for _, p := range e.desc.IgnorePortWait[service] {
		if p == port {
			return true
		}
	}
	return false
}
