// Package discovery resolves logical service names and declared ports to the
// endpoints a test run can actually reach.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// =============================================================================
// Types
// =============================================================================

// HostSubstitution maps a logical service name to the host serving it.
// Two substitutions are the same service when OriginalHost matches.
type HostSubstitution struct {
	OriginalHost string `json:"original_host"`
	NewHost      string `json:"new_host"`
}

// PortSubstitution maps a declared port to the port it is reachable on.
type PortSubstitution struct {
	OriginalPort int `json:"original_port"`
	NewPort      int `json:"new_port"`
}

// Service is one resolved service.
type Service struct {
	Host  HostSubstitution   `json:"host"`
	Ports []PortSubstitution `json:"ports"`
}

var (
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownPort    = errors.New("unknown port")
)

// LookupError is returned for a service or port that was never declared.
type LookupError struct {
	Service string
	Port    int // 0 when the service itself is unknown
	Err     error
}

func (e *LookupError) Error() string {
	if errors.Is(e.Err, ErrUnknownPort) {
		return fmt.Sprintf("discovery: service %q has no declared port %d", e.Service, e.Port)
	}
	return fmt.Sprintf("discovery: service %q is not declared", e.Service)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Discovery
// =============================================================================

// Discovery is an immutable lookup table built once per environment.
type Discovery struct {
	services []Service
	index    map[string]int
	replacer *strings.Replacer
}

// New builds a Discovery. Declaration order is kept; a later entry with the
// same OriginalHost replaces the earlier one.
func New(services ...Service) *Discovery {
	d := &Discovery{index: make(map[string]int, len(services))}
	for _, s := range services {
		s.Ports = append([]PortSubstitution(nil), s.Ports...)
		if i, ok := d.index[s.Host.OriginalHost]; ok {
			d.services[i] = s
			continue
		}
		d.index[s.Host.OriginalHost] = len(d.services)
		d.services = append(d.services, s)
	}
	d.replacer = d.buildReplacer()
	return d
}

// Identity maps every service to itself: host is the service name and every
// port is unchanged. Services are ordered by name.
func Identity(ports map[string][]int) *Discovery {
	return build(ports, func(name string) string { return name })
}

// WithHost maps every service to host, keeping ports unchanged.
func WithHost(host string, ports map[string][]int) *Discovery {
	return build(ports, func(string) string { return host })
}

func build(ports map[string][]int, hostFor func(string) string) *Discovery {
	names := make([]string, 0, len(ports))
	for name := range ports {
		names = append(names, name)
	}
	sort.Strings(names)

	services := make([]Service, 0, len(names))
	for _, name := range names {
		s := Service{Host: HostSubstitution{OriginalHost: name, NewHost: hostFor(name)}}
		for _, p := range ports[name] {
			s.Ports = append(s.Ports, PortSubstitution{OriginalPort: p, NewPort: p})
		}
		services = append(services, s)
	}
	return New(services...)
}

// Host returns the host serving the named service.
func (d *Discovery) Host(service string) (string, error) {
	i, ok := d.index[service]
	if !ok {
		return "", &LookupError{Service: service, Err: ErrUnknownService}
	}
	return d.services[i].Host.NewHost, nil
}

// Port returns the port the service's declared port is reachable on.
func (d *Discovery) Port(service string, originalPort int) (int, error) {
	i, ok := d.index[service]
	if !ok {
		return 0, &LookupError{Service: service, Port: originalPort, Err: ErrUnknownService}
	}
	for _, p := range d.services[i].Ports {
		if p.OriginalPort == originalPort {
			return p.NewPort, nil
		}
	}
	return 0, &LookupError{Service: service, Port: originalPort, Err: ErrUnknownPort}
}

// MustHost is like Host but panics on unknown services.
func (d *Discovery) MustHost(service string) string {
	host, err := d.Host(service)
	if err != nil {
		panic(err)
	}
	return host
}

// MustPort is like Port but panics on unknown services or ports.
func (d *Discovery) MustPort(service string, originalPort int) int {
	port, err := d.Port(service, originalPort)
	if err != nil {
		panic(err)
	}
	return port
}

// Services returns a copy of the table in declaration order.
func (d *Discovery) Services() []Service {
	result := make([]Service, len(d.services))
	for i, s := range d.services {
		s.Ports = append([]PortSubstitution(nil), s.Ports...)
		result[i] = s
	}
	return result
}

// Substitute expands every $(name), $(name.host), $(name.port), $(name.N) and
// $(name:N) placeholder in template. $(name.port) is the first declared port,
// $(name:N) expands to host:port. Unknown placeholders are left as they are.
func (d *Discovery) Substitute(template string) string {
	if d.replacer == nil {
		return template
	}
	return d.replacer.Replace(template)
}

// buildReplacer computes every placeholder up front. Patterns are ordered
// longest first so one name being a prefix of another cannot shadow it;
// strings.Replacer never rescans its own output.
func (d *Discovery) buildReplacer() *strings.Replacer {
	patterns := make(map[string]string)
	for _, s := range d.services {
		name, host := s.Host.OriginalHost, s.Host.NewHost
		patterns["$("+name+")"] = host
		patterns["$("+name+".host)"] = host
		if len(s.Ports) > 0 {
			patterns["$("+name+".port)"] = strconv.Itoa(s.Ports[0].NewPort)
		}
		for _, p := range s.Ports {
			original, resolved := strconv.Itoa(p.OriginalPort), strconv.Itoa(p.NewPort)
			patterns["$("+name+"."+original+")"] = resolved
			patterns["$("+name+":"+original+")"] = host + ":" + resolved
		}
	}

	keys := make([]string, 0, len(patterns))
	for k := range patterns {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, patterns[k])
	}
	return strings.NewReplacer(pairs...)
}

// =============================================================================
// JSON
// =============================================================================

type document struct {
	Services []Service `json:"services"`
}

// MarshalJSON encodes the table in declaration order.
func (d *Discovery) MarshalJSON() ([]byte, error) {
	return json.Marshal(document{Services: d.services})
}

// UnmarshalJSON decodes a table written by MarshalJSON.
func (d *Discovery) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*d = *New(doc.Services...)
	return nil
}
