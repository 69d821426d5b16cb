package manifest

import (
	"sort"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

// Service is one entry of the manifest's services mapping.
type Service struct {
	name     string
	image    string
	hasImage bool
	node     *yaml.Node
	ports    []DockerPort
}

func newService(name string, node *yaml.Node) *Service {
	s := &Service{name: name, node: node}
	if _, image := lookup(node, "image"); image != nil && image.Kind == yaml.ScalarNode && image.ShortTag() != nullTag {
		s.image = image.Value
		s.hasImage = true
	}
	return s
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// Image returns the image reference, or "" for build-based services.
func (s *Service) Image() string {
	return s.image
}

// IsImageBased reports whether the service runs a prebuilt image.
func (s *Service) IsImageBased() bool {
	return s.hasImage
}

// =============================================================================
// Ports
// =============================================================================

// PortMappings returns the mappings set by SetPortMapping.
func (s *Service) PortMappings() []DockerPort {
	result := make([]DockerPort, len(s.ports))
	copy(result, s.ports)
	return result
}

// SetPortMapping replaces the service's ports block.
func (s *Service) SetPortMapping(mappings []DockerPort) {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, p := range mappings {
		seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: strTag, Value: p.String()})
	}
	replace(s.node, "ports", seq)

	s.ports = make([]DockerPort, len(mappings))
	copy(s.ports, mappings)
}

// DeclaredPorts returns the port mappings written in the source manifest.
// Entries that cannot be parsed (interpolated variables, ranges without a host
// side) are skipped.
func (s *Service) DeclaredPorts() []DockerPort {
	_, seq := lookup(s.node, "ports")
	if seq == nil || seq.Kind != yaml.SequenceNode {
		return nil
	}

	var result []DockerPort
	for _, item := range seq.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			result = append(result, parseShortPort(item.Value)...)
		case yaml.MappingNode:
			if p, ok := parseLongPort(item); ok {
				result = append(result, p)
			}
		}
	}
	return result
}

func parseShortPort(spec string) []DockerPort {
	mappings, err := nat.ParsePortSpec(spec)
	if err != nil {
		return nil
	}

	result := make([]DockerPort, 0, len(mappings))
	for _, m := range mappings {
		p := DockerPort{ExposedPort: uint16(m.Port.Int())}
		if strings.Contains(spec, "/") {
			p.Protocol = m.Port.Proto()
		}
		if m.Binding.HostPort != "" {
			public, err := nat.ParsePort(m.Binding.HostPort)
			if err != nil {
				continue
			}
			p.PublicPort = uint16(public)
		}
		result = append(result, p)
	}
	return result
}

func parseLongPort(item *yaml.Node) (DockerPort, bool) {
	var p DockerPort
	_, target := lookup(item, "target")
	if target == nil {
		return p, false
	}
	exposed, err := strconv.ParseUint(target.Value, 10, 16)
	if err != nil {
		return p, false
	}
	p.ExposedPort = uint16(exposed)

	if _, published := lookup(item, "published"); published != nil {
		if public, err := nat.ParsePort(published.Value); err == nil {
			p.PublicPort = uint16(public)
		}
	}
	if _, protocol := lookup(item, "protocol"); protocol != nil {
		p.Protocol = protocol.Value
	}
	return p, true
}

// =============================================================================
// Environment
// =============================================================================

// Environment returns the service environment as a map.
// Both the mapping form and the list of KEY=VALUE strings are accepted; a
// missing block gives an empty map. Variables passed through from the host
// (a null value or a bare KEY entry) read as empty strings.
func (s *Service) Environment() (map[string]string, error) {
	result := make(map[string]string)

	_, env := lookup(s.node, "environment")
	if env == nil {
		return result, nil
	}

	field := "services." + s.name + ".environment"
	switch env.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(env.Content); i += 2 {
			key, value := env.Content[i], env.Content[i+1]
			if value.Kind != yaml.ScalarNode {
				return nil, NewParseError(field+"."+key.Value, "value must be a scalar", ErrInvalidEnvironment)
			}
			if value.ShortTag() == nullTag {
				result[key.Value] = ""
				continue
			}
			result[key.Value] = value.Value
		}
	case yaml.SequenceNode:
		for i, item := range env.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, NewParseError(field+"["+strconv.Itoa(i)+"]", "entry must be a KEY=VALUE string", ErrInvalidEnvironment)
			}
			key, value, _ := strings.Cut(item.Value, "=")
			result[key] = value
		}
	case yaml.ScalarNode:
		if env.ShortTag() != nullTag {
			return nil, NewParseError(field, "unexpected scalar", ErrInvalidEnvironment)
		}
	default:
		return nil, NewParseError(field, "unexpected node kind", ErrInvalidEnvironment)
	}

	return result, nil
}

// SetEnvironment replaces the environment block. An empty map removes it.
// A variable that was passed through from the host keeps that meaning while
// its value stays empty.
func (s *Service) SetEnvironment(env map[string]string) {
	if len(env) == 0 {
		remove(s.node, "environment")
		return
	}
	passed := s.passThrough()

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range keys {
		value := scalar(env[k])
		if env[k] == "" && passed[k] {
			value = &yaml.Node{Kind: yaml.ScalarNode, Tag: nullTag, Value: "null"}
		}
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: strTag, Value: k},
			value,
		)
	}
	replace(s.node, "environment", mapping)
}

// passThrough returns the variables the current block takes from the host.
func (s *Service) passThrough() map[string]bool {
	result := make(map[string]bool)
	_, env := lookup(s.node, "environment")
	if env == nil {
		return result
	}

	switch env.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(env.Content); i += 2 {
			if value := env.Content[i+1]; value.Kind == yaml.ScalarNode && value.ShortTag() == nullTag {
				result[env.Content[i].Value] = true
			}
		}
	case yaml.SequenceNode:
		for _, item := range env.Content {
			if item.Kind == yaml.ScalarNode && !strings.Contains(item.Value, "=") {
				result[item.Value] = true
			}
		}
	}
	return result
}
