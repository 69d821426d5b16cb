package manifest

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

const (
	strTag   = "!!str"
	intTag   = "!!int"
	floatTag = "!!float"
	nullTag  = "!!null"
)

// =============================================================================
// Manifest
// =============================================================================

// Manifest is an editable compose document.
// It owns the YAML tree; Service values only hold references used to mutate it.
type Manifest struct {
	doc      *yaml.Node // DocumentNode
	services *yaml.Node // MappingNode under the top-level "services" key
	list     []*Service
}

// Parse reads a manifest from r.
// It fails with a format error unless r holds exactly one YAML document whose
// root mapping has a "services" mapping.
func Parse(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)

	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, NewParseError("", "manifest is empty", ErrNoServices)
		}
		return nil, NewParseError("", err.Error(), ErrInvalidYAML)
	}

	var extra yaml.Node
	switch err := dec.Decode(&extra); {
	case err == nil:
		return nil, NewParseError("", "found more than one YAML document", ErrMultipleDocuments)
	case !errors.Is(err, io.EOF):
		return nil, NewParseError("", err.Error(), ErrInvalidYAML)
	}

	if len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, NewParseError("", "top level must be a mapping", ErrNoServices)
	}

	_, services := lookup(doc.Content[0], "services")
	if services == nil {
		return nil, NewParseError("services", "key is missing", ErrNoServices)
	}
	if services.Kind != yaml.MappingNode {
		return nil, NewParseError("services", "must be a mapping", ErrNoServices)
	}

	m := &Manifest{
		doc:      &doc,
		services: services,
		list:     make([]*Service, 0, len(services.Content)/2),
	}

	for i := 0; i+1 < len(services.Content); i += 2 {
		name := services.Content[i].Value
		node := services.Content[i+1]
		if node.Kind != yaml.MappingNode {
			return nil, NewParseError("services."+name, "service definition must be a mapping", ErrNoServices)
		}
		m.list = append(m.list, newService(name, node))
	}

	return m, nil
}

// Services returns the services in declaration order.
func (m *Manifest) Services() []*Service {
	result := make([]*Service, len(m.list))
	copy(result, m.list)
	return result
}

// Service returns the named service.
func (m *Manifest) Service(name string) (*Service, bool) {
	for _, s := range m.list {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

// RemoveServices drops the named services. Unknown names are ignored.
func (m *Manifest) RemoveServices(names ...string) {
	if len(names) == 0 {
		return
	}

	removing := make(map[string]bool, len(names))
	for _, n := range names {
		removing[n] = true
	}

	content := m.services.Content[:0]
	for i := 0; i+1 < len(m.services.Content); i += 2 {
		if removing[m.services.Content[i].Value] {
			continue
		}
		content = append(content, m.services.Content[i], m.services.Content[i+1])
	}
	m.services.Content = content

	list := m.list[:0]
	for _, s := range m.list {
		if !removing[s.name] {
			list = append(list, s)
		}
	}
	m.list = list
}

// Save writes the manifest to w.
// Plain scalar values that do not read as numbers are written quoted first, so
// values like yes, on or true stay strings for every YAML reader.
func (m *Manifest) Save(w io.Writer) error {
	quoteStrings(m.doc)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m.doc); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return enc.Close()
}

// =============================================================================
// Node Helpers
// =============================================================================

// quoteStrings walks every value scalar below n. Mapping keys are left alone.
func quoteStrings(n *yaml.Node) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			quoteStrings(c)
		}
	case yaml.MappingNode:
		for i := 1; i < len(n.Content); i += 2 {
			quoteStrings(n.Content[i])
		}
	case yaml.ScalarNode:
		if n.Style != 0 {
			return // already quoted, block literal or explicitly tagged
		}
		switch n.ShortTag() {
		case intTag, floatTag, nullTag:
			return
		}
		n.Tag = strTag
		n.Style = yaml.DoubleQuotedStyle
	}
}

// lookup returns the index of key in mapping and its value node.
func lookup(mapping *yaml.Node, key string) (int, *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return i, mapping.Content[i+1]
		}
	}
	return -1, nil
}

// replace sets key to value in place, appending the pair when key is missing.
func replace(mapping *yaml.Node, key string, value *yaml.Node) {
	if i, _ := lookup(mapping, key); i >= 0 {
		mapping.Content[i+1] = value
		return
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: strTag, Value: key},
		value,
	)
}

// remove deletes key from mapping.
func remove(mapping *yaml.Node, key string) {
	if i, _ := lookup(mapping, key); i >= 0 {
		mapping.Content = append(mapping.Content[:i], mapping.Content[i+2:]...)
	}
}

// scalar creates a string node, keeping numbers as numbers.
func scalar(value string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Value: value}
	switch tag := n.ShortTag(); tag {
	case intTag, floatTag:
		n.Tag = tag
	default:
		n.Tag = strTag
	}
	return n
}
