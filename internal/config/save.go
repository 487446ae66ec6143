package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/omx-dev/omx/internal/fsatomic"
)

// Set writes a single dotted-key value into the config file, creating the
// file and intermediate sections as needed. Comments and formatting in
// other sections are preserved by editing the yaml.Node tree. The value is
// written as a plain scalar; YAML typing applies on the next read, so
// "true", "45s", and "0.5" come back as bool, duration, and float.
func Set(configPath, key, value string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	doc, err := readDocument(configPath)
	if err != nil {
		return err
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config root is not a mapping")
	}
	setKey(root, strings.Split(key, "."), value)

	return writeDocument(configPath, doc)
}

// Unset removes a dotted key from the config file, preserving comments and
// formatting elsewhere. Returns an error when the key is not present.
func Unset(configPath, key string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}

	doc, err := readDocument(configPath)
	if err != nil {
		return err
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode || !unsetKey(root, strings.Split(key, ".")) {
		return fmt.Errorf("key %q not found", key)
	}

	return writeDocument(configPath, doc)
}

// readDocument parses the config file into a comment-preserving node tree.
// A missing or empty file yields a document with an empty mapping root.
func readDocument(configPath string) (*yaml.Node, error) {
	data, err := os.ReadFile(configPath) //nolint:gosec // G304: user-chosen config path
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if doc.Kind == 0 || len(doc.Content) == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode}},
		}
	}
	return &doc, nil
}

// writeDocument marshals the node tree back to YAML and writes it
// atomically.
func writeDocument(configPath string, doc *yaml.Node) error {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	if err := fsatomic.WriteFile(configPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// setKey walks or creates the mappings along path and sets the final key
// to a scalar value. Replacing an existing scalar mutates the node in
// place so its attached comments survive.
func setKey(m *yaml.Node, path []string, value string) {
	name := path[0]

	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != name {
			continue
		}
		if len(path) == 1 {
			val := m.Content[i+1]
			val.Kind = yaml.ScalarNode
			val.Style = 0
			val.Tag = ""
			val.Value = value
			val.Content = nil
			return
		}
		child := m.Content[i+1]
		if child.Kind != yaml.MappingNode {
			child = &yaml.Node{Kind: yaml.MappingNode}
			m.Content[i+1] = child
		}
		setKey(child, path[1:], value)
		return
	}

	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: name}
	if len(path) == 1 {
		m.Content = append(m.Content, keyNode, &yaml.Node{Kind: yaml.ScalarNode, Value: value})
		return
	}
	child := &yaml.Node{Kind: yaml.MappingNode}
	m.Content = append(m.Content, keyNode, child)
	setKey(child, path[1:], value)
}

// unsetKey removes the key at path from the mapping tree, reporting
// whether it was present. Emptied parent sections are left in place.
func unsetKey(m *yaml.Node, path []string) bool {
	name := path[0]

	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != name {
			continue
		}
		if len(path) == 1 {
			m.Content = append(m.Content[:i], m.Content[i+2:]...)
			return true
		}
		child := m.Content[i+1]
		if child.Kind != yaml.MappingNode {
			return false
		}
		return unsetKey(child, path[1:])
	}
	return false
}
