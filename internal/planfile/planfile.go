// Package planfile loads plan documents from YAML or JSON.
package planfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/orchestra/pkg/schema"
)

// DefaultPlanDir is the conventional location for plan documents on disk.
const DefaultPlanDir = "plans"

// Document is a plan plus the setup abstractions it is submitted with.
type Document struct {
	schema.Plan `yaml:",inline"`
	Setup       map[string]string `yaml:"setup,omitempty" json:"setup,omitempty"`
}

// Parse decodes a plan document from YAML or JSON bytes and normalizes it.
func Parse(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan document is empty")
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode plan document").WithCause(err)
	}
	doc.normalize()
	return &doc, nil
}

// LoadReader reads a plan document from r.
func LoadReader(r io.Reader) (*Document, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("planfile: read document: %w", err)
	}
	return Parse(content)
}

// LoadFile loads a plan document from an explicit path.
func LoadFile(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("planfile: read %s: %w", path, err)
	}
	doc, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("planfile: %s: %w", path, err)
	}
	return doc, nil
}

// Supplier resolves plan names against a directory. Names without an
// extension are tried as .yaml, .yml and .json in that order.
type Supplier struct {
	Dir string
}

func (s Supplier) Load(name string) (*Document, error) {
	dir := s.Dir
	if dir == "" {
		dir = DefaultPlanDir
	}
	if filepath.Ext(name) != "" {
		return LoadFile(filepath.Join(dir, name))
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plan %q not found in %s", name, dir)
}

// normalize fills node uuids and identifiers from their map keys and
// upper-cases execution modes.
func (d *Document) normalize() {
	for key, node := range d.Nodes {
		if node == nil {
			continue
		}
		if node.UUID == "" {
			node.UUID = key
		}
		if node.Identifier == "" {
			node.Identifier = key
		}
		node.ExecutionMode = schema.ExecutionMode(strings.ToUpper(string(node.ExecutionMode)))
		for i := range node.AdviserObtainments {
			node.AdviserObtainments[i].Type = strings.ToUpper(node.AdviserObtainments[i].Type)
		}
	}
}
