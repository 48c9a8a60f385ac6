package stage

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed stages.yaml
var defaultTable []byte

// Loader reads stage table documents and computes their SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new stage table Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadDefault parses the stage table compiled into the binary.
func (l *Loader) LoadDefault() (Document, error) {
	return l.Parse(defaultTable, "embedded:stages.yaml")
}

// LoadFile loads and parses a stage table file, recording its path.
func (l *Loader) LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return l.Parse(data, path)
}

// Parse decodes a stage table document. Unknown keys are rejected.
func (l *Loader) Parse(data []byte, source string) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("parsing %s: %w", source, err)
	}

	doc.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	doc.SourceFile = source
	return doc, nil
}

// Load returns the table at path, or the embedded table when path is empty,
// validated and ready for use.
func Load(path string) (*Table, error) {
	l := NewLoader()
	var (
		doc Document
		err error
	)
	if path == "" {
		doc, err = l.LoadDefault()
	} else {
		doc, err = l.LoadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return NewTable(doc)
}
