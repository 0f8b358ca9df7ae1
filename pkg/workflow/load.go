package workflow

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Loader supplies workflow definitions to the engine. The engine never
// parses source text itself; nested invocations resolve their
// references through the same Loader.
type Loader interface {
	Load(ref string) (*Definition, error)
}

// FileLoader loads YAML definitions from disk, resolving relative
// references against Root.
type FileLoader struct {
	Root string
}

func (l FileLoader) Load(ref string) (*Definition, error) {
	path := ref
	if !filepath.IsAbs(path) && l.Root != "" {
		path = filepath.Join(l.Root, path)
	}
	def, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = ref
	}
	return def, nil
}

// LoadFile reads and parses a workflow definition YAML file with strict
// unknown-field rejection.
func LoadFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open definition: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a definition from an io.Reader with strict unknown-field
// rejection (yaml.v3 KnownFields).
func Load(r io.Reader) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &def, nil
}
