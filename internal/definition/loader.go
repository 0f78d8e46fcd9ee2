// Package definition loads workflow definitions from YAML, validates their
// structure and references, and serves them from a registry with atomic
// snapshot replacement.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/formflow/model"
)

// Loader scans directories for YAML workflow files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a WorkflowFile.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowFile, error) {
	var files []model.WorkflowFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			f, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// LoadFile loads and parses a single YAML workflow file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.WorkflowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowFile{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var f model.WorkflowFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.WorkflowFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	f.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	f.SourceFile = path

	return f, nil
}

// Flatten returns every workflow definition across files, in file order.
func Flatten(files []model.WorkflowFile) []model.WorkflowDefinition {
	var defs []model.WorkflowDefinition
	for _, f := range files {
		defs = append(defs, f.Workflows...)
	}
	return defs
}
