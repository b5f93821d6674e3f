// Package definition validates workflow definitions, loads them from YAML
// files, and keeps the in-memory workflow registry.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/conduit/model"
)

// Metadata keys set by the Loader.
const (
	MetaChecksum   = "checksum"
	MetaSourceFile = "source_file"
)

// Loader scans paths for YAML workflow files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans paths for *.yaml and *.yml files and parses each
// into a Workflow. A path may also name a single file.
func (l *Loader) LoadAll(paths []string) ([]model.Workflow, error) {
	var wfs []model.Workflow

	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
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

			wf, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			wfs = append(wfs, wf)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", root, err)
		}
	}

	return wfs, nil
}

// LoadFile loads and parses a single YAML workflow file. The checksum and
// source path are recorded in the workflow's metadata.
func (l *Loader) LoadFile(path string) (model.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var wf model.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return model.Workflow{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	if wf.Metadata == nil {
		wf.Metadata = make(map[string]any, 2)
	}
	wf.Metadata[MetaChecksum] = fmt.Sprintf("%x", sha256.Sum256(data))
	wf.Metadata[MetaSourceFile] = path

	return wf, nil
}
