package labels

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by FindByPrefix when no entry matches.
var ErrNotFound = errors.New("no file with prefix")

// FindByPrefix returns the path of the first regular entry of dir, in name
// order, whose name starts with prefix.
func FindByPrefix(dir, prefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("%w %q in %s", ErrNotFound, prefix, dir)
}

// LoadMapping locates the metadata and biospecimen documents in dir by prefix
// and builds a Mapping from them.
func LoadMapping(dir, metadataPrefix, biospecimenPrefix string) (*Mapping, error) {
	metadataPath, err := FindByPrefix(dir, metadataPrefix)
	if err != nil {
		return nil, fmt.Errorf("metadata document: %w", err)
	}
	biospecimenPath, err := FindByPrefix(dir, biospecimenPrefix)
	if err != nil {
		return nil, fmt.Errorf("biospecimen document: %w", err)
	}

	files, err := LoadFiles(metadataPath)
	if err != nil {
		return nil, err
	}
	cases, err := LoadCases(biospecimenPath)
	if err != nil {
		return nil, err
	}
	return NewMapping(files, cases), nil
}
