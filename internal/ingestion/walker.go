package ingestion

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SourceFiles is the result of scanning the input directory.
type SourceFiles struct {
	XML     []string // sorted, absolute or relative to the scanned root
	Skipped []string // non-XML files that were ignored
}

// WalkSourceFiles walks dir recursively and collects *.xml files in
// lexical order. Hidden directories are skipped.
func WalkSourceFiles(dir string) (*SourceFiles, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		// A single file is accepted as its own source.
		if isXMLFile(dir) {
			return &SourceFiles{XML: []string{dir}}, nil
		}
		return nil, fmt.Errorf("source %s is not a directory or .xml file", dir)
	}

	files := &SourceFiles{}
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && shouldSkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if isXMLFile(path) {
			files.XML = append(files.XML, path)
		} else {
			files.Skipped = append(files.Skipped, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	sort.Strings(files.XML)
	sort.Strings(files.Skipped)
	return files, nil
}

// shouldSkipDir returns true if directory should be excluded
func shouldSkipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "__MACOSX"
}

func isXMLFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".xml")
}
