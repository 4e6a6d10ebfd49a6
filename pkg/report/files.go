package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// atomicWriteJSON writes v as indented JSON through a temp file and a
// rename, so readers never see a partial file.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(path, data)
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := ensureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// relPath returns path relative to base when it lies under base, and path
// unchanged otherwise.
func relPath(base, path string) string {
	if path == "" || base == "" {
		return path
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}

// ReadReport loads report.json and the detail file of every finished test.
// Tests without a detail file yet get a stub built from their index entry.
func ReadReport(reportDir string) (*Index, []TestDetail, error) {
	var index Index
	if err := readJSON(filepath.Join(reportDir, "report.json"), &index); err != nil {
		return nil, nil, fmt.Errorf("read index: %w", err)
	}

	details := make([]TestDetail, len(index.Tests))
	for i, entry := range index.Tests {
		var d TestDetail
		if entry.Status.IsTerminal() {
			if err := readJSON(filepath.Join(reportDir, entry.DataFile), &d); err != nil && !os.IsNotExist(err) {
				return nil, nil, fmt.Errorf("read %s: %w", entry.DataFile, err)
			}
		}
		if d.TestName == "" {
			d = TestDetail{
				ID:             entry.ID,
				TestName:       entry.Name,
				FunctionalUnit: entry.FunctionalUnit,
				SourceFile:     entry.SourceFile,
				Tags:           entry.Tags,
				Status:         entry.Status,
				Summary:        entry.Steps,
			}
			if entry.Error != nil {
				d.Error = *entry.Error
			}
		}
		details[i] = d
	}
	return &index, details, nil
}
