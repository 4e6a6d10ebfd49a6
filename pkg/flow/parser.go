package flow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseError represents a document error with location info.
type ParseError struct {
	Path    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Supported document extensions
var Extensions = []string{".json", ".yaml", ".yml"}

// IsDocument reports whether path has a supported extension.
func IsDocument(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ParseFile parses a single test document.
func ParseFile(path string) (*TestDefinition, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is user-provided test document
	if err != nil {
		return nil, &ParseError{Path: path, Message: fmt.Sprintf("failed to read file: %v", err)}
	}
	return Parse(data, path)
}

// Parse parses document content. The format follows the extension of
// sourcePath; without a known extension a leading '{' selects JSON.
func Parse(data []byte, sourcePath string) (*TestDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ParseError{Path: sourcePath, Line: 1, Message: "empty test document"}
	}

	var (
		def *TestDefinition
		err error
	)
	switch strings.ToLower(filepath.Ext(sourcePath)) {
	case ".json":
		def, err = parseJSON(data, sourcePath)
	case ".yaml", ".yml":
		def, err = parseYAML(data, sourcePath)
	default:
		if trimmed[0] == '{' {
			def, err = parseJSON(data, sourcePath)
		} else {
			def, err = parseYAML(data, sourcePath)
		}
	}
	if err != nil {
		return nil, err
	}

	def.SourcePath = sourcePath
	if strings.TrimSpace(def.TestName) == "" {
		def.TestName = strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	}
	if err := validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

func parseJSON(data []byte, sourcePath string) (*TestDefinition, error) {
	var def TestDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr):
			return nil, &ParseError{Path: sourcePath, Line: lineAt(data, syntaxErr.Offset), Message: syntaxErr.Error()}
		case errors.As(err, &typeErr):
			return nil, &ParseError{Path: sourcePath, Line: lineAt(data, typeErr.Offset), Message: typeErr.Error()}
		}
		return nil, &ParseError{Path: sourcePath, Message: err.Error()}
	}
	return &def, nil
}

func parseYAML(data []byte, sourcePath string) (*TestDefinition, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ParseError{Path: sourcePath, Message: err.Error()}
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, &ParseError{Path: sourcePath, Line: 1, Message: "test document must be a mapping"}
	}

	var def TestDefinition
	if err := root.Content[0].Decode(&def); err != nil {
		return nil, &ParseError{Path: sourcePath, Message: err.Error()}
	}
	return &def, nil
}

// lineAt returns the 1-based line containing byte offset off.
func lineAt(data []byte, off int64) int {
	if off > int64(len(data)) {
		off = int64(len(data))
	}
	return bytes.Count(data[:off], []byte("\n")) + 1
}

// validate applies the structural rules every document must meet.
func validate(def *TestDefinition) error {
	fail := func(line int, format string, args ...interface{}) error {
		return &ParseError{Path: def.SourcePath, Line: line, Message: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(def.StartURL) == "" {
		return fail(0, "startUrl is required")
	}
	if def.Wait < 0 {
		return fail(0, "wait must not be negative")
	}
	for i, sel := range def.StartPageLoadObjects {
		if err := checkSelector(sel); err != nil {
			return fail(0, "startPageLoadObjects[%d]: %v", i, err)
		}
	}

	seen := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		step.Action = Action(strings.ToLower(strings.TrimSpace(string(step.Action))))

		if strings.TrimSpace(step.Name) == "" {
			return fail(step.Line, "steps[%d]: name is required", i)
		}
		if prev, dup := seen[step.Name]; dup {
			return fail(step.Line, "step %q: duplicate name (also steps[%d])", step.Name, prev)
		}
		seen[step.Name] = i

		if !step.Action.Valid() {
			return fail(step.Line, "step %q: unknown action %q (want click, fetch or input)", step.Name, step.Action)
		}
		if step.Wait < 0 {
			return fail(step.Line, "step %q: wait must not be negative", step.Name)
		}
		// object only matters to click and input; an empty one means no target.
		if step.Object != nil && (step.Action == ActionFetch || strings.TrimSpace(step.Object.Selector) == "") {
			step.Object = nil
		}
		if step.Object != nil {
			if err := checkSelector(*step.Object); err != nil {
				return fail(step.Line, "step %q: object: %v", step.Name, err)
			}
		}
		for j, sel := range step.PageLoadObjects {
			if err := checkSelector(sel); err != nil {
				return fail(step.Line, "step %q: PageLoadObjects[%d]: %v", step.Name, j, err)
			}
		}
	}
	return nil
}

func checkSelector(sel Selector) error {
	if strings.TrimSpace(sel.Selector) == "" {
		return errors.New("selector is empty")
	}
	if sel.Index < 0 {
		return fmt.Errorf("index %d must not be negative", sel.Index)
	}
	if sel.Wait < 0 {
		return errors.New("wait must not be negative")
	}
	if sel.Validation != "" {
		if !sel.Validation.Valid() {
			return fmt.Errorf("unknown validation %q", sel.Validation)
		}
		if sel.Validation.NeedsPattern() && strings.TrimSpace(sel.ValidationPattern) == "" {
			return fmt.Errorf("validation %q requires validationPattern", sel.Validation)
		}
	}
	return nil
}

// ShouldInclude checks if a test matches tag filters.
func ShouldInclude(def *TestDefinition, includeTags, excludeTags []string) bool {
	if len(includeTags) > 0 {
		hasTag := false
		for _, tag := range def.Tags {
			for _, include := range includeTags {
				if tag == include {
					hasTag = true
					break
				}
			}
		}
		if !hasTag {
			return false
		}
	}

	for _, tag := range def.Tags {
		for _, exclude := range excludeTags {
			if tag == exclude {
				return false
			}
		}
	}

	return true
}
