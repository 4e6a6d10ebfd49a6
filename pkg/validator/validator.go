// Package validator validates test documents before execution.
// It parses all files upfront, applies tag filters and lints for steps
// that cannot do anything.
package validator

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/devicelab-dev/pagecheck/pkg/content"
	"github.com/devicelab-dev/pagecheck/pkg/flow"
)

// ValidationError represents a validation error with context.
type ValidationError struct {
	File    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// Warning is a lint finding that does not stop execution unless strict.
type Warning struct {
	File    string
	Line    int
	Message string
}

func (w Warning) String() string {
	if w.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", w.File, w.Line, w.Message)
	}
	return fmt.Sprintf("%s: %s", w.File, w.Message)
}

// Result contains the validation result.
type Result struct {
	// Files is the list of test file paths in execution order.
	Files []string
	// Tests holds the parsed definitions, parallel to Files.
	Tests []*flow.TestDefinition
	// Errors contains all validation errors found.
	Errors []error
	// Warnings contains lint findings.
	Warnings []Warning
	// Filtered counts documents excluded by tag filters.
	Filtered int
}

// IsValid returns true if there are no validation errors.
func (r *Result) IsValid() bool {
	return len(r.Errors) == 0
}

// Validator validates test files.
type Validator struct {
	includeTags []string
	excludeTags []string
	strict      bool
}

// New creates a new Validator.
func New(includeTags, excludeTags []string) *Validator {
	return &Validator{
		includeTags: includeTags,
		excludeTags: excludeTags,
	}
}

// Strict turns lint warnings into errors.
func (v *Validator) Strict(strict bool) *Validator {
	v.strict = strict
	return v
}

// Validate validates files and directories in order. Directories are
// walked recursively in lexical order.
func (v *Validator) Validate(paths ...string) *Result {
	result := &Result{}
	seen := make(map[string]bool)
	names := make(map[string]string)

	for _, path := range paths {
		files, err := v.collect(path)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		for _, file := range files {
			if seen[file] {
				continue
			}
			seen[file] = true
			v.validateFile(file, result, names)
		}
	}

	if v.strict {
		for _, w := range result.Warnings {
			result.Errors = append(result.Errors, &ValidationError{File: w.File, Message: "strict: " + w.String()})
		}
	}
	return result
}

// collect returns the test documents at path.
func (v *Validator) collect(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ValidationError{File: path, Message: fmt.Sprintf("cannot access: %v", err)}
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && d.Name()[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		if flow.IsDocument(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, &ValidationError{File: path, Message: fmt.Sprintf("failed to scan directory: %v", err)}
	}
	return files, nil
}

func (v *Validator) validateFile(file string, result *Result, names map[string]string) {
	def, err := flow.ParseFile(file)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return
	}

	if !flow.ShouldInclude(def, v.includeTags, v.excludeTags) {
		result.Filtered++
		return
	}

	if prev, ok := names[def.TestName]; ok {
		result.Warnings = append(result.Warnings, Warning{
			File:    file,
			Message: fmt.Sprintf("testName %q already used by %s", def.TestName, prev),
		})
	} else {
		names[def.TestName] = file
	}

	result.Warnings = append(result.Warnings, Lint(def)...)
	result.Files = append(result.Files, file)
	result.Tests = append(result.Tests, def)
}

// Lint reports steps that have no effect and validation patterns that
// will fail at run time.
func Lint(def *flow.TestDefinition) []Warning {
	var warnings []Warning
	warn := func(line int, format string, args ...interface{}) {
		warnings = append(warnings, Warning{File: def.SourcePath, Line: line, Message: fmt.Sprintf(format, args...)})
	}

	for _, sel := range def.StartPageLoadObjects {
		if msg := patternProblem(sel); msg != "" {
			warn(0, "start condition %s: %s", sel.Describe(), msg)
		}
	}

	for _, step := range def.Steps {
		switch step.Action {
		case flow.ActionClick:
			if !step.HasObject() && len(step.PageLoadObjects) == 0 {
				warn(step.Line, "step %q: click without object or PageLoadObjects does nothing", step.Name)
			}
		case flow.ActionFetch:
			if step.URL == "" {
				warn(step.Line, "step %q: fetch without url does nothing", step.Name)
			}
		case flow.ActionInput:
			if !step.HasObject() || step.Input == "" {
				warn(step.Line, "step %q: input needs both object and input", step.Name)
			}
		}

		sels := step.PageLoadObjects
		if step.HasObject() {
			sels = append([]flow.Selector{*step.Object}, sels...)
		}
		for _, sel := range sels {
			if msg := patternProblem(sel); msg != "" {
				warn(step.Line, "step %q: %s: %s", step.Name, sel.Describe(), msg)
			}
		}
	}
	return warnings
}

func patternProblem(sel flow.Selector) string {
	if !sel.Validation.NeedsPattern() {
		return ""
	}
	if _, err := content.ResolvePattern(sel.Validation, sel.ValidationPattern); err != nil {
		return fmt.Sprintf("invalid %s pattern: %v", sel.Validation, err)
	}
	return ""
}
