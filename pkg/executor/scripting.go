package executor

import (
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/devicelab-dev/pagecheck/pkg/flow"
	"github.com/devicelab-dev/pagecheck/pkg/jsengine"
)

// envVarPattern matches ALL_CAPS identifiers that look like env variables
var envVarPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{2,}$`)

// ScriptEngine handles variable management and ${...} expansion.
type ScriptEngine struct {
	js        *jsengine.Engine
	variables map[string]string
}

// NewScriptEngine creates a new script engine.
func NewScriptEngine() *ScriptEngine {
	return &ScriptEngine{
		js:        jsengine.New(),
		variables: make(map[string]string),
	}
}

// Close cleans up the script engine.
func (se *ScriptEngine) Close() {
	if se.js != nil {
		se.js.Close()
	}
}

// SetVariable sets a variable in both Go map and JS engine.
func (se *ScriptEngine) SetVariable(name, value string) {
	se.variables[name] = value
	se.js.SetVariable(name, value)
}

// SetVariables sets multiple variables.
func (se *ScriptEngine) SetVariables(vars map[string]string) {
	for k, v := range vars {
		se.SetVariable(k, v)
	}
}

// ImportSystemEnv imports process environment variables whose names look
// like THING or MY_VAR.
func (se *ScriptEngine) ImportSystemEnv() {
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if ok && envVarPattern.MatchString(name) {
			se.SetVariable(name, value)
		}
	}
}

// GetVariable returns a variable value.
func (se *ScriptEngine) GetVariable(name string) string {
	return se.variables[name]
}

// ExpandVariables expands ${expr} and $VAR syntax in text.
func (se *ScriptEngine) ExpandVariables(text string) string {
	if !strings.Contains(text, "$") {
		return text
	}

	// First pass: JS engine for ${expression} syntax
	if result, err := se.js.ExpandVariables(text); err == nil {
		text = result
	}

	// Second pass: $VAR, longest names first to avoid partial matches
	names := make([]string, 0, len(se.variables))
	for name := range se.variables {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return len(names[i]) > len(names[j])
	})

	for _, name := range names {
		text = expandDollarVar(text, name, se.variables[name])
	}
	return text
}

// expandDollarVar replaces $VAR with value, checking word boundaries.
func expandDollarVar(text, name, value string) string {
	pattern := "$" + name
	idx := 0
	for {
		pos := strings.Index(text[idx:], pattern)
		if pos == -1 {
			break
		}
		pos += idx

		// Followed by an identifier character means a different variable
		endPos := pos + len(pattern)
		if endPos < len(text) {
			next := text[endPos]
			if (next >= 'a' && next <= 'z') || (next >= 'A' && next <= 'Z') ||
				(next >= '0' && next <= '9') || next == '_' {
				idx = endPos
				continue
			}
		}

		text = text[:pos] + value + text[endPos:]
		idx = pos + len(value)
	}
	return text
}

// ExpandDefinition returns a copy of def with variables expanded in
// startUrl, step urls and inputs, and every expectedContent. Selectors and
// validation patterns are left untouched.
func (se *ScriptEngine) ExpandDefinition(def *flow.TestDefinition) *flow.TestDefinition {
	out := def.Clone()
	out.StartURL = se.ExpandVariables(out.StartURL)
	se.expandSelectors(out.StartPageLoadObjects)

	for i := range out.Steps {
		step := &out.Steps[i]
		step.URL = se.ExpandVariables(step.URL)
		step.Input = se.ExpandVariables(step.Input)
		if step.Object != nil {
			step.Object.ExpectedContent = se.ExpandVariables(step.Object.ExpectedContent)
		}
		se.expandSelectors(step.PageLoadObjects)
	}
	return out
}

func (se *ScriptEngine) expandSelectors(sels []flow.Selector) {
	for i := range sels {
		sels[i].ExpectedContent = se.ExpandVariables(sels[i].ExpectedContent)
	}
}
