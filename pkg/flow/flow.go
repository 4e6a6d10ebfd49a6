// Package flow handles parsing and representation of pagecheck test documents.
package flow

import "time"

// TestDefinition is a parsed test document. It is read-only input to the
// executor.
type TestDefinition struct {
	SourcePath string `json:"-" yaml:"-"` // Path to the source file

	TestName             string     `json:"testName" yaml:"testName"`
	FunctionalUnit       string     `json:"functionalUnit,omitempty" yaml:"functionalUnit"`
	Tags                 []string   `json:"tags,omitempty" yaml:"tags"`
	StartURL             string     `json:"startUrl" yaml:"startUrl"`
	StartPageLoadObjects []Selector `json:"startPageLoadObjects,omitempty" yaml:"startPageLoadObjects"`
	Wait                 Millis     `json:"wait,omitempty" yaml:"wait"` // Default timeout for the test
	Steps                []Step     `json:"steps" yaml:"steps"`
}

// Millis is a duration written in documents as whole milliseconds.
// Zero means unset.
type Millis int

// Duration converts m to a time.Duration.
func (m Millis) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

// IsSet reports whether a wait was given.
func (m Millis) IsSet() bool { return m > 0 }

// FirstWait returns the first set wait in order, or fallback.
func FirstWait(fallback time.Duration, waits ...Millis) time.Duration {
	for _, w := range waits {
		if w.IsSet() {
			return w.Duration()
		}
	}
	return fallback
}

// Clone returns a deep copy of the definition.
func (d *TestDefinition) Clone() *TestDefinition {
	c := *d
	c.Tags = append([]string(nil), d.Tags...)
	c.StartPageLoadObjects = append([]Selector(nil), d.StartPageLoadObjects...)
	c.Steps = make([]Step, len(d.Steps))
	for i, s := range d.Steps {
		c.Steps[i] = s.clone()
	}
	return &c
}
