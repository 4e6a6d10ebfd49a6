package flow

import (
	"gopkg.in/yaml.v3"
)

// Action is the closed set of step actions.
type Action string

// Step actions
const (
	ActionClick Action = "click" // click Object
	ActionFetch Action = "fetch" // navigate to URL
	ActionInput Action = "input" // fill Object with Input
)

// Actions returns every known action.
func Actions() []Action {
	return []Action{ActionClick, ActionFetch, ActionInput}
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionClick, ActionFetch, ActionInput:
		return true
	}
	return false
}

// Step is one interaction followed by element checks. Fields that do not
// apply to Action are ignored.
type Step struct {
	Name            string     `json:"name" yaml:"name"`
	Action          Action     `json:"action" yaml:"action"`
	Object          *Selector  `json:"object,omitempty" yaml:"object"`
	URL             string     `json:"url,omitempty" yaml:"url"`
	Input           string     `json:"input,omitempty" yaml:"input"`
	PageLoadObjects []Selector `json:"PageLoadObjects,omitempty" yaml:"PageLoadObjects"`
	Wait            Millis     `json:"wait,omitempty" yaml:"wait"`

	Line int `json:"-" yaml:"-"` // Source line, YAML documents only
}

// stepRaw accepts both spellings of the post-condition key.
type stepRaw struct {
	Name            string     `yaml:"name"`
	Action          Action     `yaml:"action"`
	Object          *Selector  `yaml:"object"`
	URL             string     `yaml:"url"`
	Input           string     `yaml:"input"`
	PageLoadObjects []Selector `yaml:"PageLoadObjects"`
	PageLoadLower   []Selector `yaml:"pageLoadObjects"`
	Wait            Millis     `yaml:"wait"`
}

// UnmarshalYAML decodes a step and records its line.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var raw stepRaw
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*s = Step{
		Name:            raw.Name,
		Action:          raw.Action,
		Object:          raw.Object,
		URL:             raw.URL,
		Input:           raw.Input,
		PageLoadObjects: append(raw.PageLoadObjects, raw.PageLoadLower...),
		Wait:            raw.Wait,
		Line:            node.Line,
	}
	return nil
}

// HasObject reports whether the step targets an element.
func (s *Step) HasObject() bool {
	return s.Object != nil && s.Object.Selector != ""
}

// Describe returns a short description for logs.
func (s *Step) Describe() string {
	switch s.Action {
	case ActionClick:
		if s.HasObject() {
			return "click " + s.Object.Describe()
		}
	case ActionFetch:
		if s.URL != "" {
			return "fetch " + s.URL
		}
	case ActionInput:
		if s.HasObject() {
			return "input into " + s.Object.Describe()
		}
	}
	return string(s.Action)
}

func (s Step) clone() Step {
	c := s
	if s.Object != nil {
		obj := *s.Object
		c.Object = &obj
	}
	c.PageLoadObjects = append([]Selector(nil), s.PageLoadObjects...)
	return c
}
