package flow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/pagecheck/pkg/content"
)

// Selector identifies one element on the page and what its content must
// satisfy. Documents may write a selector as a bare string ("#login") or as
// an object; both decode into this struct.
type Selector struct {
	Selector          string       `json:"selector" yaml:"selector"`                                       // CSS selector
	Index             int          `json:"index,omitempty" yaml:"index"`                                   // 0-based match index
	ExpectedContent   string       `json:"expectedContent,omitempty" yaml:"expectedContent"`               // substring the text must contain
	Validation        content.Kind `json:"validation,omitempty" yaml:"validation"`                         // content kind check
	ValidationPattern string       `json:"validationPattern,omitempty" yaml:"validationPattern,omitempty"` // regex source or JS predicate
	Wait              Millis       `json:"wait,omitempty" yaml:"wait"`                                     // per-entry timeout
}

// selectorRaw has the same fields without the custom decoders.
type selectorRaw Selector

// UnmarshalYAML allows Selector to be unmarshaled from string or struct.
func (s *Selector) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = Selector{Selector: node.Value}
		return nil
	}

	var raw selectorRaw
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*s = Selector(raw)
	return nil
}

// UnmarshalJSON allows Selector to be unmarshaled from string or object.
func (s *Selector) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Selector{Selector: str}
		return nil
	}

	var raw selectorRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Selector(raw)
	return nil
}

// HasValidation reports whether any content check is configured.
func (s Selector) HasValidation() bool {
	return s.Validation != "" || s.ExpectedContent != ""
}

// Describe returns a short human-readable form, e.g. "#items li[2]".
func (s Selector) Describe() string {
	if s.Index > 0 {
		return fmt.Sprintf("%s[%d]", s.Selector, s.Index)
	}
	return s.Selector
}
