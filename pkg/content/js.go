package content

import "github.com/devicelab-dev/pagecheck/pkg/jsengine"

// JSPredicate compiles JavaScript source into a Predicate. See
// jsengine.Engine.CompilePredicate for the accepted forms.
func JSPredicate(src string) (Predicate, error) {
	fn, err := jsengine.New().CompilePredicate(src)
	if err != nil {
		return nil, err
	}
	return Predicate(fn), nil
}

// ResolvePattern turns the textual pattern of a document into the value
// Validate expects for kind: a compiled regex for regex, a compiled
// predicate for predicate, nil otherwise.
func ResolvePattern(kind Kind, src string) (any, error) {
	switch kind {
	case KindRegex:
		if src == "" {
			return nil, nil
		}
		return CompileRegex(src)
	case KindPredicate:
		if src == "" {
			return nil, nil
		}
		return JSPredicate(src)
	default:
		return nil, nil
	}
}
