// Package content checks text read from page elements against a declared kind.
package content

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
)

// Kind names a content validation.
type Kind string

// Validation kinds
const (
	KindString    Kind = "string"    // non-empty text
	KindInteger   Kind = "integer"   // optionally signed base-10 digits
	KindNumeric   Kind = "numeric"   // finite decimal number
	KindRegex     Kind = "regex"     // pattern match
	KindPredicate Kind = "predicate" // caller-supplied function
)

// Predicate is a caller-supplied content check.
type Predicate func(content string) bool

// checker validates content against an optional pattern.
type checker func(content string, pattern any) (bool, error)

var checkers = map[Kind]checker{
	KindString:    checkString,
	KindInteger:   checkInteger,
	KindNumeric:   checkNumeric,
	KindRegex:     checkRegex,
	KindPredicate: checkPredicate,
}

// Kinds returns every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindString, KindInteger, KindNumeric, KindRegex, KindPredicate}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := checkers[k]
	return ok
}

// NeedsPattern reports whether the kind requires a pattern.
func (k Kind) NeedsPattern() bool {
	return k == KindRegex || k == KindPredicate
}

// Validate reports whether content satisfies kind.
// The error is reserved for misconfiguration: an unknown kind or a missing or
// unusable pattern. A plain mismatch returns false with a nil error.
func Validate(content string, kind Kind, pattern any) (bool, error) {
	check, ok := checkers[kind]
	if !ok {
		return false, fmt.Errorf("unknown validation kind %q", kind)
	}
	return check(content, pattern)
}

// Contains reports whether content includes expected as a substring.
func Contains(content, expected string) bool {
	return strings.Contains(content, expected)
}

func checkString(content string, _ any) (bool, error) {
	return strings.TrimSpace(content) != "", nil
}

var (
	integerRe = regexp.MustCompile(`^[+-]?[0-9]+$`)
	numericRe = regexp.MustCompile(`^[+-]?([0-9]+\.?[0-9]*|\.[0-9]+)([eE][+-]?[0-9]+)?$`)
)

func checkInteger(content string, _ any) (bool, error) {
	return integerRe.MatchString(strings.TrimSpace(content)), nil
}

func checkNumeric(content string, _ any) (bool, error) {
	s := strings.TrimSpace(content)
	if !numericRe.MatchString(s) {
		return false, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// out of range
		return false, nil
	}
	return !math.IsInf(f, 0) && !math.IsNaN(f), nil
}

func checkRegex(content string, pattern any) (bool, error) {
	switch p := pattern.(type) {
	case *regexp.Regexp:
		return p.MatchString(content), nil
	case *regexp2.Regexp:
		return p.MatchString(content)
	case string:
		re, err := CompileRegex(p)
		if err != nil {
			return false, err
		}
		return re.MatchString(content)
	case Predicate:
		return p(content), nil
	case func(string) bool:
		return p(content), nil
	case nil:
		return false, fmt.Errorf("regex validation requires a pattern")
	default:
		return false, fmt.Errorf("unsupported regex pattern type %T", pattern)
	}
}

func checkPredicate(content string, pattern any) (bool, error) {
	switch p := pattern.(type) {
	case Predicate:
		return p(content), nil
	case func(string) bool:
		return p(content), nil
	case nil:
		return false, fmt.Errorf("predicate validation requires a predicate")
	default:
		return false, fmt.Errorf("unsupported predicate type %T", pattern)
	}
}

// CompileRegex compiles a pattern with ECMAScript semantics.
// Both bare sources and /source/flags literals are accepted; flags i and m
// are honoured, the rest are ignored.
func CompileRegex(src string) (*regexp2.Regexp, error) {
	if src == "" {
		return nil, fmt.Errorf("empty regex pattern")
	}
	opts := regexp2.RegexOptions(regexp2.ECMAScript)
	if len(src) > 1 && src[0] == '/' {
		if end := strings.LastIndex(src, "/"); end > 0 {
			flags := src[end+1:]
			if strings.Trim(flags, "gimsuy") == "" {
				src = src[1:end]
				if strings.Contains(flags, "i") {
					opts |= regexp2.IgnoreCase
				}
				if strings.Contains(flags, "m") {
					opts |= regexp2.Multiline
				}
			}
		}
	}
	re, err := regexp2.Compile(src, opts)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", src, err)
	}
	return re, nil
}
