// Package jsengine provides JavaScript evaluation for test documents:
// ${...} expansion and content predicates.
package jsengine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/devicelab-dev/pagecheck/pkg/logger"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 2 * time.Second

// ErrClosed is returned by evaluations on a closed engine.
var ErrClosed = errors.New("js engine closed")

// Engine wraps a goja runtime. It is safe for concurrent use; evaluations
// are serialized.
type Engine struct {
	runtime   *goja.Runtime
	variables map[string]interface{}
	timeout   time.Duration
	closed    bool
	mu        sync.Mutex
}

// New creates a new JS engine instance
func New() *Engine {
	e := &Engine{
		runtime:   goja.New(),
		variables: make(map[string]interface{}),
		timeout:   DefaultTimeout,
	}
	e.setupBuiltins()
	return e
}

func (e *Engine) setupBuiltins() {
	e.setupConsole()
	e.runtime.Set("json", e.jsonFunc())
}

// setupConsole routes console.log and friends to the run log.
func (e *Engine) setupConsole() {
	makeConsoleFunc := func(logf func(string, ...interface{})) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			logf("js: %s", strings.Join(parts, " "))
			return goja.Undefined()
		}
	}

	console := e.runtime.NewObject()
	_ = console.Set("log", makeConsoleFunc(logger.Info))
	_ = console.Set("debug", makeConsoleFunc(logger.Debug))
	_ = console.Set("warn", makeConsoleFunc(logger.Warn))
	_ = console.Set("error", makeConsoleFunc(logger.Error))
	e.runtime.Set("console", console)
}

// jsonFunc returns the json() helper function
func (e *Engine) jsonFunc() func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(e.runtime.NewTypeError("json requires 1 argument"))
		}
		parse, ok := goja.AssertFunction(e.runtime.Get("JSON").ToObject(e.runtime).Get("parse"))
		if !ok {
			panic(e.runtime.NewTypeError("JSON.parse unavailable"))
		}
		v, err := parse(goja.Undefined(), call.Arguments[0])
		if err != nil {
			panic(e.runtime.NewTypeError(fmt.Sprintf("invalid JSON: %v", err)))
		}
		return v
	}
}

// SetTimeout changes the per-evaluation bound. Zero disables it.
func (e *Engine) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = d
}

// SetVariable sets a variable accessible in JS as a global
func (e *Engine) SetVariable(name string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.variables[name] = value
	e.runtime.Set(name, value)
}

// SetVariables sets multiple variables
func (e *Engine) SetVariables(vars map[string]string) {
	for k, v := range vars {
		e.SetVariable(k, v)
	}
}

// Variable returns a variable previously set with SetVariable.
func (e *Engine) Variable(name string) (interface{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.variables[name]
	return v, ok
}

// run executes fn with the runtime under the engine lock and the
// evaluation timeout armed.
func (e *Engine) run(fn func(rt *goja.Runtime) (goja.Value, error)) (goja.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if e.timeout > 0 {
		fired := make(chan struct{})
		timer := time.AfterFunc(e.timeout, func() {
			e.runtime.Interrupt("evaluation timed out")
			close(fired)
		})
		defer func() {
			// A timer that already fired must finish interrupting before
			// the flag is cleared, or the next evaluation inherits it.
			if !timer.Stop() {
				<-fired
			}
			e.runtime.ClearInterrupt()
		}()
	}
	return fn(e.runtime)
}

// Eval evaluates a JavaScript expression and returns the exported result
func (e *Engine) Eval(script string) (interface{}, error) {
	result, err := e.run(func(rt *goja.Runtime) (goja.Value, error) {
		return rt.RunString(script)
	})
	if err != nil {
		return nil, fmt.Errorf("JS eval error: %w", err)
	}
	return result.Export(), nil
}

// EvalString evaluates a JavaScript expression and returns string result
func (e *Engine) EvalString(script string) (string, error) {
	result, err := e.Eval(script)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprintf("%v", result), nil
}

// EvalBool evaluates a JavaScript expression using JS truthiness.
func (e *Engine) EvalBool(script string) (bool, error) {
	result, err := e.run(func(rt *goja.Runtime) (goja.Value, error) {
		return rt.RunString(script)
	})
	if err != nil {
		return false, fmt.Errorf("JS eval error: %w", err)
	}
	return result.ToBoolean(), nil
}

// CompilePredicate compiles src into a string predicate.
//
// src is either a function expression ("v => v.length > 3",
// "function (v) { ... }") or an expression over the variable value
// ("value.startsWith('$')"). Syntax errors are reported here; runtime
// errors at call time make the predicate return false.
func (e *Engine) CompilePredicate(src string) (func(string) bool, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty predicate")
	}
	prg, err := goja.Compile("predicate", "(function (value) { return ("+src+"); })", false)
	if err != nil {
		return nil, fmt.Errorf("invalid predicate %q: %w", src, err)
	}
	wrapperVal, err := e.run(func(rt *goja.Runtime) (goja.Value, error) {
		return rt.RunProgram(prg)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid predicate %q: %w", src, err)
	}
	wrapper, ok := goja.AssertFunction(wrapperVal)
	if !ok {
		return nil, fmt.Errorf("invalid predicate %q", src)
	}

	return func(content string) bool {
		v, err := e.run(func(rt *goja.Runtime) (goja.Value, error) {
			arg := rt.ToValue(content)
			res, err := wrapper(goja.Undefined(), arg)
			if err != nil {
				return nil, err
			}
			if fn, ok := goja.AssertFunction(res); ok {
				return fn(goja.Undefined(), arg)
			}
			return res, nil
		})
		if err != nil {
			logger.Debug("predicate %q failed on %q: %v", src, content, err)
			return false
		}
		return v.ToBoolean()
	}, nil
}

// ExpandVariables expands ${...} expressions in a string using JS evaluation.
// Expressions that fail to evaluate are left in place.
func (e *Engine) ExpandVariables(text string) (string, error) {
	result := text
	start := 0

	for {
		idx := strings.Index(result[start:], "${")
		if idx == -1 {
			break
		}
		idx += start

		// Find matching }
		depth := 1
		end := idx + 2
		for end < len(result) && depth > 0 {
			if result[end] == '{' {
				depth++
			} else if result[end] == '}' {
				depth--
			}
			end++
		}

		if depth != 0 {
			start = idx + 2
			continue
		}

		expr := result[idx+2 : end-1]
		value, err := e.EvalString(expr)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return "", err
			}
			start = end
			continue
		}

		result = result[:idx] + value + result[end:]
		start = idx + len(value)
	}

	return result, nil
}

// Close releases the runtime. Safe to call multiple times.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.runtime.Interrupt("engine closed")
}
