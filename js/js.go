// Package js runs app code in V8.
//
// Each Instance owns its own isolate, so apps share no state. An Instance is
// not safe for concurrent use.
package js

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/apphost"
	"github.com/zond/apphost/scripterr"
	"rogchap.com/v8go"

	goccy "github.com/goccy/go-json"
)

const (
	DefaultTimeout = time.Second
)

var (
	ErrTimeout     = fmt.Errorf("Timeout")
	ErrNoSuchFunc  = fmt.Errorf("no such function")
	stackLineRegex = regexp.MustCompile(`^\s*at (?:new )?([^\s(]+) \(`)
)

// Callback implements a function exposed to app code.
type Callback func(inst *Instance, info *v8go.FunctionCallbackInfo) *v8go.Value

type Callbacks map[string]Callback

// Script is one unit of app source.
type Script struct {
	// App is the name of the app the script belongs to.
	App    string
	Origin string
	Source string
}

func (s *Script) ModuleName() string {
	return s.App
}

func (s *Script) Snippet(tok scripterr.Token) []string {
	return scripterr.Snippet(s.Source, tok)
}

// Result is the outcome of a call.
type Result struct {
	// JSON is the JSON encoding of the returned value, "undefined" when
	// nothing was returned.
	JSON string
	// Text is the string conversion of the returned value.
	Text string
}

// Undefined returns whether the call returned nothing.
func (r *Result) Undefined() bool {
	return r == nil || r.JSON == "undefined"
}

type Instance struct {
	// Name is used to attribute failures that can't be located in a script.
	Name    string
	Timeout time.Duration
	Snooper scripterr.Snooper

	iso                    *v8go.Isolate
	vctx                   *v8go.Context
	unableToGenerateString *v8go.Value
	scripts                map[string]*Script
	callbacks              Callbacks
	depth                  int
}

func New(name string, callbacks Callbacks) (*Instance, error) {
	inst := &Instance{
		Name:      name,
		Timeout:   DefaultTimeout,
		iso:       v8go.NewIsolate(),
		scripts:   map[string]*Script{},
		callbacks: callbacks,
	}
	inst.vctx = v8go.NewContext(inst.iso)
	var err error
	if inst.unableToGenerateString, err = v8go.NewValue(inst.iso, "unable to generate exception"); err != nil {
		inst.Close()
		return nil, apphost.WithStack(err)
	}
	for name, cb := range callbacks {
		if err := inst.addCallback(name, cb); err != nil {
			inst.Close()
			return nil, apphost.WithStack(err)
		}
	}
	return inst, nil
}

func (i *Instance) ErrorSnooper() scripterr.Snooper {
	return i.Snooper
}

func (i *Instance) Context() *v8go.Context {
	return i.vctx
}

func (i *Instance) addCallback(name string, cb Callback) error {
	return apphost.WithStack(
		i.vctx.Global().Set(
			name,
			v8go.NewFunctionTemplate(
				i.iso,
				func(info *v8go.FunctionCallbackInfo) *v8go.Value {
					return cb(i, info)
				},
			).GetFunction(i.vctx),
		),
	)
}

func (i *Instance) String(s string) *v8go.Value {
	if res, err := v8go.NewValue(i.iso, s); err == nil {
		return res
	}
	return i.unableToGenerateString
}

func (i *Instance) Throw(format string, args ...any) *v8go.Value {
	return i.iso.ThrowException(i.String(fmt.Sprintf(format, args...)))
}

// Value converts v to a V8 value through JSON.
func (i *Instance) Value(v any) (*v8go.Value, error) {
	b, err := goccy.Marshal(v)
	if err != nil {
		return nil, apphost.WithStack(err)
	}
	val, err := v8go.JSONParse(i.vctx, string(b))
	if err != nil {
		return nil, apphost.WithStack(err)
	}
	return val, nil
}

// Stringify returns v as log friendly text, JSON encoding objects.
func (i *Instance) Stringify(v *v8go.Value) string {
	s := v.String()
	if v.IsObject() && !v.IsFunction() {
		if js, err := v8go.JSONStringify(i.vctx, v); err == nil {
			s = js
		}
	}
	return s
}

type result struct {
	value *v8go.Value
	err   error
}

// withTimeout runs f, terminating execution when the timeout passes. Nested
// calls made from callbacks share the outermost timeout.
func (i *Instance) withTimeout(ctx context.Context, f func() (*v8go.Value, error)) (*v8go.Value, error) {
	if i.depth > 0 {
		i.depth++
		defer func() { i.depth-- }()
		return f()
	}
	results := make(chan result, 1)
	i.depth++
	go func() {
		defer func() { i.depth-- }()
		val, err := f()
		results <- result{value: val, err: err}
	}()

	timeout := i.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	select {
	case res := <-results:
		return res.value, res.err
	case <-ctx.Done():
		i.iso.TerminateExecution()
		<-results
		return nil, apphost.WithStack(ctx.Err())
	case <-time.After(timeout):
		i.iso.TerminateExecution()
		<-results
		return nil, apphost.WithStack(ErrTimeout)
	}
}

// Load runs the scripts in order, defining their functions.
func (i *Instance) Load(ctx context.Context, scripts ...*Script) error {
	for _, script := range scripts {
		i.scripts[script.Origin] = script
		if _, err := i.withTimeout(ctx, func() (*v8go.Value, error) {
			return i.vctx.RunScript(script.Source, script.Origin)
		}); err != nil {
			return i.failure(err, scripterr.KindLoad, "")
		}
	}
	return nil
}

// Eval runs code as a script named origin and returns its completion value.
func (i *Instance) Eval(ctx context.Context, origin string, code string) (*Result, error) {
	i.scripts[origin] = &Script{App: i.Name, Origin: origin, Source: code}
	val, err := i.withTimeout(ctx, func() (*v8go.Value, error) {
		return i.vctx.RunScript(code, origin)
	})
	if err != nil {
		return nil, i.failure(err, scripterr.KindRuntime, "")
	}
	return i.result(val)
}

// Functions returns the names of the functions defined by loaded scripts.
func (i *Instance) Functions() ([]string, error) {
	val, err := i.vctx.RunScript(`JSON.stringify(Object.keys(globalThis).filter(k => typeof globalThis[k] === 'function'))`, "functions")
	if err != nil {
		return nil, apphost.WithStack(err)
	}
	names := []string{}
	if err := goccy.Unmarshal([]byte(val.String()), &names); err != nil {
		return nil, apphost.WithStack(err)
	}
	result := []string{}
	for _, name := range names {
		if _, isCallback := i.callbacks[name]; !isCallback {
			result = append(result, name)
		}
	}
	return result, nil
}

// Function returns the global function name.
func (i *Instance) Function(name string) (*v8go.Function, bool) {
	if _, isCallback := i.callbacks[name]; isCallback {
		return nil, false
	}
	val, err := i.vctx.Global().Get(name)
	if err != nil || !val.IsFunction() {
		return nil, false
	}
	fun, err := val.AsFunction()
	if err != nil {
		return nil, false
	}
	return fun, true
}

func (i *Instance) Has(name string) bool {
	_, found := i.Function(name)
	return found
}

// Call calls the global function name with args converted through JSON.
func (i *Instance) Call(ctx context.Context, name string, args ...any) (*Result, error) {
	fun, found := i.Function(name)
	if !found {
		return nil, errors.Wrap(ErrNoSuchFunc, name)
	}
	return i.CallFunction(ctx, name, fun, args...)
}

// CallFunction calls fun, using label to attribute failures.
func (i *Instance) CallFunction(ctx context.Context, label string, fun *v8go.Function, args ...any) (*Result, error) {
	vals := make([]v8go.Valuer, 0, len(args))
	for _, arg := range args {
		if v, ok := arg.(*v8go.Value); ok {
			vals = append(vals, v)
			continue
		}
		val, err := i.Value(arg)
		if err != nil {
			return nil, err
		}
		vals = append(vals, val)
	}
	val, err := i.withTimeout(ctx, func() (*v8go.Value, error) {
		return fun.Call(i.vctx.Global(), vals...)
	})
	if err != nil {
		return nil, i.failure(err, scripterr.KindRuntime, label)
	}
	return i.result(val)
}

func (i *Instance) result(val *v8go.Value) (*Result, error) {
	if val == nil || val.IsUndefined() {
		return &Result{JSON: "undefined", Text: ""}, nil
	}
	res := &Result{Text: i.Stringify(val)}
	var err error
	if res.JSON, err = v8go.JSONStringify(i.vctx, val); err != nil {
		return nil, apphost.WithStack(err)
	}
	return res, nil
}

// failure converts an error from V8 into a located failure.
func (i *Instance) failure(err error, kind scripterr.Kind, entry string) error {
	jsErr := &v8go.JSError{}
	if !errors.As(err, &jsErr) {
		if errors.Is(err, ErrTimeout) {
			log.Printf("%q timed out after %v", i.Name, i.Timeout)
		}
		return apphost.WithStack(err)
	}
	var src scripterr.Source = &scripterr.Code{Name: i.Name}
	var tok *scripterr.Token
	if origin, line, col, ok := parseLocation(jsErr.Location); ok {
		if script, found := i.scripts[origin]; found {
			src = script
			t := scripterr.TokenAt(script.Source, line-1, col)
			tok = &t
		}
	}
	stack := parseStack(jsErr.StackTrace)
	if len(stack) == 0 && entry != "" {
		stack = []string{entry}
	}
	message := jsErr.Message
	return scripterr.Lazy(i, src, tok, func() string { return message }, stack).WithKind(kind)
}

// parseLocation splits a V8 location of the form origin:line:column.
func parseLocation(location string) (string, int, int, bool) {
	colIdx := strings.LastIndex(location, ":")
	if colIdx < 0 {
		return "", 0, 0, false
	}
	lineIdx := strings.LastIndex(location[:colIdx], ":")
	if lineIdx < 0 {
		return "", 0, 0, false
	}
	line, err := strconv.Atoi(location[lineIdx+1 : colIdx])
	if err != nil {
		return "", 0, 0, false
	}
	col, err := strconv.Atoi(location[colIdx+1:])
	if err != nil {
		return "", 0, 0, false
	}
	return location[:lineIdx], line, col, true
}

// parseStack returns the function names in a V8 stack trace, innermost last.
func parseStack(trace string) []string {
	result := []string{}
	for _, line := range strings.Split(trace, "\n") {
		if match := stackLineRegex.FindStringSubmatch(line); match != nil {
			result = append([]string{match[1]}, result...)
		}
	}
	return result
}

func (i *Instance) Close() {
	if i.vctx != nil {
		i.vctx.Close()
		i.vctx = nil
	}
	if i.iso != nil {
		i.iso.Dispose()
		i.iso = nil
	}
}
