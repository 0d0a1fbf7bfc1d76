package js

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/zond/apphost/scripterr"
	"rogchap.com/v8go"
)

func newInstance(t *testing.T, callbacks Callbacks, source string) *Instance {
	t.Helper()
	inst, err := New("test", callbacks)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(inst.Close)
	if err := inst.Load(context.Background(), &Script{App: "test", Origin: "test.sc", Source: source}); err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestCall(t *testing.T) {
	ctx := context.Background()
	result := ""
	inst := newInstance(t, Callbacks{
		"setResult": func(inst *Instance, info *v8go.FunctionCallbackInfo) *v8go.Value {
			result = info.Args()[0].String()
			return nil
		},
	}, `
var b = 4;
function test(arg) {
  setResult(b + 1 + arg.c);
  b += 1;
  return {b: b};
}
function nothing() {
}
`)
	res, err := inst.Call(ctx, "test", map[string]any{"c": 15})
	if err != nil {
		t.Fatal(err)
	}
	if result != "20" {
		t.Errorf("got %q, want 20", result)
	}
	if res.JSON != `{"b":5}` {
		t.Errorf("got %q, want {\"b\":5}", res.JSON)
	}
	res, err = inst.Call(ctx, "nothing")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Undefined() {
		t.Errorf("got %+v, want undefined", res)
	}
	if _, err := inst.Call(ctx, "missing"); !errors.Is(err, ErrNoSuchFunc) {
		t.Errorf("got %v, want %v", err, ErrNoSuchFunc)
	}
	if _, err := inst.Call(ctx, "setResult"); !errors.Is(err, ErrNoSuchFunc) {
		t.Errorf("got %v, callbacks must not be callable as app functions", err)
	}
}

func TestFunctions(t *testing.T) {
	inst := newInstance(t, Callbacks{
		"log": func(*Instance, *v8go.FunctionCallbackInfo) *v8go.Value { return nil },
	}, `
function __config() { return {}; }
function hello() {}
const notGlobal = () => 1;
var value = 3;
`)
	got, err := inst.Functions()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"__config", "hello"}, got); diff != "" {
		t.Errorf("Functions mismatch (-want +got):\n%s", diff)
	}
	if !inst.Has("hello") || inst.Has("value") || inst.Has("log") {
		t.Errorf("unexpected Has results")
	}
}

func TestRuntimeFailure(t *testing.T) {
	inst := newInstance(t, nil, `function outer() {
  return inner();
}
function inner() {
  throw new Error('bad thing');
}
`)
	_, err := inst.Call(context.Background(), "outer")
	failure := &scripterr.Failure{}
	if !errors.As(err, &failure) {
		t.Fatalf("got %T %v, want *scripterr.Failure", err, err)
	}
	if failure.Kind != scripterr.KindRuntime {
		t.Errorf("got kind %v", failure.Kind)
	}
	if failure.Token == nil || failure.Token.Line != 4 {
		t.Errorf("got token %+v, want line 4", failure.Token)
	}
	if diff := cmp.Diff([]string{"outer", "inner"}, failure.Stack); diff != "" {
		t.Errorf("stack mismatch (-want +got):\n%s", diff)
	}
	msg := failure.Error()
	if !strings.Contains(msg, "bad thing in test at line 5") || !strings.Contains(msg, "HERE>>") {
		t.Errorf("got %q", msg)
	}
}

func TestLoadFailure(t *testing.T) {
	inst, err := New("broken", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close()
	err = inst.Load(context.Background(), &Script{App: "broken", Origin: "broken.sc", Source: "function f( {"})
	failure := &scripterr.Failure{}
	if !errors.As(err, &failure) {
		t.Fatalf("got %T %v, want *scripterr.Failure", err, err)
	}
	if failure.Kind != scripterr.KindLoad {
		t.Errorf("got kind %v, want load", failure.Kind)
	}
	if !strings.Contains(failure.Error(), "in broken") {
		t.Errorf("got %q", failure.Error())
	}
}

func TestSnooper(t *testing.T) {
	inst := newInstance(t, nil, `function f() { throw new Error('x'); }`)
	inst.Snooper = func(src scripterr.Source, tok *scripterr.Token, ctx scripterr.Context, message string) []string {
		return []string{"snooped", message}
	}
	_, err := inst.Call(context.Background(), "f")
	if err == nil {
		t.Fatal("wanted error")
	}
	if !strings.HasPrefix(err.Error(), "snooped\n") {
		t.Errorf("got %q", err.Error())
	}
}

func TestTimeout(t *testing.T) {
	inst := newInstance(t, nil, `function spin() { while (true) {} }
function ok() { return 1; }`)
	inst.Timeout = 50 * time.Millisecond
	if _, err := inst.Call(context.Background(), "spin"); !errors.Is(err, ErrTimeout) {
		t.Errorf("got %v, want %v", err, ErrTimeout)
	}
}

func TestNestedCall(t *testing.T) {
	ctx := context.Background()
	var inst *Instance
	inst = newInstance(t, Callbacks{
		"callBack": func(i *Instance, info *v8go.FunctionCallbackInfo) *v8go.Value {
			res, err := i.Call(ctx, "inner", 2)
			if err != nil {
				return i.Throw("%v", err)
			}
			return i.String(res.Text)
		},
	}, `
function inner(n) { return n * 21; }
function outer() { return callBack(); }
`)
	res, err := inst.Call(ctx, "outer")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "42" {
		t.Errorf("got %q, want 42", res.Text)
	}
}

func TestParseLocation(t *testing.T) {
	origin, line, col, ok := parseLocation("bundled/math.sc:12:4")
	if !ok || origin != "bundled/math.sc" || line != 12 || col != 4 {
		t.Errorf("got %q %v %v %v", origin, line, col, ok)
	}
	if _, _, _, ok := parseLocation("nothing"); ok {
		t.Errorf("parsed garbage")
	}
}

func TestEval(t *testing.T) {
	inst := newInstance(t, nil, `function double(n) { return n * 2; }`)
	res, err := inst.Eval(context.Background(), "run", "double(21)")
	if err != nil {
		t.Fatal(err)
	}
	if res.JSON != "42" || res.Text != "42" {
		t.Errorf("got %+v", res)
	}
	_, err = inst.Eval(context.Background(), "run", "nope(")
	failure := &scripterr.Failure{}
	if !errors.As(err, &failure) {
		t.Fatalf("got %T %v", err, err)
	}
	if !strings.Contains(failure.Error(), "HERE>>") {
		t.Errorf("got %q", failure.Error())
	}
}
