package scripterr

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type countingSource struct {
	name     string
	snippet  []string
	snippets atomic.Int32
}

func (c *countingSource) ModuleName() string {
	return c.name
}

func (c *countingSource) Snippet(tok Token) []string {
	c.snippets.Add(1)
	return c.snippet
}

type snoopingContext struct {
	snooper Snooper
}

func (s snoopingContext) ErrorSnooper() Snooper {
	return s.snooper
}

func TestRenderSingleLineSnippet(t *testing.T) {
	src := &countingSource{name: "math", snippet: []string{"x = HERE>> y"}}
	got := Render(nil, src, &Token{Line: 0, LinePos: 4, Pos: 4}, "unknown variable")
	want := "x = HERE>> y\nunknown variable in math at pos 5"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderMultiLineSnippet(t *testing.T) {
	src := &countingSource{snippet: []string{"a", "b HERE>> c", "d"}}
	got := Render(nil, src, &Token{Line: 1, LinePos: 2, Pos: 4}, "boom")
	want := "a\nb HERE>> c\nd\nboom at line 2, pos 3"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderWithoutToken(t *testing.T) {
	src := &countingSource{name: "camera"}
	if got, want := Render(nil, src, nil, "oops"), "oops in camera"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if n := src.snippets.Load(); n != 0 {
		t.Errorf("snippet fetched %d times without a token", n)
	}
	if got, want := Render(nil, nil, nil, "bare"), "bare"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFailureMemoized(t *testing.T) {
	src := &countingSource{name: "app", snippet: []string{"HERE>> x"}}
	f := New(nil, src, &Token{}, "bad", []string{"__on_start", "helper"})
	first := f.Error()
	second := f.Error()
	if first != second {
		t.Errorf("renderings differ: %q vs %q", first, second)
	}
	if n := src.snippets.Load(); n != 1 {
		t.Errorf("snippet computed %d times, want 1", n)
	}
	if diff := cmp.Diff([]string{"__on_start", "helper"}, f.Stack); diff != "" {
		t.Errorf("stack mismatch: %v", diff)
	}
}

func TestFailureConcurrentReaders(t *testing.T) {
	src := &countingSource{name: "app", snippet: []string{"a", "b"}}
	var supplied atomic.Int32
	f := Lazy(nil, src, &Token{Line: 1}, func() string {
		supplied.Add(1)
		return "lazy"
	}, nil)
	wg := &sync.WaitGroup{}
	results := make([]string, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.Error()
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		if r != results[0] {
			t.Fatalf("got differing messages %q and %q", r, results[0])
		}
	}
	if n := supplied.Load(); n != 1 {
		t.Errorf("supplier called %d times, want 1", n)
	}
	if n := src.snippets.Load(); n != 1 {
		t.Errorf("snippet computed %d times, want 1", n)
	}
}

func TestSnooperReplacesRendering(t *testing.T) {
	src := &countingSource{name: "app", snippet: []string{"ignored"}}
	var gotMessage string
	ctx := snoopingContext{snooper: func(s Source, tok *Token, c Context, message string) []string {
		gotMessage = message
		return []string{"custom", "lines"}
	}}
	f := New(ctx, src, &Token{Line: 3}, "original", nil)
	if got, want := f.Error(), "custom\nlines"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if gotMessage != "original" {
		t.Errorf("snooper saw %q, want %q", gotMessage, "original")
	}
	if n := src.snippets.Load(); n != 0 {
		t.Errorf("default rendering ran %d times", n)
	}
}

func TestSnooperDeclines(t *testing.T) {
	ctx := snoopingContext{snooper: func(Source, *Token, Context, string) []string {
		return nil
	}}
	if got, want := Render(ctx, &Code{Name: "a"}, nil, "msg"), "msg in a"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPanickingSupplier(t *testing.T) {
	f := Lazy(nil, nil, nil, func() string {
		panic("recursive failure")
	}, nil)
	if got := f.Error(); got != "Error" {
		t.Errorf("got %q, want %q", got, "Error")
	}
}

type brokenSource struct{}

func (brokenSource) ModuleName() string {
	return "broken"
}

func (brokenSource) Snippet(Token) []string {
	panic("no source available")
}

func TestPanickingSnippetKeepsMessage(t *testing.T) {
	f := New(nil, brokenSource{}, &Token{}, "division by zero", nil)
	if got, want := f.Error(), "division by zero"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPanickingSnooper(t *testing.T) {
	ctx := snoopingContext{snooper: func(Source, *Token, Context, string) []string {
		panic("snooper broke")
	}}
	if got, want := Render(ctx, nil, nil, "plain"), "plain"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSnippet(t *testing.T) {
	code := "let a = 1;\nlet b = a +;\nlet c = 3;"
	tok := TokenAt(code, 1, 10)
	if tok.Pos != 21 {
		t.Errorf("got pos %d, want 21", tok.Pos)
	}
	want := []string{"let a = 1;", "let b = a  HERE>> +;", "let c = 3;"}
	if diff := cmp.Diff(want, Snippet(code, tok)); diff != "" {
		t.Errorf("snippet mismatch: %v", diff)
	}
	single := Snippet("x + ", Token{LinePos: 100})
	if diff := cmp.Diff([]string{"x +  HERE>> "}, single); diff != "" {
		t.Errorf("snippet mismatch: %v", diff)
	}
}

func TestCodeRendering(t *testing.T) {
	code := &Code{Name: "shapes", Text: "draw(;"}
	got := New(nil, code, &Token{LinePos: 5, Pos: 5}, "syntax error", nil).Error()
	want := "draw( HERE>> ;\nsyntax error in shapes at pos 6"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
