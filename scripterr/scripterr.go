// Package scripterr builds source located error messages for failures
// raised while running app code.
package scripterr

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Token is a position in app source. All fields are zero-based.
type Token struct {
	Line    int
	LinePos int
	Pos     int
}

// Source is the code unit a failure was raised in.
type Source interface {
	// ModuleName returns the name of the app the code belongs to, or "".
	ModuleName() string
	// Snippet returns human readable source lines around tok.
	Snippet(tok Token) []string
}

// Snooper may replace the rendering of a failure. Returning nil keeps the
// default rendering.
type Snooper func(src Source, tok *Token, ctx Context, message string) []string

// Context is the execution context a failure was raised in.
type Context interface {
	ErrorSnooper() Snooper
}

// Kind classifies failures.
type Kind int

const (
	KindRuntime Kind = iota
	KindLoad
)

func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "load"
	default:
		return "runtime"
	}
}

// Failure is a structured failure raised by app code. The message is
// computed on first read and cached.
type Failure struct {
	Kind    Kind
	Context Context
	Source  Source
	Token   *Token
	// Stack holds the app functions that were executing when the failure
	// was raised, innermost last.
	Stack []string

	supplier func() string
	once     sync.Once
	message  string
}

// New returns a failure with a fixed message.
func New(ctx Context, src Source, tok *Token, message string, stack []string) *Failure {
	return Lazy(ctx, src, tok, func() string { return message }, stack)
}

// Lazy returns a failure whose message is produced by supplier when first
// needed.
func Lazy(ctx Context, src Source, tok *Token, supplier func() string, stack []string) *Failure {
	return &Failure{
		Context:  ctx,
		Source:   src,
		Token:    tok,
		Stack:    append([]string(nil), stack...),
		supplier: supplier,
	}
}

// WithKind sets the kind and returns the failure.
func (f *Failure) WithKind(k Kind) *Failure {
	f.Kind = k
	return f
}

// Error renders the message. When rendering panics the raw message is
// used, and when producing the raw message panics the message is "Error".
func (f *Failure) Error() string {
	f.once.Do(func() {
		raw, ok := supply(f.supplier)
		if !ok {
			f.message = "Error"
			return
		}
		f.message = raw
		defer func() {
			if r := recover(); r != nil {
				log.Printf("rendering error message %q: %v", raw, r)
				f.message = raw
			}
		}()
		f.message = Render(f.Context, f.Source, f.Token, raw)
	})
	return f.message
}

func supply(supplier func() string) (message string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("preparing error message: %v", r)
			ok = false
		}
	}()
	return supplier(), true
}

// Render produces the message for a failure raised in src at tok.
func Render(ctx Context, src Source, tok *Token, message string) string {
	if ctx != nil {
		if snooper := ctx.ErrorSnooper(); snooper != nil {
			if alternative := snoop(snooper, src, tok, ctx, message); alternative != nil {
				return strings.Join(alternative, "\n")
			}
		}
	}
	return strings.Join(renderDefault(src, tok, message), "\n")
}

func snoop(snooper Snooper, src Source, tok *Token, ctx Context, message string) (result []string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("error snooper failed: %v", r)
			result = nil
		}
	}()
	return snooper(src, tok, ctx, message)
}

func renderDefault(src Source, tok *Token, message string) []string {
	lines := []string{}
	if src != nil {
		if name := src.ModuleName(); name != "" {
			message += " in " + name
		}
	}
	if tok != nil && src != nil {
		snippet := src.Snippet(*tok)
		lines = append(lines, snippet...)
		if len(snippet) != 1 {
			message += fmt.Sprintf(" at line %d, pos %d", tok.Line+1, tok.LinePos+1)
		} else {
			message += fmt.Sprintf(" at pos %d", tok.Pos+1)
		}
	}
	return append(lines, message)
}
