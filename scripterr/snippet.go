package scripterr

import (
	"strings"
)

const snippetMarker = " HERE>> "

// Code is a named piece of source text.
type Code struct {
	Name string
	Text string
}

func (c *Code) ModuleName() string {
	return c.Name
}

func (c *Code) Snippet(tok Token) []string {
	return Snippet(c.Text, tok)
}

// Snippet returns the line holding tok split at the token by a marker,
// preceded and followed by one line of context when available.
func Snippet(code string, tok Token) []string {
	lines := strings.Split(code, "\n")
	if len(lines) == 0 {
		return nil
	}
	line := clamp(tok.Line, 0, len(lines)-1)
	text := lines[line]
	pos := clamp(tok.LinePos, 0, len(text))

	result := []string{}
	if line > 0 {
		result = append(result, lines[line-1])
	}
	result = append(result, text[:pos]+snippetMarker+text[pos:])
	if line+1 < len(lines) {
		result = append(result, lines[line+1])
	}
	return result
}

// TokenAt returns a token for the zero-based line and column in code.
func TokenAt(code string, line int, linePos int) Token {
	tok := Token{Line: line, LinePos: linePos}
	lines := strings.Split(code, "\n")
	for i := 0; i < line && i < len(lines); i++ {
		tok.Pos += len(lines[i]) + 1
	}
	tok.Pos += linePos
	return tok
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
