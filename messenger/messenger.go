// Package messenger renders styled messages for sources.
//
// A message part starts with a word of style letters followed by a space,
// like "gi loaded" for gray italic text. Parts without a style word are
// plain text.
package messenger

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/gertd/go-pluralize"
	"github.com/zond/apphost/command"
)

const (
	reset = "\x1b[0m"
)

var (
	styles = map[rune]string{
		'b': "\x1b[1m",
		'i': "\x1b[3m",
		'u': "\x1b[4m",
		'r': "\x1b[31m",
		'l': "\x1b[32m",
		'y': "\x1b[33m",
		'c': "\x1b[36m",
		'g': "\x1b[90m",
		'w': "\x1b[97m",
	}
	plural = pluralize.NewClient()
)

// Plain disables styling, for sinks that can't render escape codes.
var Plain = false

func split(part string) (string, string) {
	idx := strings.IndexByte(part, ' ')
	if idx < 1 {
		return "", part
	}
	for _, r := range part[:idx] {
		if _, found := styles[r]; !found {
			return "", part
		}
	}
	return part[:idx], part[idx+1:]
}

// Format renders parts into one string.
func Format(parts ...string) string {
	buf := &bytes.Buffer{}
	for _, part := range parts {
		style, text := split(part)
		if style == "" || Plain {
			buf.WriteString(text)
			continue
		}
		for _, r := range style {
			buf.WriteString(styles[r])
		}
		buf.WriteString(text)
		buf.WriteString(reset)
	}
	return buf.String()
}

// Strip returns parts without styling.
func Strip(parts ...string) string {
	buf := &bytes.Buffer{}
	for _, part := range parts {
		_, text := split(part)
		buf.WriteString(text)
	}
	return buf.String()
}

// Send formats parts and sends them to src. A nil src drops the message.
func Send(src command.Source, parts ...string) {
	if src == nil {
		return
	}
	src.Send(Format(parts...))
}

// Count returns "n word" with word pluralized to match n.
func Count(n int, word string) string {
	return plural.Pluralize(word, n, true)
}

const (
	DefaultPattern   = "%s"
	DefaultSeparator = ","
	DefaultOperator  = "and"
)

// Enumerator joins elements into a readable list, like "a, b and c".
type Enumerator struct {
	Pattern   string
	Separator string
	Operator  string
}

func (e Enumerator) Do(elements ...string) string {
	pattern, separator, operator := DefaultPattern, DefaultSeparator, DefaultOperator
	if e.Pattern != "" {
		pattern = e.Pattern
	}
	if e.Separator != "" {
		separator = e.Separator
	}
	if e.Operator != "" {
		operator = e.Operator
	}
	res := &bytes.Buffer{}
	for idx, element := range elements {
		if idx+2 < len(elements) {
			fmt.Fprintf(res, pattern+"%s ", element, separator)
		} else if idx+1 < len(elements) {
			fmt.Fprintf(res, pattern+"%s %s ", element, separator, operator)
		} else {
			fmt.Fprintf(res, pattern, element)
		}
	}
	return res.String()
}
