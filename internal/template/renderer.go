// Package template provides the two rendering layers used by the
// newsletter compiler: a minimal merge-tag renderer for previews and
// footers, and a full Liquid engine for block templates.
package template

import (
	"fmt"
	"html"
	"strings"
)

// Render evaluates the minimal merge-tag grammar against data and
// returns the result. Supported forms:
//
//	{{key}}          escaped substitution, missing keys render empty
//	{{{key}}}        raw substitution for rich-text fields
//	{{#if key}}...{{/if}}  inclusion when data[key] is truthy
//
// Render never fails. Malformed syntax (unclosed tags, bad key names)
// is passed through as literal text.
func Render(template string, data map[string]interface{}) string {
	out := renderConditionals(template, data)
	return renderVariables(out, data)
}

// renderConditionals resolves {{#if key}}...{{/if}} sections, including
// nested ones, innermost bodies rendered through recursion.
func renderConditionals(s string, data map[string]interface{}) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "{{#if ")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}

		tagEnd := strings.Index(s[start:], "}}")
		if tagEnd < 0 {
			// Unclosed opening tag stays literal
			b.WriteString(s)
			return b.String()
		}
		tagEnd += start

		key := strings.TrimSpace(s[start+len("{{#if ") : tagEnd])
		if key == "" || !validKey(key) {
			b.WriteString(s[:tagEnd+2])
			s = s[tagEnd+2:]
			continue
		}

		bodyStart := tagEnd + 2
		bodyEnd, closeEnd := matchEndIf(s, bodyStart)
		if bodyEnd < 0 {
			// No matching {{/if}}: leave everything as-is
			b.WriteString(s)
			return b.String()
		}

		b.WriteString(s[:start])
		if truthy(data[key]) {
			b.WriteString(renderConditionals(s[bodyStart:bodyEnd], data))
		}
		s = s[closeEnd:]
	}
}

// matchEndIf finds the {{/if}} closing the conditional whose body starts
// at from, accounting for nested {{#if}} openings. Returns the body end
// offset and the offset just past the closing tag, or -1 when unmatched.
func matchEndIf(s string, from int) (int, int) {
	depth := 1
	i := from
	for i < len(s) {
		open := strings.Index(s[i:], "{{#if ")
		close := strings.Index(s[i:], "{{/if}}")
		if close < 0 {
			return -1, -1
		}
		if open >= 0 && open < close {
			depth++
			i += open + len("{{#if ")
			continue
		}
		depth--
		if depth == 0 {
			return i + close, i + close + len("{{/if}}")
		}
		i += close + len("{{/if}}")
	}
	return -1, -1
}

// renderVariables substitutes {{{key}}} (raw) and {{key}} (escaped).
func renderVariables(s string, data map[string]interface{}) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:start])
		s = s[start:]

		if strings.HasPrefix(s, "{{{") {
			end := strings.Index(s, "}}}")
			if end < 0 {
				b.WriteString(s)
				return b.String()
			}
			key := strings.TrimSpace(s[3:end])
			if !validKey(key) {
				b.WriteString(s[:end+3])
			} else {
				b.WriteString(stringify(data[key]))
			}
			s = s[end+3:]
			continue
		}

		end := strings.Index(s, "}}")
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		key := strings.TrimSpace(s[2:end])
		if !validKey(key) {
			b.WriteString(s[:end+2])
		} else {
			b.WriteString(html.EscapeString(stringify(data[key])))
		}
		s = s[end+2:]
	}
}

// validKey restricts merge tags to identifier-style names so stray
// braces in content are not eaten.
func validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	case float64:
		// JSON numbers decode to float64; keep integers clean
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
