package template

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/loftpress/newsletter-engine/internal/pkg/logger"
)

// Mode determines how the Liquid engine handles render errors
type Mode int

const (
	// ModeLax returns the original template text on error (compile path:
	// a broken block renders as-is instead of aborting the document)
	ModeLax Mode = iota
	// ModeStrict surfaces errors and undefined-variable warnings (preview)
	ModeStrict
)

// Engine wraps the Liquid engine with custom filters and a parse cache
type Engine struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// ValidationWarning flags a template variable with no value in context
type ValidationWarning struct {
	Variable string `json:"variable"`
	Message  string `json:"message"`
}

// NewEngine creates a Liquid engine with newsletter filters registered
func NewEngine() *Engine {
	e := &Engine{engine: liquid.NewEngine()}
	e.registerFilters()
	return e
}

// registerFilters adds the filters block templates rely on
func (e *Engine) registerFilters() {
	// Fallback value: {{ first_name | default: "Reader" }}
	e.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Capitalize first letter: {{ name | capitalize }}
	e.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// Truncate with ellipsis: {{ excerpt | truncate: 140 }}
	e.engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	// URL encode: {{ email | urlencode }}
	e.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// HTML escape: {{ user_input | escape }}
	e.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// Currency formatting: {{ price | currency }}
	e.engine.RegisterFilter("currency", func(value interface{}) string {
		var f float64
		switch v := value.(type) {
		case float64:
			f = v
		case float32:
			f = float64(v)
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return v
			}
			f = parsed
		default:
			return fmt.Sprintf("%v", value)
		}
		return fmt.Sprintf("$%.2f", f)
	})

	// Extract domain from email: {{ email | email_domain }}
	e.engine.RegisterFilter("email_domain", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	})

	// Mask email for privacy: {{ email | mask_email }}
	e.engine.RegisterFilter("mask_email", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) != 2 {
			return email
		}
		local := parts[0]
		if len(local) <= 2 {
			return local + "***@" + parts[1]
		}
		return local[:2] + "***@" + parts[1]
	})

	// Presence check: {% assign has_name = name | present %}
	e.engine.RegisterFilter("present", func(value interface{}) bool {
		if value == nil {
			return false
		}
		strVal := fmt.Sprintf("%v", value)
		return strVal != "" && strVal != "<nil>" && strVal != "0" && strVal != "false"
	})
}

// Parse compiles a template string and returns any syntax error
func (e *Engine) Parse(templateStr string) error {
	_, err := e.engine.ParseString(templateStr)
	return err
}

// Render processes a template in the given mode. Parsed templates are
// cached under cacheKey (pass "" to skip caching).
func (e *Engine) Render(cacheKey, templateStr string, ctx map[string]interface{}, mode Mode) (string, error) {
	tpl, err := e.parseCached(cacheKey, templateStr)
	if err != nil {
		if mode == ModeStrict {
			return "", err
		}
		logger.Warn("template parse error, returning source", "error", err.Error())
		return templateStr, nil
	}

	out, err := tpl.RenderString(ctx)
	if err != nil {
		if mode == ModeStrict {
			return "", err
		}
		logger.Warn("template render error, returning source", "error", err.Error())
		return templateStr, nil
	}
	return out, nil
}

func (e *Engine) parseCached(cacheKey, templateStr string) (*liquid.Template, error) {
	if cacheKey != "" {
		if cached, ok := e.cache.Load(cacheKey); ok {
			return cached.(*liquid.Template), nil
		}
	}
	tpl, err := e.engine.ParseString(templateStr)
	if err != nil {
		return nil, err
	}
	if cacheKey != "" {
		e.cache.Store(cacheKey, tpl)
	}
	return tpl, nil
}

// ClearCacheKey drops one cached parse. The compiler invalidates each
// block type's entry at the start of a compile so template edits take
// effect.
func (e *Engine) ClearCacheKey(key string) {
	e.cache.Delete(key)
}

// ValidateVariables reports template variables with no value in ctx.
// Backs the pre-compile validation endpoint that warns editors about
// missing field data.
func (e *Engine) ValidateVariables(templateStr string, ctx map[string]interface{}) []ValidationWarning {
	var warnings []ValidationWarning

	varPattern := regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*?)(?:\s*\||\s*\}\})`)
	matches := varPattern.FindAllStringSubmatch(templateStr, -1)
	seen := make(map[string]bool)

	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		varName := strings.TrimSpace(match[1])
		if seen[varName] || isLiquidKeyword(varName) {
			continue
		}
		seen[varName] = true

		if !variableExists(varName, ctx) {
			warnings = append(warnings, ValidationWarning{
				Variable: varName,
				Message:  fmt.Sprintf("variable '%s' has no value in this context", varName),
			})
		}
	}
	return warnings
}

func variableExists(varPath string, ctx map[string]interface{}) bool {
	parts := strings.Split(varPath, ".")
	var current interface{} = ctx
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		current, ok = m[part]
		if !ok {
			return false
		}
	}
	return true
}

func isLiquidKeyword(name string) bool {
	keywords := map[string]bool{
		"if": true, "elsif": true, "else": true, "endif": true,
		"unless": true, "endunless": true,
		"case": true, "when": true, "endcase": true,
		"for": true, "endfor": true, "break": true, "continue": true,
		"capture": true, "endcapture": true,
		"comment": true, "endcomment": true,
		"raw": true, "endraw": true,
		"assign": true, "increment": true, "decrement": true,
		"forloop": true, "limit": true, "offset": true, "reversed": true,
		"true": true, "false": true, "nil": true, "null": true,
		"empty": true, "blank": true,
		"and": true, "or": true, "contains": true, "in": true,
	}
	return keywords[strings.ToLower(name)]
}
