// Package compiler assembles a newsletter's ordered content blocks into
// MJML, converts the result to email-safe HTML, and reports non-fatal
// warnings collected along the way.
package compiler

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/loftpress/newsletter-engine/internal/newsletter"
	"github.com/loftpress/newsletter-engine/internal/template"
)

// Converter turns structural MJML markup into HTML. Errors returned in
// the warnings slice are non-fatal diagnostics; only the error return
// aborts compilation.
type Converter interface {
	Convert(ctx context.Context, mjml string) (html string, warnings []string, err error)
}

// Result is the output of one compilation
type Result struct {
	HTML     string   `json:"html"`
	Plain    string   `json:"plain"`
	MJML     string   `json:"-"`
	Warnings []string `json:"warnings"`
}

// Compiler is a pure function over its inputs: it does not persist
// anything, the caller stores the result.
type Compiler struct {
	engine    *template.Engine
	converter Converter
}

// New creates a compiler
func New(engine *template.Engine, converter Converter) *Compiler {
	return &Compiler{engine: engine, converter: converter}
}

// Compile renders each block through its block type template, wraps the
// concatenation in the document shell, and converts to HTML. A failing
// block contributes a warning and an inert placeholder, never an error.
// Zero blocks compile to a valid near-empty document.
func (c *Compiler) Compile(ctx context.Context, n *newsletter.Newsletter, blocks []*newsletter.Block) (*Result, error) {
	result := &Result{}

	ordered := make([]*newsletter.Block, len(blocks))
	copy(ordered, blocks)
	// Stable: equal sort keys keep fetch order
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sort < ordered[j].Sort })

	var body strings.Builder
	fresh := make(map[string]bool)
	for _, b := range ordered {
		if b.Type == nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("block %s has no block type, skipped", b.ID))
			body.WriteString(placeholder(b, "unknown"))
			continue
		}

		// Block type templates are editable between compiles, so the
		// cached parse is dropped once per compile. Repeated blocks of
		// one type still share the fresh parse.
		cacheKey := "block-type:" + b.Type.Slug
		if !fresh[cacheKey] {
			c.engine.ClearCacheKey(cacheKey)
			fresh[cacheKey] = true
		}

		data := mergeBlockData(n, b)
		rendered, err := c.engine.Render(cacheKey, b.Type.Template, data, template.ModeStrict)
		if err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("block %s (%s) failed to render: %v", b.ID, b.Type.Name, err))
			body.WriteString(placeholder(b, b.Type.Name))
			continue
		}
		body.WriteString(rendered)
		body.WriteString("\n")
	}

	// The footer's merge tags resolve per recipient at send time. They
	// are appended after the Liquid pass so the two tag sets never meet
	// in the same substitution.
	result.MJML = wrapDocument(n, body.String())

	html, convWarnings, err := c.converter.Convert(ctx, result.MJML)
	if err != nil {
		return nil, fmt.Errorf("mjml conversion failed: %w", err)
	}
	result.Warnings = append(result.Warnings, convWarnings...)
	result.HTML = html
	result.Plain = htmlToPlain(html)
	return result, nil
}

// Validate reports, per block, the template variables that have no
// value in that block's context. Editors call this before compiling to
// catch typos and missing field data.
func (c *Compiler) Validate(n *newsletter.Newsletter, blocks []*newsletter.Block) []BlockWarning {
	var out []BlockWarning
	for _, b := range blocks {
		if b.Type == nil {
			out = append(out, BlockWarning{BlockID: b.ID.String(), Message: "block has no block type"})
			continue
		}
		for _, w := range c.engine.ValidateVariables(b.Type.Template, mergeBlockData(n, b)) {
			out = append(out, BlockWarning{
				BlockID:   b.ID.String(),
				BlockType: b.Type.Slug,
				Variable:  w.Variable,
				Message:   w.Message,
			})
		}
	}
	return out
}

// BlockWarning ties a template validation warning to its block
type BlockWarning struct {
	BlockID   string `json:"block_id"`
	BlockType string `json:"block_type,omitempty"`
	Variable  string `json:"variable,omitempty"`
	Message   string `json:"message"`
}

// mergeBlockData layers the template context: block type defaults at
// the bottom, per-block field data above them, injected newsletter
// context on top.
func mergeBlockData(n *newsletter.Newsletter, b *newsletter.Block) map[string]interface{} {
	data := make(map[string]interface{})
	for k, v := range b.Type.DefaultValues {
		data[k] = v
	}
	for k, v := range b.FieldData {
		data[k] = v
	}
	data["newsletter_title"] = n.Title
	data["from_name"] = n.FromName
	data["from_email"] = n.FromEmail
	data["block_id"] = b.ID.String()
	data["block_sort"] = b.Sort
	data["block_type"] = b.Type.Slug
	return data
}

func placeholder(b *newsletter.Block, typeName string) string {
	return fmt.Sprintf("<mj-raw><!-- block %s (%s) omitted --></mj-raw>\n", b.ID, typeName)
}

// wrapDocument surrounds the rendered blocks with the document shell
// and the unsubscribe footer.
func wrapDocument(n *newsletter.Newsletter, body string) string {
	var b strings.Builder
	b.WriteString("<mjml>\n<mj-head>\n")
	fmt.Fprintf(&b, "<mj-title>%s</mj-title>\n", escapeXML(n.Subject))
	if n.PreviewText != "" {
		fmt.Fprintf(&b, "<mj-preview>%s</mj-preview>\n", escapeXML(n.PreviewText))
	}
	b.WriteString(`<mj-attributes>
<mj-all font-family="Helvetica, Arial, sans-serif" />
<mj-text font-size="15px" line-height="1.5" color="#2d2d2d" />
</mj-attributes>
<mj-style>
a { color: #1a73e8; }
</mj-style>
</mj-head>
<mj-body background-color="#f4f4f4">
`)
	b.WriteString(body)
	b.WriteString(footer)
	b.WriteString("</mj-body>\n</mjml>")
	return b.String()
}

// footer carries send-time merge tags ({{unsubscribe_url}} and
// {{preferences_url}}); they pass through MJML conversion untouched and
// are substituted per recipient by the delivery pipeline.
const footer = `<mj-section padding="20px 0">
<mj-column>
<mj-divider border-width="1px" border-color="#dddddd" />
<mj-text font-size="12px" color="#888888" align="center">
You are receiving this email because you subscribed to our newsletter.<br/>
<a href="{{unsubscribe_url}}">Unsubscribe</a> &middot; <a href="{{preferences_url}}">Manage preferences</a>
</mj-text>
</mj-column>
</mj-section>
`

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

var (
	tagRegex   = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlRegex  = regexp.MustCompile(`<[^>]+>`)
	spaceRegex = regexp.MustCompile(`[ \t]+`)
	lineRegex  = regexp.MustCompile(`\n{3,}`)
)

// htmlToPlain derives a rough text alternative from compiled HTML for
// multipart sends.
func htmlToPlain(html string) string {
	out := tagRegex.ReplaceAllString(html, "")
	out = strings.ReplaceAll(out, "</p>", "\n\n")
	out = strings.ReplaceAll(out, "<br>", "\n")
	out = strings.ReplaceAll(out, "<br/>", "\n")
	out = strings.ReplaceAll(out, "<br />", "\n")
	out = htmlRegex.ReplaceAllString(out, "")
	out = strings.ReplaceAll(out, "&nbsp;", " ")
	out = strings.ReplaceAll(out, "&amp;", "&")
	out = strings.ReplaceAll(out, "&lt;", "<")
	out = strings.ReplaceAll(out, "&gt;", ">")
	out = strings.ReplaceAll(out, "&middot;", "-")
	out = spaceRegex.ReplaceAllString(out, " ")
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		lines = append(lines, strings.TrimSpace(line))
	}
	out = strings.Join(lines, "\n")
	out = lineRegex.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
