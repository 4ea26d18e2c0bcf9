package compiler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loftpress/newsletter-engine/internal/newsletter"
	"github.com/loftpress/newsletter-engine/internal/template"
)

// passthroughConverter returns the MJML it was given so tests can
// assert on document assembly without a live renderer.
type passthroughConverter struct {
	warnings []string
	err      error
}

func (c *passthroughConverter) Convert(_ context.Context, mjml string) (string, []string, error) {
	if c.err != nil {
		return "", nil, c.err
	}
	return mjml, c.warnings, nil
}

func testNewsletter() *newsletter.Newsletter {
	return &newsletter.Newsletter{
		ID:          uuid.New(),
		Title:       "Weekly Digest",
		Subject:     "This week & more",
		PreviewText: "Inside this issue",
		FromName:    "The Team",
		FromEmail:   "team@example.com",
	}
}

func block(sortKey int, slug, tpl string, fields newsletter.JSON) *newsletter.Block {
	return &newsletter.Block{
		ID:   uuid.New(),
		Sort: sortKey,
		Type: &newsletter.BlockType{
			ID:       uuid.New(),
			Name:     slug,
			Slug:     slug,
			Template: tpl,
		},
		FieldData: fields,
	}
}

func TestCompileOrdersBlocksBySort(t *testing.T) {
	c := New(template.NewEngine(), &passthroughConverter{})

	blocks := []*newsletter.Block{
		block(2, "text", "<mj-text>SECOND</mj-text>", nil),
		block(1, "hero", "<mj-text>FIRST</mj-text>", nil),
	}

	res, err := c.Compile(context.Background(), testNewsletter(), blocks)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	first := strings.Index(res.HTML, "FIRST")
	second := strings.Index(res.HTML, "SECOND")
	require.GreaterOrEqual(t, first, 0)
	require.GreaterOrEqual(t, second, 0)
	assert.Less(t, first, second)
}

func TestCompileStableOrderForEqualSortKeys(t *testing.T) {
	c := New(template.NewEngine(), &passthroughConverter{})

	blocks := []*newsletter.Block{
		block(1, "a", "<mj-text>ALPHA</mj-text>", nil),
		block(1, "b", "<mj-text>BETA</mj-text>", nil),
	}

	res, err := c.Compile(context.Background(), testNewsletter(), blocks)
	require.NoError(t, err)
	assert.Less(t, strings.Index(res.HTML, "ALPHA"), strings.Index(res.HTML, "BETA"))
}

func TestCompileMergesDefaultsAndFieldData(t *testing.T) {
	c := New(template.NewEngine(), &passthroughConverter{})

	b := block(0, "hero", "<mj-text>{{ heading }} / {{ cta }} / {{ newsletter_title }}</mj-text>", newsletter.JSON{
		"heading": "Override",
	})
	b.Type.DefaultValues = newsletter.JSON{
		"heading": "Default heading",
		"cta":     "Read more",
	}

	res, err := c.Compile(context.Background(), testNewsletter(), []*newsletter.Block{b})
	require.NoError(t, err)
	assert.Contains(t, res.HTML, "Override / Read more / Weekly Digest")
}

func TestCompilePicksUpEditedBlockTypeTemplate(t *testing.T) {
	c := New(template.NewEngine(), &passthroughConverter{})
	n := testNewsletter()

	b := block(0, "hero", "<mj-text>V1</mj-text>", nil)
	res, err := c.Compile(context.Background(), n, []*newsletter.Block{b})
	require.NoError(t, err)
	assert.Contains(t, res.HTML, "V1")

	// Editing the template between compiles must not serve the cached
	// parse.
	b.Type.Template = "<mj-text>V2</mj-text>"
	res, err = c.Compile(context.Background(), n, []*newsletter.Block{b})
	require.NoError(t, err)
	assert.Contains(t, res.HTML, "V2")
	assert.NotContains(t, res.HTML, "V1")
}

func TestValidateReportsMissingVariablesPerBlock(t *testing.T) {
	c := New(template.NewEngine(), &passthroughConverter{})

	good := block(0, "text", "<mj-text>{{ content }}</mj-text>", newsletter.JSON{"content": "hi"})
	bad := block(1, "cta", "<mj-button>{{ label }}</mj-button>", nil)

	warnings := c.Validate(testNewsletter(), []*newsletter.Block{good, bad})
	require.Len(t, warnings, 1)
	assert.Equal(t, bad.ID.String(), warnings[0].BlockID)
	assert.Equal(t, "cta", warnings[0].BlockType)
	assert.Equal(t, "label", warnings[0].Variable)
}

func TestValidateFlagsBlockWithoutType(t *testing.T) {
	c := New(template.NewEngine(), &passthroughConverter{})

	orphan := &newsletter.Block{ID: uuid.New()}
	warnings := c.Validate(testNewsletter(), []*newsletter.Block{orphan})
	require.Len(t, warnings, 1)
	assert.Equal(t, orphan.ID.String(), warnings[0].BlockID)
}

func TestCompileBadBlockYieldsWarningAndPlaceholder(t *testing.T) {
	c := New(template.NewEngine(), &passthroughConverter{})

	bad := block(0, "broken", "{% for oops %}", nil)
	good := block(1, "text", "<mj-text>STILL HERE</mj-text>", nil)

	res, err := c.Compile(context.Background(), testNewsletter(), []*newsletter.Block{bad, good})
	require.NoError(t, err)

	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], bad.ID.String())
	assert.Contains(t, res.Warnings[0], "broken")
	assert.Contains(t, res.HTML, "omitted")
	assert.Contains(t, res.HTML, "STILL HERE")
}

func TestCompileZeroBlocksIsValid(t *testing.T) {
	c := New(template.NewEngine(), &passthroughConverter{})

	res, err := c.Compile(context.Background(), testNewsletter(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Contains(t, res.HTML, "<mjml>")
}

func TestCompileFooterKeepsSendTimeMergeTags(t *testing.T) {
	c := New(template.NewEngine(), &passthroughConverter{})

	// A block that renders fine must not disturb the footer tags, which
	// belong to the later per-recipient pass.
	b := block(0, "text", "<mj-text>hello</mj-text>", nil)
	res, err := c.Compile(context.Background(), testNewsletter(), []*newsletter.Block{b})
	require.NoError(t, err)
	assert.Contains(t, res.HTML, "{{unsubscribe_url}}")
	assert.Contains(t, res.HTML, "{{preferences_url}}")
}

func TestCompileEscapesHeadMetadata(t *testing.T) {
	c := New(template.NewEngine(), &passthroughConverter{})

	res, err := c.Compile(context.Background(), testNewsletter(), nil)
	require.NoError(t, err)
	assert.Contains(t, res.MJML, "This week &amp; more")
}

func TestCompileCollectsConverterWarnings(t *testing.T) {
	conv := &passthroughConverter{warnings: []string{"mjml line 3 <mj-img>: unknown tag"}}
	c := New(template.NewEngine(), conv)

	res, err := c.Compile(context.Background(), testNewsletter(), nil)
	require.NoError(t, err)
	assert.Equal(t, conv.warnings, res.Warnings)
}

func TestCompileConverterErrorIsFatal(t *testing.T) {
	c := New(template.NewEngine(), &passthroughConverter{err: errors.New("renderer down")})

	_, err := c.Compile(context.Background(), testNewsletter(), nil)
	assert.Error(t, err)
}

func TestHTMLToPlain(t *testing.T) {
	html := "<html><style>a{}</style><body><p>Hello &amp; welcome</p><br/>Bye</body></html>"
	plain := htmlToPlain(html)
	assert.Contains(t, plain, "Hello & welcome")
	assert.Contains(t, plain, "Bye")
	assert.NotContains(t, plain, "<")
}

func TestMJMLClientConvert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "app-id", user)
		assert.Equal(t, "secret", pass)
		w.Write([]byte(`{"html":"<html>ok</html>","errors":[{"line":2,"message":"bad attr","tagName":"mj-text"}]}`))
	}))
	defer srv.Close()

	client := NewMJMLClient(srv.URL, "app-id", "secret", 5*time.Second)
	html, warnings, err := client.Convert(context.Background(), "<mjml></mjml>")
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", html)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "mj-text")
}

func TestMJMLClientConvertServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewMJMLClient(srv.URL, "app-id", "secret", 5*time.Second)
	_, _, err := client.Convert(context.Background(), "<mjml></mjml>")
	assert.Error(t, err)
}
