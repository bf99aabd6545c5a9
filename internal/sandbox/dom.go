// internal/sandbox/dom.go
package sandbox

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/marionette/api/schemas"
)

const (
	maxTextChars      = 8000
	maxHTMLChars      = 12000
	defaultQueryLimit = 20
	defaultLinkLimit  = 50
)

// domTools answers the selector-based page inspection actions. Where the
// pointer actions see the page as pixels, these see it as structure: the
// model uses them to find precise targets without burning iterations on
// screenshots.
type domTools struct {
	session schemas.BrowserSession
	logger  *zap.Logger
}

func newDOMTools(session schemas.BrowserSession, logger *zap.Logger) *domTools {
	return &domTools{session: session, logger: logger}
}

// absorb converts an operational failure into an observation message. Context
// cancellation is not absorbable; the loop has to see it.
func (d *domTools) absorb(ctx context.Context, err error, prefix string) (string, error) {
	if ctx.Err() != nil {
		return "", err
	}
	d.logger.Error(prefix+".", zap.Error(err))
	return fmt.Sprintf("%s: %v", prefix, err), nil
}

// GetText returns the rendered page text, capped so one observation cannot
// flood the conversation.
func (d *domTools) GetText(ctx context.Context) (string, error) {
	text, err := d.session.InnerText(ctx)
	if err != nil {
		return d.absorb(ctx, err, "Failed to get page text")
	}
	if text == "" {
		return "Page text is empty.", nil
	}
	if len([]rune(text)) > maxTextChars {
		text = truncateRunes(text, maxTextChars) + "\n... (truncated)"
	}
	return "Page text content:\n" + text, nil
}

// GetHTML returns the document HTML, capped like GetText but with a larger
// allowance since markup is denser than prose.
func (d *domTools) GetHTML(ctx context.Context) (string, error) {
	raw, err := d.session.HTML(ctx)
	if err != nil {
		return d.absorb(ctx, err, "Failed to get page HTML")
	}
	if raw == "" {
		return "Page HTML is empty.", nil
	}
	if len([]rune(raw)) > maxHTMLChars {
		raw = truncateRunes(raw, maxHTMLChars) + "\n... (truncated)"
	}
	return "Page HTML content:\n" + raw, nil
}

// QuerySelector enumerates matching elements and summarizes tag, key
// attributes, and a text snippet for each, so the model can build a precise
// follow-up selector.
func (d *domTools) QuerySelector(ctx context.Context, p *schemas.DOMQueryParams) (string, error) {
	if p.Selector == "" {
		return "selector is required for dom_query_selector", nil
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	elements, err := d.session.QuerySelector(ctx, p)
	if err != nil {
		return d.absorb(ctx, err, "Failed to query selector")
	}

	shown := elements
	if len(shown) > limit {
		shown = shown[:limit]
	}
	lines := make([]string, 0, len(shown))
	for i, el := range shown {
		lines = append(lines, formatElement(i, el))
	}
	extra := ""
	if len(elements) > limit {
		extra = fmt.Sprintf("\n... and %d more elements", len(elements)-limit)
	}
	header := fmt.Sprintf("Found %d element(s) matching selector '%s':\n", len(elements), p.Selector)
	return header + strings.Join(lines, "\n") + extra, nil
}

// formatElement renders one matched element: tag first, then the attributes
// that make a follow-up selector precise, then a text snippet.
func formatElement(i int, el schemas.ElementInfo) string {
	parts := []string{fmt.Sprintf("%d. <%s>", i+1, strings.ToUpper(el.Tag))}
	if v, ok := el.Attrs["id"]; ok {
		parts = append(parts, fmt.Sprintf("id=%q", v))
	}
	if v, ok := el.Attrs["class"]; ok {
		if len([]rune(v)) > 100 {
			v = truncateRunes(v, 100) + "..."
		}
		parts = append(parts, fmt.Sprintf("class=%q", v))
	}
	if v, ok := el.Attrs["name"]; ok {
		parts = append(parts, fmt.Sprintf("name=%q", v))
	}
	if v, ok := el.Attrs["type"]; ok {
		parts = append(parts, fmt.Sprintf("type=%q", v))
	}
	if v, ok := el.Attrs["href"]; ok {
		if len([]rune(v)) > 80 {
			v = truncateRunes(v, 80) + "..."
		}
		parts = append(parts, fmt.Sprintf("href=%q", v))
	}
	if v, ok := el.Attrs["aria-label"]; ok {
		if len([]rune(v)) > 60 {
			v = truncateRunes(v, 60) + "..."
		}
		parts = append(parts, fmt.Sprintf("aria-label=%q", v))
	}
	if v, ok := el.Attrs["role"]; ok {
		parts = append(parts, fmt.Sprintf("role=%q", v))
	}
	if el.Text != "" {
		snippet := strings.TrimSpace(strings.ReplaceAll(truncateRunes(el.Text, 150), "\n", " "))
		if len([]rune(el.Text)) > 150 {
			snippet += "..."
		}
		parts = append(parts, fmt.Sprintf("text=%q", snippet))
	}
	return strings.Join(parts, " ")
}

// ExtractLinks lists the page's anchors, resolved to absolute URLs and
// optionally filtered by a case-insensitive substring over href or text.
func (d *domTools) ExtractLinks(ctx context.Context, p *schemas.DOMExtractLinksParams) (string, error) {
	raw, err := d.session.HTML(ctx)
	if err != nil {
		return d.absorb(ctx, err, "Failed to extract links")
	}

	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return d.absorb(ctx, err, "Failed to extract links")
	}

	// Relative hrefs resolve against the page URL when it is available; a
	// failure here degrades to raw hrefs rather than failing the action.
	var base *url.URL
	if info, vErr := d.session.Viewport(ctx); vErr == nil && info != nil {
		if u, pErr := url.Parse(info.URL); pErr == nil {
			base = u
		}
	} else if ctx.Err() != nil {
		return "", vErr
	}

	links := collectLinks(doc, base, p.FilterPattern)

	limit := p.Limit
	if limit <= 0 {
		limit = defaultLinkLimit
	}
	shown := links
	if len(shown) > limit {
		shown = shown[:limit]
	}
	lines := make([]string, 0, len(shown))
	for i, link := range shown {
		label := strings.ReplaceAll(truncateRunes(link.Text, 80), "\n", " ")
		lines = append(lines, fmt.Sprintf("%d. %s -> %s", i+1, label, link.Href))
	}
	extra := ""
	if len(links) > limit {
		extra = fmt.Sprintf("\n... and %d more links", len(links)-limit)
	}

	header := fmt.Sprintf("Found %d link(s)", len(links))
	if p.FilterPattern != "" {
		header += fmt.Sprintf(" matching '%s'", p.FilterPattern)
	}
	if len(lines) == 0 {
		return header, nil
	}
	return header + ":\n" + strings.Join(lines, "\n") + extra, nil
}

// collectLinks walks the parsed document for anchors with an href, resolving
// each against base and applying the substring filter.
func collectLinks(doc *html.Node, base *url.URL, pattern string) []schemas.LinkInfo {
	patt := strings.ToLower(pattern)
	var links []schemas.LinkInfo
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && strings.ToLower(n.Data) == "a" {
			if href, ok := findAttr(n, "href"); ok {
				if base != nil {
					if u, err := url.Parse(strings.TrimSpace(href)); err == nil {
						href = base.ResolveReference(u).String()
					}
				}
				text := strings.TrimSpace(anchorText(n))
				if patt == "" || strings.Contains(strings.ToLower(href), patt) || strings.Contains(strings.ToLower(text), patt) {
					links = append(links, schemas.LinkInfo{Href: href, Text: text})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func findAttr(n *html.Node, key string) (string, bool) {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val, true
		}
	}
	return "", false
}

func anchorText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// Click clicks the nth element matched by a CSS selector and reports which
// element was hit out of how many, with a text snippet to confirm the target.
func (d *domTools) Click(ctx context.Context, p *schemas.DOMClickParams) (string, error) {
	if p.Selector == "" {
		return "selector is required for dom_click", nil
	}

	button := p.Button
	if button == "" {
		button = "left"
	}
	clicks := p.ClickCount
	if clicks < 1 {
		clicks = 1
	}

	res, err := d.session.ClickSelector(ctx, p)
	if err != nil {
		return d.absorb(ctx, err, "Failed to click selector")
	}
	if res == nil || res.Total == 0 {
		return fmt.Sprintf("No element found for selector '%s'", p.Selector), nil
	}

	text := strings.ReplaceAll(strings.TrimSpace(res.Text), "\n", " ")
	return fmt.Sprintf("Clicked element %d/%d matching '%s' (button=%s, clicks=%d). Text: %s",
		res.Index+1, res.Total, p.Selector, button, clicks, truncateRunes(text, 120)), nil
}

// truncateRunes returns at most n runes of s. Observation caps are counted in
// characters, not bytes, so multi-byte text does not get cut short.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
