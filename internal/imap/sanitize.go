package imap

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var htmlPolicy = newHTMLPolicy()

func newHTMLPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowStandardURLs()
	p.AllowURLSchemes("mailto", "http", "https", "cid")
	p.RequireParseableURLs(true)

	p.AllowElements(
		"p", "br", "div", "span", "hr", "center", "font",
		"b", "strong", "i", "em", "u", "s", "strike", "small", "sub", "sup",
		"blockquote", "pre", "code",
		"ul", "ol", "li", "dl", "dt", "dd",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"table", "thead", "tbody", "tfoot", "tr", "td", "th", "caption",
	)
	p.AllowAttrs("href", "title").OnElements("a")
	p.AllowImages()
	p.AllowAttrs("width", "height", "align", "valign", "colspan", "rowspan", "bgcolor").
		OnElements("table", "tr", "td", "th", "img")
	p.AllowAttrs("color", "face", "size").OnElements("font")
	p.AllowAttrs("dir", "title").Globally()

	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	return p
}

// SanitizeHTML strips scripts, event handlers and anything outside the allowlist.
func SanitizeHTML(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	return htmlPolicy.Sanitize(body)
}

// TextToHTML escapes a plain-text body and turns line breaks into <br>.
func TextToHTML(text string) string {
	if text == "" {
		return ""
	}
	escaped := html.EscapeString(normalizeNewlines(text))
	return strings.ReplaceAll(escaped, "\n", "<br>")
}
