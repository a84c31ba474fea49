// Copyright 2026 The Quarry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package render turns parsed HTML into normalized page content.
//
// The fetcher treats rendering as a pure function over the DOM: title,
// visible text, markdown, outbound links, and any API hints declared in
// the document head. The default implementation builds on goquery and
// html-to-markdown; callers may substitute their own Renderer.
package render

import (
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
)

// APIHint is an API endpoint declared by the document itself, e.g. a
// <link rel="alternate" type="application/json"> feed.
type APIHint struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
}

// Result is the normalized output of rendering one document.
type Result struct {
	Title    string
	Text     string
	Markdown string
	Links    []string
	APIHints []APIHint
}

// Renderer converts a parsed document into normalized content.
type Renderer interface {
	Render(doc *goquery.Document, base *url.URL) (*Result, error)
}

// semanticTags are the elements whose presence marks a page as having
// real structure even when its text is short.
var semanticTags = []string{"h1", "h2", "main", "article", "section", "nav", "table", "ul", "ol"}

// HasSemanticElement reports whether the document contains at least one
// semantic structural element.
func HasSemanticElement(doc *goquery.Document) bool {
	return doc.Find(strings.Join(semanticTags, ", ")).Length() > 0
}

// MarkdownHasHeading reports whether the markdown contains at least one
// ATX heading line.
func MarkdownHasHeading(md string) bool {
	for _, line := range strings.Split(md, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			return true
		}
	}
	return false
}

// NormalizeText collapses runs of whitespace to single spaces and trims.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Markdown is the default Renderer built on goquery and html-to-markdown.
type Markdown struct{}

// NewMarkdown creates the default renderer.
func NewMarkdown() *Markdown {
	return &Markdown{}
}

// Render implements Renderer.
func (r *Markdown) Render(doc *goquery.Document, base *url.URL) (*Result, error) {
	res := &Result{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		Text:  visibleText(doc.Find("body")),
	}
	if res.Text == "" {
		// Fragment documents may lack a body element.
		res.Text = visibleText(doc.Selection)
	}

	html, err := doc.Html()
	if err == nil {
		if md, err := htmltomarkdown.ConvertString(html); err == nil {
			res.Markdown = md
		}
	}

	res.Links = collectLinks(doc, base)
	res.APIHints = collectAPIHints(doc, base)
	return res, nil
}

// visibleText extracts the user-visible text of a selection. Script,
// style and template contents are text nodes to the parser but never
// render, so they are stripped from a clone first.
func visibleText(sel *goquery.Selection) string {
	clone := sel.Clone()
	clone.Find("script, style, noscript, template").Remove()
	return NormalizeText(clone.Text())
}

// collectLinks gathers absolute hrefs from anchor elements.
func collectLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]bool)
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs := resolveRef(base, href)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, abs)
	})
	return links
}

// collectAPIHints extracts API endpoints advertised in the head:
// alternate representations in machine-readable formats and explicit
// api-endpoint meta tags.
func collectAPIHints(doc *goquery.Document, base *url.URL) []APIHint {
	var hints []APIHint

	doc.Find(`link[rel="alternate"]`).Each(func(_ int, sel *goquery.Selection) {
		typ, _ := sel.Attr("type")
		if !isAPIMediaType(typ) {
			return
		}
		href, _ := sel.Attr("href")
		abs := resolveRef(base, href)
		if abs == "" {
			return
		}
		hints = append(hints, APIHint{Method: "GET", URL: abs, ContentType: typ})
	})

	doc.Find(`meta[name="api-endpoint"], meta[property="api-endpoint"]`).Each(func(_ int, sel *goquery.Selection) {
		content, _ := sel.Attr("content")
		abs := resolveRef(base, content)
		if abs == "" {
			return
		}
		hints = append(hints, APIHint{Method: "GET", URL: abs})
	})

	return hints
}

func isAPIMediaType(typ string) bool {
	typ = strings.ToLower(typ)
	switch {
	case strings.Contains(typ, "json"),
		strings.Contains(typ, "rss"),
		strings.Contains(typ, "atom"),
		strings.Contains(typ, "xml"):
		return true
	}
	return false
}

// resolveRef resolves ref against base, returning "" for empty or
// unparseable references and non-http results.
func resolveRef(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

var _ Renderer = (*Markdown)(nil)
