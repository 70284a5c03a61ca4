package scraper

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

// Page is what an extractor pulls out of an article page.
type Page struct {
	Title      string
	Content    string
	ImageLinks []string
}

// Extractor reads an article page. base resolves relative image sources.
type Extractor func(body []byte, base *url.URL, sel *pipeline.SelectorSet) (Page, error)

var extractors = map[string]Extractor{
	"text":        TextExtractor,
	"readability": ReadabilityExtractor,
}

// LookupExtractor returns the named extractor. An empty name selects "text".
func LookupExtractor(name string) (Extractor, error) {
	if name == "" {
		name = "text"
	}
	ex, ok := extractors[name]
	if !ok {
		names := make([]string, 0, len(extractors))
		for n := range extractors {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown extractor %q (known: %s)", name, strings.Join(names, ", "))
	}
	return ex, nil
}

// Select evaluates a selector against root. CSS selectors use goquery's Find;
// legacy chains descend one step at a time, filtering by attribute. A class
// step matches when the element carries every listed class.
func Select(root *goquery.Selection, sel pipeline.Selector) *goquery.Selection {
	if sel.CSS != "" {
		return root.Find(sel.CSS)
	}
	cur := root
	for _, step := range sel.Chain {
		found := cur.Find(step.Tag)
		if step.Attr != "" {
			found = found.FilterFunction(func(_ int, s *goquery.Selection) bool {
				return matchAttr(s, step.Attr, step.Values)
			})
		}
		cur = found
	}
	return cur
}

func matchAttr(s *goquery.Selection, attr string, values []string) bool {
	got, ok := s.Attr(attr)
	if !ok {
		return false
	}
	if len(values) == 0 {
		return true
	}
	if attr == "class" {
		classes := strings.Fields(got)
		for _, want := range values {
			for _, part := range strings.Fields(want) {
				if !contains(classes, part) {
					return false
				}
			}
		}
		return true
	}
	for _, want := range values {
		if got == want {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Links returns the resolved hrefs of the elements matched by sel, in document
// order and without duplicates. Matched elements that are not anchors
// contribute the first anchor they contain.
func Links(doc *goquery.Document, sel pipeline.Selector, base *url.URL) []string {
	seen := make(map[string]struct{})
	var out []string
	Select(doc.Selection, sel).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			href, ok = s.Find("a[href]").First().Attr("href")
		}
		if !ok {
			return
		}
		link := resolve(base, href)
		if link == "" {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		out = append(out, link)
	})
	return out
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	lower := strings.ToLower(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

func images(sel *goquery.Selection, base *url.URL) []string {
	seen := make(map[string]struct{})
	var out []string
	sel.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("src")
		if !ok || strings.HasPrefix(src, "data:") {
			src, ok = img.Attr("data-src")
		}
		if !ok {
			return
		}
		link := resolve(base, src)
		if link == "" {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		out = append(out, link)
	})
	return out
}

func collapse(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// TextExtractor takes the title and content text from the configured selectors.
func TextExtractor(body []byte, base *url.URL, sel *pipeline.SelectorSet) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("parse article html: %w", err)
	}
	var page Page
	if sel != nil && !sel.Title.IsZero() {
		page.Title = collapse(Select(doc.Selection, sel.Title).First().Text())
	}
	if page.Title == "" {
		page.Title = collapse(doc.Find("title").First().Text())
	}
	if sel == nil || sel.Content.IsZero() {
		return page, nil
	}
	content := Select(doc.Selection, sel.Content)
	parts := make([]string, 0, content.Length())
	content.Each(func(_ int, s *goquery.Selection) {
		if text := collapse(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	page.Content = strings.Join(parts, "\n")
	page.ImageLinks = images(content, base)
	return page, nil
}

// ReadabilityExtractor finds the main article with go-readability. A
// configured title selector still wins over the detected title.
func ReadabilityExtractor(body []byte, base *url.URL, sel *pipeline.SelectorSet) (Page, error) {
	article, err := readability.FromReader(bytes.NewReader(body), base)
	if err != nil {
		return Page{}, fmt.Errorf("readability: %w", err)
	}
	page := Page{
		Title:   collapse(article.Title),
		Content: strings.TrimSpace(article.TextContent),
	}
	if sel != nil && !sel.Title.IsZero() {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
			if title := collapse(Select(doc.Selection, sel.Title).First().Text()); title != "" {
				page.Title = title
			}
		}
	}
	if article.Content != "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content)); err == nil {
			page.ImageLinks = images(doc.Selection, base)
		}
	}
	return page, nil
}
