package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/telemetry"
)

func (s *Scraper) scrapeFeed(ctx context.Context, src pipeline.SourceConfig, report *Report) error {
	resp, err := s.fetchPage(ctx, src, src.Entry)
	if err != nil {
		return fmt.Errorf("fetch feed: %w", err)
	}
	feed, err := gofeed.NewParser().ParseString(string(resp.Body))
	if err != nil {
		return fmt.Errorf("parse feed: %w", err)
	}

	seen := make(map[string]struct{}, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil || item.Link == "" {
			continue
		}
		if _, dup := seen[item.Link]; dup {
			continue
		}
		seen[item.Link] = struct{}{}
		report.Found++

		exists, err := s.deps.Store.Exists(ctx, item.Link)
		if err != nil {
			s.log.Warn("dedup lookup failed", zap.String("link", item.Link), zap.Error(err))
		}
		if exists {
			report.Skipped++
			telemetry.ObserveScraped(string(src.Kind), "duplicate")
			continue
		}

		candidate := feedItem(src, item)
		if s.tooShort(src, candidate.RawContent) {
			// Summary-only feeds need the article page itself.
			page, err := s.readArticle(ctx, src, item.Link)
			if err != nil {
				s.log.Debug("feed article fetch failed", zap.String("link", item.Link), zap.Error(err))
			} else if utf8.RuneCountInString(page.Content) > utf8.RuneCountInString(candidate.RawContent) {
				candidate.RawContent = page.Content
				candidate.ImageLinks = mergeLinks(candidate.ImageLinks, page.ImageLinks)
			}
		}
		if s.tooShort(src, candidate.RawContent) {
			report.Banned++
			telemetry.ObserveScraped(string(src.Kind), "banned")
			if err := s.deps.Store.SetCached(ctx, item.Link, []byte(banMarker), s.cfg.BanTTL); err != nil {
				s.log.Warn("ban marker write failed", zap.String("link", item.Link), zap.Error(err))
			}
			continue
		}
		s.publish(ctx, src, candidate, report)
	}
	return nil
}

func (s *Scraper) readArticle(ctx context.Context, src pipeline.SourceConfig, link string) (Page, error) {
	name := "readability"
	if src.Selectors != nil && src.Selectors.Extractor != "" {
		name = src.Selectors.Extractor
	}
	extract, err := LookupExtractor(name)
	if err != nil {
		return Page{}, err
	}
	resp, err := s.fetchPage(ctx, src, link)
	if err != nil {
		return Page{}, err
	}
	base, _ := url.Parse(link)
	return extract(resp.Body, base, src.Selectors)
}

func feedItem(src pipeline.SourceConfig, item *gofeed.Item) pipeline.CandidateItem {
	raw := item.Content
	if raw == "" {
		raw = item.Description
	}
	base, _ := url.Parse(item.Link)
	content := raw
	var imgs []string
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw)); err == nil {
		content = collapse(doc.Text())
		imgs = images(doc.Selection, base)
	}
	if item.Image != nil && item.Image.URL != "" {
		imgs = mergeLinks([]string{item.Image.URL}, imgs)
	}
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" && strings.HasPrefix(enc.Type, "image/") {
			imgs = mergeLinks(imgs, []string{enc.URL})
		}
	}

	meta := map[string]any{}
	if item.PublishedParsed != nil {
		meta["published_at"] = item.PublishedParsed.UTC().Format("2006-01-02T15:04:05Z")
	}
	if len(item.Categories) > 0 {
		meta["categories"] = item.Categories
	}
	if item.Author != nil && item.Author.Name != "" {
		meta["author"] = item.Author.Name
	}

	return pipeline.CandidateItem{
		Link:           item.Link,
		Title:          strings.TrimSpace(item.Title),
		RawContent:     content,
		ImageLinks:     imgs,
		SourceConfigID: src.ID,
		AuthorID:       src.AuthorID,
		DeveloperID:    src.AuthorID,
		SubMenuListID:  src.SubMenuListID,
		Metadata:       meta,
	}
}

func mergeLinks(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
