package scraper

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/telemetry"
)

const banMarker = "ban"

func (s *Scraper) scrapeWebsite(ctx context.Context, src pipeline.SourceConfig, report *Report) error {
	if src.Selectors == nil || src.Selectors.Link.IsZero() {
		return fmt.Errorf("source %s has no link selector", src.ID)
	}
	extract, err := LookupExtractor(src.Selectors.Extractor)
	if err != nil {
		return err
	}

	entry, err := s.fetchPage(ctx, src, src.Entry)
	if err != nil {
		return fmt.Errorf("fetch entry page: %w", err)
	}
	base, err := url.Parse(entry.URL)
	if err != nil || entry.URL == "" {
		base, _ = url.Parse(src.Entry)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(entry.Body))
	if err != nil {
		return fmt.Errorf("parse entry page: %w", err)
	}

	links := Links(doc, src.Selectors.Link, base)
	if s.cfg.MaxLinks > 0 && len(links) > s.cfg.MaxLinks {
		links = links[:s.cfg.MaxLinks]
	}
	report.Found = len(links)

	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("website scrape interrupted: %w", err)
		}
		seen, err := s.deps.Store.Exists(ctx, link)
		if err != nil {
			s.log.Warn("dedup lookup failed", zap.String("link", link), zap.Error(err))
		}
		if seen {
			report.Skipped++
			telemetry.ObserveScraped(string(src.Kind), "duplicate")
			continue
		}
		s.scrapeArticle(ctx, src, extract, link, report)
	}
	return nil
}

func (s *Scraper) scrapeArticle(ctx context.Context, src pipeline.SourceConfig, extract Extractor, link string, report *Report) {
	resp, err := s.fetchPage(ctx, src, link)
	if err != nil {
		report.Failed++
		telemetry.ObserveScraped(string(src.Kind), "fetch_error")
		s.log.Warn("article fetch failed", zap.String("link", link), zap.Error(err))
		return
	}
	base, _ := url.Parse(link)
	page, err := extract(resp.Body, base, src.Selectors)
	if err != nil {
		report.Failed++
		telemetry.ObserveScraped(string(src.Kind), "extract_error")
		s.log.Warn("article extract failed", zap.String("link", link), zap.Error(err))
		return
	}

	if s.tooShort(src, page.Content) {
		report.Banned++
		telemetry.ObserveScraped(string(src.Kind), "banned")
		if err := s.deps.Store.SetCached(ctx, link, []byte(banMarker), s.cfg.BanTTL); err != nil {
			s.log.Warn("ban marker write failed", zap.String("link", link), zap.Error(err))
		}
		s.log.Debug("article too short; banned", zap.String("link", link), zap.Int("length", utf8.RuneCountInString(page.Content)))
		return
	}

	s.publish(ctx, src, pipeline.CandidateItem{
		Link:           link,
		Title:          page.Title,
		RawContent:     page.Content,
		ImageLinks:     page.ImageLinks,
		SourceConfigID: src.ID,
		AuthorID:       src.AuthorID,
		DeveloperID:    src.AuthorID,
		SubMenuListID:  src.SubMenuListID,
	}, report)
}
