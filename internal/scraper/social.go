package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/story-pipeline/internal/cache"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
	"github.com/JakeFAU/story-pipeline/internal/telemetry"
)

// Timeframes are tried in order until one yields unprocessed posts.
var Timeframes = []string{"hour", "day", "week", "month", "year", "all"}

// SearchDefaults fills unset search parameters.
func SearchDefaults(p pipeline.SearchParams) pipeline.SearchParams {
	if p.Subreddit == "" {
		p.Subreddit = "news"
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if len(p.PostTypes) == 0 {
		p.PostTypes = []string{"hot"}
	}
	if p.MinComments <= 0 {
		p.MinComments = 10
	}
	if p.MinUps <= 0 {
		p.MinUps = 20
	}
	if p.MinScore <= 0 {
		p.MinScore = 80
	}
	if p.MinCommentsToCache <= 0 {
		p.MinCommentsToCache = 10
	}
	if p.MaxSelftextWords <= 0 {
		p.MaxSelftextWords = 500
	}
	if p.ProxyGroups <= 0 {
		p.ProxyGroups = 100
	}
	if p.CommentProxyGroups <= 0 {
		p.CommentProxyGroups = 100
	}
	if p.CacheSeconds <= 0 {
		p.CacheSeconds = 3600
	}
	return p
}

// SearchURL builds the search request for one sort order and timeframe. Tag
// groups are joined with "+" inside a group and "|" between groups.
func SearchURL(baseURL string, p pipeline.SearchParams, sort, timeframe string) string {
	groups := make([]string, 0, len(p.Tags))
	for _, group := range p.Tags {
		groups = append(groups, strings.Join(group, "+"))
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(p.Limit))
	params.Set("sort", sort)
	params.Set("t", timeframe)
	params.Set("q", strings.Join(groups, "|"))
	if p.Comment != "" {
		params.Set("comment", p.Comment)
	}
	return fmt.Sprintf("%s/r/%s/search.json?%s", strings.TrimRight(baseURL, "/"), url.PathEscape(p.Subreddit), params.Encode())
}

type listing struct {
	Data struct {
		Children []struct {
			Data post `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type post struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Title         string  `json:"title"`
	Author        string  `json:"author"`
	CreatedUTC    float64 `json:"created_utc"`
	Subreddit     string  `json:"subreddit"`
	Selftext      string  `json:"selftext"`
	NumComments   int     `json:"num_comments"`
	Ups           int     `json:"ups"`
	Score         int     `json:"score"`
	LinkFlairText string  `json:"link_flair_text"`
	URL           string  `json:"url"`
	Permalink     string  `json:"permalink"`
}

// engaging reports whether a post clears any one engagement threshold.
func engaging(p post, params pipeline.SearchParams) bool {
	return p.NumComments >= params.MinComments || p.Ups >= params.MinUps || p.Score >= params.MinScore
}

func (s *Scraper) scrapeSocial(ctx context.Context, src pipeline.SourceConfig, report *Report) error {
	if src.Search == nil {
		return fmt.Errorf("source %s has no search parameters", src.ID)
	}
	params := SearchDefaults(*src.Search)
	ttl := time.Duration(params.CacheSeconds) * time.Second

	for _, sort := range params.PostTypes {
		for _, timeframe := range Timeframes {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("social scrape interrupted: %w", err)
			}
			target := SearchURL(s.cfg.SocialBaseURL, params, sort, timeframe)
			resp, err := s.race(ctx, target, s.cfg.SocialHeaders, params.ProxyGroups)
			if err != nil {
				s.log.Warn("search fetch failed",
					zap.String("source", src.ID),
					zap.String("sort", sort),
					zap.String("timeframe", timeframe),
					zap.Error(err))
				continue
			}
			var page listing
			if err := resp.JSON(&page); err != nil {
				s.log.Warn("search response malformed", zap.String("source", src.ID), zap.Error(err))
				continue
			}
			if s.collectPosts(ctx, src, params, page, ttl, report) > 0 {
				break
			}
		}
	}
	return nil
}

// collectPosts publishes the unprocessed engaging posts of one listing and
// returns how many it took.
func (s *Scraper) collectPosts(
	ctx context.Context,
	src pipeline.SourceConfig,
	params pipeline.SearchParams,
	page listing,
	ttl time.Duration,
	report *Report,
) int {
	taken := 0
	for _, child := range page.Data.Children {
		p := child.Data
		if p.Name == "" || !engaging(p, params) {
			continue
		}
		report.Found++
		processed, err := s.deps.Store.Exists(ctx, cache.ProcessedKey(p.Name))
		if err != nil {
			s.log.Warn("processed lookup failed", zap.String("post", p.Name), zap.Error(err))
		}
		if processed {
			report.Skipped++
			telemetry.ObserveScraped(string(src.Kind), "duplicate")
			continue
		}

		var comments []pipeline.Comment
		if len(strings.Fields(p.Selftext)) <= params.MaxSelftextWords {
			// Short posts are only worth rewriting with their discussion.
			if p.NumComments < params.MinCommentsToCache {
				continue
			}
			comments = s.fetchComments(ctx, p, params, ttl)
		}

		if err := s.deps.Store.MarkProcessed(ctx, cache.ProcessedKey(p.Name), ttl); err != nil {
			s.log.Warn("processed marker write failed", zap.String("post", p.Name), zap.Error(err))
		}
		taken++
		s.publish(ctx, src, s.postItem(src, p, comments), report)
	}
	return taken
}

type commentListing struct {
	Data struct {
		Children []struct {
			Data struct {
				Author string `json:"author"`
				Body   string `json:"body"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (s *Scraper) fetchComments(ctx context.Context, p post, params pipeline.SearchParams, ttl time.Duration) []pipeline.Comment {
	sub := p.Subreddit
	if sub == "" {
		sub = params.Subreddit
	}
	target := fmt.Sprintf("%s/r/%s/comments/%s/.json", strings.TrimRight(s.cfg.SocialBaseURL, "/"), url.PathEscape(sub), url.PathEscape(p.ID))
	resp, err := s.race(ctx, target, s.cfg.SocialHeaders, params.CommentProxyGroups)
	if err != nil {
		s.log.Debug("comment fetch failed", zap.String("post", p.Name), zap.Error(err))
		return nil
	}
	comments, err := parseComments(resp.Body)
	if err != nil {
		s.log.Debug("comment response malformed", zap.String("post", p.Name), zap.Error(err))
		return nil
	}
	if len(comments) >= params.MinCommentsToCache {
		if err := s.deps.Store.MarkProcessed(ctx, cache.CommentsKey(p.Name), ttl); err != nil {
			s.log.Warn("comments marker write failed", zap.String("post", p.Name), zap.Error(err))
		}
	}
	return comments
}

// parseComments reads the second listing of a comments response.
func parseComments(body []byte) ([]pipeline.Comment, error) {
	var listings []commentListing
	if err := json.Unmarshal(body, &listings); err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}
	if len(listings) < 2 {
		return nil, fmt.Errorf("comments response has %d listings", len(listings))
	}
	out := make([]pipeline.Comment, 0, len(listings[1].Data.Children))
	for _, child := range listings[1].Data.Children {
		c := pipeline.Comment{Author: child.Data.Author, Body: child.Data.Body}
		if c.Author == "" {
			c.Author = "anonymous"
		}
		if c.Body == "" {
			c.Body = "no comment"
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Scraper) postItem(src pipeline.SourceConfig, p post, comments []pipeline.Comment) pipeline.CandidateItem {
	link := p.URL
	if p.Permalink != "" {
		link = strings.TrimRight(s.cfg.PostLinkBase, "/") + p.Permalink
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Selftext))
	if len(comments) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Comments:\n")
		for _, c := range comments {
			fmt.Fprintf(&b, "- %s: %s\n", c.Author, c.Body)
		}
	}
	return pipeline.CandidateItem{
		Link:           link,
		Title:          p.Title,
		RawContent:     strings.TrimSpace(b.String()),
		SourceConfigID: src.ID,
		AuthorID:       src.AuthorID,
		DeveloperID:    src.AuthorID,
		SubMenuListID:  src.SubMenuListID,
		Comments:       comments,
		Metadata: map[string]any{
			"name":            p.Name,
			"author":          p.Author,
			"created_utc":     p.CreatedUTC,
			"subreddit":       p.Subreddit,
			"num_comments":    p.NumComments,
			"ups":             p.Ups,
			"score":           p.Score,
			"link_flair_text": p.LinkFlairText,
			"url":             p.URL,
		},
	}
}

// SocialHeaders builds the headers sent with search requests.
func SocialHeaders(token string) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if token != "" {
		h.Set("Authorization", "bearer "+token)
	}
	return h
}
