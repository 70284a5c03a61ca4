package pipeline

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// SourceKind selects the scraping strategy for a source.
type SourceKind string

// Supported source kinds.
const (
	SourceWebsite      SourceKind = "website"
	SourceSocialSearch SourceKind = "social_search"
	SourceFeed         SourceKind = "feed"
)

// RenderMode controls how website pages are fetched.
type RenderMode string

// Render modes for website sources.
const (
	RenderStatic   RenderMode = "static"
	RenderHeadless RenderMode = "headless"
)

// SourceConfig describes one scrape source and how its items are rewritten.
type SourceConfig struct {
	ID               string        `json:"id" yaml:"id"`
	Kind             SourceKind    `json:"kind" yaml:"kind"`
	Entry            string        `json:"entry" yaml:"entry"`
	AuthorID         string        `json:"author_id" yaml:"author_id"`
	SubMenuListID    string        `json:"sub_menu_list_id" yaml:"sub_menu_list_id"`
	Tags             []string      `json:"tags" yaml:"tags"`
	Model            string        `json:"model" yaml:"model"`
	ContentPrompt    string        `json:"content_prompt" yaml:"content_prompt"`
	MetadataPrompt   string        `json:"metadata_prompt" yaml:"metadata_prompt"`
	Render           RenderMode    `json:"render" yaml:"render"`
	UseProxies       bool          `json:"use_proxies" yaml:"use_proxies"`
	MinContentLength int           `json:"min_content_length" yaml:"min_content_length"`
	Selectors        *SelectorSet  `json:"selectors,omitempty" yaml:"selectors,omitempty"`
	Search           *SearchParams `json:"search,omitempty" yaml:"search,omitempty"`
}

// SelectorSet locates links and article fields on website sources.
// Version 1 sets use legacy [tag, attr, value] chains, version 2 uses CSS.
type SelectorSet struct {
	Version   int      `json:"version" yaml:"version"`
	Link      Selector `json:"link" yaml:"link"`
	Title     Selector `json:"title" yaml:"title"`
	Content   Selector `json:"content" yaml:"content"`
	Extractor string   `json:"extractor" yaml:"extractor"`
}

// SearchParams configures a social-search source.
type SearchParams struct {
	Subreddit          string     `json:"subreddit" yaml:"subreddit"`
	Limit              int        `json:"limit" yaml:"limit"`
	PostTypes          []string   `json:"post_types" yaml:"post_types"`
	Tags               [][]string `json:"tags" yaml:"tags"`
	Comment            string     `json:"comment" yaml:"comment"`
	MinComments        int        `json:"min_comments" yaml:"min_comments"`
	MinUps             int        `json:"min_ups" yaml:"min_ups"`
	MinScore           int        `json:"min_score" yaml:"min_score"`
	MinCommentsToCache int        `json:"min_comments_to_cache" yaml:"min_comments_to_cache"`
	MaxSelftextWords   int        `json:"max_selftext_words" yaml:"max_selftext_words"`
	ProxyGroups        int        `json:"proxy_groups" yaml:"proxy_groups"`
	CommentProxyGroups int        `json:"comment_proxy_groups" yaml:"comment_proxy_groups"`
	CacheSeconds       int        `json:"cache_seconds" yaml:"cache_seconds"`
}

// Comment is a single reply attached to a social post.
type Comment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

// CandidateItem is a scraped item before it is published. Link is its unique key.
type CandidateItem struct {
	Link           string         `json:"link"`
	Title          string         `json:"title"`
	RawContent     string         `json:"content"`
	ImageLinks     []string       `json:"image_links"`
	SourceConfigID string         `json:"processor"`
	AuthorID       string         `json:"author_id"`
	DeveloperID    string         `json:"developer_id"`
	SubMenuListID  string         `json:"sub_menu_list_id,omitempty"`
	Comments       []Comment      `json:"comments,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RawRecord is a candidate item as stored by the destination.
type RawRecord struct {
	ID              string        `json:"id"`
	Link            string        `json:"link"`
	Data            CandidateItem `json:"data"`
	FailedToProcess bool          `json:"failed_to_process"`
	TrialTimes      int           `json:"trial_times"`
}

// QueueJob references a published raw record (rewrite queue) or a source
// config (scrape queue). On the wire a job is its bare id.
type QueueJob struct {
	ID string
}

// ErrEmptyJob is returned when a job body carries no id.
var ErrEmptyJob = errors.New("queue job has no id")

// Body encodes the job for a broker.
func (j QueueJob) Body() []byte {
	return []byte(j.ID)
}

// ParseQueueJob decodes a job body.
func ParseQueueJob(body []byte) (QueueJob, error) {
	id := strings.TrimSpace(string(body))
	if id == "" {
		return QueueJob{}, ErrEmptyJob
	}
	return QueueJob{ID: id}, nil
}

// RewriteResult holds the fields extracted from generated text.
type RewriteResult struct {
	Title   string   `json:"title"`
	Tags    []string `json:"tags"`
	Body    string   `json:"body"`
	Excerpt string   `json:"excerpt"`
}

// Article is the final rewritten record sent to the destination.
type Article struct {
	RawID         string   `json:"id"`
	Title         string   `json:"title"`
	AuthorID      string   `json:"author_id"`
	Content       string   `json:"content"`
	SubMenuListID string   `json:"sub_menu_list_id"`
	Tags          []string `json:"tags"`
	Excerpt       string   `json:"excerpt"`
	ImageLinks    []string `json:"image_links"`
	ArchiveURI    string   `json:"archive_uri,omitempty"`
}

// ProxyRecord is one entry of the cached proxy pool.
type ProxyRecord struct {
	Address     string        `json:"address"`
	LastLatency time.Duration `json:"last_latency"`
	Healthy     bool          `json:"healthy"`
}

// FetchRequest describes a single page fetch.
type FetchRequest struct {
	URL     string
	Headers http.Header
	Proxy   string
}

// FetchResponse captures the fetched page.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
