package scraper

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/story-pipeline/internal/cache"
	"github.com/JakeFAU/story-pipeline/internal/cache/memory"
	"github.com/JakeFAU/story-pipeline/internal/fetcher/race"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

func listingBody(t *testing.T, posts ...map[string]any) []byte {
	t.Helper()
	children := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		children = append(children, map[string]any{"kind": "t3", "data": p})
	}
	body, err := json.Marshal(map[string]any{"data": map[string]any{"children": children}})
	require.NoError(t, err)
	return body
}

func socialSource() pipeline.SourceConfig {
	return pipeline.SourceConfig{
		ID:       "reddit-world",
		Kind:     pipeline.SourceSocialSearch,
		AuthorID: "author-9",
		Search: &pipeline.SearchParams{
			Subreddit:          "worldnews",
			Limit:              10,
			Tags:               [][]string{{"storm", "flood"}, {"rain"}},
			MinCommentsToCache: 2,
			MaxSelftextWords:   5,
		},
	}
}

func TestScrapeSocialEscalatesTimeframes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New(nil)
	require.NoError(t, store.MarkProcessed(ctx, cache.ProcessedKey("t3_old"), time.Hour))

	hour := listingBody(t, map[string]any{"name": "t3_old", "id": "old", "ups": 100, "selftext": "already seen"})
	day := listingBody(t,
		map[string]any{
			"name": "t3_long", "id": "long", "title": "Levee holds", "ups": 50,
			"selftext":  "one two three four five six seven",
			"permalink": "/r/worldnews/comments/long/levee_holds/",
			"subreddit": "worldnews",
		},
		map[string]any{"name": "t3_quiet", "id": "quiet", "ups": 1, "score": 1, "num_comments": 0},
		map[string]any{"name": "t3_talk", "id": "talk", "title": "Rain again", "num_comments": 12, "selftext": "short", "subreddit": "worldnews"},
		map[string]any{"name": "t3_lonely", "id": "lonely", "score": 100, "num_comments": 1},
	)
	comments := []byte(`[{"data":{"children":[]}},{"data":{"children":[
		{"data":{"author":"a","body":"first"}},
		{"data":{"author":"","body":"second"}}
	]}}]`)

	racer := &stubRacer{handle: func(target string) (race.Response, error) {
		switch {
		case strings.Contains(target, "/comments/talk/"):
			return race.Response{URL: target, StatusCode: http.StatusOK, Body: comments}, nil
		case strings.Contains(target, "t=hour"):
			return race.Response{URL: target, StatusCode: http.StatusOK, Body: hour}, nil
		case strings.Contains(target, "t=day"):
			return race.Response{URL: target, StatusCode: http.StatusOK, Body: day}, nil
		}
		return race.Response{}, race.ErrNotFound
	}}
	pub := &recordingPublisher{}
	s, err := New(Config{}, Deps{
		Store:     store,
		Publisher: pub,
		Static:    newPageFetcher(nil),
		Racer:     racer,
		Proxies:   &stubProxies{},
	})
	require.NoError(t, err)

	report, err := s.Scrape(ctx, socialSource())
	require.NoError(t, err)
	require.Equal(t, Report{SourceID: "reddit-world", Found: 4, Published: 2, Skipped: 1}, report)

	for _, target := range racer.targets {
		require.NotContains(t, target, "t=week")
	}
	require.Contains(t, racer.targets, "https://oauth.reddit.com/r/worldnews/comments/talk/.json")

	long, ok := pub.byLink("https://www.reddit.com/r/worldnews/comments/long/levee_holds/")
	require.True(t, ok)
	require.Equal(t, "Levee holds", long.Title)
	require.Equal(t, "one two three four five six seven", long.RawContent)
	require.Empty(t, long.Comments)
	require.Equal(t, "author-9", long.AuthorID)

	var talk pipeline.CandidateItem
	for _, item := range pub.items {
		if item.Title == "Rain again" {
			talk = item
		}
	}
	require.Equal(t, []pipeline.Comment{{Author: "a", Body: "first"}, {Author: "anonymous", Body: "second"}}, talk.Comments)
	require.Contains(t, talk.RawContent, "Comments:\n- a: first\n- anonymous: second")

	for key, want := range map[string]bool{
		cache.ProcessedKey("t3_long"):   true,
		cache.ProcessedKey("t3_talk"):   true,
		cache.CommentsKey("t3_talk"):    true,
		cache.ProcessedKey("t3_lonely"): false,
		cache.ProcessedKey("t3_quiet"):  false,
	} {
		got, err := store.Exists(ctx, key)
		require.NoError(t, err)
		require.Equal(t, want, got, key)
	}
}

func TestScrapeSocialRefreshesProxiesWhenRaceFails(t *testing.T) {
	t.Parallel()

	racer := &stubRacer{handle: func(string) (race.Response, error) {
		return race.Response{}, race.ErrNotFound
	}}
	proxies := &stubProxies{}
	pub := &recordingPublisher{}
	s, err := New(Config{}, Deps{
		Store:     memory.New(nil),
		Publisher: pub,
		Static:    newPageFetcher(nil),
		Racer:     racer,
		Proxies:   proxies,
	})
	require.NoError(t, err)

	report, err := s.Scrape(context.Background(), socialSource())
	require.NoError(t, err)
	require.Zero(t, report.Published)
	require.Len(t, racer.targets, len(Timeframes))
	require.Equal(t, len(Timeframes), proxies.refreshes)
	require.Empty(t, pub.items)
}

func TestScrapeSocialRequiresSearchParams(t *testing.T) {
	t.Parallel()

	s, err := New(Config{}, Deps{Store: memory.New(nil), Publisher: &recordingPublisher{}, Static: newPageFetcher(nil)})
	require.NoError(t, err)
	src := socialSource()
	src.Search = nil
	_, err = s.Scrape(context.Background(), src)
	require.ErrorContains(t, err, "no search parameters")
}

func TestSearchURL(t *testing.T) {
	t.Parallel()

	p := pipeline.SearchParams{
		Subreddit: "worldnews",
		Limit:     10,
		Tags:      [][]string{{"storm", "flood"}, {"rain"}},
	}
	require.Equal(t,
		"https://oauth.reddit.com/r/worldnews/search.json?limit=10&q=storm%2Bflood%7Crain&sort=hot&t=day",
		SearchURL("https://oauth.reddit.com/", p, "hot", "day"))

	p.Comment = "true"
	require.Contains(t, SearchURL("https://oauth.reddit.com", p, "new", "all"), "comment=true&limit=10")
}

func TestSearchDefaults(t *testing.T) {
	t.Parallel()

	p := SearchDefaults(pipeline.SearchParams{Limit: 5})
	require.Equal(t, "news", p.Subreddit)
	require.Equal(t, 5, p.Limit)
	require.Equal(t, []string{"hot"}, p.PostTypes)
	require.Equal(t, 10, p.MinComments)
	require.Equal(t, 20, p.MinUps)
	require.Equal(t, 80, p.MinScore)
	require.Equal(t, 500, p.MaxSelftextWords)
	require.Equal(t, 3600, p.CacheSeconds)
}

func TestEngagingNeedsOneThreshold(t *testing.T) {
	t.Parallel()

	params := SearchDefaults(pipeline.SearchParams{})
	require.True(t, engaging(post{NumComments: 10}, params))
	require.True(t, engaging(post{Ups: 20}, params))
	require.True(t, engaging(post{Score: 80}, params))
	require.False(t, engaging(post{NumComments: 9, Ups: 19, Score: 79}, params))
}

func TestSocialHeaders(t *testing.T) {
	t.Parallel()

	h := SocialHeaders("tok")
	require.Equal(t, "bearer tok", h.Get("Authorization"))
	require.Empty(t, SocialHeaders("").Get("Authorization"))
}
