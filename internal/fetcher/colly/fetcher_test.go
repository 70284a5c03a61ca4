package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

func newNewsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/slow":
			<-r.Context().Done()
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = fmt.Fprintf(w, "<html><body>%s|%s</body></html>",
				r.Header.Get("X-Source"), r.Header.Get("User-Agent"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	srv := newNewsServer(t)
	f := New(Config{UserAgent: "story-bot/1.0", Timeout: 2 * time.Second})
	resp, err := f.Fetch(context.Background(), pipeline.FetchRequest{
		URL:     srv.URL + "/news",
		Headers: http.Header{"X-Source": {"daily"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, srv.URL+"/news", resp.URL)
	require.Contains(t, string(resp.Body), "daily|story-bot/1.0")
	require.Equal(t, "text/html", resp.Headers.Get("Content-Type"))
	require.False(t, resp.UsedHeadless)
}

func TestFetchRequestUserAgentWins(t *testing.T) {
	t.Parallel()

	srv := newNewsServer(t)
	f := New(Config{UserAgent: "story-bot/1.0", Timeout: 2 * time.Second})
	resp, err := f.Fetch(context.Background(), pipeline.FetchRequest{
		URL:     srv.URL + "/news",
		Headers: http.Header{"User-Agent": {"rotated/2.0"}},
	})
	require.NoError(t, err)
	require.Contains(t, string(resp.Body), "|rotated/2.0")
}

func TestFetchReportsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := newNewsServer(t)
	f := New(Config{Timeout: 2 * time.Second})
	resp, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: srv.URL + "/missing"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	srv := newNewsServer(t)
	f := New(Config{Timeout: 10 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, pipeline.FetchRequest{URL: srv.URL + "/slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransportForCachesProxies(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	direct, err := f.transportFor("")
	require.NoError(t, err)
	require.Same(t, f.direct, direct)

	first, err := f.transportFor("10.0.0.1:3128")
	require.NoError(t, err)
	second, err := f.transportFor("10.0.0.1:3128")
	require.NoError(t, err)
	require.Same(t, first, second)
	require.NotSame(t, direct, first)

	proxyURL, err := first.Proxy(&http.Request{URL: &url.URL{Scheme: "http", Host: "news.example.com"}})
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.1:3128", proxyURL.String())

	_, err = f.transportFor("http://[::1")
	require.Error(t, err)
}

func TestApplyHeadersAndResponse(t *testing.T) {
	t.Parallel()

	dst := &http.Header{"Accept": {"*/*"}}
	applyHeaders(dst, http.Header{"Accept": {"text/html", "application/xhtml+xml"}})
	require.Equal(t, []string{"text/html", "application/xhtml+xml"}, dst.Values("Accept"))
	applyHeaders(nil, http.Header{"Accept": {"x"}})

	u, err := url.Parse("https://news.example.com/story")
	require.NoError(t, err)
	resp := toFetchResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Request:    &colly.Request{URL: u},
	}, time.Second)
	require.Equal(t, "https://news.example.com/story", resp.URL)
	require.Equal(t, "body", string(resp.Body))
	require.NotNil(t, resp.Headers)
	require.Equal(t, time.Second, resp.Duration)
}
