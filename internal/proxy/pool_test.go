package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/story-pipeline/internal/cache"
	"github.com/JakeFAU/story-pipeline/internal/cache/memory"
)

func directoryServer(t *testing.T, hits *atomic.Int32, body, contentType string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", contentType)
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPoolRefreshMergesDirectories(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	lines := directoryServer(t, &hits, "1.1.1.1:80\n# comment\n\n2.2.2.2:8080 US\n", "text/plain")
	js := directoryServer(t, &hits, `{"data":[{"ip":"3.3.3.3","port":3128},{"ip":"1.1.1.1","port":"80"}]}`, "application/json")

	store := memory.New(nil)
	pool, err := New(Config{
		Directories: []Directory{
			{URL: lines.URL, Extractor: "lines"},
			{URL: js.URL, Extractor: "json"},
		},
	}, store, nil)
	require.NoError(t, err)

	proxies, err := pool.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"1.1.1.1:80", "2.2.2.2:8080", "3.3.3.3:3128"}, proxies)

	// Second read comes from the store.
	again, err := pool.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, proxies, again)
	require.Equal(t, int32(2), hits.Load())

	records, err := pool.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestPoolRanksByLatency(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	dir := directoryServer(t, &hits, "slow:1\ndead:1\nfast:1\n", "text/plain")
	latencies := map[string]time.Duration{"slow:1": 300 * time.Millisecond, "fast:1": 10 * time.Millisecond}

	pool, err := New(Config{
		Directories: []Directory{{URL: dir.URL}},
		CheckURL:    "http://check.invalid/get",
	}, memory.New(nil), nil, WithCheck(func(_ context.Context, proxy string) (time.Duration, error) {
		d, ok := latencies[proxy]
		if !ok {
			return 0, errors.New("timeout")
		}
		return d, nil
	}))
	require.NoError(t, err)

	proxies, err := pool.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"fast:1", "slow:1"}, proxies)

	records, err := pool.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.False(t, records[2].Healthy)
}

func TestPoolConcurrentRefreshCollapses(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		_, _ = fmt.Fprint(w, "9.9.9.9:9\n")
	}))
	t.Cleanup(srv.Close)

	pool, err := New(Config{Directories: []Directory{{URL: srv.URL}}}, memory.New(nil), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proxies, err := pool.Refresh(context.Background())
			require.NoError(t, err)
			require.Equal(t, []string{"9.9.9.9:9"}, proxies)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	require.Equal(t, int32(1), hits.Load())
}

func TestPoolWaitsForOtherProcess(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	dir := directoryServer(t, &hits, "5.5.5.5:5\n", "text/plain")

	store := memory.New(nil)
	ctx := context.Background()
	claimed, err := store.Claim(ctx, lockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	pool, err := New(Config{
		Directories: []Directory{{URL: dir.URL}},
		LockWait:    20 * time.Millisecond,
	}, store, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = cache.SetJSON(ctx, store, ListKey, []string{"other:1"}, time.Hour)
	}()

	proxies, err := pool.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"other:1"}, proxies)
	require.Zero(t, hits.Load())
}

func TestPoolNoProxies(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	dir := directoryServer(t, &hits, "# nothing here\n", "text/plain")
	pool, err := New(Config{Directories: []Directory{{URL: dir.URL}}}, memory.New(nil), nil)
	require.NoError(t, err)

	_, err = pool.Get(context.Background())
	require.ErrorIs(t, err, ErrNoProxies)
}

func TestPoolGroups(t *testing.T) {
	t.Parallel()

	store := memory.New(nil)
	require.NoError(t, cache.SetJSON(context.Background(), store, ListKey, []string{"a:1", "b:1", "c:1", "d:1"}, time.Hour))
	pool, err := New(Config{}, store, nil)
	require.NoError(t, err)

	groups, err := pool.Groups(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a:1", "b:1"}, {"c:1", "d:1"}}, groups)
}

func TestNewRejectsUnknownExtractor(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Directories: []Directory{{URL: "http://x", Extractor: "eval"}}}, memory.New(nil), nil)
	require.Error(t, err)
}

func TestExtractors(t *testing.T) {
	t.Parallel()

	got, err := JSONList([]byte(`["a:1", {"proxy":"b:2"}, {"host":"c","port":"3"}, {"ip":"d"}]`))
	require.NoError(t, err)
	require.Equal(t, []string{"a:1", "b:2", "c:3"}, got)

	_, err = JSONList([]byte(`{"items":[]}`))
	require.Error(t, err)

	got, err = Lines([]byte("x:1\nnot-a-proxy\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"x:1"}, got)

	require.Equal(t, []string{"json", "lines"}, ExtractorNames())
}
