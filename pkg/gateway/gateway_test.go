package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/gemini-gateway/internal/helpers"
	"github.com/jnovack/gemini-gateway/pkg/accesslog"
	"github.com/jnovack/gemini-gateway/pkg/cache"
	"github.com/jnovack/gemini-gateway/pkg/config"
	"github.com/jnovack/gemini-gateway/pkg/fetch"
	"github.com/jnovack/gemini-gateway/pkg/gemini"
	"github.com/jnovack/gemini-gateway/pkg/mount"
	"github.com/jnovack/gemini-gateway/pkg/rules"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	os.Exit(m.Run())
}

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]*fetch.Result
	calls   map[string]int
	panics  bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{results: map[string]*fetch.Result{}, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, req fetch.Request) *fetch.Result {
	if f.panics {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := req.URL.String()
	f.calls[k]++
	if r, ok := f.results[k]; ok {
		return r
	}
	return &fetch.Result{Kind: fetch.KindError, URL: req.URL, Err: errors.New("dial tcp: no such host")}
}

func (f *fakeFetcher) set(u string, r *fetch.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[u] = r
}

func (f *fakeFetcher) count(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[u]
}

func htmlResult(doc string) *fetch.Result {
	return &fetch.Result{Kind: fetch.KindOK, Status: http.StatusOK, ContentType: "text/html", Text: doc}
}

func statusResult(code int) *fetch.Result {
	return &fetch.Result{Kind: fetch.KindOK, Status: code, ContentType: "text/html"}
}

func redirectResult(loc string) *fetch.Result {
	u, _ := url.Parse(loc)
	return &fetch.Result{Kind: fetch.KindRedirect, Status: http.StatusFound, Location: u}
}

const welcomePage = `<html><head><title>T</title></head><body><h1>Welcome</h1><p>Read <a href="/test">the test</a>.</p></body></html>`

func testConfig() *config.Config {
	c := config.Default()
	c.Mode = "server,proxy"
	c.VerifySSL = false
	return &c
}

func newTestGateway(t *testing.T, cfg *config.Config, d Deps) *Gateway {
	t.Helper()
	g, err := New(cfg, d)
	require.NoError(t, err)
	return g
}

func memCache(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.Open(cache.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func serve(g *Gateway, t *testing.T, raw string) *gemini.Response {
	t.Helper()
	return g.ServeGemini(context.Background(), helpers.NewRequest(t, raw, "127.0.0.1"))
}

func TestBrowseEndToEnd(t *testing.T) {
	origin := helpers.NewOrigin(t, map[string]helpers.Page{
		"/": {ContentType: "text/html; charset=utf-8", Body: welcomePage},
	})
	sink := helpers.NewRecordSink()
	g := newTestGateway(t, testConfig(), Deps{
		Fetcher:  fetch.New(fetch.Options{Timeout: 5 * time.Second}),
		Observer: sink.Observer(),
	})

	resp := serve(g, t, "gemini://localhost/"+origin.Host())
	require.Equal(t, gemini.StatusSuccess, resp.Status, resp.Meta)
	assert.Equal(t, "text/gemini", resp.Meta)
	body := string(resp.Body)
	assert.NotContains(t, body, "<html")
	assert.Contains(t, body, "# Welcome")
	assert.Contains(t, body, "=> gemini://localhost/"+origin.Host()+"/test ")
	assert.EqualValues(t, 1, origin.Hits("/"))

	rec := sink.Next(t)
	assert.Equal(t, "Welcome", rec.Title)
	assert.Equal(t, "server", rec.Mode)
	assert.Equal(t, OutcomeBypass, rec.Outcome)
	assert.Equal(t, 20, rec.Status)
	assert.Equal(t, "127.0.0.1", rec.ClientIP)
}

func TestCachedRequestSkipsOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.CacheEnable = true
	ff := newFakeFetcher()
	ff.set("https://example.com/", htmlResult(welcomePage))
	sink := helpers.NewRecordSink()
	g := newTestGateway(t, cfg, Deps{Fetcher: ff, Cache: memCache(t), Observer: sink.Observer()})

	first := serve(g, t, "gemini://localhost/example.com")
	require.Equal(t, gemini.StatusSuccess, first.Status)
	assert.Equal(t, OutcomeMiss, sink.Next(t).Outcome)

	second := serve(g, t, "gemini://localhost/example.com/")
	require.Equal(t, gemini.StatusSuccess, second.Status)
	assert.Equal(t, string(first.Body), string(second.Body))
	rec := sink.Next(t)
	assert.Equal(t, OutcomeHit, rec.Outcome)
	assert.Equal(t, "Welcome", rec.Title)
	assert.Equal(t, 1, ff.count("https://example.com/"))
}

func TestQueryOverrideCachesWithoutRule(t *testing.T) {
	ff := newFakeFetcher()
	ff.set("https://example.com/", htmlResult(welcomePage))
	store := memCache(t)
	g := newTestGateway(t, testConfig(), Deps{Fetcher: ff, Cache: store})

	require.Equal(t, gemini.StatusSuccess, serve(g, t, "gemini://localhost/example.com/?gw_cache_forever").Status)
	require.Equal(t, gemini.StatusSuccess, serve(g, t, "gemini://localhost/example.com/").Status)
	assert.Equal(t, 1, ff.count("https://example.com/"))

	list, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "https://example.com/", list[0].Key)
	assert.True(t, list[0].ExpiresAt.IsZero())
}

func TestNoCacheWithoutRuleOrOverride(t *testing.T) {
	ff := newFakeFetcher()
	ff.set("https://example.com/", htmlResult(welcomePage))
	g := newTestGateway(t, testConfig(), Deps{Fetcher: ff, Cache: memCache(t)})

	serve(g, t, "gemini://localhost/example.com/")
	serve(g, t, "gemini://localhost/example.com/")
	assert.Equal(t, 2, ff.count("https://example.com/"))
}

func TestRedirectTranslation(t *testing.T) {
	ff := newFakeFetcher()
	ff.set("https://example.com/", redirectResult("https://www.example.org/"))
	ff.set("https://example.com/docs", redirectResult("https://example.com/docs/en/stable/"))
	sink := helpers.NewRecordSink()
	g := newTestGateway(t, testConfig(), Deps{Fetcher: ff, Observer: sink.Observer()})

	resp := serve(g, t, "gemini://localhost/example.com")
	assert.Equal(t, gemini.StatusRedirectTemporary, resp.Status)
	assert.Equal(t, "gemini://localhost/www.example.org/", resp.Meta)
	assert.Equal(t, OutcomeRedirect, sink.Next(t).Outcome)

	resp = serve(g, t, "gemini://localhost/example.com/docs")
	assert.Equal(t, "gemini://localhost/example.com/docs/en/stable/", resp.Meta)

	resp = serve(g, t, "https://example.com/docs")
	assert.Equal(t, gemini.StatusRedirectTemporary, resp.Status)
	assert.Equal(t, "https://example.com/docs/en/stable/", resp.Meta)
	assert.Equal(t, 1, ff.count("https://example.com/"))
}

func TestRedirectKeepsGatewayPort(t *testing.T) {
	cfg := testConfig()
	cfg.Port = 1966
	ff := newFakeFetcher()
	ff.set("https://example.com/", redirectResult("https://www.example.org/a?b=c"))
	g := newTestGateway(t, cfg, Deps{Fetcher: ff})

	resp := serve(g, t, "gemini://localhost:1966/example.com")
	assert.Equal(t, "gemini://localhost:1966/www.example.org/a?b=c", resp.Meta)
}

func TestStatusMapping(t *testing.T) {
	cases := map[int]gemini.Status{
		400: gemini.StatusBadRequest,
		404: gemini.StatusNotFound,
		410: gemini.StatusGone,
		429: gemini.StatusSlowDown,
		500: gemini.StatusTemporaryFailure,
		502: gemini.StatusProxyError,
		503: gemini.StatusServerUnavailable,
		504: gemini.StatusProxyError,
	}
	ff := newFakeFetcher()
	for code := range cases {
		ff.set(fmt.Sprintf("https://example.com/%d", code), statusResult(code))
	}
	g := newTestGateway(t, testConfig(), Deps{Fetcher: ff})
	for code, want := range cases {
		resp := serve(g, t, fmt.Sprintf("gemini://localhost/example.com/%d", code))
		assert.Equal(t, want, resp.Status, "http %d", code)
		assert.Equal(t, fmt.Sprintf("HTTP error code: %d", code), resp.Meta)
	}

	resp := serve(g, t, "https://example.com/404")
	assert.Equal(t, gemini.StatusNotFound, resp.Status)
}

func TestFetchErrorFallsBackToHTTP(t *testing.T) {
	ff := newFakeFetcher()
	ff.set("http://plain.example/", htmlResult(welcomePage))
	g := newTestGateway(t, testConfig(), Deps{Fetcher: ff})

	resp := serve(g, t, "gemini://localhost/plain.example/")
	require.Equal(t, gemini.StatusSuccess, resp.Status)
	assert.Equal(t, 1, ff.count("https://plain.example/"))
	assert.Equal(t, 1, ff.count("http://plain.example/"))

	cfg := testConfig()
	cfg.HTTPSOnly = true
	strict := newFakeFetcher()
	strict.set("http://plain.example/", htmlResult(welcomePage))
	g = newTestGateway(t, cfg, Deps{Fetcher: strict})
	resp = serve(g, t, "gemini://localhost/plain.example/")
	assert.Equal(t, gemini.StatusTemporaryFailure, resp.Status)
	assert.True(t, strings.HasPrefix(resp.Meta, "HTTP crawler error: "), resp.Meta)
	assert.Zero(t, strict.count("http://plain.example/"))
}

func TestConversionFailure(t *testing.T) {
	ff := newFakeFetcher()
	ff.set("https://example.com/", htmlResult("<style>x</style>"))
	g := newTestGateway(t, testConfig(), Deps{Fetcher: ff})

	resp := serve(g, t, "gemini://localhost/example.com/")
	assert.Equal(t, gemini.StatusTemporaryFailure, resp.Status)
	assert.Equal(t, "Markdownification of https://example.com/ failed", resp.Meta)
}

func TestPassthroughContent(t *testing.T) {
	ff := newFakeFetcher()
	ff.set("https://example.com/logo.png", &fetch.Result{
		Kind: fetch.KindOK, Status: 200, ContentType: "image/png", Body: []byte{0x89, 'P', 'N', 'G'},
	})
	g := newTestGateway(t, testConfig(), Deps{Fetcher: ff})

	resp := serve(g, t, "gemini://localhost/example.com/logo.png")
	require.Equal(t, gemini.StatusSuccess, resp.Status)
	assert.Equal(t, "image/png", resp.Meta)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, resp.Body)
}

func TestServerRoutes(t *testing.T) {
	g := newTestGateway(t, testConfig(), Deps{Fetcher: newFakeFetcher()})

	resp := serve(g, t, "gemini://localhost")
	assert.Equal(t, gemini.StatusInput, resp.Status)
	assert.Equal(t, "Please enter a domain to visit", resp.Meta)

	resp = serve(g, t, "gemini://localhost/goto")
	assert.Equal(t, gemini.StatusInput, resp.Status)

	for _, in := range []string{"geminiprotocol.net", "https%3A%2F%2Fgeminiprotocol.net"} {
		resp = serve(g, t, "gemini://localhost/goto?"+in)
		assert.Equal(t, gemini.StatusRedirectTemporary, resp.Status)
		assert.Equal(t, "gemini://localhost/geminiprotocol.net/", resp.Meta)
	}
	resp = serve(g, t, "gemini://localhost/?example.com")
	assert.Equal(t, "gemini://localhost/example.com/", resp.Meta)

	for _, p := range []string{"/noway", "/not_here", "/404", "/localhost"} {
		assert.Equal(t, gemini.StatusNotFound, serve(g, t, "gemini://localhost"+p).Status, p)
	}

	resp = serve(g, t, "gemini://localhost/search")
	assert.Equal(t, gemini.StatusInput, resp.Status)
	assert.Equal(t, "Please enter a search query", resp.Meta)

	resp = serve(g, t, "gemini://localhost/search?hello%20world")
	assert.Equal(t, gemini.StatusRedirectTemporary, resp.Status)
	assert.Equal(t, "gemini://localhost/searx.be/search?q=hello+world", resp.Meta)
}

func TestModeRefusal(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "server"
	g := newTestGateway(t, cfg, Deps{Fetcher: newFakeFetcher()})
	assert.Equal(t, gemini.StatusProxyRequestRefused, serve(g, t, "https://example.com/").Status)
	assert.Equal(t, gemini.StatusProxyRequestRefused, serve(g, t, "ftp://example.com/").Status)

	cfg = testConfig()
	cfg.Mode = "http-proxy"
	g = newTestGateway(t, cfg, Deps{Fetcher: newFakeFetcher()})
	assert.Equal(t, gemini.StatusProxyRequestRefused, serve(g, t, "gemini://localhost/goto").Status)
}

func TestInvalidModeIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "bogus"
	_, err := New(cfg, Deps{Fetcher: newFakeFetcher()})
	assert.ErrorIs(t, err, config.ErrInvalidMode)
}

func TestAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.ClientIPAllow = []string{"10.0.0.0/8"}
	g := newTestGateway(t, cfg, Deps{Fetcher: newFakeFetcher()})

	resp := g.ServeGemini(context.Background(), helpers.NewRequest(t, "gemini://localhost/goto", "127.0.0.1"))
	assert.Equal(t, gemini.StatusProxyRequestRefused, resp.Status)

	resp = g.ServeGemini(context.Background(), helpers.NewRequest(t, "gemini://localhost/goto", "10.1.2.3"))
	assert.Equal(t, gemini.StatusInput, resp.Status)

	req, err := gemini.NewRequest("gemini://localhost/goto")
	require.NoError(t, err)
	assert.Equal(t, gemini.StatusProxyRequestRefused, g.ServeGemini(context.Background(), req).Status)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 2
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g := newTestGateway(t, cfg, Deps{Fetcher: newFakeFetcher(), Clock: func() time.Time { return now }})

	assert.Equal(t, gemini.StatusInput, serve(g, t, "gemini://localhost/goto").Status)
	assert.Equal(t, gemini.StatusInput, serve(g, t, "gemini://localhost/goto").Status)
	resp := serve(g, t, "gemini://localhost/goto")
	assert.Equal(t, gemini.StatusSlowDown, resp.Status)
	assert.Equal(t, "1", resp.Meta)

	other := g.ServeGemini(context.Background(), helpers.NewRequest(t, "gemini://localhost/goto", "10.0.0.2"))
	assert.Equal(t, gemini.StatusInput, other.Status)
}

func TestCacheListingAndAccessLog(t *testing.T) {
	cfg := testConfig()
	cfg.CacheEnable = true
	ff := newFakeFetcher()
	ff.set("https://example.com/a", htmlResult(welcomePage))
	alog := accesslog.New(100, nil)
	g := newTestGateway(t, cfg, Deps{Fetcher: ff, Cache: memCache(t), AccessLog: alog})

	require.Equal(t, gemini.StatusSuccess, serve(g, t, "gemini://localhost/example.com/a").Status)

	resp := serve(g, t, "gemini://localhost/cache")
	require.Equal(t, gemini.StatusSuccess, resp.Status)
	assert.Contains(t, string(resp.Body), "=> https://example.com/a https://example.com/a\n")

	resp = serve(g, t, "gemini://localhost/access_log")
	require.Equal(t, gemini.StatusSuccess, resp.Status)
	lines := strings.Split(string(resp.Body), "\n")
	assert.Equal(t, "# Access log", lines[0])
	assert.Contains(t, string(resp.Body), "Welcome(127.0.0.1, status: 20, ctype: text/gemini)")
	assert.Len(t, alog.Lines(), 3)

	cfg = testConfig()
	cfg.AccessLogEndpoint = false
	g = newTestGateway(t, cfg, Deps{Fetcher: ff, AccessLog: alog})
	assert.Equal(t, gemini.StatusNotFound, serve(g, t, "gemini://localhost/access_log").Status)
}

func TestCacheListingDisabled(t *testing.T) {
	g := newTestGateway(t, testConfig(), Deps{Fetcher: newFakeFetcher()})
	resp := serve(g, t, "gemini://localhost/cache")
	require.Equal(t, gemini.StatusSuccess, resp.Status)
	assert.Contains(t, string(resp.Body), "Caching is disabled")
}

func TestPageCacheLinks(t *testing.T) {
	cfg := testConfig()
	cfg.Rules = []rules.Config{{
		Regexp:  []string{`^https://example\.com/`},
		Overlay: rules.Overlay{PageCacheLinks: rules.Ptr(true)},
	}}
	ff := newFakeFetcher()
	ff.set("https://example.com/page", htmlResult(welcomePage))
	store := memCache(t)
	g := newTestGateway(t, cfg, Deps{Fetcher: ff, Cache: store})

	resp := serve(g, t, "https://example.com/page")
	require.Equal(t, gemini.StatusSuccess, resp.Status)
	first := strings.SplitN(string(resp.Body), "\n", 2)[0]
	assert.Equal(t, "=> https://example.com/page?gw_cache_ttl=3600 Cache this page for 1 hour", first)
	assert.Contains(t, string(resp.Body), "=> https://example.com/page?gw_cache_forever=true Cache this page forever\n")

	resp = serve(g, t, "https://example.com/page?gw_cache_forever=true")
	require.Equal(t, gemini.StatusSuccess, resp.Status)
	assert.NotContains(t, string(resp.Body), "Cache this page for")

	resp = serve(g, t, "https://example.com/page")
	assert.NotContains(t, string(resp.Body), "Cache this page for")
	assert.Equal(t, 2, ff.count("https://example.com/page"))

	list, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "proxy|https://example.com/page", list[0].Key)

	cached, ok := store.Get(context.Background(), "proxy|https://example.com/page")
	require.True(t, ok)
	assert.NotContains(t, string(cached.Data), "Cache this page")
}

func TestProxyModeLeavesLinks(t *testing.T) {
	ff := newFakeFetcher()
	ff.set("https://example.com/", htmlResult(welcomePage))
	g := newTestGateway(t, testConfig(), Deps{Fetcher: ff})

	resp := serve(g, t, "https://example.com")
	require.Equal(t, gemini.StatusSuccess, resp.Status)
	assert.Contains(t, string(resp.Body), "=> /test ")
	assert.NotContains(t, string(resp.Body), "gemini://localhost")
}

func TestModesKeepSeparateCacheEntries(t *testing.T) {
	cfg := testConfig()
	cfg.CacheEnable = true
	page := `<html><body><h1>Mixed</h1><p>See <a href="https://other.org/x">other</a>.</p></body></html>`

	for _, order := range [][]string{
		{"https://example.com/", "gemini://localhost/example.com/"},
		{"gemini://localhost/example.com/", "https://example.com/"},
	} {
		ff := newFakeFetcher()
		ff.set("https://example.com/", htmlResult(page))
		g := newTestGateway(t, cfg, Deps{Fetcher: ff, Cache: memCache(t)})

		bodies := map[string]string{}
		for _, raw := range order {
			resp := serve(g, t, raw)
			require.Equal(t, gemini.StatusSuccess, resp.Status, raw)
			bodies[raw] = string(resp.Body)
		}
		assert.Equal(t, 2, ff.count("https://example.com/"), "each mode fetches its own copy")

		server := bodies["gemini://localhost/example.com/"]
		assert.Contains(t, server, "gemini://localhost/other.org/x")
		assert.NotContains(t, server, "=> https://other.org/x")

		proxied := bodies["https://example.com/"]
		assert.Contains(t, proxied, "https://other.org/x")
		assert.NotContains(t, proxied, "gemini://localhost/")

		for _, raw := range order {
			resp := serve(g, t, raw)
			assert.Equal(t, bodies[raw], string(resp.Body), raw)
		}
		assert.Equal(t, 2, ff.count("https://example.com/"))

		resp := serve(g, t, "gemini://localhost/cache")
		assert.Contains(t, string(resp.Body), "=> https://example.com/ https://example.com/\n")
		assert.Contains(t, string(resp.Body), "=> https://example.com/ https://example.com/ (proxy)\n")
	}
}

func TestStaticResponseRule(t *testing.T) {
	cfg := testConfig()
	cfg.Rules = []rules.Config{
		{
			Regexp:  []string{`blocked\.example`},
			Overlay: rules.Overlay{Response: &rules.ResponseOverride{Text: "# Blocked\nNo.\n"}},
		},
		{
			Regexp:  []string{`gone\.example`},
			Overlay: rules.Overlay{Response: &rules.ResponseOverride{Status: 52, Text: "Gone for good"}},
		},
	}
	ff := newFakeFetcher()
	sink := helpers.NewRecordSink()
	g := newTestGateway(t, cfg, Deps{Fetcher: ff, Observer: sink.Observer()})

	resp := serve(g, t, "gemini://localhost/blocked.example/")
	require.Equal(t, gemini.StatusSuccess, resp.Status)
	assert.Equal(t, "# Blocked\nNo.\n", string(resp.Body))
	rec := sink.Next(t)
	assert.Equal(t, OutcomeStatic, rec.Outcome)
	assert.Equal(t, "Blocked", rec.Title)

	resp = serve(g, t, "gemini://localhost/gone.example/")
	assert.Equal(t, gemini.StatusGone, resp.Status)
	assert.Equal(t, "Gone for good", resp.Meta)
	assert.Empty(t, ff.calls)
}

func TestURLMapRoute(t *testing.T) {
	cfg := testConfig()
	cfg.URLMap = map[string]config.URLMapRoute{
		"wiki":  {URL: "https://en.wikipedia.org/wiki/{query}", Prompt: "Article?"},
		"/home": {URL: "gemini://geminiprotocol.net/"},
	}
	g := newTestGateway(t, cfg, Deps{Fetcher: newFakeFetcher()})

	resp := serve(g, t, "gemini://localhost/wiki")
	assert.Equal(t, gemini.StatusInput, resp.Status)
	assert.Equal(t, "Article?", resp.Meta)

	resp = serve(g, t, "gemini://localhost/wiki?Go")
	assert.Equal(t, gemini.StatusRedirectTemporary, resp.Status)
	assert.Equal(t, "gemini://localhost/en.wikipedia.org/wiki/Go", resp.Meta)

	resp = serve(g, t, "gemini://localhost/home")
	assert.Equal(t, "gemini://geminiprotocol.net/", resp.Meta)
}

const rssTemplate = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>%s</title><link>https://%s/</link><description>d</description>
<item><title>%s entry</title><link>https://%s/entry</link><pubDate>%s</pubDate></item>
</channel></rss>`

func rssResult(name, host, date string) *fetch.Result {
	return &fetch.Result{
		Kind:        fetch.KindOK,
		Status:      200,
		ContentType: "application/rss+xml",
		Body:        []byte(fmt.Sprintf(rssTemplate, name, host, name, host, date)),
	}
}

func TestFeedRoute(t *testing.T) {
	cfg := testConfig()
	cfg.Feeds = map[string]config.FeedRoute{
		"news": {Title: "News", Feeds: []config.FeedConfig{
			{URL: "https://a.example/rss"},
			{URL: "https://b.example/rss", Title: "Bee"},
			{URL: "https://down.example/rss"},
		}},
	}
	ff := newFakeFetcher()
	ff.set("https://a.example/rss", rssResult("Feed A", "a.example", "Mon, 02 Jan 2006 15:04:05 GMT"))
	ff.set("https://b.example/rss", rssResult("Feed B", "b.example", "Tue, 03 Jan 2006 10:00:00 GMT"))
	g := newTestGateway(t, cfg, Deps{Fetcher: ff})

	resp := serve(g, t, "gemini://localhost/news")
	require.Equal(t, gemini.StatusSuccess, resp.Status, resp.Meta)
	body := string(resp.Body)
	assert.True(t, strings.HasPrefix(body, "# News\n"), body)
	assert.Contains(t, body, "=> /news?0 Feed A\n")
	assert.Contains(t, body, "=> /news?1 Bee\n")
	assert.NotContains(t, body, "/news?2")
	assert.Less(t, strings.Index(body, "b.example/entry"), strings.Index(body, "a.example/entry"))

	resp = serve(g, t, "gemini://localhost/news?1")
	require.Equal(t, gemini.StatusSuccess, resp.Status)
	assert.True(t, strings.HasPrefix(string(resp.Body), "# Feed B\n"))

	assert.Equal(t, gemini.StatusTemporaryFailure, serve(g, t, "gemini://localhost/news?50").Status)
	assert.Equal(t, gemini.StatusTemporaryFailure, serve(g, t, "gemini://localhost/news?2").Status)
}

func TestRuleFeedsRoute(t *testing.T) {
	cfg := testConfig()
	cfg.Rules = []rules.Config{{
		Regexp: []string{`^https://feeds\.example/`},
		Overlay: rules.Overlay{
			Route: rules.Ptr(RouteFeeds),
			Feeds: []string{"https://a.example/rss"},
		},
	}}
	ff := newFakeFetcher()
	ff.set("https://a.example/rss", rssResult("Feed A", "a.example", "Mon, 02 Jan 2006 15:04:05 GMT"))
	g := newTestGateway(t, cfg, Deps{Fetcher: ff})

	resp := serve(g, t, "gemini://localhost/feeds.example/")
	require.Equal(t, gemini.StatusSuccess, resp.Status, resp.Meta)
	assert.Contains(t, string(resp.Body), "=> /feeds.example/?0 Feed A\n")
	assert.Contains(t, string(resp.Body), "https://a.example/entry")
	assert.Zero(t, ff.count("https://feeds.example/"))
}

func TestMountRoute(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(welcomePage), 0o644))
	cfg := testConfig()
	g := newTestGateway(t, cfg, Deps{
		Fetcher: newFakeFetcher(),
		Mounts:  mount.OpenAll([]mount.Config{{Path: "wiki", Source: dir}}),
	})

	resp := serve(g, t, "gemini://localhost/wiki")
	assert.Equal(t, gemini.StatusRedirectTemporary, resp.Status)
	assert.Equal(t, "gemini://localhost/wiki/index.html", resp.Meta)

	resp = serve(g, t, "gemini://localhost/wiki/index.html")
	require.Equal(t, gemini.StatusSuccess, resp.Status)
	assert.Contains(t, string(resp.Body), "# Welcome")

	assert.Equal(t, gemini.StatusNotFound, serve(g, t, "gemini://localhost/wiki/missing.html").Status)
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	ff := newFakeFetcher()
	ff.panics = true
	sink := helpers.NewRecordSink()
	g := newTestGateway(t, testConfig(), Deps{Fetcher: ff, Observer: sink.Observer()})

	resp := serve(g, t, "gemini://localhost/example.com/")
	assert.Equal(t, gemini.StatusTemporaryFailure, resp.Status)
	assert.Equal(t, OutcomeError, sink.Next(t).Outcome)
}

func TestServedOverTLS(t *testing.T) {
	g := newTestGateway(t, testConfig(), Deps{Fetcher: newFakeFetcher()})
	id := helpers.NewIdentity(t, "localhost")
	s := &gemini.Server{Addr: "127.0.0.1:0", TLSConfig: id.TLSConfig(), Handler: g}
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Close() })

	header, body := helpers.GeminiGet(t, s.ListenAddr().String(), "gemini://localhost/goto")
	assert.Equal(t, "10 Please enter a domain to visit", header)
	assert.Empty(t, body)
}
