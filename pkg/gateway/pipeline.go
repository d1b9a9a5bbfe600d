package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/gemini-gateway/pkg/cache"
	"github.com/jnovack/gemini-gateway/pkg/convert"
	"github.com/jnovack/gemini-gateway/pkg/fetch"
	"github.com/jnovack/gemini-gateway/pkg/gemini"
	"github.com/jnovack/gemini-gateway/pkg/gemtext"
	"github.com/jnovack/gemini-gateway/pkg/rules"
)

// RouteFeeds binds a rule to the feed aggregation handler.
const RouteFeeds = "feeds"

// job is one web resource to serve through the fetch pipeline.
type job struct {
	mode string
	// target is the web URL, still carrying any cache override markers.
	target *url.URL
	// domain is the netloc relative links resolve against.
	domain string
	// fallback reports whether a failed https fetch is retried over http.
	fallback func(*fetch.Result) bool
}

// cacheLinks are offered at the top of uncached proxied pages.
var cacheLinks = []struct {
	label string
	ttl   string
}{
	{"Cache this page for 1 hour", "3600"},
	{"Cache this page for 1 day", "86400"},
	{"Cache this page for 1 week", "604800"},
	{"Cache this page forever", ""},
}

// pipeline resolves the rule for j.target, then serves it from the cache or
// from the origin. Rendered documents are what gets cached.
func (g *Gateway) pipeline(ctx context.Context, j job) reply {
	eff := g.matcher.Match(j.target)
	if eff.Response != nil {
		return staticReply(eff.Response)
	}

	q := j.target.Query()
	forcedTTL, forced := cache.QueryTTL(q)
	clean := *j.target
	if hasCacheMarkers(q) {
		clean.RawQuery = cache.StripQueryTTL(q).Encode()
	}

	if eff.Route == RouteFeeds {
		self := clean.Scheme + "://" + clean.Host + clean.EscapedPath()
		if j.mode == modeServer {
			self = "/" + clean.Host + clean.EscapedPath()
		}
		return g.serveRuleFeeds(ctx, j.mode, &clean, self, eff, forced, forcedTTL)
	}

	key := pageKey(j.mode, &clean)
	ttl := ruleTTL(eff)
	if forced {
		ttl = forcedTTL
	}
	cacheable := g.cache != nil && (eff.Cache || forced)

	if r, ok := g.fromCache(ctx, key, forced, ttl); ok {
		return r
	}

	res := g.fetch(ctx, &clean, eff, j.fallback)
	switch res.Kind {
	case fetch.KindError:
		log.Ctx(ctx).Info().Err(res.Err).Str("url", clean.String()).Msg("fetch failed")
		return replyOf(gemini.Failure(gemini.StatusTemporaryFailure, "HTTP crawler error: "+errText(res.Err)), OutcomeError)
	case fetch.KindRedirect:
		return replyOf(gemini.Redirect(g.redirectTarget(j.mode, res.Location)), OutcomeRedirect)
	}
	if !res.OK() {
		return replyOf(gemini.Failure(gemini.StatusFromHTTP(res.Status), fmt.Sprintf("HTTP error code: %d", res.Status)), OutcomeError)
	}

	domain := j.domain
	if domain == "" {
		domain = clean.Host
	}
	lm, _ := convert.ParseLinksMode(eff.Links)
	out, err := convert.Render(ctx, convert.Input{
		ContentType: res.ContentType,
		Text:        res.Text,
		Body:        res.Body,
		LinksMode:   lm,
		Filters:     eff.Filters,
		MaxDocSize:  g.cfg.MaxDocSize,
		Page: convert.PageOptions{
			Rewriter: convert.Rewriter{
				Host:         g.cfg.Hostname,
				Port:         g.cfg.Port,
				Domain:       domain,
				ReqPath:      clean.Path,
				LinksDomains: eff.HTTPLinksDomains,
				Passthrough:  j.mode == modeProxy,
			},
			Feathers:   eff.Feathers,
			Images:     eff.Images,
			BannedTags: eff.HTMLTagsBan,
		},
	})
	if err != nil {
		g.metrics.RecordConversion(false)
		ev := log.Ctx(ctx).Warn()
		if convert.IsEmptyOutput(err) {
			ev = log.Ctx(ctx).Info()
		}
		ev.Err(err).Str("url", clean.String()).Msg("conversion failed")
		return replyOf(gemini.Failure(gemini.StatusTemporaryFailure, fmt.Sprintf("Markdownification of %s failed", clean.String())), OutcomeError)
	}
	if out.Doc != nil {
		g.metrics.RecordConversion(true)
	}
	if len(out.Body) == 0 {
		return replyOf(gemini.Failure(gemini.StatusTemporaryFailure, "Empty page"), OutcomeError)
	}

	outcome := OutcomeBypass
	if cacheable {
		ok := g.cache.PutEntry(ctx, key, cache.Meta{
			ContentType:  out.ContentType,
			ETag:         res.Header.Get("ETag"),
			LastModified: res.Header.Get("Last-Modified"),
		}, out.Body, ttl)
		g.metrics.RecordCache("put", ok)
		if ok {
			outcome = OutcomeMiss
		}
	}

	body := out.Body
	if j.mode == modeProxy && eff.PageCacheLinks && !forced && out.Doc != nil {
		body = append([]byte(cacheLinksBlock(&clean)), body...)
	}
	return reply{resp: gemini.Success(out.ContentType, body), title: out.Title(), outcome: outcome}
}

// proxyKeyPrefix marks entries rendered for proxy clients, whose links are
// left pointing at the web.
const proxyKeyPrefix = "proxy|"

// pageKey is the cache key of the document rendered for u in mode.
func pageKey(mode string, u *url.URL) string {
	k := cache.KeyFor(u)
	if mode == modeProxy {
		return proxyKeyPrefix + k
	}
	return k
}

// fromCache serves a live entry. A forced TTL refreshes the entry lifetime.
func (g *Gateway) fromCache(ctx context.Context, key string, forced bool, ttl cache.TTL) (reply, bool) {
	if g.cache == nil {
		return reply{}, false
	}
	e, ok := g.cache.Get(ctx, key)
	g.metrics.RecordCache("get", ok)
	if !ok {
		return reply{}, false
	}
	if forced {
		g.metrics.RecordCache("touch", g.cache.Touch(ctx, key, ttl))
	}
	r := reply{resp: gemini.Success(e.ContentType, e.Data), outcome: OutcomeHit}
	if e.ContentType == gemini.MediaType {
		r.title = gemtext.Parse(string(e.Data)).Title()
	}
	return r, true
}

// fetch performs the outbound request, retrying over plain http when
// fallback allows it.
func (g *Gateway) fetch(ctx context.Context, u *url.URL, eff rules.Effective, fallback func(*fetch.Result) bool) *fetch.Result {
	req := fetch.Request{
		URL:                u,
		Proxy:              eff.Proxy,
		Headers:            eff.Headers,
		UserAgent:          eff.UserAgent,
		InsecureSkipVerify: !eff.VerifySSL,
	}
	res := g.fetcher.Fetch(ctx, req)
	g.metrics.RecordFetch(res.Kind.String())
	if fallback != nil && u.Scheme == "https" && fallback(res) {
		plain := *u
		plain.Scheme = "http"
		req.URL = &plain
		log.Ctx(ctx).Debug().Err(res.Err).Str("url", plain.String()).Msg("https fetch failed, trying http")
		res = g.fetcher.Fetch(ctx, req)
		g.metrics.RecordFetch(res.Kind.String())
	}
	return res
}

// redirectTarget maps an origin redirect onto the gateway in server mode.
// Proxy clients follow the origin URL themselves.
func (g *Gateway) redirectTarget(mode string, loc *url.URL) string {
	if mode == modeProxy {
		return loc.String()
	}
	switch loc.Scheme {
	case "http", "https":
		return g.geminize(loc)
	default:
		return loc.String()
	}
}

func ruleTTL(eff rules.Effective) cache.TTL {
	if eff.TTL == 0 {
		return cache.UseDefault
	}
	return cache.Seconds(eff.TTL)
}

func hasCacheMarkers(q url.Values) bool {
	_, a := q[cache.QueryTTLKey]
	_, b := q[cache.QueryForeverKey]
	return a || b
}

func cacheLinksBlock(u *url.URL) string {
	var b strings.Builder
	for _, l := range cacheLinks {
		t := *u
		q := t.Query()
		if l.ttl == "" {
			q.Set(cache.QueryForeverKey, "true")
		} else {
			q.Set(cache.QueryTTLKey, l.ttl)
		}
		t.RawQuery = q.Encode()
		fmt.Fprintf(&b, "=> %s %s\n", t.String(), l.label)
	}
	b.WriteString("\n")
	return b.String()
}

func staticReply(o *rules.ResponseOverride) reply {
	status := gemini.Status(o.Status)
	if status == 0 {
		status = gemini.StatusSuccess
	}
	if status.Class() != 2 {
		return replyOf(gemini.Failure(status, o.Text), OutcomeStatic)
	}
	ctype := o.ContentType
	if ctype == "" {
		ctype = gemini.MediaType
	}
	r := replyOf(gemini.Success(ctype, []byte(o.Text)), OutcomeStatic)
	if ctype == gemini.MediaType {
		r.title = gemtext.Parse(o.Text).Title()
	}
	return r
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
