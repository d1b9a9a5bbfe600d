package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/gemini-gateway/pkg/convert"
	"github.com/jnovack/gemini-gateway/pkg/fetch"
	"github.com/jnovack/gemini-gateway/pkg/gemini"
	"github.com/jnovack/gemini-gateway/pkg/mount"
)

// serveServer answers gemini://gateway/... requests.
func (g *Gateway) serveServer(ctx context.Context, req *gemini.Request) reply {
	u := req.URL
	p := "/" + strings.Trim(u.Path, "/")

	switch p {
	case "/", "/goto":
		return g.serveGoto(req)
	case "/search":
		return g.serveSearch(req)
	case "/cache":
		return g.serveCacheListing(ctx)
	case "/access_log":
		if g.cfg.AccessLogEndpoint && g.log != nil {
			return replyOf(gemini.Gemtext(g.log.Document()), OutcomeLocal)
		}
	}

	if m, ok := g.mounts.Lookup(u.Path); ok {
		return g.serveMount(ctx, m, u)
	}
	if route, ok := g.feeds[strings.ToLower(p)]; ok {
		return g.serveFeedRoute(ctx, u, route)
	}
	if route, ok := g.urlmap[strings.ToLower(p)]; ok {
		return g.serveURLMap(req, route.URL, route.Prompt)
	}
	return g.browse(ctx, u)
}

// serveGoto prompts for a domain, or redirects to the one given as input.
func (g *Gateway) serveGoto(req *gemini.Request) reply {
	in := strings.TrimSpace(req.Input())
	if in == "" {
		return replyOf(gemini.Input("Please enter a domain to visit"), OutcomeLocal)
	}
	if i := strings.Index(in, "://"); i >= 0 {
		in = in[i+3:]
	}
	target := strings.TrimSuffix(in, "/")
	if !strings.Contains(target, "/") {
		target += "/"
	}
	return replyOf(gemini.Redirect("/"+target), OutcomeRedirect)
}

func (g *Gateway) serveSearch(req *gemini.Request) reply {
	q := strings.TrimSpace(req.Input())
	if q == "" {
		return replyOf(gemini.Input("Please enter a search query"), OutcomeLocal)
	}
	target, err := url.Parse(strings.ReplaceAll(g.cfg.SearchURL, "{query}", url.QueryEscape(q)))
	if err != nil || target.Host == "" {
		return replyOf(gemini.Failure(gemini.StatusTemporaryFailure, "Invalid search engine URL"), OutcomeError)
	}
	return replyOf(gemini.Redirect(g.geminize(target)), OutcomeRedirect)
}

// serveURLMap redirects to a configured template, prompting for the
// {query} placeholder when the template needs it.
func (g *Gateway) serveURLMap(req *gemini.Request, tmpl, prompt string) reply {
	if strings.Contains(tmpl, "{query}") {
		q := req.Input()
		if q == "" {
			if prompt == "" {
				prompt = "Please enter a query"
			}
			return replyOf(gemini.Input(prompt), OutcomeLocal)
		}
		tmpl = strings.ReplaceAll(tmpl, "{query}", url.QueryEscape(q))
	}
	target, err := url.Parse(tmpl)
	if err != nil {
		return replyOf(gemini.Failure(gemini.StatusTemporaryFailure, "Invalid URL map target"), OutcomeError)
	}
	switch target.Scheme {
	case "http", "https":
		return replyOf(gemini.Redirect(g.geminize(target)), OutcomeRedirect)
	default:
		return replyOf(gemini.Redirect(target.String()), OutcomeRedirect)
	}
}

func (g *Gateway) serveCacheListing(ctx context.Context) reply {
	var b strings.Builder
	b.WriteString("# Cache\n\n")
	if g.cache == nil {
		b.WriteString("Caching is disabled\n")
		return replyOf(gemini.Gemtext(b.String()), OutcomeLocal)
	}
	entries, err := g.cache.List(ctx)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("cache listing failed")
		return replyOf(gemini.Failure(gemini.StatusTemporaryFailure, "Cache unavailable"), OutcomeError)
	}
	for _, e := range entries {
		if target, ok := strings.CutPrefix(e.Key, proxyKeyPrefix); ok {
			fmt.Fprintf(&b, "=> %s %s (proxy)\n", target, target)
		} else {
			fmt.Fprintf(&b, "=> %s %s\n", e.Key, e.Key)
		}
		if e.ExpiresAt.IsZero() {
			b.WriteString("Expires: never\n\n")
		} else {
			fmt.Fprintf(&b, "Expires: %s\n\n", e.ExpiresAt.UTC().Format(time.RFC3339))
		}
	}
	return replyOf(gemini.Gemtext(b.String()), OutcomeLocal)
}

func (g *Gateway) serveMount(ctx context.Context, m *mount.Mount, u *url.URL) reply {
	eff := g.matcher.Match(u)
	mode, _ := convert.ParseLinksMode(eff.Links)
	resp := m.Serve(ctx, u, mount.RenderOptions{
		LinksMode:  mode,
		Feathers:   eff.Feathers,
		Images:     eff.Images,
		BannedTags: eff.HTMLTagsBan,
		Filters:    eff.Filters,
		MaxDocSize: g.cfg.MaxDocSize,
	})
	r := replyOf(resp, OutcomeLocal)
	if resp.Status.Class() == 3 {
		r.outcome = OutcomeRedirect
	}
	return r
}

// browse serves /<domain>[/<path>] by fetching the page from the web.
func (g *Gateway) browse(ctx context.Context, u *url.URL) reply {
	rest := strings.TrimPrefix(u.Path, "/")
	domain, p, _ := strings.Cut(rest, "/")
	if !g.validDomain(domain) {
		return replyOf(gemini.Failure(gemini.StatusNotFound, "Not found"), OutcomeLocal)
	}
	target := &url.URL{
		Scheme:   "https",
		Host:     domain,
		Path:     "/" + p,
		RawQuery: u.RawQuery,
	}
	return g.pipeline(ctx, job{
		mode:   modeServer,
		target: target,
		domain: domain,
		fallback: func(res *fetch.Result) bool {
			return !g.cfg.HTTPSOnly && res.Kind == fetch.KindError
		},
	})
}

// validDomain rejects gateway paths that cannot name a web host.
func (g *Gateway) validDomain(d string) bool {
	if d == "" || strings.EqualFold(d, g.cfg.Hostname) {
		return false
	}
	if !strings.ContainsAny(d, ".:") {
		return false
	}
	_, err := url.Parse("https://" + d + "/")
	return err == nil
}
