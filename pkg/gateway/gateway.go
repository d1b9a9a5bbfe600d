// Package gateway answers Gemini requests by fetching web pages, either
// addressed as gateway paths (server mode) or as absolute http(s) URLs sent
// to the gateway as a proxy (proxy mode).
package gateway

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/gemini-gateway/pkg/accesslog"
	"github.com/jnovack/gemini-gateway/pkg/cache"
	"github.com/jnovack/gemini-gateway/pkg/config"
	"github.com/jnovack/gemini-gateway/pkg/fetch"
	"github.com/jnovack/gemini-gateway/pkg/gemini"
	"github.com/jnovack/gemini-gateway/pkg/mount"
	"github.com/jnovack/gemini-gateway/pkg/rules"
)

// Request outcomes reported to the access log and metrics.
const (
	OutcomeHit      = "HIT"
	OutcomeMiss     = "MISS"
	OutcomeBypass   = "BYPASS"
	OutcomeRedirect = "REDIRECT"
	OutcomeError    = "ERROR"
	OutcomeStatic   = "STATIC"
	OutcomeLocal    = "LOCAL"
)

const (
	modeServer = "server"
	modeProxy  = "proxy"
)

// Cache is the response store used by the gateway.
type Cache interface {
	Get(ctx context.Context, key string) (*cache.Entry, bool)
	PutEntry(ctx context.Context, key string, m cache.Meta, data []byte, ttl cache.TTL) bool
	Touch(ctx context.Context, key string, ttl cache.TTL) bool
	List(ctx context.Context) ([]cache.Listing, error)
}

// Fetcher performs outbound requests.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) *fetch.Result
}

// Metrics receives gateway events.
type Metrics interface {
	InflightAdd(id string)
	InflightRemove(id string)
	RecordFetch(result string)
	RecordCache(op string, ok bool)
	RecordConversion(ok bool)
	RecordRefused(reason string)
}

type nopMetrics struct{}

func (nopMetrics) InflightAdd(string)       {}
func (nopMetrics) InflightRemove(string)    {}
func (nopMetrics) RecordFetch(string)       {}
func (nopMetrics) RecordCache(string, bool) {}
func (nopMetrics) RecordConversion(bool)    {}
func (nopMetrics) RecordRefused(string)     {}

// Deps are the collaborators of a Gateway. Cache, AccessLog, Mounts and
// Observer are optional.
type Deps struct {
	Matcher   *rules.Matcher
	Fetcher   Fetcher
	Cache     Cache
	AccessLog *accesslog.Log
	Mounts    mount.Set
	Metrics   Metrics
	Observer  accesslog.Observer
	Clock     func() time.Time
}

// Gateway is the request router. It implements gemini.Handler.
type Gateway struct {
	cfg     *config.Config
	modes   config.Modes
	allow   []netip.Prefix
	limiter *limiter

	matcher  *rules.Matcher
	fetcher  Fetcher
	cache    Cache
	log      *accesslog.Log
	mounts   mount.Set
	metrics  Metrics
	observer accesslog.Observer
	now      func() time.Time

	feeds  map[string]config.FeedRoute
	urlmap map[string]config.URLMapRoute
}

// New validates cfg and builds a Gateway.
func New(cfg *config.Config, d Deps) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	modes, _ := config.ParseModes(cfg.Mode)
	allow, _ := cfg.AllowList()
	if d.Matcher == nil {
		m, err := cfg.Matcher()
		if err != nil {
			return nil, err
		}
		d.Matcher = m
	}
	if d.Fetcher == nil {
		return nil, fmt.Errorf("gateway: no fetcher")
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	g := &Gateway{
		cfg:      cfg,
		modes:    modes,
		allow:    allow,
		limiter:  newLimiter(cfg.RateLimit, cfg.RateBurst, d.Clock),
		matcher:  d.Matcher,
		fetcher:  d.Fetcher,
		cache:    d.Cache,
		log:      d.AccessLog,
		mounts:   d.Mounts,
		metrics:  d.Metrics,
		observer: d.Observer,
		now:      d.Clock,
		feeds:    make(map[string]config.FeedRoute, len(cfg.Feeds)),
		urlmap:   make(map[string]config.URLMapRoute, len(cfg.URLMap)),
	}
	for p, r := range cfg.Feeds {
		g.feeds[routeKey(p)] = r
	}
	for p, r := range cfg.URLMap {
		g.urlmap[routeKey(p)] = r
	}
	return g, nil
}

func routeKey(p string) string {
	return "/" + strings.ToLower(strings.Trim(p, "/"))
}

// reply is a response with what the access log needs to know about it.
type reply struct {
	resp    *gemini.Response
	title   string
	outcome string
}

func replyOf(resp *gemini.Response, outcome string) reply {
	return reply{resp: resp, outcome: outcome}
}

// ServeGemini implements gemini.Handler.
func (g *Gateway) ServeGemini(ctx context.Context, req *gemini.Request) *gemini.Response {
	start := g.now()
	id := requestID(ctx) + " " + req.RawURL
	g.metrics.InflightAdd(id)
	defer g.metrics.InflightRemove(id)

	ip, hasIP := req.ClientIP()
	if !g.allowed(ip, hasIP) {
		g.metrics.RecordRefused("allow_list")
		log.Ctx(ctx).Info().Str("client", ip.String()).Msg("client refused by allow-list")
		return gemini.Failure(gemini.StatusProxyRequestRefused, "Proxy request refused")
	}
	if hasIP && !g.limiter.allow(ip) {
		g.metrics.RecordRefused("rate_limit")
		return gemini.Failure(gemini.StatusSlowDown, strconv.Itoa(g.limiter.retryAfter()))
	}

	var (
		r    reply
		mode string
	)
	switch req.URL.Scheme {
	case "gemini":
		mode = modeServer
		if !g.modes.Server {
			return g.refuse(mode)
		}
		r = g.dispatch(ctx, req, g.serveServer)
	case "http", "https", "ipfs", "ipns":
		mode = modeProxy
		if !g.modes.Proxy {
			return g.refuse(mode)
		}
		r = g.dispatch(ctx, req, g.serveProxy)
	default:
		return g.refuse(req.URL.Scheme)
	}

	r.resp = g.absolute(r.resp)
	g.record(ctx, req, ip, hasIP, start, mode, r)
	return r.resp
}

func (g *Gateway) refuse(mode string) *gemini.Response {
	g.metrics.RecordRefused("mode_" + mode)
	return gemini.Failure(gemini.StatusProxyRequestRefused, "Proxy request refused")
}

// dispatch runs a mode handler, turning a panic into a temporary failure so
// the request is still answered and logged.
func (g *Gateway) dispatch(ctx context.Context, req *gemini.Request, h func(context.Context, *gemini.Request) reply) (r reply) {
	defer func() {
		if p := recover(); p != nil {
			log.Ctx(ctx).Error().Interface("panic", p).Str("url", req.RawURL).Msg("request handler panic")
			r = replyOf(gemini.Failure(gemini.StatusTemporaryFailure, "Internal error"), OutcomeError)
		}
	}()
	return h(ctx, req)
}

func (g *Gateway) allowed(ip netip.Addr, ok bool) bool {
	if len(g.allow) == 0 {
		return true
	}
	if !ok {
		return false
	}
	return slices.ContainsFunc(g.allow, func(p netip.Prefix) bool { return p.Contains(ip) })
}

// absolute turns gateway-relative redirects into full gemini URLs.
func (g *Gateway) absolute(resp *gemini.Response) *gemini.Response {
	if resp.Status.Class() == 3 && strings.HasPrefix(resp.Meta, "/") {
		resp.Meta = g.base() + resp.Meta
	}
	return resp
}

func (g *Gateway) record(ctx context.Context, req *gemini.Request, ip netip.Addr, hasIP bool, start time.Time, mode string, r reply) {
	client := "unknown"
	if hasIP {
		client = ip.String()
	}
	ctype := r.resp.ContentType()
	if ctype == "" {
		ctype = "-"
	}
	rec := accesslog.Record{
		Time:        start,
		URL:         req.URL.String(),
		ClientIP:    client,
		Status:      int(r.resp.Status),
		ContentType: ctype,
		Title:       r.title,
		Mode:        mode,
		Outcome:     r.outcome,
		LatencySecs: g.now().Sub(start).Seconds(),
	}
	if g.log != nil {
		g.log.Append(rec)
	} else {
		log.Ctx(ctx).Info().Str("mode", mode).Str("outcome", r.outcome).Msg(rec.Gemline())
	}
	accesslog.Notify(g.observer, rec)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(gemini.RequestIDKey{}).(uuid.UUID); ok {
		return id.String()
	}
	return uuid.NewString()
}

// base is the gemini URL of the gateway root, without trailing slash.
func (g *Gateway) base() string {
	host := g.cfg.Hostname
	if g.cfg.Port != 0 && g.cfg.Port != gemini.DefaultPort {
		host += ":" + strconv.Itoa(g.cfg.Port)
	}
	return "gemini://" + host
}

// geminize maps a web URL onto the gateway: https://host/path?q becomes
// gemini://gateway/host/path?q.
func (g *Gateway) geminize(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	s := g.base() + "/" + u.Host + p
	if u.RawQuery != "" {
		s += "?" + u.RawQuery
	}
	return s
}
