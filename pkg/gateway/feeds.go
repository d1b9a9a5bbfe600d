package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jnovack/gemini-gateway/pkg/cache"
	"github.com/jnovack/gemini-gateway/pkg/config"
	"github.com/jnovack/gemini-gateway/pkg/convert"
	"github.com/jnovack/gemini-gateway/pkg/gemini"
	"github.com/jnovack/gemini-gateway/pkg/rules"
)

const (
	feedTimeout     = 10 * time.Second
	feedConcurrency = 8
)

type fetchedFeed struct {
	raw  []byte
	feed *gofeed.Feed
}

// serveFeedRoute answers a configured feed aggregation path. A numeric
// query selects one feed of the route by index.
func (g *Gateway) serveFeedRoute(ctx context.Context, u *url.URL, route config.FeedRoute) reply {
	var ttl cache.TTL
	cacheable := route.TTL != 0 && g.cache != nil && u.RawQuery == ""
	if cacheable {
		ttl = cache.Seconds(route.TTL)
	}
	return g.serveFeeds(ctx, u, cache.KeyFor(u), u.Path, route.Title, route.Feeds, cacheable, ttl)
}

// serveRuleFeeds answers a web URL whose rule is bound to the feeds route.
// self is how the aggregation page links to itself, which depends on mode.
func (g *Gateway) serveRuleFeeds(ctx context.Context, mode string, u *url.URL, self string, eff rules.Effective, forced bool, forcedTTL cache.TTL) reply {
	cfgs := make([]config.FeedConfig, 0, len(eff.Feeds))
	for _, f := range eff.Feeds {
		cfgs = append(cfgs, config.FeedConfig{URL: f})
	}
	ttl := ruleTTL(eff)
	if forced {
		ttl = forcedTTL
	}
	cacheable := g.cache != nil && (eff.Cache || forced) && u.RawQuery == ""
	return g.serveFeeds(ctx, u, pageKey(mode, u), self, "", cfgs, cacheable, ttl)
}

func (g *Gateway) serveFeeds(ctx context.Context, u *url.URL, key, self, title string, cfgs []config.FeedConfig, cacheable bool, ttl cache.TTL) reply {
	if q := u.RawQuery; q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 || n >= len(cfgs) {
			return replyOf(gemini.Failure(gemini.StatusTemporaryFailure, "No such feed"), OutcomeError)
		}
		feeds := g.fetchFeeds(ctx, cfgs[n:n+1])
		if feeds[0].raw == nil {
			return replyOf(gemini.Failure(gemini.StatusTemporaryFailure, "Feed unavailable"), OutcomeError)
		}
		doc, err := convert.FeedToGemtext(feeds[0].raw)
		if err != nil {
			return replyOf(gemini.Failure(gemini.StatusTemporaryFailure, "Feed conversion failed"), OutcomeError)
		}
		return replyOf(gemini.Gemtext(doc), OutcomeBypass)
	}

	if cacheable {
		if r, ok := g.fromCache(ctx, key, false, ttl); ok {
			return r
		}
	}

	feeds := g.fetchFeeds(ctx, cfgs)
	sources := make([]convert.FeedSource, 0, len(cfgs))
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	for i, f := range feeds {
		if f.feed == nil {
			continue
		}
		c := cfgs[i]
		name := c.Title
		if name == "" {
			name = strings.TrimSpace(f.feed.Title)
		}
		fmt.Fprintf(&b, "=> %s?%d %s\n", self, i, name)
		sources = append(sources, convert.FeedSource{
			Feed:             f.feed,
			Title:            c.Title,
			TitleDisplayMode: c.TitleDisplayMode,
			ShowEntryDates:   c.ShowEntryDates,
			EntryDateFormat:  c.EntryDateFormat,
			ShowEntryLinks:   c.ShowEntryLinks,
		})
	}
	if len(sources) == 0 {
		return replyOf(gemini.Failure(gemini.StatusTemporaryFailure, "No feed could be fetched"), OutcomeError)
	}
	b.WriteString("\n")
	b.WriteString(convert.AggregateFeeds(sources))

	doc := []byte(b.String())
	outcome := OutcomeBypass
	if cacheable {
		ok := g.cache.PutEntry(ctx, key, cache.Meta{ContentType: gemini.MediaType}, doc, ttl)
		g.metrics.RecordCache("put", ok)
		if ok {
			outcome = OutcomeMiss
		}
	}
	return reply{resp: gemini.Success(gemini.MediaType, doc), title: title, outcome: outcome}
}

// fetchFeeds downloads and parses feeds in parallel. Failed feeds are left
// empty in the result, which keeps the order of cfgs.
func (g *Gateway) fetchFeeds(ctx context.Context, cfgs []config.FeedConfig) []fetchedFeed {
	out := make([]fetchedFeed, len(cfgs))
	var eg errgroup.Group
	eg.SetLimit(feedConcurrency)
	for i, c := range cfgs {
		eg.Go(func() error {
			u, err := url.Parse(c.URL)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("feed", c.URL).Msg("invalid feed URL")
				return nil
			}
			fctx, cancel := context.WithTimeout(ctx, feedTimeout)
			defer cancel()
			res := g.fetch(fctx, u, g.matcher.Match(u), nil)
			if !res.OK() {
				log.Ctx(ctx).Warn().Err(res.Err).Int("status", res.Status).Str("feed", c.URL).Msg("feed fetch failed")
				return nil
			}
			raw := res.Payload()
			f, err := convert.ParseFeed(raw)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("feed", c.URL).Msg("feed parse failed")
				return nil
			}
			out[i] = fetchedFeed{raw: raw, feed: f}
			return nil
		})
	}
	_ = eg.Wait()
	return out
}
