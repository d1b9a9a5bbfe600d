package rules

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"

	"go.uber.org/atomic"

	"github.com/jnovack/gemini-gateway/pkg/gemtext"
)

// Config is one rule as found in configuration. URL and Regexp are
// synonyms; both accept a single pattern or a list.
type Config struct {
	URL      []string `mapstructure:"url"`
	Regexp   []string `mapstructure:"regexp"`
	Priority int      `mapstructure:"priority"`
	Overlay  `mapstructure:",squash"`
}

// URLRule is a compiled rule.
type URLRule struct {
	Index    int
	Priority int
	Regexps  []*regexp.Regexp
	Overlay  Overlay
	Filters  []gemtext.Filter

	hits atomic.Int64
}

// NewRule compiles patterns and the rule's gemtext filter chain.
func NewRule(patterns []string, ov Overlay) (*URLRule, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("rule has no url pattern")
	}
	r := &URLRule{Overlay: ov}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("rule pattern %q: %w", p, err)
		}
		r.Regexps = append(r.Regexps, re)
	}
	filters, err := gemtext.Build(ov.GemtextFilters)
	if err != nil {
		return nil, err
	}
	r.Filters = filters
	return r, nil
}

// Compile turns rule configurations into ordered rules. Rules are sorted by
// ascending priority; equal priorities keep configuration order.
func Compile(cfgs []Config) ([]*URLRule, error) {
	out := make([]*URLRule, 0, len(cfgs))
	for i, c := range cfgs {
		patterns := append(append([]string{}, c.URL...), c.Regexp...)
		r, err := NewRule(patterns, c.Overlay)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		r.Index = i
		r.Priority = c.Priority
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// Matches reports whether any of the rule's patterns matches s.
func (r *URLRule) Matches(s string) bool {
	for _, re := range r.Regexps {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Hits returns how many requests this rule has matched.
func (r *URLRule) Hits() int64 { return r.hits.Load() }

// Patterns returns the source patterns of the rule.
func (r *URLRule) Patterns() []string {
	out := make([]string, len(r.Regexps))
	for i, re := range r.Regexps {
		out[i] = re.String()
	}
	return out
}

// Effective is the fully resolved configuration for one URL.
type Effective struct {
	Cache            bool
	TTL              int
	Links            string
	Feathers         int
	Images           bool
	HTMLTagsBan      []string
	HTTPLinksDomains []string
	Filters          []gemtext.Filter
	Response         *ResponseOverride
	Proxy            []string
	UserAgent        string
	Headers          map[string]string
	VerifySSL        bool
	PageCacheLinks   bool
	Route            string
	Feeds            []string

	// Rule is the matched rule, nil when the defaults applied.
	Rule *URLRule
}

// Defaults are the base values every rule overlays.
type Defaults struct {
	Cache     bool
	TTL       int
	Links     string
	Feathers  int
	Proxy     []string
	VerifySSL bool
}

// Matcher holds the immutable rule list.
type Matcher struct {
	base  Overlay
	rules []*URLRule
}

// NewMatcher builds a matcher over already compiled, ordered rules.
func NewMatcher(d Defaults, rules []*URLRule) *Matcher {
	base := Overlay{
		Cache:          Ptr(d.Cache),
		TTL:            Ptr(d.TTL),
		Links:          Ptr(d.Links),
		Feathers:       Ptr(d.Feathers),
		Images:         Ptr(true),
		VerifySSL:      Ptr(d.VerifySSL),
		PageCacheLinks: Ptr(false),
		Proxy:          d.Proxy,
		Headers:        map[string]string{},
	}
	return &Matcher{base: base, rules: rules}
}

// Rules returns the ordered rule list.
func (m *Matcher) Rules() []*URLRule { return m.rules }

// Match returns the effective configuration for u. The first rule with a
// matching pattern is applied onto the defaults; no other rule is consulted.
func (m *Matcher) Match(u *url.URL) Effective {
	s := u.String()
	for _, r := range m.rules {
		if r.Matches(s) {
			r.hits.Inc()
			e := resolve(Merge(m.base, r.Overlay))
			e.Filters = r.Filters
			e.Rule = r
			return e
		}
	}
	return resolve(m.base)
}

func resolve(o Overlay) Effective {
	e := Effective{
		HTMLTagsBan:      o.HTMLTagsBan,
		HTTPLinksDomains: o.HTTPLinksDomains,
		Response:         o.Response,
		Proxy:            o.Proxy,
		Headers:          o.Headers,
		Feeds:            o.Feeds,
	}
	e.Cache = deref(o.Cache)
	e.TTL = deref(o.TTL)
	e.Links = deref(o.Links)
	e.Feathers = deref(o.Feathers)
	e.Images = deref(o.Images)
	e.UserAgent = deref(o.UserAgent)
	e.VerifySSL = deref(o.VerifySSL)
	e.PageCacheLinks = deref(o.PageCacheLinks)
	e.Route = deref(o.Route)
	return e
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
