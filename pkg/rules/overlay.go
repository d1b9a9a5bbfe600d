// Package rules resolves the effective per-URL configuration from an ordered
// list of regexp rules. The first matching rule wins.
package rules

import (
	"maps"
	"slices"

	"github.com/jnovack/gemini-gateway/pkg/gemtext"
)

// ResponseOverride is a static response served instead of fetching.
type ResponseOverride struct {
	Status      int    `mapstructure:"status"`
	ContentType string `mapstructure:"content_type"`
	Text        string `mapstructure:"text"`
}

// Overlay holds the optional settings a rule may override. Nil pointers and
// nil slices mean "inherit".
type Overlay struct {
	Cache            *bool             `mapstructure:"cache"`
	TTL              *int              `mapstructure:"ttl"`
	Links            *string           `mapstructure:"links"`
	Feathers         *int              `mapstructure:"feathers"`
	Images           *bool             `mapstructure:"images"`
	HTMLTagsBan      []string          `mapstructure:"html_tags_ban"`
	HTTPLinksDomains []string          `mapstructure:"http_links_domains"`
	GemtextFilters   []gemtext.Spec    `mapstructure:"gemtext_filters"`
	Response         *ResponseOverride `mapstructure:"response"`
	Proxy            []string          `mapstructure:"proxy"`
	UserAgent        *string           `mapstructure:"user_agent"`
	Headers          map[string]string `mapstructure:"headers"`
	VerifySSL        *bool             `mapstructure:"verify_ssl"`
	PageCacheLinks   *bool             `mapstructure:"page_cachelinks"`
	Route            *string           `mapstructure:"route"`
	Feeds            []string          `mapstructure:"feeds"`
}

// Merge returns base with every field set in over applied on top. Headers
// are merged key by key.
func Merge(base, over Overlay) Overlay {
	out := base
	setPtr(&out.Cache, over.Cache)
	setPtr(&out.TTL, over.TTL)
	setPtr(&out.Links, over.Links)
	setPtr(&out.Feathers, over.Feathers)
	setPtr(&out.Images, over.Images)
	setPtr(&out.Response, over.Response)
	setPtr(&out.UserAgent, over.UserAgent)
	setPtr(&out.VerifySSL, over.VerifySSL)
	setPtr(&out.PageCacheLinks, over.PageCacheLinks)
	setPtr(&out.Route, over.Route)
	setSlice(&out.HTMLTagsBan, over.HTMLTagsBan)
	setSlice(&out.HTTPLinksDomains, over.HTTPLinksDomains)
	setSlice(&out.GemtextFilters, over.GemtextFilters)
	setSlice(&out.Proxy, over.Proxy)
	setSlice(&out.Feeds, over.Feeds)
	if over.Headers != nil {
		h := make(map[string]string, len(base.Headers)+len(over.Headers))
		maps.Copy(h, base.Headers)
		maps.Copy(h, over.Headers)
		out.Headers = h
	}
	return out
}

func setPtr[T any](dst **T, v *T) {
	if v != nil {
		c := *v
		*dst = &c
	}
}

func setSlice[T any](dst *[]T, v []T) {
	if v != nil {
		*dst = slices.Clone(v)
	}
}

// Ptr returns a pointer to v, for building overlays in code.
func Ptr[T any](v T) *T { return &v }
