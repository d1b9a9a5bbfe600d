// Package config holds the gateway settings. Command line flags provide the
// defaults; a YAML file, when given, overrides them key by key.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jnovack/gemini-gateway/pkg/cache"
	"github.com/jnovack/gemini-gateway/pkg/convert"
	"github.com/jnovack/gemini-gateway/pkg/fetch"
	"github.com/jnovack/gemini-gateway/pkg/gemtext"
	"github.com/jnovack/gemini-gateway/pkg/mount"
	"github.com/jnovack/gemini-gateway/pkg/rules"
)

// ErrInvalidMode is returned for an unknown service mode.
var ErrInvalidMode = errors.New("config: invalid mode")

// TorProxy is the proxy selected by the tor shortcut.
const TorProxy = "socks5://localhost:9050"

// DefaultSearchURL is the search engine used by /search.
const DefaultSearchURL = "https://searx.be/search?q={query}"

// MountConfig is one archive mount as found in the "mount" section, keyed by
// its gateway path.
type MountConfig struct {
	Type             string `mapstructure:"type" json:"type"`
	Path             string `mapstructure:"path" json:"path"`
	SearchPath       string `mapstructure:"search_path" json:"search_path,omitempty"`
	SearchResultsMax int    `mapstructure:"search_results_max" json:"search_results_max,omitempty"`
}

// FeedConfig is one feed of an aggregation route. A bare string is read as
// the feed URL.
type FeedConfig struct {
	URL              string `mapstructure:"url" json:"url"`
	Title            string `mapstructure:"title" json:"title,omitempty"`
	TitleDisplayMode string `mapstructure:"title_display_mode" json:"title_display_mode,omitempty"`
	ShowEntryDates   bool   `mapstructure:"show_entry_dates" json:"show_entry_dates,omitempty"`
	EntryDateFormat  string `mapstructure:"entry_date_format" json:"entry_date_format,omitempty"`
	ShowEntryLinks   bool   `mapstructure:"show_entry_links" json:"show_entry_links,omitempty"`
}

// FeedRoute aggregates several feeds under one gateway path.
type FeedRoute struct {
	Title string       `mapstructure:"title" json:"title,omitempty"`
	Feeds []FeedConfig `mapstructure:"feeds" json:"feeds"`
	// TTL caches the rendered aggregation, in seconds. Zero disables caching.
	TTL int `mapstructure:"ttl" json:"ttl,omitempty"`
}

// URLMapRoute redirects a gateway path to a URL template. {query} in the
// template is replaced by the user input, prompting for it when missing.
type URLMapRoute struct {
	URL    string `mapstructure:"url" json:"url"`
	Prompt string `mapstructure:"input" json:"input,omitempty"`
}

// Config is the complete gateway configuration.
type Config struct {
	Hostname    string `mapstructure:"hostname" json:"hostname"`
	Listen      string `mapstructure:"listen" json:"listen"`
	Port        int    `mapstructure:"port" json:"port"`
	Mode        string `mapstructure:"mode" json:"mode"`
	GeminiCert  string `mapstructure:"gemini_cert" json:"gemini_cert,omitempty"`
	GeminiKey   string `mapstructure:"gemini_key" json:"gemini_key,omitempty"`
	AdminListen string `mapstructure:"admin_listen" json:"admin_listen,omitempty"`

	LogLevel  string `mapstructure:"log_level" json:"log_level"`
	LogFormat string `mapstructure:"log_format" json:"log_format"`

	CacheEnable         bool   `mapstructure:"cache_enable" json:"cache_enable"`
	CachePath           string `mapstructure:"cache_path" json:"cache_path"`
	CacheSizeLimit      int64  `mapstructure:"cache_size_limit" json:"cache_size_limit"`
	CacheEvictionPolicy string `mapstructure:"cache_eviction_policy" json:"cache_eviction_policy"`
	CacheTTLDefault     int    `mapstructure:"cache_ttl_default" json:"cache_ttl_default"`
	HotCacheSize        int64  `mapstructure:"hot_cache_size" json:"hot_cache_size"`

	VerifySSL    bool          `mapstructure:"verify_ssl" json:"verify_ssl"`
	Socks5Proxy  string        `mapstructure:"socks5_proxy" json:"socks5_proxy,omitempty"`
	Tor          bool          `mapstructure:"tor" json:"tor"`
	ProxyChain   []string      `mapstructure:"proxy_chain" json:"proxy_chain,omitempty"`
	HTTPSOnly    bool          `mapstructure:"https_only" json:"https_only"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`
	FetchRetries int           `mapstructure:"fetch_retries" json:"fetch_retries"`
	MaxDocSize   int           `mapstructure:"max_doc_size" json:"max_doc_size"`

	LinksMode       string `mapstructure:"links_mode" json:"links_mode"`
	FeathersDefault int    `mapstructure:"feathers_default" json:"feathers_default"`
	SearchURL       string `mapstructure:"search_url" json:"search_url"`

	PersistAccessLog  bool `mapstructure:"persist_access_log" json:"persist_access_log"`
	AccessLogEndpoint bool `mapstructure:"access_log_endpoint" json:"access_log_endpoint"`
	AccessLogMax      int  `mapstructure:"access_log_max" json:"access_log_max"`

	ClientIPAllow []string `mapstructure:"client_ip_allow" json:"client_ip_allow,omitempty"`
	RateLimit     float64  `mapstructure:"rate_limit" json:"rate_limit"`
	RateBurst     int      `mapstructure:"rate_burst" json:"rate_burst"`

	Mounts map[string]MountConfig `mapstructure:"mount" json:"mount,omitempty"`
	Feeds  map[string]FeedRoute   `mapstructure:"feeds" json:"feeds,omitempty"`
	URLMap map[string]URLMapRoute `mapstructure:"urlmap" json:"urlmap,omitempty"`
	Rules  []rules.Config         `mapstructure:"rules" json:"-"`
	URules []rules.Config         `mapstructure:"urules" json:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Hostname:            "localhost",
		Listen:              ":1965",
		Port:                1965,
		Mode:                "server",
		LogLevel:            "info",
		LogFormat:           "console",
		CachePath:           "./cache",
		CacheEvictionPolicy: string(cache.LeastRecentlyStored),
		CacheTTLDefault:     3600,
		HotCacheSize:        64 << 20,
		VerifySSL:           true,
		FetchTimeout:        30 * time.Second,
		MaxDocSize:          convert.DefaultMaxDocSize,
		LinksMode:           string(convert.LinksParagraph),
		FeathersDefault:     convert.DefaultFeathers,
		SearchURL:           DefaultSearchURL,
		AccessLogEndpoint:   true,
		AccessLogMax:        4096,
	}
}

// Load reads the YAML file at path over base. An empty path returns base.
func Load(path string, base Config) (*Config, error) {
	cfg := base
	if path == "" {
		return &cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	// Map keys are gateway paths and host names, so dots must not nest.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

// DecodeHook lifts scalar values where lists or structs are expected: a
// single pattern or proxy becomes a one element list, a filter name becomes
// a filter without parameters and a feed URL becomes a feed.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		liftString,
	)
}

var (
	specType = reflect.TypeOf(gemtext.Spec{})
	feedType = reflect.TypeOf(FeedConfig{})
)

func liftString(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	s := data.(string)
	switch {
	case to.Kind() == reflect.Slice && to.Elem().Kind() == reflect.String:
		return []string{s}, nil
	case to == specType:
		return map[string]interface{}{"filter": s}, nil
	case to == feedType:
		return map[string]interface{}{"url": s}, nil
	}
	return data, nil
}

// Modes are the enabled service modes.
type Modes struct {
	Server bool
	Proxy  bool
}

// ParseModes parses a comma separated list of modes.
func ParseModes(s string) (Modes, error) {
	var m Modes
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "server":
			m.Server = true
		case "proxy", "http-proxy":
			m.Proxy = true
		default:
			return Modes{}, fmt.Errorf("%w: %q", ErrInvalidMode, part)
		}
	}
	return m, nil
}

func (m Modes) String() string {
	switch {
	case m.Server && m.Proxy:
		return "server,proxy"
	case m.Proxy:
		return "proxy"
	default:
		return "server"
	}
}

// Validate checks every setting that can only be wrong by configuration.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseModes(c.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.Hostname == "" {
		errs = append(errs, errors.New("hostname is empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if _, err := cache.ParsePolicy(c.CacheEvictionPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := convert.ParseLinksMode(c.LinksMode); err != nil {
		errs = append(errs, err)
	}
	if c.FeathersDefault < 0 || c.FeathersDefault > 7 {
		errs = append(errs, fmt.Errorf("feathers_default %d out of range 0-7", c.FeathersDefault))
	}
	if _, err := c.AllowList(); err != nil {
		errs = append(errs, err)
	}
	if c.Socks5Proxy != "" {
		if _, _, err := net.SplitHostPort(c.Socks5Proxy); err != nil {
			errs = append(errs, fmt.Errorf("socks5_proxy: %w", err))
		}
	}
	for p, m := range c.Mounts {
		if m.Type != "" && m.Type != "zip" && m.Type != "dir" {
			errs = append(errs, fmt.Errorf("mount %s: unsupported type %q", p, m.Type))
		}
	}
	for p, r := range c.URLMap {
		if r.URL == "" {
			errs = append(errs, fmt.Errorf("urlmap %s: url is empty", p))
		}
	}
	for _, rc := range c.AllRules() {
		if rc.Links != nil {
			if _, err := convert.ParseLinksMode(*rc.Links); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if _, err := rules.Compile(c.AllRules()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AllowList parses ClientIPAllow. Bare addresses become single-host prefixes.
func (c *Config) AllowList() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range c.ClientIPAllow {
		s = strings.TrimSpace(s)
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("client_ip_allow: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("client_ip_allow: %w", err)
		}
		out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return out, nil
}

// DefaultProxies returns the proxy list applied when no rule overrides it.
// An explicit chain wins over the tor shortcut, which wins over socks5_proxy.
func (c *Config) DefaultProxies() []string {
	switch {
	case len(c.ProxyChain) > 0:
		return fetch.ValidProxies(c.ProxyChain)
	case c.Tor:
		return []string{TorProxy}
	case c.Socks5Proxy != "":
		return []string{"socks5://" + c.Socks5Proxy}
	}
	return nil
}

// AllRules returns rules followed by urules, in configuration order.
func (c *Config) AllRules() []rules.Config {
	out := make([]rules.Config, 0, len(c.Rules)+len(c.URules))
	out = append(out, c.Rules...)
	return append(out, c.URules...)
}

// Matcher compiles the rules over the global defaults.
func (c *Config) Matcher() (*rules.Matcher, error) {
	compiled, err := rules.Compile(c.AllRules())
	if err != nil {
		return nil, err
	}
	return rules.NewMatcher(rules.Defaults{
		Cache:     c.CacheEnable,
		TTL:       c.CacheTTLDefault,
		Links:     c.LinksMode,
		Feathers:  c.FeathersDefault,
		Proxy:     c.DefaultProxies(),
		VerifySSL: c.VerifySSL,
	}, compiled), nil
}

// MountConfigs returns the mounts in a form pkg/mount opens.
func (c *Config) MountConfigs() []mount.Config {
	out := make([]mount.Config, 0, len(c.Mounts))
	for p, m := range c.Mounts {
		out = append(out, mount.Config{
			Path:             p,
			Source:           m.Path,
			SearchPath:       m.SearchPath,
			SearchResultsMax: m.SearchResultsMax,
		})
	}
	return out
}

// CacheOptions returns the cache store options. The size limit is given in
// megabytes.
func (c *Config) CacheOptions() cache.Options {
	policy, _ := cache.ParsePolicy(c.CacheEvictionPolicy)
	return cache.Options{
		Dir:          c.CachePath,
		SizeLimit:    c.CacheSizeLimit << 20,
		Eviction:     policy,
		DefaultTTL:   cache.Seconds(c.CacheTTLDefault),
		HotCacheSize: c.HotCacheSize,
	}
}

// FetchOptions returns the fetcher options.
func (c *Config) FetchOptions() fetch.Options {
	o := fetch.DefaultOptions()
	if c.FetchTimeout > 0 {
		o.Timeout = c.FetchTimeout
	}
	o.Retries = uint64(max(0, c.FetchRetries))
	o.DefaultProxy = c.DefaultProxies()
	return o
}
