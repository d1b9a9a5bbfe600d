package fetch

import (
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout               = 30 * time.Second
	defaultDialTimeout           = 10 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 20 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second
	defaultMaxIdleConns          = 256
	defaultMaxIdleConnsPerHost   = 16
	defaultMaxConnsPerHost       = 32
	defaultMaxBodySize           = 16 << 20
	defaultRetryInterval         = 250 * time.Millisecond
)

// Options bounds the outbound HTTP client.
type Options struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	// MaxBodySize caps the number of bytes read from an origin.
	MaxBodySize int64
	// Retries is the number of extra attempts after a transport-level failure.
	Retries       uint64
	RetryInterval time.Duration
	// DefaultProxy applies when a request carries no proxy of its own.
	DefaultProxy []string
	// IPFSGateway is the HTTP gateway domain used for ipfs:// and ipns:// URLs.
	IPFSGateway string
}

// DefaultOptions returns the bounds used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Timeout:               defaultTimeout,
		DialTimeout:           defaultDialTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		IdleConnTimeout:       defaultIdleConnTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       defaultMaxConnsPerHost,
		MaxBodySize:           defaultMaxBodySize,
		RetryInterval:         defaultRetryInterval,
		IPFSGateway:           defaultIPFSGateway,
	}
}

func normalizeOptions(opts Options) Options {
	d := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = d.DialTimeout
	}
	if opts.TLSHandshakeTimeout <= 0 {
		opts.TLSHandshakeTimeout = d.TLSHandshakeTimeout
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = d.ResponseHeaderTimeout
	}
	if opts.IdleConnTimeout <= 0 {
		opts.IdleConnTimeout = d.IdleConnTimeout
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = d.MaxIdleConns
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = d.MaxConnsPerHost
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = d.MaxBodySize
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = d.RetryInterval
	}
	if opts.IPFSGateway == "" {
		opts.IPFSGateway = d.IPFSGateway
	}
	return opts
}

type poolKey struct {
	proxies  string
	insecure bool
}

// pool hands out one shared transport per proxy chain and TLS policy.
type pool struct {
	opts       Options
	mu         sync.Mutex
	transports map[poolKey]*http.Transport
}

func newPool(opts Options) *pool {
	return &pool{opts: opts, transports: make(map[poolKey]*http.Transport)}
}

func (p *pool) get(proxies []string, insecure bool) (*http.Transport, error) {
	key := poolKey{proxies: strings.Join(proxies, ","), insecure: insecure}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[key]; ok {
		return t, nil
	}
	t, err := p.newTransport(proxies, insecure)
	if err != nil {
		return nil, err
	}
	p.transports[key] = t
	log.Debug().Str("proxies", key.proxies).Bool("insecure", insecure).Msg("created outbound transport")
	return t, nil
}

func (p *pool) newTransport(proxies []string, insecure bool) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: p.opts.DialTimeout, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   p.opts.TLSHandshakeTimeout,
		ResponseHeaderTimeout: p.opts.ResponseHeaderTimeout,
		IdleConnTimeout:       p.opts.IdleConnTimeout,
		MaxIdleConns:          p.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   p.opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:       p.opts.MaxConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // per-rule verify_ssl=false
	}
	if len(proxies) > 0 {
		dc, err := chainDialer(proxies, dialer)
		if err != nil {
			return nil, err
		}
		t.Proxy = nil
		t.DialContext = dc
	}
	return t, nil
}

func (p *pool) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}
