// Package fetch performs the outbound HTTP requests of the gateway and
// reports their outcome as an Ok, Redirect or Error result.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

var (
	// ErrBodyTooLarge is returned when the origin body exceeds Options.MaxBodySize.
	ErrBodyTooLarge = errors.New("fetch: response body too large")
	// ErrUnsupportedScheme is returned for URLs that are not http(s), ipfs or ipns.
	ErrUnsupportedScheme = errors.New("fetch: unsupported url scheme")
)

var noDeadline time.Time

// Kind tags a Result.
type Kind int

const (
	KindOK Kind = iota
	KindRedirect
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindRedirect:
		return "redirect"
	default:
		return "error"
	}
}

// Request describes one outbound fetch.
type Request struct {
	URL *url.URL
	// Proxy is a single proxy URL or a chain traversed in order.
	Proxy     []string
	Headers   map[string]string
	UserAgent string
	// InsecureSkipVerify disables origin certificate checks.
	InsecureSkipVerify bool
	AllowRedirects     bool
	// ETag and LastModified make the request conditional.
	ETag         string
	LastModified string
	// Timeout overrides Options.Timeout when positive.
	Timeout time.Duration
}

// Result is the outcome of a fetch. For KindOK, Status carries the origin
// status and Body/Text are only set on 200.
type Result struct {
	Kind     Kind
	URL      *url.URL
	Location *url.URL
	Err      error

	Status        int
	Header        http.Header
	ContentType   string
	ContentLength int64
	Charset       string
	// Body is the raw payload of non-HTML responses.
	Body []byte
	// Text is the decoded document of HTML responses.
	Text string
}

// OK reports whether the origin answered 200.
func (r *Result) OK() bool { return r.Kind == KindOK && r.Status == http.StatusOK }

// NotModified reports whether a conditional request matched.
func (r *Result) NotModified() bool { return r.Kind == KindOK && r.Status == http.StatusNotModified }

// IsHTML reports whether the payload is a decoded HTML document.
func (r *Result) IsHTML() bool { return IsHTML(r.ContentType) }

// Payload returns the response content as bytes whatever its type.
func (r *Result) Payload() []byte {
	if r.IsHTML() {
		return []byte(r.Text)
	}
	return r.Body
}

func errorResult(u *url.URL, err error) *Result {
	return &Result{Kind: KindError, URL: u, Err: err}
}

// Fetcher owns the outbound transports. It is safe for concurrent use.
type Fetcher struct {
	opts Options
	pool *pool
}

// New returns a Fetcher bounded by opts.
func New(opts Options) *Fetcher {
	opts = normalizeOptions(opts)
	opts.DefaultProxy = ValidProxies(opts.DefaultProxy)
	return &Fetcher{opts: opts, pool: newPool(opts)}
}

// Options returns the effective options.
func (f *Fetcher) Options() Options { return f.opts }

// Close drops idle connections of every transport.
func (f *Fetcher) Close() error {
	f.pool.closeIdle()
	return nil
}

// Fetch performs a GET of req.URL. It never follows redirects unless
// req.AllowRedirects is set: a 3xx with a Location yields a KindRedirect.
func (f *Fetcher) Fetch(ctx context.Context, req Request) *Result {
	start := time.Now()
	u := req.URL
	if u == nil {
		return errorResult(nil, errors.New("fetch: nil url"))
	}
	switch u.Scheme {
	case "http", "https":
	case "ipfs", "ipns":
		gw, err := GatewayURL(u, f.opts.IPFSGateway)
		if err != nil {
			return errorResult(u, err)
		}
		u = gw
	default:
		return errorResult(u, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme))
	}

	proxies := f.opts.DefaultProxy
	if len(req.Proxy) > 0 {
		if valid := ValidProxies(req.Proxy); len(valid) > 0 {
			proxies = valid
		}
	}
	transport, err := f.pool.get(proxies, req.InsecureSkipVerify)
	if err != nil {
		return errorResult(u, err)
	}
	client := &http.Client{Transport: transport}
	if !req.AllowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	timeout := f.opts.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ua := req.UserAgent
	if ua == "" {
		ua = RandomUserAgent()
	}

	var res *Result
	op := func() error {
		hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, v := range req.Headers {
			hreq.Header.Set(k, v)
		}
		hreq.Header.Set("User-Agent", ua)
		if req.ETag != "" {
			hreq.Header.Set("If-None-Match", req.ETag)
		}
		if req.LastModified != "" {
			hreq.Header.Set("If-Modified-Since", req.LastModified)
		}
		resp, err := client.Do(hreq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()
		r, err := f.readResult(u, resp)
		if err != nil {
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	var b backoff.BackOff = backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(f.opts.RetryInterval),
		backoff.WithMaxElapsedTime(timeout),
	)
	b = backoff.WithContext(backoff.WithMaxRetries(b, f.opts.Retries), ctx)
	err = backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		log.Ctx(ctx).Debug().Err(err).Str("url", u.String()).Dur("wait", wait).Msg("retrying fetch")
	})
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("url", u.String()).Dur("latency", time.Since(start)).Msg("fetch failed")
		return errorResult(u, err)
	}

	log.Ctx(ctx).Debug().
		Str("url", u.String()).
		Str("kind", res.Kind.String()).
		Int("status", res.Status).
		Str("content_type", res.ContentType).
		Int64("length", res.ContentLength).
		Dur("latency", time.Since(start)).
		Msg("fetched")
	return res
}

func (f *Fetcher) readResult(u *url.URL, resp *http.Response) (*Result, error) {
	res := &Result{Kind: KindOK, URL: u, Status: resp.StatusCode, Header: resp.Header}

	if loc := resp.Header.Get("Location"); loc != "" && resp.StatusCode >= 300 && resp.StatusCode < 310 {
		target, err := u.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("bad redirect location %q: %w", loc, err)
		}
		res.Kind = KindRedirect
		res.Location = target
		return res, nil
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return res, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.opts.MaxBodySize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, f.opts.MaxBodySize)
	}

	ctHeader := resp.Header.Get("Content-Type")
	if ctHeader == "" {
		ctHeader = http.DetectContentType(body)
	}
	res.ContentType = mediaType(ctHeader)
	res.ContentLength = resp.ContentLength
	if res.ContentLength < 0 {
		res.ContentLength = int64(len(body))
	}
	if !IsHTML(res.ContentType) {
		res.Body = body
		return res, nil
	}
	res.Text, res.Charset = decodeText(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")), ctHeader)
	return res, nil
}
