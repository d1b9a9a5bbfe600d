package gemini

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var (
	// ErrRequestTooLong is returned when the request line exceeds MaxRequestLength.
	ErrRequestTooLong = errors.New("gemini: request too long")
	// ErrMalformedRequest is returned for empty, relative or unparsable request lines.
	ErrMalformedRequest = errors.New("gemini: malformed request")
)

// Request is a single inbound Gemini request.
type Request struct {
	URL        *url.URL
	RawURL     string
	RemoteAddr net.Addr
	TLS        *tls.ConnectionState
}

// NewRequest parses an absolute request URL. Any scheme is accepted; the
// handler decides which ones it serves.
func NewRequest(rawURL string) (*Request, error) {
	if rawURL == "" {
		return nil, ErrMalformedRequest
	}
	if len(rawURL) > MaxRequestLength {
		return nil, ErrRequestTooLong
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("%w: missing scheme", ErrMalformedRequest)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return &Request{URL: u, RawURL: rawURL}, nil
}

// Input returns the unescaped query component, which carries user input
// after a status 10 prompt.
func (r *Request) Input() string {
	if r.URL == nil || r.URL.RawQuery == "" {
		return ""
	}
	q, err := url.QueryUnescape(r.URL.RawQuery)
	if err != nil {
		return r.URL.RawQuery
	}
	return q
}

// ClientIP returns the peer address without port.
func (r *Request) ClientIP() (netip.Addr, bool) {
	if r.RemoteAddr == nil {
		return netip.Addr{}, false
	}
	if tcp, ok := r.RemoteAddr.(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap(), true
	}
	ap, err := netip.ParseAddrPort(r.RemoteAddr.String())
	if err != nil {
		a, err := netip.ParseAddr(r.RemoteAddr.String())
		if err != nil {
			return netip.Addr{}, false
		}
		return a.Unmap(), true
	}
	return ap.Addr().Unmap(), true
}
