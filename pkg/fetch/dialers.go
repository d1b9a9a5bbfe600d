package fetch

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
)

// ErrNoProxy is returned when none of the configured proxy URLs is usable.
var ErrNoProxy = errors.New("fetch: no valid proxy url")

func init() {
	proxy.RegisterDialerType("socks", func(u *url.URL, fwd proxy.Dialer) (proxy.Dialer, error) {
		c := *u
		c.Scheme = "socks5"
		return proxy.FromURL(&c, fwd)
	})
	proxy.RegisterDialerType("socks4", func(u *url.URL, fwd proxy.Dialer) (proxy.Dialer, error) {
		return &socks4Dialer{addr: u.Host, user: u.User.Username(), forward: fwd}, nil
	})
	proxy.RegisterDialerType("http", func(u *url.URL, fwd proxy.Dialer) (proxy.Dialer, error) {
		return &connectDialer{addr: u.Host, user: u.User, forward: fwd}, nil
	})
}

// ValidProxyURL reports whether raw is a usable proxy URL: a socks, socks4,
// socks5 or http scheme with a host.
func ValidProxyURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	switch u.Scheme {
	case "socks", "socks4", "socks5", "http":
		return true
	}
	return false
}

// ValidProxies filters raws down to the usable proxy URLs, logging the rest.
func ValidProxies(raws []string) []string {
	var out []string
	for _, r := range raws {
		if ValidProxyURL(r) {
			out = append(out, r)
			continue
		}
		log.Warn().Str("proxy", r).Msg("ignoring invalid proxy url")
	}
	return out
}

// chainDialer builds a dial function that traverses proxies in order.
func chainDialer(proxies []string, base *net.Dialer) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	var d proxy.Dialer = base
	n := 0
	for _, raw := range proxies {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		next, err := proxy.FromURL(u, d)
		if err != nil {
			return nil, fmt.Errorf("proxy %q: %w", raw, err)
		}
		d = next
		n++
	}
	if n == 0 {
		return nil, ErrNoProxy
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialContext(ctx, d, network, addr)
	}, nil
}

func dialContext(ctx context.Context, d proxy.Dialer, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return d.Dial(network, addr)
}

// socks4Dialer speaks SOCKS4, or SOCKS4a when the target is a hostname.
type socks4Dialer struct {
	addr    string
	user    string
	forward proxy.Dialer
}

func (s *socks4Dialer) Dial(network, addr string) (net.Conn, error) {
	return s.DialContext(context.Background(), network, addr)
}

func (s *socks4Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("socks4: bad port %q", portStr)
	}
	conn, err := dialContext(ctx, s.forward, "tcp", s.addr)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer conn.SetDeadline(noDeadline)
	}

	req := []byte{4, 1, 0, 0}
	binary.BigEndian.PutUint16(req[2:], uint16(port))
	ip, ipErr := netip.ParseAddr(host)
	socks4a := ipErr != nil || !ip.Is4()
	if socks4a {
		req = append(req, 0, 0, 0, 1)
	} else {
		a := ip.As4()
		req = append(req, a[:]...)
	}
	req = append(req, s.user...)
	req = append(req, 0)
	if socks4a {
		req = append(req, host...)
		req = append(req, 0)
	}
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4: write request: %w", err)
	}
	var resp [8]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4: read reply: %w", err)
	}
	if resp[1] != 90 {
		conn.Close()
		return nil, fmt.Errorf("socks4: request rejected (code %d)", resp[1])
	}
	return conn, nil
}

// connectDialer tunnels through an HTTP proxy with CONNECT.
type connectDialer struct {
	addr    string
	user    *url.Userinfo
	forward proxy.Dialer
}

func (c *connectDialer) Dial(network, addr string) (net.Conn, error) {
	return c.DialContext(context.Background(), network, addr)
}

func (c *connectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyAddr := c.addr
	if !strings.Contains(proxyAddr, ":") {
		proxyAddr = net.JoinHostPort(proxyAddr, "80")
	}
	conn, err := dialContext(ctx, c.forward, "tcp", proxyAddr)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer conn.SetDeadline(noDeadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if c.user != nil {
		pass, _ := c.user.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(c.user.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("http connect: write: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("http connect: read: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("http connect: proxy replied %s", resp.Status)
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
