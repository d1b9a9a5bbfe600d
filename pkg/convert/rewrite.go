package convert

import (
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/jnovack/gemini-gateway/pkg/gemini"
)

// Rewriter maps link targets found in a page onto gateway URLs.
type Rewriter struct {
	// Host and Port address the gateway itself.
	Host string
	Port int
	// Domain is the netloc of the page being converted.
	Domain string
	// ReqPath is the path of the page on its origin.
	ReqPath string
	// LinksDomains restricts absolute http(s) links to these netlocs.
	LinksDomains []string
	// Passthrough leaves every link untouched (proxy mode).
	Passthrough bool
	// MountPoint resolves relative links under a mount instead of a domain.
	MountPoint string
}

func (r *Rewriter) gatewayBase() string {
	host := r.Host
	if r.Port != 0 && r.Port != gemini.DefaultPort {
		host += ":" + strconv.Itoa(r.Port)
	}
	return "gemini://" + host
}

// Rewrite returns the gateway form of target. ok is false when the link
// must be dropped.
func (r *Rewriter) Rewrite(target string) (string, bool) {
	target = strings.TrimSpace(target)
	if r.Passthrough {
		return target, target != ""
	}
	if target == "" || strings.HasPrefix(strings.ToLower(target), "javascript") {
		return "", false
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", false
	}
	if r.MountPoint != "" {
		return r.rewriteMounted(u)
	}

	switch scheme := strings.ToLower(u.Scheme); scheme {
	case "gemini":
		return target, true
	case "data", "ftp":
		return "", false
	case "mailto":
		addr := u.Opaque
		if addr == "" {
			addr = u.Path
		}
		return "mailto:" + addr, true
	case "http", "https", "":
		if u.Host == "" {
			return r.relative(u), true
		}
		if len(r.LinksDomains) > 0 && !slices.Contains(r.LinksDomains, u.Host) {
			return "", false
		}
		return r.build("/"+u.Host+u.EscapedPath(), u.RawQuery), true
	default:
		return target, true
	}
}

func (r *Rewriter) relative(u *url.URL) string {
	reqPath := r.ReqPath
	if reqPath == "" {
		reqPath = "/"
	}
	base := &url.URL{Path: reqPath}
	resolved := base.ResolveReference(&url.URL{Path: u.Path, RawPath: u.RawPath})
	return r.build("/"+r.Domain+resolved.EscapedPath(), u.RawQuery)
}

func (r *Rewriter) rewriteMounted(u *url.URL) (string, bool) {
	if u.Scheme != "" {
		return u.String(), true
	}
	p := path.Join(r.MountPoint, path.Dir(r.ReqPath), u.Path)
	if strings.HasPrefix(u.Path, "/") {
		p = path.Join(r.MountPoint, u.Path)
	}
	out := (&url.URL{Path: p, RawQuery: u.RawQuery}).String()
	return out, true
}

func (r *Rewriter) build(escapedPath, rawQuery string) string {
	s := r.gatewayBase() + escapedPath
	if rawQuery != "" {
		s += "?" + rawQuery
	}
	return s
}
