package gateway

import (
	"context"

	"github.com/jnovack/gemini-gateway/pkg/gemini"
)

// serveProxy answers absolute web URLs sent to the gateway as a proxy. Links
// are left as they are and origin redirects are passed on unchanged.
func (g *Gateway) serveProxy(ctx context.Context, req *gemini.Request) reply {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return g.pipeline(ctx, job{mode: modeProxy, target: &u})
}
