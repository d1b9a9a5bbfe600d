package fetch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ipfs/go-cid"
)

const defaultIPFSGateway = "dweb.link"

// IsIPFS reports whether u uses one of the content-addressed schemes.
func IsIPFS(u *url.URL) bool {
	return u.Scheme == "ipfs" || u.Scheme == "ipns"
}

// GatewayURL rewrites an ipfs:// or ipns:// URL into its subdomain form on
// an HTTP gateway. CIDs are normalized to base32 CIDv1 so they survive DNS
// case folding; DNSLink names are inlined with dashes.
func GatewayURL(u *url.URL, gateway string) (*url.URL, error) {
	if !IsIPFS(u) {
		return u, nil
	}
	if gateway == "" {
		gateway = defaultIPFSGateway
	}
	label := u.Host
	if label == "" {
		return nil, fmt.Errorf("%s url without root: %s", u.Scheme, u.String())
	}
	if c, err := cid.Decode(label); err == nil {
		if c.Version() == 0 {
			c = cid.NewCidV1(c.Type(), c.Hash())
		}
		label = c.String()
	} else if u.Scheme == "ipfs" {
		return nil, fmt.Errorf("invalid cid %q: %w", label, err)
	} else {
		label = strings.ReplaceAll(label, "-", "--")
		label = strings.ReplaceAll(label, ".", "-")
	}
	out := &url.URL{
		Scheme:   "https",
		Host:     label + "." + u.Scheme + "." + gateway,
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.RawQuery,
	}
	if out.Path == "" {
		out.Path = "/"
	}
	return out, nil
}
