package helpers

import (
	"context"
	"crypto/tls"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ninedraft/gemax/gemax"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/jnovack/gemini-gateway/pkg/accesslog"
	"github.com/jnovack/gemini-gateway/pkg/ca"
	"github.com/jnovack/gemini-gateway/pkg/gemini"
)

// ReservePort returns an available local TCP port by briefly listening and closing.
func ReservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "reserve a local port")
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// NewIdentity generates a throwaway self-signed identity for hostname.
func NewIdentity(t *testing.T, hostname string) *ca.Identity {
	t.Helper()
	id, err := ca.GenerateSelfSigned(pkix.Name{CommonName: hostname}, hostname, time.Hour)
	require.NoError(t, err, "generate identity")
	return id
}

// Page is one canned origin response.
type Page struct {
	Status      int
	ContentType string
	Body        string
	Location    string
}

// Origin is a TLS test web server counting hits per path.
type Origin struct {
	*httptest.Server

	mu    sync.Mutex
	pages map[string]Page
	hits  map[string]*atomic.Int64
}

// NewOrigin serves pages keyed by request path. Unknown paths answer 404.
func NewOrigin(t *testing.T, pages map[string]Page) *Origin {
	t.Helper()
	o := &Origin{pages: pages, hits: map[string]*atomic.Int64{}}
	for p := range pages {
		o.hits[p] = atomic.NewInt64(0)
	}
	o.Server = httptest.NewTLSServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	page, ok := o.pages[r.URL.Path]
	h := o.hits[r.URL.Path]
	o.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.Inc()
	if page.Location != "" {
		w.Header().Set("Location", page.Location)
	}
	if page.ContentType != "" {
		w.Header().Set("Content-Type", page.ContentType)
	}
	status := page.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, page.Body)
}

// Hits returns how many times path was requested.
func (o *Origin) Hits(path string) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.hits[path]; ok {
		return h.Load()
	}
	return 0
}

// Host returns the origin netloc, host:port.
func (o *Origin) Host() string {
	return strings.TrimPrefix(o.URL, "https://")
}

// NewRequest builds a gemini request as if sent from ip.
func NewRequest(t *testing.T, rawURL, ip string) *gemini.Request {
	t.Helper()
	req, err := gemini.NewRequest(rawURL)
	require.NoError(t, err, "parse request %q", rawURL)
	req.RemoteAddr = &net.TCPAddr{IP: net.ParseIP(ip), Port: 50000}
	return req
}

// RecordSink collects access records delivered to an observer.
type RecordSink chan accesslog.Record

// NewRecordSink returns a buffered sink.
func NewRecordSink() RecordSink { return make(RecordSink, 64) }

// Observer delivers records to the sink.
func (s RecordSink) Observer() accesslog.Observer {
	return func(r accesslog.Record) { s <- r }
}

// Next waits for the next record.
func (s RecordSink) Next(t *testing.T) accesslog.Record {
	t.Helper()
	select {
	case r := <-s:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no access record delivered")
		return accesslog.Record{}
	}
}

// GeminiGet sends rawURL to a gemini server at addr and returns the
// response header line, without CRLF, and the body. The server certificate
// is not checked, whatever host rawURL names.
func GeminiGet(t *testing.T, addr, rawURL string) (string, string) {
	t.Helper()
	client := &gemax.Client{
		Dial: func(ctx context.Context, _ string, cfg *tls.Config) (net.Conn, error) {
			c := cfg.Clone()
			c.VerifyConnection = nil
			d := &tls.Dialer{Config: c}
			return d.DialContext(ctx, "tcp", addr)
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := client.Fetch(ctx, rawURL)
	require.NoError(t, err, "fetch %s", rawURL)
	defer resp.Close()
	body, err := io.ReadAll(resp)
	require.NoError(t, err, "read body")
	return fmt.Sprintf("%d %s", int(resp.Status), resp.Meta), string(body)
}
