package gemini

import (
	"errors"
	"net"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFromHTTP(t *testing.T) {
	cases := map[int]Status{
		400: StatusBadRequest,
		404: StatusNotFound,
		410: StatusGone,
		429: StatusSlowDown,
		502: StatusProxyError,
		504: StatusProxyError,
		503: StatusServerUnavailable,
		500: StatusTemporaryFailure,
		418: StatusTemporaryFailure,
	}
	for code, want := range cases {
		assert.Equal(t, want, StatusFromHTTP(code), "http %d", code)
	}
}

func TestStatusStringAndClass(t *testing.T) {
	assert.Equal(t, "PROXY REQUEST REFUSED", StatusProxyRequestRefused.String())
	assert.Equal(t, "Code(77)", Status(77).String())
	assert.Equal(t, 2, StatusSuccess.Class())
	assert.Equal(t, 5, StatusBadRequest.Class())
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("gemini://localhost/example.com/a?b")
	require.NoError(t, err)
	assert.Equal(t, "gemini", req.URL.Scheme)
	assert.Equal(t, "localhost", req.URL.Host)
	assert.Equal(t, "/example.com/a", req.URL.Path)
	assert.Equal(t, "b", req.Input())

	req, err = NewRequest("HTTPS://example.org/")
	require.NoError(t, err)
	assert.Equal(t, "https", req.URL.Scheme)
}

func TestNewRequestErrors(t *testing.T) {
	_, err := NewRequest("/relative/path")
	assert.True(t, errors.Is(err, ErrMalformedRequest))

	_, err = NewRequest("")
	assert.True(t, errors.Is(err, ErrMalformedRequest))

	_, err = NewRequest("gemini://localhost/" + strings.Repeat("a", MaxRequestLength))
	assert.True(t, errors.Is(err, ErrRequestTooLong))
}

func TestInputUnescapes(t *testing.T) {
	req, err := NewRequest("gemini://localhost/search?hello%20world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", req.Input())
}

func TestClientIP(t *testing.T) {
	req, err := NewRequest("gemini://localhost/")
	require.NoError(t, err)
	_, ok := req.ClientIP()
	assert.False(t, ok)

	req.RemoteAddr = &net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 4242}
	ip, ok := req.ClientIP()
	require.True(t, ok)
	assert.Equal(t, "192.0.2.7", ip.String())
}

func TestResponseHeaderMeta(t *testing.T) {
	assert.Equal(t, "gone  fishing", Failure(StatusNotFound, "gone\r\nfishing").HeaderMeta())
	assert.Equal(t, "", Redirect("x").ContentType())
	assert.Equal(t, "image/png", Success("image/png", nil).ContentType())
	assert.Equal(t, MediaType, Success("", nil).Meta)
}

func TestHeaderMetaCutsOnRuneBoundary(t *testing.T) {
	// "é" is two bytes; the byte limit falls in the middle of one.
	reason := strings.Repeat("a", MaxRequestLength-1) + "é" + "tail"
	meta := Failure(StatusTemporaryFailure, reason).HeaderMeta()
	assert.True(t, utf8.ValidString(meta))
	assert.Equal(t, strings.Repeat("a", MaxRequestLength-1), meta)

	exact := strings.Repeat("b", MaxRequestLength-2) + "é" + "tail"
	meta = Failure(StatusTemporaryFailure, exact).HeaderMeta()
	assert.Equal(t, strings.Repeat("b", MaxRequestLength-2)+"é", meta)
	assert.Len(t, meta, MaxRequestLength)
}
