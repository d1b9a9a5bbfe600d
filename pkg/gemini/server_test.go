package gemini

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509/pkix"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/gemini-gateway/pkg/ca"
)

func roundTrip(t *testing.T, conn net.Conn, line string) string {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err := io.WriteString(conn, line)
	require.NoError(t, err)
	b, err := io.ReadAll(bufio.NewReader(conn))
	require.NoError(t, err)
	return string(b)
}

func TestServerPlainListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sawIDs := make(chan bool, 1)
	s := &Server{Handler: HandlerFunc(func(ctx context.Context, req *Request) *Response {
		_, c := ctx.Value(ConnectionIDKey{}).(uuid.UUID)
		_, r := ctx.Value(RequestIDKey{}).(uuid.UUID)
		sawIDs <- c && r
		return Gemtext("path " + req.URL.Path + "\n")
	})}
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Close() })

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	out := roundTrip(t, conn, "gemini://localhost/hello\r\n")
	assert.Equal(t, "20 text/gemini\r\npath /hello\n", out)
	assert.True(t, <-sawIDs, "connection and request ids are set in ctx")
}

func TestServerBadRequestAndPanic(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &Server{Handler: HandlerFunc(func(ctx context.Context, req *Request) *Response {
		if req.URL.Path == "/panic" {
			panic("boom")
		}
		return nil
	})}
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Close() })

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, "59 59 BAD REQUEST\r\n", roundTrip(t, conn, "not a url\r\n"))
	conn.Close()

	conn, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, "50 host not found\r\n", roundTrip(t, conn, "/relative/path\r\n"))
	conn.Close()

	conn, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, "40 internal error\r\n", roundTrip(t, conn, "gemini://localhost/panic\r\n"))
	conn.Close()

	conn, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, "40 empty response\r\n", roundTrip(t, conn, "gemini://localhost/nil\r\n"))
	conn.Close()
}

func TestServerTLS(t *testing.T) {
	id, err := ca.GenerateSelfSigned(pkix.Name{CommonName: "localhost"}, "localhost", time.Hour)
	require.NoError(t, err)

	s := &Server{
		Addr:        "127.0.0.1:0",
		TLSConfig:   id.TLSConfig(),
		ReadTimeout: 5 * time.Second,
		Handler: HandlerFunc(func(ctx context.Context, req *Request) *Response {
			if req.TLS == nil {
				return Failure(StatusTemporaryFailure, "no tls state")
			}
			return Gemtext("ok\n")
		}),
	}
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Close() })

	conn, err := tls.Dial("tcp", s.ListenAddr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "20 text/gemini\r\nok\n", roundTrip(t, conn, "gemini://localhost/\r\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, int64(0), s.InFlight())
	assert.Equal(t, int64(1), s.Served())
}
