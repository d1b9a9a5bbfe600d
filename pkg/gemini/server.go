package gemini

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ninedraft/gemax/gemax"
	"github.com/ninedraft/gemax/gemax/status"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// ConnectionIDKey is the context key for the per-connection uuid.
type ConnectionIDKey struct{}

// RequestIDKey is the context key for the per-request uuid.
type RequestIDKey struct{}

type connKey struct{}

// Handler answers a Gemini request.
type Handler interface {
	ServeGemini(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// ServeGemini calls f(ctx, req).
func (f HandlerFunc) ServeGemini(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// shutdownPoll is how often Shutdown checks for idle.
const shutdownPoll = 10 * time.Millisecond

// Server is a Gemini server over TLS. Connections are accepted and request
// lines parsed by gemax; Server adds ids, timeouts, panic recovery and a
// graceful shutdown.
type Server struct {
	Addr         string
	TLSConfig    *tls.Config
	Handler      Handler
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	srv          *gemax.Server
	ln           net.Listener
	shutdownOnce sync.Once
	inflight     atomic.Int64
	served       atomic.Int64

	baseCtx context.Context
	cancel  context.CancelFunc
}

// Start listens on Addr and serves in the background until Close is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	if s.TLSConfig != nil {
		ln = tls.NewListener(ln, s.TLSConfig)
	}
	s.init(ln)
	go func() { _ = s.serve() }()
	log.Info().Str("addr", ln.Addr().String()).Msg("gemini server started")
	return nil
}

// Serve accepts connections on ln until Close is called. The listener is
// expected to already terminate TLS.
func (s *Server) Serve(ln net.Listener) error {
	s.init(ln)
	return s.serve()
}

func (s *Server) init(ln net.Listener) {
	s.ln = ln
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.srv = &gemax.Server{
		Addr:        ln.Addr().String(),
		Handler:     s.handle,
		ConnContext: s.connContext,
		Logf: func(format string, args ...interface{}) {
			log.Debug().Msgf(format, args...)
		},
	}
}

func (s *Server) serve() error {
	err := s.srv.Serve(s.baseCtx, s.ln)
	if errors.Is(err, net.ErrClosed) || s.baseCtx.Err() != nil {
		log.Debug().Err(err).Msg("listener closed, exiting accept loop")
		return nil
	}
	log.Warn().Err(err).Msg("gemini accept loop stopped")
	return err
}

// ListenAddr returns the bound address, or nil before Start.
func (s *Server) ListenAddr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// InFlight returns the number of requests being handled.
func (s *Server) InFlight() int64 { return s.inflight.Load() }

// Served returns the number of requests answered since start.
func (s *Server) Served() int64 { return s.served.Load() }

// Close stops the listener, drops open connections and cancels in-flight
// request contexts.
func (s *Server) Close() error {
	s.shutdownOnce.Do(func() {
		if s.ln != nil {
			_ = s.ln.Close()
		}
		if s.srv != nil {
			s.srv.Stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

// Shutdown stops accepting and waits for in-flight requests or ctx expiry.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	tick := time.NewTicker(shutdownPoll)
	defer tick.Stop()
	for s.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return ctx.Err()
		case <-tick.C:
		}
	}
	return s.Close()
}

func (s *Server) connContext(ctx context.Context, conn net.Conn) context.Context {
	now := time.Now()
	if s.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(now.Add(s.ReadTimeout))
	}
	if s.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(now.Add(s.ReadTimeout + s.WriteTimeout))
	}
	connID := uuid.Must(uuid.NewV7())
	logger := log.With().
		Str("connection_id", connID.String()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	ctx = context.WithValue(ctx, ConnectionIDKey{}, connID)
	ctx = context.WithValue(ctx, connKey{}, conn)
	return logger.WithContext(ctx)
}

func (s *Server) handle(ctx context.Context, rw gemax.ResponseWriter, in gemax.IncomingRequest) {
	s.inflight.Inc()
	defer s.inflight.Dec()

	req, err := NewRequest(in.URL().String())
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("bad request line")
		s.write(ctx, rw, Failure(StatusBadRequest, "malformed request"))
		return
	}
	if conn, ok := ctx.Value(connKey{}).(net.Conn); ok {
		req.RemoteAddr = conn.RemoteAddr()
		if tc, ok := conn.(*tls.Conn); ok {
			cs := tc.ConnectionState()
			req.TLS = &cs
		}
	}

	reqID := uuid.Must(uuid.NewV7())
	logger := log.Ctx(ctx).With().Str("request_id", reqID.String()).Logger()
	ctx = context.WithValue(ctx, RequestIDKey{}, reqID)
	ctx = logger.WithContext(ctx)

	s.write(ctx, rw, s.dispatch(ctx, req))
	s.served.Inc()
}

func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).Error().Interface("panic", r).Str("url", req.RawURL).Msg("handler panic")
			resp = Failure(StatusTemporaryFailure, "internal error")
		}
	}()
	resp = s.Handler.ServeGemini(ctx, req)
	if resp == nil {
		resp = Failure(StatusTemporaryFailure, "empty response")
	}
	return resp
}

func (s *Server) write(ctx context.Context, rw gemax.ResponseWriter, resp *Response) {
	rw.WriteStatus(status.Code(resp.Status), resp.HeaderMeta())
	if resp.Status.Class() != 2 || len(resp.Body) == 0 {
		return
	}
	if _, err := rw.Write(resp.Body); err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("write response")
	}
}
