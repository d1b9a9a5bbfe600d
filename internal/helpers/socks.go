package helpers

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// SOCKS5 is a no-auth SOCKS5 server that only tunnels CONNECT requests.
type SOCKS5 struct {
	Addr string

	ln      net.Listener
	tunnels atomic.Int64
	wg      sync.WaitGroup
}

// NewSOCKS5 starts a SOCKS5 relay on a loopback port, closed with the test.
func NewSOCKS5(t *testing.T) *SOCKS5 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("socks5 listen: %v", err)
	}
	s := &SOCKS5{Addr: ln.Addr().String(), ln: ln}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})
	return s
}

// URL returns the proxy URL for the relay.
func (s *SOCKS5) URL() string { return "socks5://" + s.Addr }

// Tunnels reports how many CONNECT tunnels were established.
func (s *SOCKS5) Tunnels() int64 { return s.tunnels.Load() }

func (s *SOCKS5) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *SOCKS5) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	// greeting
	head := make([]byte, 2)
	if _, err := io.ReadFull(br, head); err != nil || head[0] != 0x05 {
		return
	}
	if _, err := io.ReadFull(br, make([]byte, int(head[1]))); err != nil {
		return
	}
	if _, err := bw.Write([]byte{0x05, 0x00}); err != nil || bw.Flush() != nil {
		return
	}

	// request
	req := make([]byte, 4)
	if _, err := io.ReadFull(br, req); err != nil || req[0] != 0x05 {
		return
	}
	var host string
	switch req[3] {
	case 0x01:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(br, addr); err != nil {
			return
		}
		host = net.IP(addr).String()
	case 0x03:
		l, err := br.ReadByte()
		if err != nil {
			return
		}
		name := make([]byte, int(l))
		if _, err := io.ReadFull(br, name); err != nil {
			return
		}
		host = string(name)
	case 0x04:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(br, addr); err != nil {
			return
		}
		host = net.IP(addr).String()
	default:
		return
	}
	var port uint16
	if err := binary.Read(br, binary.BigEndian, &port); err != nil {
		return
	}
	if req[1] != 0x01 {
		_ = writeReply(bw, 0x07)
		return
	}

	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	up, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		log.Debug().Err(err).Str("target", target).Msg("socks5 dial failed")
		_ = writeReply(bw, 0x05)
		return
	}
	defer up.Close()
	if err := writeReply(bw, 0x00); err != nil {
		return
	}
	s.tunnels.Inc()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(up, br)
		if tc, ok := up.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		close(done)
	}()
	_, _ = io.Copy(conn, up)
	_ = conn.Close()
	<-done
}

func writeReply(bw *bufio.Writer, rep byte) error {
	if _, err := bw.Write([]byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}); err != nil {
		return err
	}
	return bw.Flush()
}
