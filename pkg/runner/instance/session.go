package instance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/tass-io/rpool/pkg/tools/errorutils"
)

// Rserve greets every new connection with a 32 byte identification block:
//
//	Rsrv0103QAP1\r\n\r\n--------------\r\n
//	|   |   |   |
//	|   |   |   +- attributes, 4 bytes each
//	|   |   +----- protocol, only QAP1 is understood by clients
//	|   +--------- server version
//	+------------- magic
const idLength = 32

var defaultHandshakeTimeout = 5 * time.Second

// Session is one connection to an Rserve process. Every connection gets its own
// workspace on the server side, so a new Session never sees variables of a previous one.
// The payload protocol is spoken by whoever holds the Session, through Conn.
type Session struct {
	id       string
	host     string
	port     int
	conn     net.Conn
	serverID string

	mu             sync.Mutex
	connected      bool
	disconnectedAt time.Time
	gone           chan struct{}
}

// Dial connects to the Rserve server at host:port and validates its identification block
func Dial(ctx context.Context, host string, port int) (*Session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHandshakeTimeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	header := make([]byte, idLength)
	if _, err := io.ReadFull(conn, header); err != nil {
		conn.Close()
		return nil, errorutils.NewProtocolError(fmt.Errorf("read identification from %s: %w", addr, err))
	}
	if err := checkHeader(header); err != nil {
		conn.Close()
		return nil, errorutils.NewProtocolError(err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	return &Session{
		id:        xid.New().String(),
		host:      host,
		port:      port,
		conn:      conn,
		serverID:  string(bytes.TrimRight(header, "\r\n-")),
		connected: true,
		gone:      make(chan struct{}),
	}, nil
}

func checkHeader(header []byte) error {
	if !bytes.Equal(header[0:4], []byte("Rsrv")) {
		return fmt.Errorf("not an Rserve server, got %q", header[0:4])
	}
	if !bytes.Equal(header[8:12], []byte("QAP1")) {
		return fmt.Errorf("unsupported protocol %q", header[8:12])
	}
	return nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Host() string {
	return s.host
}

func (s *Session) Port() int {
	return s.port
}

// ServerID returns the identification the server sent, e.g. "Rsrv0103QAP1"
func (s *Session) ServerID() string {
	return s.serverID
}

// Conn returns the underlying connection. A failing read or write marks the Session disconnected.
func (s *Session) Conn() net.Conn {
	return &trackedConn{Conn: s.conn, s: s}
}

// IsConnected reports whether the Session can still be used
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// DisconnectedAt returns when the Session went away, ok is false while it is connected
func (s *Session) DisconnectedAt() (at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectedAt, !s.connected
}

// Done is closed once the Session is disconnected
func (s *Session) Done() <-chan struct{} {
	return s.gone
}

// Close releases the connection, the process behind it stays alive and can be reused
func (s *Session) Close() error {
	s.markDisconnected()
	return s.conn.Close()
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.connected = false
		s.disconnectedAt = time.Now()
		close(s.gone)
	}
}

type trackedConn struct {
	net.Conn
	s *Session
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.check(err)
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.check(err)
	return n, err
}

func (c *trackedConn) Close() error {
	return c.s.Close()
}

func (c *trackedConn) check(err error) {
	if err == nil {
		return
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	c.s.markDisconnected()
}
