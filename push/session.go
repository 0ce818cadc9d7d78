package push

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cyberinferno/devicecloud-push/logger"
	"github.com/cyberinferno/devicecloud-push/wire"
)

// readResult classifies the outcome of one readiness-driven read attempt.
// The read path is hot; outcomes are values, never error unwinding.
type readResult int

const (
	readOK         readResult = iota // bytes were consumed into the accumulator
	readWouldBlock                   // no data within the poll deadline, try again later
	readClosed                       // peer closed the connection
	readFatal                        // unrecoverable socket error
)

// Session is one logical connection to the push endpoint for one monitor.
// It owns its socket and the partial-read accumulator the Manager's read
// loop reassembles frames into. Sessions are created by Manager.CreateSession
// and restarted in place by the Manager on recoverable failure; the only
// user-facing operation is Stop.
type Session struct {
	monitorID uint32
	callback  Callback

	hostname   string
	username   string
	password   string
	secure     bool
	caCertFile string

	dialTimeout time.Duration
	dialPort    int // overrides the fixed protocol port when non-zero
	log         logger.Logger

	mu   sync.Mutex
	conn net.Conn

	// Reassembly state, owned exclusively by the Manager's read loop.
	// buf never grows past expected; expected is 0 exactly when the next
	// bytes are a frame header.
	buf      []byte
	expected int
	discard  bool          // current frame has a non-publish opcode; consume and drop
	pending  *callbackTask // completed message parked while the callback queue is full
}

// newSession builds an unconnected session for the given monitor.
func newSession(cfg Config, callback Callback, monitorID uint32) *Session {
	return &Session{
		monitorID:   monitorID,
		callback:    callback,
		hostname:    cfg.Hostname,
		username:    cfg.Username,
		password:    cfg.Password,
		secure:      cfg.Secure,
		caCertFile:  cfg.CACertFile,
		dialTimeout: cfg.DialTimeout,
		dialPort:    cfg.dialPort,
		log:         cfg.Logger.With(logger.Field{Key: "monitor_id", Value: monitorID}),
	}
}

// MonitorID returns the id of the monitor this session is subscribed to.
//
// Returns:
//   - The monitor id
func (s *Session) MonitorID() uint32 {
	return s.monitorID
}

// Stop closes the session's connection, if open. The session is then
// skipped by the Manager's loops and removed from the registry on the next
// pass, discarding any partial-read state; it will not be restarted. Stop is
// idempotent and safe to call from any goroutine.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// resetAccumulator clears the partial-read state. The accumulator is owned
// by the Manager's read loop; only that goroutine may call this.
func (s *Session) resetAccumulator() {
	s.buf = nil
	s.expected = 0
	s.discard = false
	s.pending = nil
}

// transport returns the current connection, or nil when the session is
// stopped or not yet connected.
func (s *Session) transport() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// connect opens the TCP (and, when configured, TLS) connection to the push
// endpoint. On failure the transport stays unset and a ConnectionError is
// returned. connect never performs protocol I/O; handshake must follow.
func (s *Session) connect() error {
	port := s.dialPort
	if port == 0 {
		port = OpenPort
		if s.secure {
			port = SecurePort
		}
	}

	addr := net.JoinHostPort(s.hostname, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: s.dialTimeout}

	var conn net.Conn
	var err error
	if s.secure {
		var tlsCfg *tls.Config
		tlsCfg, err = s.tlsConfig()
		if err == nil {
			conn, err = tls.DialWithDialer(&dialer, "tcp", addr, tlsCfg)
		}
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}

	if err != nil {
		return &ConnectionError{Op: "dial " + addr, Err: err}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	return nil
}

// tlsConfig builds the TLS client configuration, loading the trust-anchor
// bundle when one was configured and falling back to the system roots
// otherwise.
func (s *Session) tlsConfig() (*tls.Config, error) {
	if s.caCertFile == "" {
		return &tls.Config{}, nil
	}

	pem, err := os.ReadFile(s.caCertFile)
	if err != nil {
		return nil, fmt.Errorf("reading trust anchors: %w", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", s.caCertFile)
	}

	return &tls.Config{RootCAs: roots}, nil
}

// handshake authenticates the freshly connected session: it sends a
// ConnectionRequest and reads the 10-byte ConnectionResponse under a fixed
// deadline. On any failure the connection is closed and cleared so the
// session is inert until restarted, and a ConnectionError wrapping the cause
// is returned. On success the deadline is cleared and the session is ready
// for the Manager's read loop.
func (s *Session) handshake() error {
	conn := s.transport()
	if conn == nil {
		return &ConnectionError{Op: "handshake", Err: errors.New("session is not connected")}
	}

	s.log.Info("sending connection request")

	fail := func(err error) error {
		s.Stop()
		return &ConnectionError{Op: "handshake", Err: err}
	}

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return fail(err)
	}

	if _, err := conn.Write(wire.EncodeConnectionRequest(s.username, s.password, s.monitorID)); err != nil {
		return fail(err)
	}

	response := make([]byte, wire.ConnectionResponseSize)
	if _, err := io.ReadFull(conn, response); err != nil {
		return fail(err)
	}

	status, err := wire.DecodeConnectionResponse(response)
	if err != nil {
		return fail(err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return fail(err)
	}

	s.log.Info("connection request accepted", logger.Field{Key: "status", Value: status})
	return nil
}

// fill performs one read attempt toward an accumulator length of want,
// waiting at most until deadline for data. Partial reads are kept; the next
// fill resumes where this one left off. Only the Manager's read loop may
// call fill.
func (s *Session) fill(conn net.Conn, want int, deadline time.Time) readResult {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return readFatal
	}

	chunk := make([]byte, want-len(s.buf))
	n, err := conn.Read(chunk)
	if n > 0 {
		s.buf = append(s.buf, chunk[:n]...)
	}

	switch {
	case err == nil:
		if n == 0 {
			return readWouldBlock
		}
		return readOK
	case errors.Is(err, os.ErrDeadlineExceeded):
		return readWouldBlock
	case errors.Is(err, io.EOF):
		return readClosed
	default:
		return readFatal
	}
}
