// Package push implements a client for the Device Cloud TCP push monitor
// protocol. A Manager owns any number of Sessions, each subscribed to one
// monitor; a single multiplexed read loop receives and reassembles publish
// messages across all sessions, a bounded worker pool invokes user callbacks
// off the I/O path, and a writer loop sends acknowledgments back to the
// server. Sessions that fail mid-stream are restarted in place without
// disturbing the others.
package push

import (
	"fmt"
	"time"

	"github.com/cyberinferno/devicecloud-push/logger"
)

// TCP ports the push service listens on.
const (
	// OpenPort is the plaintext push port.
	OpenPort = 3200
	// SecurePort is the TLS push port.
	SecurePort = 3201
)

// handshakeTimeout bounds the ConnectionRequest/ConnectionResponse exchange.
const handshakeTimeout = 60 * time.Second

// CallbackStatus is the result a Callback reports for one delivered message.
type CallbackStatus int

const (
	// CallbackAck marks the message as processed; the client sends a
	// PublishMessageReceived acknowledgment so the server will not redeliver.
	CallbackAck CallbackStatus = iota + 1
	// CallbackNoAck declines the message without error; no acknowledgment is
	// sent and the server may redeliver it later.
	CallbackNoAck
)

// Callback is invoked by the worker pool with the decoded JSON payload of
// each publish message. It must return CallbackAck or CallbackNoAck; any
// other value is logged as a usage warning and treated as no-ack. Callbacks
// run concurrently when the pool has more than one worker and must be safe
// for concurrent use. A panic in a Callback is recovered and logged; it
// never affects the connection.
type Callback func(payload any) CallbackStatus

// ConnectionError indicates a failure to establish or authenticate a session:
// a dial error, a TLS error, or a rejected/malformed handshake. It wraps the
// underlying cause.
type ConnectionError struct {
	Op  string // what was being attempted, e.g. "dial" or "handshake"
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("push connection: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Config holds configuration for a Manager and the sessions it creates.
type Config struct {
	// Hostname is the Device Cloud host to connect to, without a port.
	Hostname string
	// Username is the account name used in the connection handshake.
	Username string
	// Password is the account password used in the connection handshake.
	Password string
	// Secure selects TLS on SecurePort instead of plaintext on OpenPort.
	Secure bool
	// CACertFile is an optional path to a PEM bundle of trust anchors for
	// TLS verification. Empty means the system roots are used.
	CACertFile string
	// Workers is the number of callback workers; the callback queue is
	// bounded to the same size. Values below 1 are treated as 1.
	Workers int
	// PollTimeout is how long one readiness check on a session may wait for
	// data, and the interval at which the background loops observe shutdown.
	PollTimeout time.Duration
	// DialTimeout is the max duration for establishing a new connection.
	DialTimeout time.Duration
	// DedupTTL, when positive, suppresses duplicate deliveries: a block id
	// acknowledged within the window is re-acknowledged without invoking the
	// callback again. Zero disables suppression.
	DedupTTL time.Duration
	// Logger receives the client's diagnostic events. Nil means no output.
	Logger logger.Logger

	// dialPort overrides the fixed protocol port; used by tests against
	// in-process servers.
	dialPort int
}

// DefaultConfig returns a Config with default values for the given host and
// credentials: TLS enabled, one callback worker, a 100ms poll timeout, a 10s
// dial timeout, duplicate suppression disabled, and no log output. Override
// fields as needed before passing the Config to NewManager.
//
// Parameters:
//   - hostname: The Device Cloud host, without a port
//   - username: Account name for the handshake
//   - password: Account password for the handshake
//
// Returns:
//   - A Config ready for NewManager
func DefaultConfig(hostname, username, password string) Config {
	return Config{
		Hostname:    hostname,
		Username:    username,
		Password:    password,
		Secure:      true,
		Workers:     1,
		PollTimeout: 100 * time.Millisecond,
		DialTimeout: 10 * time.Second,
		Logger:      logger.NewNopLogger(),
	}
}
