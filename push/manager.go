package push

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/devicecloud-push/logger"
	"github.com/cyberinferno/devicecloud-push/wire"
)

// writeQueueSize bounds the number of pre-encoded frames waiting for the
// writer loop.
const writeQueueSize = 64

// Manager arbitrates any number of push sessions against one Device Cloud
// host. It owns the session registry, the multiplexed read loop, the writer
// loop, and the callback worker pool; the loops start once, on the first
// successful CreateSession, and run until Stop.
type Manager struct {
	cfg Config
	log logger.Logger

	mu       sync.Mutex
	sessions map[uint32]*Session
	started  bool

	nextID atomic.Uint32
	closed atomic.Bool

	writes     chan writeRequest
	pool       *callbackPool
	loops      errgroup.Group
	readExited chan struct{}
	stopOnce   sync.Once
}

// NewManager creates a Manager for the given configuration. No connection is
// made and no goroutine started until the first CreateSession.
//
// Parameters:
//   - cfg: Connection and behavior settings (e.g. from DefaultConfig)
//
// Returns:
//   - A new Manager; call Stop when done to release resources
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	m := &Manager{
		cfg:        cfg,
		log:        cfg.Logger.With(logger.Field{Key: "component", Value: "push_manager"}),
		sessions:   make(map[uint32]*Session),
		writes:     make(chan writeRequest, writeQueueSize),
		readExited: make(chan struct{}),
	}
	m.pool = newCallbackPool(cfg, m.writes)

	return m
}

// CreateSession connects and authenticates a new session for the given
// monitor, registers it, and (on the first call) starts the background
// loops. The connect and handshake run synchronously; on failure the error
// is returned and nothing is registered.
//
// Parameters:
//   - callback: Function invoked with each decoded publish payload; see
//     Callback for the acknowledgment contract
//   - monitorID: The id of the monitor to subscribe to
//
// Returns:
//   - The running session, or a ConnectionError if connect or handshake failed
func (m *Manager) CreateSession(callback Callback, monitorID uint32) (*Session, error) {
	if m.closed.Load() {
		return nil, errors.New("push: manager is stopped")
	}
	if callback == nil {
		return nil, errors.New("push: callback must not be nil")
	}

	m.log.Info("creating session", logger.Field{Key: "monitor_id", Value: monitorID})

	s := newSession(m.cfg, callback, monitorID)
	if err := s.connect(); err != nil {
		return nil, err
	}
	if err := s.handshake(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed.Load() {
		// Stop won the race while we were handshaking.
		m.mu.Unlock()
		s.Stop()
		return nil, errors.New("push: manager is stopped")
	}
	m.sessions[m.nextID.Add(1)] = s
	m.startLocked()
	m.mu.Unlock()

	return s, nil
}

// Stop shuts the Manager down: the read loop and writer loop exit within one
// poll interval, queued callbacks drain (in-flight callbacks are never
// interrupted), queued acknowledgments are flushed, and every
// still-registered session is stopped. Stop blocks until all background
// goroutines have exited and is safe to call more than once.
func (m *Manager) Stop() {
	m.closed.Store(true)

	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	if started {
		m.stopOnce.Do(func() {
			m.log.Info("waiting for read loop to stop")
			<-m.readExited
			m.pool.stop()
			close(m.writes)
		})
		_ = m.loops.Wait()
	}

	m.stopAllSessions()
	m.log.Info("all background loops stopped")
}

// startLocked starts the background loops and the worker pool once.
// Caller must hold m.mu.
func (m *Manager) startLocked() {
	if m.started {
		return
	}
	m.started = true

	m.pool.start()
	m.loops.Go(m.readLoop)
	m.loops.Go(m.writerLoop)
}

// readLoop multiplexes reads across all registered sessions until the
// Manager is stopped. Each pass snapshots the registry and gives every
// session one readiness-bounded turn of the reassembly state machine.
func (m *Manager) readLoop() error {
	defer close(m.readExited)

	for !m.closed.Load() {
		ids, sessions := m.snapshot()
		if len(ids) == 0 {
			time.Sleep(m.cfg.PollTimeout)
			continue
		}

		for i, id := range ids {
			if m.closed.Load() {
				break
			}
			m.serviceSession(id, sessions[i])
		}
	}

	return nil
}

// serviceSession runs one turn of the per-session reassembly state machine:
// retry a parked hand-off, then read toward the current header or body,
// waiting at most one poll timeout for data. Only the read loop calls this;
// it is the sole mutator of the session's accumulator.
func (m *Manager) serviceSession(id uint32, s *Session) {
	if s.pending != nil {
		// Backpressure: the callback queue was full when this session's last
		// message completed. No further reads for this session until the
		// queue accepts the parked task; other sessions are unaffected. The
		// wait is bounded like any other readiness check so the loop keeps
		// observing the closed flag.
		select {
		case m.pool.tasks <- *s.pending:
			s.pending = nil
		case <-time.After(m.cfg.PollTimeout):
			return
		}
	}

	conn := s.transport()
	if conn == nil {
		// Stopped by the user; drop the registration, never restart.
		s.resetAccumulator()
		m.removeSession(id)
		return
	}

	deadline := time.Now().Add(m.cfg.PollTimeout)

	if s.expected == 0 {
		switch s.fill(conn, wire.HeaderSize, deadline) {
		case readWouldBlock:
			return
		case readClosed, readFatal:
			s.log.Error("socket closed while awaiting header")
			m.restartSession(id, s)
			return
		}

		if len(s.buf) < wire.HeaderSize {
			return
		}

		opcode, length, _ := wire.DecodeHeader(s.buf)
		s.buf = nil
		s.expected = length
		if opcode != wire.OpPublishMessage {
			s.log.Warn("discarding frame with unexpected opcode",
				logger.Field{Key: "opcode", Value: opcode},
				logger.Field{Key: "length", Value: length})
			s.discard = true
		}

		if s.expected == 0 {
			m.finishFrame(s)
			return
		}
	}

	switch s.fill(conn, s.expected, deadline) {
	case readWouldBlock:
		return
	case readClosed, readFatal:
		s.log.Error("socket closed mid-message")
		m.restartSession(id, s)
		return
	}

	if len(s.buf) == s.expected {
		m.finishFrame(s)
	}
}

// finishFrame consumes the completed frame in the session's accumulator and
// resets the session to header state. Publish bodies are decoded and handed
// to the worker pool; frames flagged for discard are dropped; a body that
// fails to decode is logged and skipped without touching the connection.
func (m *Manager) finishFrame(s *Session) {
	body := s.buf
	s.buf = nil
	s.expected = 0

	if s.discard {
		s.discard = false
		return
	}

	blockID, payload, err := wire.DecodePublishBody(body)
	if err != nil {
		s.log.Error("dropping undecodable publish message", logger.Field{Key: "error", Value: err})
		return
	}

	task := callbackTask{session: s, blockID: blockID, payload: payload}
	select {
	case m.pool.tasks <- task:
	default:
		s.pending = &task
	}
}

// restartSession re-establishes a session whose stream failed: it is removed
// from the registry, stopped, reconnected, re-authenticated, and registered
// under a fresh id. If the user stopped the session concurrently it is
// dropped instead. A failed reconnect or handshake is logged and leaves the
// session out of the registry; there is no in-line retry.
func (m *Manager) restartSession(id uint32, s *Session) {
	m.removeSession(id)
	s.resetAccumulator()

	if s.transport() == nil {
		return
	}

	s.log.Info("restarting session")
	s.Stop()

	if err := s.connect(); err != nil {
		s.log.Error("session restart failed", logger.Field{Key: "error", Value: err})
		return
	}
	if err := s.handshake(); err != nil {
		s.log.Error("session restart failed", logger.Field{Key: "error", Value: err})
		return
	}

	m.mu.Lock()
	m.sessions[m.nextID.Add(1)] = s
	m.mu.Unlock()

	s.log.Info("session restarted")
}

// snapshot returns the current registry contents in matching slices.
func (m *Manager) snapshot() ([]uint32, []*Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint32, 0, len(m.sessions))
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		ids = append(ids, id)
		sessions = append(sessions, s)
	}

	return ids, sessions
}

// removeSession deletes one registry entry.
func (m *Manager) removeSession(id uint32) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// reapDeadSessions removes every registered session whose transport is gone.
// Called by the writer loop when a send hits a dead connection, and shares
// the registry mutex with the read loop's restart path.
func (m *Manager) reapDeadSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if s.transport() == nil {
			delete(m.sessions, id)
		}
	}
}

// stopAllSessions stops and deregisters every session.
func (m *Manager) stopAllSessions() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}
