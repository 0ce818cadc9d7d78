package push

import (
	"net"

	"github.com/cyberinferno/devicecloud-push/logger"
)

// writeRequest is one pre-encoded frame to be sent on a specific connection.
// The writer never inspects the bytes; it is an ordering-preserving pipe for
// the requests it is given, one blocking send per request.
type writeRequest struct {
	conn      net.Conn
	monitorID uint32
	data      []byte
}

// writerLoop drains the write queue until it is closed during shutdown,
// after all producers have exited. A send failure means the session's
// connection died under us; the failure is logged and dead sessions are
// reaped from the registry rather than crashing the loop.
func (m *Manager) writerLoop() error {
	for req := range m.writes {
		if req.conn == nil {
			continue
		}

		if _, err := req.conn.Write(req.data); err != nil {
			m.log.Error("send failed, reaping dead sessions",
				logger.Field{Key: "monitor_id", Value: req.monitorID},
				logger.Field{Key: "error", Value: err})
			m.reapDeadSessions()
		}
	}

	return nil
}
