package push

import (
	"encoding/json"
	"fmt"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/devicecloud-push/logger"
	"github.com/cyberinferno/devicecloud-push/wire"
)

// callbackTask is one decoded publish message waiting for callback delivery.
type callbackTask struct {
	session *Session
	blockID uint16
	payload []byte
}

// callbackPool is a fixed-size pool of workers invoking session callbacks
// off the read loop's path. The task queue is bounded to the pool size;
// a full queue is the backpressure signal the read loop reacts to. Workers
// acknowledge successfully processed messages through the Manager's write
// queue.
type callbackPool struct {
	tasks   chan callbackTask
	writes  chan<- writeRequest
	size    int
	log     logger.Logger
	dedup   *cache.Cache
	workers errgroup.Group
}

// newCallbackPool builds a pool sized and configured from cfg. Workers do
// not run until start.
func newCallbackPool(cfg Config, writes chan<- writeRequest) *callbackPool {
	p := &callbackPool{
		tasks:  make(chan callbackTask, cfg.Workers),
		writes: writes,
		size:   cfg.Workers,
		log:    cfg.Logger.With(logger.Field{Key: "component", Value: "callback_pool"}),
	}

	if cfg.DedupTTL > 0 {
		p.dedup = cache.New(cfg.DedupTTL, 2*cfg.DedupTTL)
	}

	return p
}

// start launches the workers.
func (p *callbackPool) start() {
	for i := 0; i < p.size; i++ {
		p.workers.Go(p.consume)
	}
}

// stop closes the task queue and waits for the workers to drain it. Safe to
// call only after all producers have exited.
func (p *callbackPool) stop() {
	close(p.tasks)
	_ = p.workers.Wait()
}

// consume delivers queued tasks until the queue is closed.
func (p *callbackPool) consume() error {
	for task := range p.tasks {
		p.deliver(task)
	}

	return nil
}

// deliver decodes one payload and invokes the session's callback. A
// CallbackAck result enqueues the acknowledgment; CallbackNoAck does
// nothing; any other result is a usage warning. JSON errors and callback
// panics are logged and never acknowledged.
func (p *callbackPool) deliver(task callbackTask) {
	s := task.session

	var key string
	if p.dedup != nil {
		key = fmt.Sprintf("%d/%d", s.monitorID, task.blockID)
		if _, seen := p.dedup.Get(key); seen {
			s.log.Debug("re-acknowledging duplicate block",
				logger.Field{Key: "block_id", Value: task.blockID})
			p.ack(s, task.blockID)
			return
		}
	}

	var payload any
	if err := json.Unmarshal(task.payload, &payload); err != nil {
		s.log.Error("publish payload is not valid JSON",
			logger.Field{Key: "block_id", Value: task.blockID},
			logger.Field{Key: "error", Value: err})
		return
	}

	status, panicked := p.invoke(s, payload)
	if panicked {
		return
	}

	switch status {
	case CallbackAck:
		if p.dedup != nil {
			p.dedup.SetDefault(key, struct{}{})
		}
		p.ack(s, task.blockID)
	case CallbackNoAck:
	default:
		s.log.Warn("callback returned neither CallbackAck nor CallbackNoAck; message will not be acknowledged",
			logger.Field{Key: "block_id", Value: task.blockID})
	}
}

// invoke runs the user callback, recovering any panic so a misbehaving
// callback can never take down a worker.
func (p *callbackPool) invoke(s *Session, payload any) (status CallbackStatus, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.log.Error("callback panicked", logger.Field{Key: "panic", Value: r})
		}
	}()

	return s.callback(payload), false
}

// ack enqueues a PublishMessageReceived frame for the session's current
// connection. A session stopped or mid-restart has no connection; the ack is
// dropped, which the server treats the same as a slow client and redelivers.
func (p *callbackPool) ack(s *Session, blockID uint16) {
	conn := s.transport()
	if conn == nil {
		return
	}

	p.writes <- writeRequest{
		conn:      conn,
		monitorID: s.monitorID,
		data:      wire.EncodePublishAck(blockID, wire.StatusOK),
	}
}
