// Package eventbus distributes audit events to live subscribers and to the
// durable event log.
//
// Every audit owns an independent stream: a monotonic sequence counter, a
// bounded replay buffer, and a set of subscriptions. Publication never
// blocks the caller: live delivery drops on a full subscriber channel,
// durable delivery goes through a bounded channel drained by a worker
// pool, and a slow event log never delays the pipeline.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/audit-control-plane/config"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
	"go.uber.org/zap"
)

// ErrNotRunning is returned by Subscribe when the bus is stopped.
var ErrNotRunning = fmt.Errorf("event bus is not running")

// Bus is the process-wide audit event distributor.
// It must be constructed with New, started before use, and stopped on
// shutdown. All methods are safe for concurrent use.
type Bus struct {
	cfg      config.EventBusConfig
	logger   *zap.Logger
	eventLog repositories.EventLogRepository
	metrics  BusMetrics

	mu        sync.RWMutex
	streams   map[string]*stream
	transport Transport

	// pubGate holds publishers (readers) off Stop (writer): Stop closes
	// the feed channels only after every in-flight Publish has returned.
	pubGate     sync.RWMutex
	persistCh   chan *models.AuditEvent
	transportCh chan *models.AuditEvent
	workerWg    sync.WaitGroup

	running     atomic.Bool
	subscribers atomic.Int64
	stopOnce    sync.Once
}

// stream is the per-audit state: the sequence allocator, the bounded
// replay buffer, and the registered subscriptions.
type stream struct {
	mu      sync.Mutex
	seq     int64
	buffer  []*models.AuditEvent
	subs    map[int64]*Subscription
	nextSub int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithMetrics sets the metrics sink. Defaults to a no-op sink.
func WithMetrics(m BusMetrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithTransport attaches an external transport tap. Every published
// event is forwarded to it best-effort.
func WithTransport(t Transport) Option {
	return func(b *Bus) { b.transport = t }
}

// New creates a Bus. The event log may be nil in tests; publication then
// skips the durable path entirely.
func New(cfg config.EventBusConfig, eventLog repositories.EventLogRepository, logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		cfg:       cfg,
		logger:    logger,
		eventLog:  eventLog,
		metrics:   nopMetrics{},
		streams:   make(map[string]*stream),
		persistCh: make(chan *models.AuditEvent, cfg.PersistBuffer),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.transport != nil {
		b.transportCh = make(chan *models.AuditEvent, cfg.PersistBuffer)
	}
	return b
}

// Start launches the persistence workers and marks the bus running.
func (b *Bus) Start() error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("event bus already started")
	}

	if b.eventLog != nil {
		for i := 0; i < b.cfg.PersistWorkers; i++ {
			b.workerWg.Add(1)
			go b.persistWorker(i)
		}
	}

	if b.transport != nil {
		if err := b.transport.Start(); err != nil {
			b.running.Store(false)
			return fmt.Errorf("failed to start event transport: %w", err)
		}
		b.workerWg.Add(1)
		go b.transportWorker()
	}

	b.logger.Info("event bus started",
		zap.Int("queue_size", b.cfg.QueueSize),
		zap.Int("persist_workers", b.cfg.PersistWorkers))
	return nil
}

// Stop shuts the bus down: a synthetic shutdown marker is flushed to
// every active subscription, the persistence channel is drained within
// the configured timeout, and all per-audit state is released.
// Publish becomes a no-op afterwards. Stop is idempotent.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.running.Store(false)

		// Wait out in-flight publishers before closing the feed
		// channels; new ones bail on the running flag.
		b.pubGate.Lock()
		b.pubGate.Unlock()

		b.mu.Lock()
		streams := b.streams
		b.streams = make(map[string]*stream)
		b.mu.Unlock()

		for auditID, st := range streams {
			marker := &models.AuditEvent{
				AuditID:   auditID,
				AgentType: models.AgentSystem,
				EventType: models.EventShutdown,
				Timestamp: time.Now().UTC(),
			}
			st.mu.Lock()
			for _, sub := range st.subs {
				sub.offer(marker)
			}
			st.subs = nil
			st.mu.Unlock()
		}

		close(b.persistCh)
		if b.transportCh != nil {
			close(b.transportCh)
		}
		done := make(chan struct{})
		go func() {
			b.workerWg.Wait()
			close(done)
		}()
		select {
		case <-done:
			b.logger.Info("event bus drained")
		case <-time.After(b.cfg.StopTimeout):
			b.logger.Warn("timeout draining event bus", zap.Duration("timeout", b.cfg.StopTimeout))
		}

		if b.transport != nil {
			if err := b.transport.Close(); err != nil {
				b.logger.Warn("failed to close event transport", zap.Error(err))
			}
		}

		b.logger.Info("event bus stopped")
	})
}

// Publish allocates the next sequence for the audit, fans the event out
// to live subscribers, and forwards it to the durable path. It never
// blocks. When the bus is not running the event is lost and an empty
// event ID is returned; callers must not retry.
func (b *Bus) Publish(auditID string, agent models.AgentType, eventType models.EventType, payload any, message string) string {
	b.pubGate.RLock()
	defer b.pubGate.RUnlock()
	if !b.running.Load() {
		b.logger.Warn("event bus not running, dropping event",
			zap.String("audit_id", auditID),
			zap.String("event_type", string(eventType)))
		return ""
	}

	start := time.Now()
	event := models.NewAuditEvent(auditID, agent, eventType, payload, message)
	st := b.getStream(auditID)

	// Sequence assignment, buffering, and live fan-out happen under the
	// stream lock so every subscriber observes events in sequence order.
	st.mu.Lock()
	st.seq++
	event.Sequence = st.seq

	if len(st.buffer) < b.cfg.QueueSize {
		st.buffer = append(st.buffer, event)
	} else {
		// Drop-newest: the buffered, causally earlier context is kept.
		b.metrics.EventDropped(string(eventType), DropLive)
		b.logger.Warn("replay buffer full, dropping event from live path",
			zap.String("audit_id", auditID),
			zap.Int64("sequence", event.Sequence))
	}

	for _, sub := range st.subs {
		if !sub.offer(event) {
			b.metrics.EventDropped(string(eventType), DropSubscriber)
			b.logger.Warn("subscriber channel full, dropping event",
				zap.String("audit_id", auditID),
				zap.Int64("sequence", event.Sequence))
		}
	}
	st.mu.Unlock()

	b.metrics.EventPublished(string(eventType))

	// Durable path: decoupled from the live path above. A full channel
	// means the log writers are hopelessly behind; dropping here keeps
	// the producer unblocked.
	if b.eventLog != nil {
		select {
		case b.persistCh <- event:
		default:
			b.metrics.EventDropped(string(eventType), DropDurable)
			b.logger.Error("persistence channel full, event lost from durable path",
				zap.String("audit_id", auditID),
				zap.Int64("sequence", event.Sequence))
		}
	}

	// Transport tap: same hand-off as the durable path. A slow or
	// unreachable broker backs up the transport queue, never Publish.
	if b.transportCh != nil {
		select {
		case b.transportCh <- event:
		default:
			b.metrics.EventDropped(string(eventType), DropTransport)
			b.logger.Warn("transport channel full, dropping event from transport tap",
				zap.String("audit_id", auditID),
				zap.Int64("sequence", event.Sequence))
		}
	}

	b.metrics.PublishLatency(string(eventType), time.Since(start).Seconds())
	return event.EventID
}

// Subscribe opens a live event stream for an audit. Events with
// sequence <= afterSequence are filtered out; buffered events are
// delivered first, then live events as they arrive. The stream yields a
// synthetic heartbeat when idle longer than the heartbeat interval and
// closes itself after delivering a terminal event. Cancel the context
// or call Close to release the subscription.
func (b *Bus) Subscribe(ctx context.Context, auditID string, afterSequence int64) (*Subscription, error) {
	if !b.running.Load() {
		return nil, ErrNotRunning
	}

	st := b.getStream(auditID)

	sub := newSubscription(auditID, b.cfg.SubscriberBuffer)

	// Registration and the buffer snapshot share one critical section so
	// no event published in between is either missed or duplicated.
	st.mu.Lock()
	st.nextSub++
	id := st.nextSub
	st.subs[id] = sub
	backlog := make([]*models.AuditEvent, len(st.buffer))
	copy(backlog, st.buffer)
	st.mu.Unlock()

	b.subscribers.Add(1)
	sub.onClose = func() {
		st.mu.Lock()
		delete(st.subs, id)
		st.mu.Unlock()
		b.subscribers.Add(-1)
	}

	b.logger.Info("subscription opened",
		zap.String("audit_id", auditID),
		zap.Int64("after_sequence", afterSequence),
		zap.Int("backlog", len(backlog)))

	go sub.pump(ctx, backlog, afterSequence, b.cfg.HeartbeatInterval)
	return sub, nil
}

// Stats reports the bus's observable state. Side-effect free.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BusStats{
		ActiveAudits: len(b.streams),
		Subscribers:  int(b.subscribers.Load()),
		QueueDepths:  make(map[string]int, len(b.streams)),
	}
	for auditID, st := range b.streams {
		st.mu.Lock()
		stats.QueueDepths[auditID] = len(st.buffer)
		st.mu.Unlock()
	}
	return stats
}

// Running reports whether the bus accepts publishes and subscriptions.
func (b *Bus) Running() bool {
	return b.running.Load()
}

// BusStats is a point-in-time snapshot of bus state.
type BusStats struct {
	ActiveAudits int            `json:"active_audits"`
	Subscribers  int            `json:"subscribers"`
	QueueDepths  map[string]int `json:"queue_depths"`
}

func (b *Bus) getStream(auditID string) *stream {
	b.mu.RLock()
	st, ok := b.streams[auditID]
	b.mu.RUnlock()
	if ok {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok = b.streams[auditID]; ok {
		return st
	}
	st = &stream{
		buffer: make([]*models.AuditEvent, 0, 64),
		subs:   make(map[int64]*Subscription),
	}
	b.streams[auditID] = st
	b.logger.Debug("stream created", zap.String("audit_id", auditID))
	return st
}

// RemoveStream drops the in-memory state for a finished audit. The
// durable log is untouched; reconnecting consumers fall back to it.
func (b *Bus) RemoveStream(auditID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, auditID)
}

func (b *Bus) persistWorker(id int) {
	defer b.workerWg.Done()

	b.logger.Debug("persist worker started", zap.Int("worker_id", id))
	for event := range b.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := b.eventLog.Insert(ctx, event)
		cancel()
		if err != nil {
			b.metrics.PersistError()
			b.logger.Error("failed to persist audit event",
				zap.Int("worker_id", id),
				zap.String("audit_id", event.AuditID),
				zap.Int64("sequence", event.Sequence),
				zap.Error(err))
		}
	}
	b.logger.Debug("persist worker stopped", zap.Int("worker_id", id))
}

// transportWorker drains the transport channel sequentially so broker
// retries happen off the publish hot path.
func (b *Bus) transportWorker() {
	defer b.workerWg.Done()

	b.logger.Debug("transport worker started")
	for event := range b.transportCh {
		if err := b.transport.Send(event); err != nil {
			b.logger.Warn("event transport send failed",
				zap.String("audit_id", event.AuditID),
				zap.Int64("sequence", event.Sequence),
				zap.Error(err))
		}
	}
	b.logger.Debug("transport worker stopped")
}
