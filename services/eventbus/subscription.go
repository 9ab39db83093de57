package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/upb/audit-control-plane/models"
)

// Subscription is one consumer's view of an audit stream. Events arrive
// on C in sequence order with no duplicates across the backlog/live
// boundary. The channel is closed after a terminal event, after the bus
// shuts down, or after Close.
type Subscription struct {
	auditID string

	in  chan *models.AuditEvent
	out chan *models.AuditEvent

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

func newSubscription(auditID string, buffer int) *Subscription {
	return &Subscription{
		auditID: auditID,
		in:      make(chan *models.AuditEvent, buffer),
		out:     make(chan *models.AuditEvent, buffer),
		closed:  make(chan struct{}),
	}
}

// C is the receive channel for the subscription.
func (s *Subscription) C() <-chan *models.AuditEvent {
	return s.out
}

// AuditID identifies the audit this subscription follows.
func (s *Subscription) AuditID() string {
	return s.auditID
}

// Close releases the subscription. Idempotent and safe to call from any
// goroutine, including while the pump is mid-delivery.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// offer hands a live event to the subscription without blocking the
// publisher. Reports whether the event was accepted.
func (s *Subscription) offer(event *models.AuditEvent) bool {
	select {
	case <-s.closed:
		return true
	default:
	}
	select {
	case s.in <- event:
		return true
	default:
		return false
	}
}

// pump drains the backlog, then bridges live events from the internal
// channel to the consumer channel. It deduplicates across the
// backlog/live boundary by tracking the last delivered sequence,
// injects heartbeats when the stream is idle, and terminates after a
// terminal or shutdown event.
func (s *Subscription) pump(ctx context.Context, backlog []*models.AuditEvent, afterSequence int64, heartbeatInterval time.Duration) {
	defer close(s.out)
	defer s.Close()

	lastSeq := afterSequence

	deliver := func(event *models.AuditEvent) bool {
		select {
		case s.out <- event:
			return true
		case <-ctx.Done():
			return false
		case <-s.closed:
			return false
		}
	}

	for _, event := range backlog {
		if event.Sequence <= lastSeq {
			continue
		}
		if !deliver(event) {
			return
		}
		lastSeq = event.Sequence
		if event.EventType.IsTerminal() {
			return
		}
	}

	heartbeat := time.NewTimer(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case event := <-s.in:
			// Heartbeats and the shutdown marker carry sequence 0 and
			// bypass the dedupe check.
			if event.Sequence > 0 && event.Sequence <= lastSeq {
				continue
			}
			if !deliver(event) {
				return
			}
			if event.Sequence > 0 {
				lastSeq = event.Sequence
			}
			if event.EventType.IsTerminal() || event.EventType == models.EventShutdown {
				return
			}
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(heartbeatInterval)

		case <-heartbeat.C:
			if !deliver(models.NewHeartbeatEvent(s.auditID)) {
				return
			}
			heartbeat.Reset(heartbeatInterval)

		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}
