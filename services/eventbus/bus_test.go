package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/audit-control-plane/config"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
	"go.uber.org/zap"
)

func testConfig() config.EventBusConfig {
	return config.EventBusConfig{
		QueueSize:         100,
		SubscriberBuffer:  32,
		HeartbeatInterval: time.Hour,
		PersistBuffer:     100,
		PersistWorkers:    2,
		StopTimeout:       2 * time.Second,
	}
}

type memoryEventLog struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (m *memoryEventLog) Insert(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memoryEventLog) List(_ context.Context, q repositories.EventQuery) ([]*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditEvent
	for _, e := range m.events {
		if e.AuditID == q.AuditID && e.Sequence > q.AfterSequence {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryEventLog) LatestSequence(_ context.Context, auditID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for _, e := range m.events {
		if e.AuditID == auditID && e.Sequence > max {
			max = e.Sequence
		}
	}
	return max, nil
}

func (m *memoryEventLog) Statistics(_ context.Context, auditID string) (*models.EventStatistics, error) {
	return &models.EventStatistics{}, nil
}

func (m *memoryEventLog) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newTestBus(t *testing.T, log repositories.EventLogRepository) *Bus {
	t.Helper()
	bus := New(testConfig(), log, zap.NewNop())
	require.NoError(t, bus.Start())
	t.Cleanup(bus.Stop)
	return bus
}

func TestPublishAssignsMonotonicSequences(t *testing.T) {
	bus := newTestBus(t, nil)

	for i := 0; i < 5; i++ {
		id := bus.Publish("audit_a", models.AgentOrchestrator, models.EventStatus, nil, "tick")
		assert.NotEmpty(t, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, "audit_a", 0)
	require.NoError(t, err)
	defer sub.Close()

	for want := int64(1); want <= 5; want++ {
		select {
		case event := <-sub.C():
			assert.Equal(t, want, event.Sequence)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for sequence %d", want)
		}
	}
}

func TestSequencesAreIndependentPerAudit(t *testing.T) {
	bus := newTestBus(t, nil)

	bus.Publish("audit_a", models.AgentRecon, models.EventStatus, nil, "")
	bus.Publish("audit_a", models.AgentRecon, models.EventStatus, nil, "")
	bus.Publish("audit_b", models.AgentScan, models.EventStatus, nil, "")

	stats := bus.Stats()
	assert.Equal(t, 2, stats.ActiveAudits)
	assert.Equal(t, 2, stats.QueueDepths["audit_a"])
	assert.Equal(t, 1, stats.QueueDepths["audit_b"])
}

func TestSubscribeReplaysBacklogThenLive(t *testing.T) {
	bus := newTestBus(t, nil)

	bus.Publish("audit_a", models.AgentRecon, models.EventStageStart, nil, "recon starting")
	bus.Publish("audit_a", models.AgentRecon, models.EventStageComplete, nil, "recon done")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, "audit_a", 0)
	require.NoError(t, err)
	defer sub.Close()

	bus.Publish("audit_a", models.AgentScan, models.EventStageStart, nil, "scan starting")

	var got []int64
	for len(got) < 3 {
		select {
		case event := <-sub.C():
			got = append(got, event.Sequence)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %v", got)
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestSubscribeAfterSequenceSkipsDelivered(t *testing.T) {
	bus := newTestBus(t, nil)

	for i := 0; i < 4; i++ {
		bus.Publish("audit_a", models.AgentRecon, models.EventStatus, nil, "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, "audit_a", 2)
	require.NoError(t, err)
	defer sub.Close()

	select {
	case event := <-sub.C():
		assert.Equal(t, int64(3), event.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first event")
	}
}

func TestTerminalEventClosesSubscription(t *testing.T) {
	bus := newTestBus(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, "audit_a", 0)
	require.NoError(t, err)

	bus.Publish("audit_a", models.AgentOrchestrator, models.EventStatus, nil, "running")
	bus.Publish("audit_a", models.AgentOrchestrator, models.EventComplete, nil, "audit complete")

	var types []models.EventType
	for event := range sub.C() {
		types = append(types, event.EventType)
	}
	require.Len(t, types, 2)
	assert.Equal(t, models.EventComplete, types[1])
}

func TestHeartbeatOnIdleStream(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	bus := New(cfg, nil, zap.NewNop())
	require.NoError(t, bus.Start())
	defer bus.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, "audit_a", 0)
	require.NoError(t, err)
	defer sub.Close()

	select {
	case event := <-sub.C():
		assert.Equal(t, models.EventHeartbeat, event.EventType)
		assert.Equal(t, int64(0), event.Sequence)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat on idle stream")
	}
}

func TestPublishAfterStopReturnsEmptyID(t *testing.T) {
	bus := New(testConfig(), nil, zap.NewNop())
	require.NoError(t, bus.Start())
	bus.Stop()

	id := bus.Publish("audit_a", models.AgentSystem, models.EventStatus, nil, "late")
	assert.Empty(t, id)
}

func TestStopDeliversShutdownMarker(t *testing.T) {
	bus := New(testConfig(), nil, zap.NewNop())
	require.NoError(t, bus.Start())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, "audit_a", 0)
	require.NoError(t, err)

	bus.Stop()

	select {
	case event, ok := <-sub.C():
		if ok {
			assert.Equal(t, models.EventShutdown, event.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("subscription did not observe shutdown")
	}
}

func TestEventsReachDurableLog(t *testing.T) {
	log := &memoryEventLog{}
	bus := newTestBus(t, log)

	for i := 0; i < 10; i++ {
		bus.Publish("audit_a", models.AgentAnalysis, models.EventThinking, nil, "")
	}

	assert.Eventually(t, func() bool {
		return log.count() == 10
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatsAreNeverPersisted(t *testing.T) {
	log := &memoryEventLog{}
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	bus := New(cfg, log, zap.NewNop())
	require.NoError(t, bus.Start())
	defer bus.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, "audit_a", 0)
	require.NoError(t, err)
	defer sub.Close()

	// Let a few heartbeats fire.
	for i := 0; i < 3; i++ {
		select {
		case <-sub.C():
		case <-time.After(time.Second):
			t.Fatal("expected heartbeats")
		}
	}
	assert.Zero(t, log.count())
}

func TestReplayBufferDropsNewestWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 3
	bus := New(cfg, nil, zap.NewNop())
	require.NoError(t, bus.Start())
	defer bus.Stop()

	for i := 0; i < 5; i++ {
		bus.Publish("audit_a", models.AgentScan, models.EventThinking, nil, "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, "audit_a", 0)
	require.NoError(t, err)
	defer sub.Close()

	var got []int64
	for len(got) < 3 {
		select {
		case event := <-sub.C():
			got = append(got, event.Sequence)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %v", got)
		}
	}
	// The oldest events survive; the overflow is discarded.
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestConcurrentPublishersKeepOrdering(t *testing.T) {
	bus := newTestBus(t, nil)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				bus.Publish("audit_a", models.AgentScan, models.EventThinking, nil, "")
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, "audit_a", 0)
	require.NoError(t, err)
	defer sub.Close()

	last := int64(0)
	for i := 0; i < 80; i++ {
		select {
		case event := <-sub.C():
			assert.Equal(t, last+1, event.Sequence)
			last = event.Sequence
		case <-time.After(time.Second):
			t.Fatalf("timed out at sequence %d", last)
		}
	}
}

func TestSubscribeOnStoppedBus(t *testing.T) {
	bus := New(testConfig(), nil, zap.NewNop())
	require.NoError(t, bus.Start())
	bus.Stop()

	_, err := bus.Subscribe(context.Background(), "audit_a", 0)
	assert.ErrorIs(t, err, ErrNotRunning)
}

type captureTransport struct {
	mu     sync.Mutex
	delay  time.Duration
	events []*models.AuditEvent
}

func (c *captureTransport) Start() error { return nil }

func (c *captureTransport) Send(event *models.AuditEvent) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestPublishForwardsToTransport(t *testing.T) {
	tr := &captureTransport{}
	bus := New(testConfig(), nil, zap.NewNop(), WithTransport(tr))
	require.NoError(t, bus.Start())
	defer bus.Stop()

	bus.Publish("audit_a", models.AgentRecon, models.EventStatus, nil, "")
	bus.Publish("audit_a", models.AgentRecon, models.EventStageStart, nil, "")

	assert.Eventually(t, func() bool {
		return tr.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSlowTransportDoesNotBlockPublish(t *testing.T) {
	tr := &captureTransport{delay: 300 * time.Millisecond}
	bus := New(testConfig(), nil, zap.NewNop(), WithTransport(tr))
	require.NoError(t, bus.Start())
	defer bus.Stop()

	start := time.Now()
	for i := 0; i < 3; i++ {
		bus.Publish("audit_a", models.AgentScan, models.EventThinking, nil, "")
	}
	assert.Less(t, time.Since(start), 150*time.Millisecond,
		"publish must hand off to the transport queue, not wait on the broker")

	assert.Eventually(t, func() bool {
		return tr.count() == 3
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStopDuringConcurrentPublish(t *testing.T) {
	log := &memoryEventLog{}
	bus := New(testConfig(), log, zap.NewNop())
	require.NoError(t, bus.Start())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					bus.Publish("audit_a", models.AgentScan, models.EventThinking, nil, "")
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	bus.Stop()
	close(stop)
	wg.Wait()

	assert.Empty(t, bus.Publish("audit_a", models.AgentScan, models.EventThinking, nil, "late"))
}

func TestFanOutDeliversFullStreamToEachSubscriber(t *testing.T) {
	bus := newTestBus(t, nil)

	for i := 0; i < 5; i++ {
		bus.Publish("audit_a", models.AgentRecon, models.EventStatus, nil, "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first, err := bus.Subscribe(ctx, "audit_a", 0)
	require.NoError(t, err)
	defer first.Close()
	second, err := bus.Subscribe(ctx, "audit_a", 0)
	require.NoError(t, err)
	defer second.Close()

	for i := 0; i < 15; i++ {
		bus.Publish("audit_a", models.AgentScan, models.EventThinking, nil, "")
	}

	collect := func(sub *Subscription) []int64 {
		var got []int64
		for len(got) < 20 {
			select {
			case event := <-sub.C():
				got = append(got, event.Sequence)
			case <-time.After(2 * time.Second):
				t.Errorf("timed out after %v", got)
				return got
			}
		}
		return got
	}

	results := make([][]int64, 2)
	var wg sync.WaitGroup
	for i, sub := range []*Subscription{first, second} {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			results[i] = collect(sub)
		}(i, sub)
	}
	wg.Wait()

	want := make([]int64, 20)
	for i := range want {
		want[i] = int64(i + 1)
	}
	assert.Equal(t, want, results[0])
	assert.Equal(t, want, results[1])
}

func TestRemoveStreamClearsState(t *testing.T) {
	bus := newTestBus(t, nil)

	bus.Publish("audit_a", models.AgentRecon, models.EventStatus, nil, "")
	require.Equal(t, 1, bus.Stats().ActiveAudits)

	bus.RemoveStream("audit_a")
	assert.Equal(t, 0, bus.Stats().ActiveAudits)
}
