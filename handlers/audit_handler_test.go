package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/audit-control-plane/app"
	"github.com/upb/audit-control-plane/config"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
	"github.com/upb/audit-control-plane/routes"
	"github.com/upb/audit-control-plane/services/audit"
	"github.com/upb/audit-control-plane/services/eventbus"
	"github.com/upb/audit-control-plane/services/pipeline"
	"go.uber.org/zap"
)

type stubStore struct{ healthy bool }

func (s *stubStore) HealthCheck(context.Context) error {
	if !s.healthy {
		return fmt.Errorf("storage down")
	}
	return nil
}
func (s *stubStore) Close() error { return nil }

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*models.AuditSession
}

func (m *memSessions) Create(_ context.Context, s *models.AuditSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.AuditID] = &copied
	return nil
}

func (m *memSessions) GetByID(_ context.Context, id string) (*models.AuditSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memSessions) UpdateStatus(_ context.Context, id string, status models.AuditStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Status = status
		return nil
	}
	return repositories.ErrNotFound
}

func (m *memSessions) SaveOutcome(_ context.Context, s *models.AuditSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.AuditID] = &copied
	return nil
}

type memFindings struct {
	mu       sync.Mutex
	findings []*models.VulnerabilityFinding
}

func (m *memFindings) InsertBatch(_ context.Context, fs []*models.VulnerabilityFinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findings = append(m.findings, fs...)
	return nil
}

func (m *memFindings) ListByAudit(_ context.Context, auditID string) ([]*models.VulnerabilityFinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.VulnerabilityFinding
	for _, f := range m.findings {
		if f.AuditID == auditID {
			out = append(out, f)
		}
	}
	return out, nil
}

// memEvents records queries so tests can assert the clamping rules.
type memEvents struct {
	mu        sync.Mutex
	events    []*models.AuditEvent
	lastQuery repositories.EventQuery
}

func (m *memEvents) Insert(_ context.Context, e *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memEvents) List(_ context.Context, q repositories.EventQuery) ([]*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQuery = q
	var out []*models.AuditEvent
	for _, e := range m.events {
		if e.AuditID == q.AuditID && e.Sequence > q.AfterSequence {
			out = append(out, e)
		}
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *memEvents) LatestSequence(_ context.Context, auditID string) (int64, error) {
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

func (m *memEvents) Statistics(context.Context, string) (*models.EventStatistics, error) {
	return &models.EventStatistics{ByEventType: map[string]int64{}, ByAgentType: map[string]int64{}}, nil
}

func (m *memEvents) query() repositories.EventQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuery
}

type memLLMConfigs struct{ configs map[string]*models.LLMConfig }

func (m *memLLMConfigs) GetByID(_ context.Context, id string) (*models.LLMConfig, error) {
	if cfg, ok := m.configs[id]; ok {
		return cfg, nil
	}
	return nil, repositories.ErrNotFound
}

func (m *memLLMConfigs) GetDefault(context.Context) (*models.LLMConfig, error) {
	for _, cfg := range m.configs {
		if cfg.IsDefault {
			return cfg, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (m *memLLMConfigs) Upsert(_ context.Context, cfg *models.LLMConfig) error {
	m.configs[cfg.ID] = cfg
	return nil
}

func (m *memLLMConfigs) List(context.Context) ([]*models.LLMConfig, error) {
	var out []*models.LLMConfig
	for _, cfg := range m.configs {
		out = append(out, cfg)
	}
	return out, nil
}

func (m *memLLMConfigs) SetDefault(_ context.Context, id string) error {
	if _, ok := m.configs[id]; !ok {
		return repositories.ErrNotFound
	}
	for _, cfg := range m.configs {
		cfg.IsDefault = cfg.ID == id
	}
	return nil
}

func (m *memLLMConfigs) Delete(_ context.Context, id string) error {
	if _, ok := m.configs[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(m.configs, id)
	return nil
}

type okRunner struct{ kind models.StageKind }

func (r *okRunner) Kind() models.StageKind           { return r.kind }
func (r *okRunner) Dependencies() []models.StageKind { return nil }
func (r *okRunner) Run(context.Context, *pipeline.Input) (*models.StageResult, error) {
	return &models.StageResult{Outcome: "success", Data: json.RawMessage(`{}`)}, nil
}

type testServer struct {
	srv      *httptest.Server
	deps     *app.Dependencies
	sessions *memSessions
	events   *memEvents
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Environment: "test",
		EventBus: config.EventBusConfig{
			QueueSize:         100,
			SubscriberBuffer:  32,
			HeartbeatInterval: time.Hour,
			PersistBuffer:     100,
			PersistWorkers:    1,
			StopTimeout:       time.Second,
		},
		Pipeline: config.PipelineConfig{RetryThreshold: 3, StageTimeout: time.Second},
	}

	events := &memEvents{}
	sessions := &memSessions{sessions: make(map[string]*models.AuditSession)}
	bus := eventbus.New(cfg.EventBus, events, zap.NewNop())
	require.NoError(t, bus.Start())
	t.Cleanup(bus.Stop)

	deps := &app.Dependencies{
		Config:     cfg,
		Logger:     zap.NewNop(),
		Store:      &stubStore{healthy: true},
		Events:     events,
		Sessions:   sessions,
		Findings:   &memFindings{},
		LLMConfigs: &memLLMConfigs{configs: make(map[string]*models.LLMConfig)},
		Bus:        bus,
	}
	deps.Manager = audit.NewManager(audit.Deps{
		Pipeline:   cfg.Pipeline,
		Logger:     zap.NewNop(),
		Bus:        bus,
		Sessions:   sessions,
		Findings:   deps.Findings,
		Events:     events,
		LLMConfigs: deps.LLMConfigs,
		Runners: func(*models.LLMConfig) *pipeline.Registry {
			reg := pipeline.NewRegistry()
			reg.Register(&okRunner{kind: models.StageRecon})
			reg.Register(&okRunner{kind: models.StageScan})
			reg.Register(&okRunner{kind: models.StageAnalysis})
			return reg
		},
	})

	srv := httptest.NewServer(routes.SetupRoutes(deps))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, deps: deps, sessions: sessions, events: events}
}

func (ts *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var reader bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reader).Encode(body))
	}
	resp, err := http.Post(ts.srv.URL+path, "application/json", &reader)
	require.NoError(t, err)
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (ts *testServer) startAudit(t *testing.T) string {
	t.Helper()
	resp := ts.post(t, "/api/v1/audit/start", map[string]any{
		"project_id": "proj-1",
		"audit_type": "quick",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	auditID := body["audit_id"].(string)

	require.Eventually(t, func() bool {
		s, err := ts.sessions.GetByID(context.Background(), auditID)
		return err == nil && s.Status.IsTerminal()
	}, 3*time.Second, 10*time.Millisecond)
	return auditID
}

func TestStartAuditEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/v1/audit/start", map[string]any{
		"project_id": "proj-1",
		"audit_type": "full",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "pending", body["status"])
	assert.NotEmpty(t, body["audit_id"])
	assert.Positive(t, body["estimated_time"])
}

func TestStartAuditRejectsBadBody(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.srv.URL+"/api/v1/audit/start", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartAuditRejectsUnknownLLMConfig(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/v1/audit/start", map[string]any{
		"project_id":    "proj-1",
		"llm_config_id": "cfg-missing",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "unknown_llm_config", body["error"])
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	auditID := ts.startAudit(t)

	resp := ts.get(t, "/api/v1/audit/"+auditID+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, auditID, body["audit_id"])
	assert.Equal(t, "completed", body["status"])
}

func TestStatusUnknownAudit(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/api/v1/audit/audit_missing/status")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResultEndpointAlwaysWellFormed(t *testing.T) {
	ts := newTestServer(t)
	auditID := ts.startAudit(t)

	resp := ts.get(t, "/api/v1/audit/"+auditID+"/result")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AuditID string `json:"audit_id"`
		Status  string `json:"status"`
		Summary struct {
			Total      int            `json:"total"`
			BySeverity map[string]int `json:"by_severity"`
		} `json:"summary"`
		Vulnerabilities []any `json:"vulnerabilities"`
	}
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Summary.BySeverity, 5)
	assert.NotNil(t, body.Vulnerabilities)
}

func TestEventsEndpointClampsLimit(t *testing.T) {
	ts := newTestServer(t)
	auditID := ts.startAudit(t)

	resp := ts.get(t, "/api/v1/audit/"+auditID+"/events?limit=5000")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, 1000, ts.events.query().Limit)
}

func TestEventsEndpointFiltersTypes(t *testing.T) {
	ts := newTestServer(t)
	auditID := ts.startAudit(t)

	resp := ts.get(t, "/api/v1/audit/"+auditID+"/events?after_sequence=2&event_types=status,stage_complete")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	q := ts.events.query()
	assert.Equal(t, int64(2), q.AfterSequence)
	assert.Equal(t, []models.EventType{models.EventStatus, models.EventStageComplete}, q.EventTypes)
}

func TestEventStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	auditID := ts.startAudit(t)

	// The durable path is asynchronous; wait for it to catch up.
	require.Eventually(t, func() bool {
		latest, _ := ts.events.LatestSequence(context.Background(), auditID)
		return latest > 0
	}, 2*time.Second, 10*time.Millisecond)

	resp := ts.get(t, "/api/v1/audit/"+auditID+"/events/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, auditID, body["audit_id"])
	assert.Positive(t, body["latest_sequence"])
}

func TestCancelEndpointIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	auditID := ts.startAudit(t)

	first := decode[map[string]string](t, ts.post(t, "/api/v1/audit/"+auditID+"/cancel", nil))
	second := decode[map[string]string](t, ts.post(t, "/api/v1/audit/"+auditID+"/cancel", nil))
	assert.Equal(t, first["status"], second["status"])
}

func TestPauseInactiveAudit(t *testing.T) {
	ts := newTestServer(t)
	auditID := ts.startAudit(t)

	resp := ts.post(t, "/api/v1/audit/"+auditID+"/pause", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStreamEndpointReplaysAndTerminates(t *testing.T) {
	ts := newTestServer(t)
	auditID := ts.startAudit(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.srv.URL+"/api/v1/audit/"+auditID+"/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var buf bytes.Buffer
	// The stream ends on its own after the terminal event replays.
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	body := buf.String()
	assert.True(t, strings.HasPrefix(body, "event: connected\n"), "first frame must be the connected event")
	assert.Contains(t, body, "event: status")
	require.Contains(t, body, "event: complete")
	assert.NotContains(t, strings.Split(body, "event: complete")[1], "event: ",
		"nothing may follow the terminal event")
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/healthz")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.get(t, "/readyz")
	body := decode[map[string]any](t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
}

func TestReadinessFailsWhenStorageDown(t *testing.T) {
	ts := newTestServer(t)
	ts.deps.Store.(*stubStore).healthy = false

	resp := ts.get(t, "/readyz")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
