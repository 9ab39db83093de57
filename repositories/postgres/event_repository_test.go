package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &DB{DB: db, logger: zap.NewNop()}, mock
}

func TestEventLogInsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventLogRepository(db, zap.NewNop())

	now := time.Now().UTC()
	event := &models.AuditEvent{
		EventID:   "evt_1",
		AuditID:   "audit_1",
		AgentType: models.AgentScan,
		EventType: models.EventStageComplete,
		Sequence:  7,
		Timestamp: now,
		Payload:   json.RawMessage(`{"stage":"scan"}`),
		Message:   "scan finished",
	}

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs("evt_1", "audit_1", string(models.AgentScan), string(models.EventStageComplete),
			int64(7), now, `{"stage":"scan"}`, "scan finished").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLogInsertEmptyPayloadStoresNull(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventLogRepository(db, zap.NewNop())

	now := time.Now().UTC()
	event := &models.AuditEvent{
		EventID:   "evt_2",
		AuditID:   "audit_1",
		AgentType: models.AgentSystem,
		EventType: models.EventStatus,
		Sequence:  1,
		Timestamp: now,
	}

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs("evt_2", "audit_1", string(models.AgentSystem), string(models.EventStatus),
			int64(1), now, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLogList(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventLogRepository(db, zap.NewNop())

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "audit_id", "agent_type", "event_type", "sequence", "timestamp", "payload", "message",
	}).
		AddRow("evt_3", "audit_1", "scan", "stage_complete", int64(3), now, `{"ok":true}`, "done").
		AddRow("evt_4", "audit_1", "system", "status", int64(4), now, nil, nil)

	mock.ExpectQuery("FROM audit_events").
		WithArgs("audit_1", int64(2), 100).
		WillReturnRows(rows)

	events, err := repo.List(context.Background(), repositories.EventQuery{
		AuditID:       "audit_1",
		AfterSequence: 2,
		Limit:         100,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, int64(3), events[0].Sequence)
	assert.Equal(t, json.RawMessage(`{"ok":true}`), events[0].Payload)
	assert.Equal(t, "done", events[0].Message)

	assert.Nil(t, events[1].Payload)
	assert.Empty(t, events[1].Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLogListFiltersByEventType(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventLogRepository(db, zap.NewNop())

	mock.ExpectQuery(`AND event_type IN \(\$3, \$4\)`).
		WithArgs("audit_1", int64(0), "status", "stage_complete", 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "audit_id", "agent_type", "event_type", "sequence", "timestamp", "payload", "message",
		}))

	events, err := repo.List(context.Background(), repositories.EventQuery{
		AuditID:    "audit_1",
		EventTypes: []models.EventType{models.EventStatus, models.EventStageComplete},
		Limit:      50,
	})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLogLatestSequence(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventLogRepository(db, zap.NewNop())

	mock.ExpectQuery(`COALESCE\(MAX\(sequence\), 0\)`).
		WithArgs("audit_1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(42)))

	latest, err := repo.LatestSequence(context.Background(), "audit_1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), latest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLogStatistics(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventLogRepository(db, zap.NewNop())

	mock.ExpectQuery("GROUP BY event_type, agent_type").
		WithArgs("audit_1").
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "agent_type", "count"}).
			AddRow("status", "system", int64(3)).
			AddRow("stage_complete", "scan", int64(1)))

	first := time.Now().UTC().Add(-time.Minute)
	last := time.Now().UTC()
	mock.ExpectQuery(`MIN\(timestamp\), MAX\(timestamp\)`).
		WithArgs("audit_1").
		WillReturnRows(sqlmock.NewRows([]string{"min", "max"}).AddRow(first, last))

	stats, err := repo.Statistics(context.Background(), "audit_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalEvents)
	assert.Equal(t, int64(3), stats.ByEventType["status"])
	assert.Equal(t, int64(1), stats.ByAgentType["scan"])
	require.NotNil(t, stats.FirstEventAt)
	assert.Equal(t, first, *stats.FirstEventAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
