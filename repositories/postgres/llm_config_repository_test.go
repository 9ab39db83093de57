package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/audit-control-plane/repositories"
	"go.uber.org/zap"
)

func TestLLMConfigSetDefaultClearsOthers(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLLMConfigRepository(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE llm_configs SET is_default = TRUE`).
		WithArgs("cfg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE llm_configs SET is_default = FALSE`).
		WithArgs("cfg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SetDefault(context.Background(), "cfg-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLLMConfigSetDefaultUnknownID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLLMConfigRepository(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE llm_configs SET is_default = TRUE`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.SetDefault(context.Background(), "missing")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLLMConfigList(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLLMConfigRepository(db, zap.NewNop())

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "provider", "model", "api_key", "api_endpoint", "is_default", "updated_at"}).
		AddRow("cfg-2", "anthropic", "claude-sonnet", "key-2", nil, false, now).
		AddRow("cfg-1", "openai", "gpt-4o", "key-1", "https://api.example.com", true, now.Add(-time.Hour))

	mock.ExpectQuery(`SELECT .+ FROM llm_configs ORDER BY updated_at DESC`).
		WillReturnRows(rows)

	configs, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "cfg-2", configs[0].ID)
	assert.Empty(t, configs[0].APIEndpoint)
	assert.Equal(t, "https://api.example.com", configs[1].APIEndpoint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLLMConfigDelete(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLLMConfigRepository(db, zap.NewNop())

	mock.ExpectExec(`DELETE FROM llm_configs WHERE id = \$1`).
		WithArgs("cfg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(context.Background(), "cfg-1"))

	mock.ExpectExec(`DELETE FROM llm_configs WHERE id = \$1`).
		WithArgs("cfg-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Delete(context.Background(), "cfg-1"), repositories.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
