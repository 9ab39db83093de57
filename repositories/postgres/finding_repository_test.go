package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/audit-control-plane/models"
	"go.uber.org/zap"
)

func TestFindingInsertBatch(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewFindingRepository(db, zap.NewNop())

	f1 := models.NewFinding("audit_1", "sqli", "high", "raw query")
	f2 := models.NewFinding("audit_1", "xss", "medium", "unescaped output")

	mock.ExpectBegin()
	stmt := mock.ExpectPrepare("INSERT INTO findings")
	stmt.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	stmt.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.InsertBatch(context.Background(), []*models.VulnerabilityFinding{f1, f2})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindingInsertBatchRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewFindingRepository(db, zap.NewNop())

	f := models.NewFinding("audit_1", "sqli", "high", "raw query")

	mock.ExpectBegin()
	stmt := mock.ExpectPrepare("INSERT INTO findings")
	stmt.ExpectExec().WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := repo.InsertBatch(context.Background(), []*models.VulnerabilityFinding{f})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindingInsertBatchEmptyIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewFindingRepository(db, zap.NewNop())

	require.NoError(t, repo.InsertBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
