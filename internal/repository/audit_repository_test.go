package repository

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/agent-gateway/internal/model"
)

func TestAuditBeginTruncatesSummary(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	long := strings.Repeat("é", 800)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log")).
		WithArgs("u", "sess_1", strings.Repeat("é", SummaryLimit), model.AuditPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(42, 1))

	id, err := NewAuditRepo(db).Begin(context.Background(), "u", "sess_1", long)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditFinalizeOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewAuditRepo(db)

	out := model.AuditOutcome{Status: model.AuditSuccess, ActionType: "calendar_create", ResponseSummary: "done", TokensUsed: 12}
	mock.ExpectExec(regexp.QuoteMeta("UPDATE audit_log")).
		WithArgs(model.AuditSuccess, "calendar_create", "done", "", "", 12, sqlmock.AnyArg(), uint64(7), model.AuditPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Finalize(context.Background(), 7, out))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE audit_log")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Finalize(context.Background(), 7, out), ErrAlreadyFinal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditFinalizeTruncatesLabels(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	long := strings.Repeat("a", 70)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE audit_log")).
		WithArgs(model.AuditSuccess, strings.Repeat("a", LabelLimit), "ok", "", "", 0, sqlmock.AnyArg(), uint64(3), model.AuditPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = NewAuditRepo(db).Finalize(context.Background(), 3, model.AuditOutcome{
		Status: model.AuditSuccess, ActionType: long, ResponseSummary: "ok",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRecordIsFinal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log")).
		WithArgs("u", "", "", "hi", "", model.AuditFailed, "quota_exceeded", "daily limit reached", 0,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(9, 1))
	id, err := NewAuditRepo(db).Record(context.Background(), "u", "", "hi", model.AuditOutcome{
		Status: model.AuditFailed, ErrorKind: "quota_exceeded", ErrorMessage: "daily limit reached",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(9), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditListByUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	cols := []string{"id", "user_id", "session_id", "action_type", "request_summary", "response_summary",
		"status", "error_kind", "error_message", "tokens_used", "created_at", "finished_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_log WHERE user_id=?")).
		WithArgs("u", 20, 0).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(2, "u", "s", "", "hi", "", model.AuditFailed, "timeout", "killed", 0, now, now).
			AddRow(1, "u", "s", "email_send", "send it", "sent", model.AuditSuccess, "", "", 30, now, nil))

	got, err := NewAuditRepo(db).ListByUser(context.Background(), "u", 0, -3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "timeout", got[0].ErrorKind)
	assert.NotNil(t, got[0].FinishedAt)
	assert.Nil(t, got[1].FinishedAt)
	assert.Equal(t, 30, got[1].TokensUsed)
}

func TestAuditRetentionQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewAuditRepo(db)
	cutoff := time.Now().Add(-90 * 24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM audit_log WHERE created_at < ? AND status <> ?")).
		WithArgs(cutoff, model.AuditPending).
		WillReturnResult(sqlmock.NewResult(0, 5))
	n, err := repo.PurgeOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE audit_log SET status=?")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err = repo.FailStalePending(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, COUNT(*) FROM audit_log")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("success", 9).AddRow("failed", 1))
	stats, err := repo.CountByStatusSince(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"success": 9, "failed": 1}, stats)
}
