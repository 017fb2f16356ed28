package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/agent-gateway/internal/apperror"
	"github.com/iliyamo/agent-gateway/internal/model"
	"github.com/iliyamo/agent-gateway/internal/utils"
)

// Column widths of audit_log, in characters.
const (
	SummaryLimit = 500 // request/response summaries and error messages
	LabelLimit   = 64  // action_type, error_kind, session_id
)

// AuditRepo is the append-mostly audit log.  Rows start pending and are
// finalized exactly once.
type AuditRepo struct{ DB *sql.DB }

func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{DB: db} }

// Begin inserts a pending record and returns its id.
func (r *AuditRepo) Begin(ctx context.Context, userID, sessionID, request string) (uint64, error) {
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO audit_log (user_id, session_id, request_summary, status, created_at) VALUES (?,?,?,?,?)",
		userID, sessionID, utils.Truncate(request, SummaryLimit), model.AuditPending, time.Now().UTC())
	if err != nil {
		return 0, apperror.Wrap(apperror.Storage, "audit.begin", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperror.Wrap(apperror.Storage, "audit.begin", err)
	}
	return uint64(id), nil
}

// Record inserts a record that is final from the start, for requests
// rejected before any work was done.
func (r *AuditRepo) Record(ctx context.Context, userID, sessionID, request string, o model.AuditOutcome) (uint64, error) {
	now := time.Now().UTC()
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO audit_log
		    (user_id, session_id, action_type, request_summary, response_summary, status,
		     error_kind, error_message, tokens_used, created_at, finished_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		userID, utils.Truncate(sessionID, LabelLimit), utils.Truncate(o.ActionType, LabelLimit),
		utils.Truncate(request, SummaryLimit), utils.Truncate(o.ResponseSummary, SummaryLimit), o.Status,
		utils.Truncate(o.ErrorKind, LabelLimit), utils.Truncate(o.ErrorMessage, SummaryLimit), o.TokensUsed,
		now, now)
	if err != nil {
		return 0, apperror.Wrap(apperror.Storage, "audit.record", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperror.Wrap(apperror.Storage, "audit.record", err)
	}
	return uint64(id), nil
}

// Finalize moves a pending record to its final status.  A record that is no
// longer pending (or does not exist) yields ErrAlreadyFinal.
func (r *AuditRepo) Finalize(ctx context.Context, id uint64, o model.AuditOutcome) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE audit_log
		    SET status=?, action_type=?, response_summary=?, error_kind=?, error_message=?, tokens_used=?, finished_at=?
		  WHERE id=? AND status=?`,
		o.Status, utils.Truncate(o.ActionType, LabelLimit),
		utils.Truncate(o.ResponseSummary, SummaryLimit), utils.Truncate(o.ErrorKind, LabelLimit),
		utils.Truncate(o.ErrorMessage, SummaryLimit), o.TokensUsed,
		time.Now().UTC(), id, model.AuditPending)
	if err != nil {
		return apperror.Wrap(apperror.Storage, "audit.finalize", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyFinal
	}
	return nil
}

// ListByUser returns one user's records, newest first.
func (r *AuditRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.AuditRecord, error) {
	const op = "audit.list"
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, user_id, session_id, action_type, request_summary, response_summary,
		        status, error_kind, error_message, tokens_used, created_at, finished_at
		   FROM audit_log WHERE user_id=? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, apperror.Wrap(apperror.Storage, op, err)
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var (
			a        model.AuditRecord
			finished sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.SessionID, &a.ActionType, &a.RequestSummary,
			&a.ResponseSummary, &a.Status, &a.ErrorKind, &a.ErrorMessage, &a.TokensUsed,
			&a.CreatedAt, &finished); err != nil {
			return nil, apperror.Wrap(apperror.Storage, op, err)
		}
		if finished.Valid {
			t := finished.Time
			a.FinishedAt = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.Storage, op, err)
	}
	return out, nil
}

// FailStalePending finalizes records left pending by a crashed process.
func (r *AuditRepo) FailStalePending(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE audit_log SET status=?, error_kind=?, error_message=?, finished_at=? WHERE status=? AND created_at < ?",
		model.AuditFailed, string(apperror.Unknown), "abandoned while pending", time.Now().UTC(),
		model.AuditPending, olderThan)
	if err != nil {
		return 0, apperror.Wrap(apperror.Storage, "audit.fail_stale", err)
	}
	return res.RowsAffected()
}

// PurgeOlderThan deletes finalized records created before cutoff.
func (r *AuditRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"DELETE FROM audit_log WHERE created_at < ? AND status <> ?", cutoff, model.AuditPending)
	if err != nil {
		return 0, apperror.Wrap(apperror.Storage, "audit.purge", err)
	}
	return res.RowsAffected()
}

// CountByStatusSince aggregates records created at or after since.
func (r *AuditRepo) CountByStatusSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	const op = "audit.stats"
	rows, err := r.DB.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM audit_log WHERE created_at >= ? GROUP BY status", since)
	if err != nil {
		return nil, apperror.Wrap(apperror.Storage, op, err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperror.Wrap(apperror.Storage, op, err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.Storage, op, err)
	}
	return out, nil
}
