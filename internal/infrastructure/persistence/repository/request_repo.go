package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quillhr/approvalflow/internal/application/port"
	"github.com/quillhr/approvalflow/internal/domain/entity"
	"github.com/quillhr/approvalflow/internal/domain/workflow"
)

const requestColumns = `id, domain, subject_employee_id, company_id, department_id,
	payload, status, current_stage, rejected_by, rejection_reason,
	cancelled_at, created_at, updated_at`

// RequestRepository implements port.RequestRepository over sqlite. Every
// stage mutation is a conditional UPDATE whose WHERE clause re-checks the
// workflow preconditions; a zero-row result is diagnosed into the precise
// workflow error instead of being applied blindly.
type RequestRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRequestRepository creates a new request repository
func NewRequestRepository(db *sql.DB, logger *zap.Logger) port.RequestRepository {
	return &RequestRepository{
		db:     db,
		logger: logger,
	}
}

// Create persists a request and its three pending stage rows
func (r *RequestRepository) Create(ctx context.Context, req *entity.ApprovalRequest) error {
	ex := executorFrom(ctx, r.db)

	result, err := ex.ExecContext(ctx, `
		INSERT INTO approval_requests (
			domain, subject_employee_id, company_id, department_id,
			payload, status, current_stage, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Domain,
		req.SubjectEmployeeID,
		req.CompanyID,
		req.DepartmentID,
		string(req.Payload),
		string(workflow.StatusPending),
		string(workflow.StageManager),
		req.CreatedAt,
		req.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create request", zap.Error(err))
		return fmt.Errorf("%w: create request: %v", workflow.ErrStoreUnavailable, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	req.ID = id
	req.Status = workflow.StatusPending
	req.CurrentStage = workflow.StageManager
	req.UpdatedAt = req.CreatedAt

	req.Stages = make(map[workflow.Stage]*entity.StageRecord, len(workflow.ApprovalStages))
	for _, stage := range workflow.ApprovalStages {
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO approval_stages (request_id, stage, status) VALUES (?, ?, ?)`,
			id, string(stage), string(workflow.StagePending),
		); err != nil {
			r.logger.Error("Failed to create stage record", zap.Int64("request_id", id), zap.Error(err))
			return fmt.Errorf("%w: create stage record: %v", workflow.ErrStoreUnavailable, err)
		}
		req.Stages[stage] = &entity.StageRecord{Stage: stage, Status: workflow.StagePending}
	}

	return nil
}

// GetByID loads a request and its stage records
func (r *RequestRepository) GetByID(ctx context.Context, id int64) (*entity.ApprovalRequest, error) {
	ex := executorFrom(ctx, r.db)

	row := ex.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id)

	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get request", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	if err := r.loadStages(ctx, map[int64]*entity.ApprovalRequest{req.ID: req}); err != nil {
		return nil, err
	}
	return req, nil
}

// ListByIDs loads the given requests with stage records
func (r *RequestRepository) ListByIDs(ctx context.Context, ids []int64) ([]*entity.ApprovalRequest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ex := executorFrom(ctx, r.db)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := ex.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		r.logger.Error("Failed to list requests by ids", zap.Error(err))
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	return r.collectRequests(ctx, rows)
}

// ApproveStage marks the stage approved and advances the chain. The stage
// write carries the full precondition set so two racing approvers cannot
// both succeed.
func (r *RequestRepository) ApproveStage(ctx context.Context, id int64, stage workflow.Stage, act port.StageAction) error {
	ex := executorFrom(ctx, r.db)

	result, err := ex.ExecContext(ctx, `
		UPDATE approval_stages
		SET status = ?, acted_by = ?, acted_at = ?, comment = ?
		WHERE request_id = ? AND stage = ? AND status = ?
		  AND EXISTS (
			SELECT 1 FROM approval_requests
			WHERE id = ? AND status = ? AND current_stage = ?
		  )`,
		string(workflow.StageApproved), act.ActorID, act.ActedAt, act.Comment,
		id, string(stage), string(workflow.StagePending),
		id, string(workflow.StatusPending), string(stage),
	)
	if err != nil {
		r.logger.Error("Failed to approve stage", zap.Int64("id", id), zap.String("stage", stage.String()), zap.Error(err))
		return fmt.Errorf("%w: approve stage: %v", workflow.ErrStoreUnavailable, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return r.diagnoseStageFailure(ctx, id, stage)
	}

	var advance sql.Result
	if stage == workflow.StageAdmin {
		advance, err = ex.ExecContext(ctx, `
			UPDATE approval_requests
			SET status = ?, current_stage = ?, updated_at = ?
			WHERE id = ? AND status = ? AND current_stage = ?`,
			string(workflow.StatusApproved), string(workflow.StageCompleted), act.ActedAt,
			id, string(workflow.StatusPending), string(workflow.StageAdmin),
		)
	} else {
		advance, err = ex.ExecContext(ctx, `
			UPDATE approval_requests
			SET current_stage = ?, updated_at = ?
			WHERE id = ? AND status = ? AND current_stage = ?`,
			string(stage.Next()), act.ActedAt,
			id, string(workflow.StatusPending), string(stage),
		)
	}
	if err != nil {
		return fmt.Errorf("%w: advance stage: %v", workflow.ErrStoreUnavailable, err)
	}
	if n, _ := advance.RowsAffected(); n == 0 {
		// Stage row moved but the request row did not: a concurrent writer
		// slipped between the two statements, which only happens outside a
		// transaction. Surface it so the engine retries.
		return workflow.ErrStoreConflict
	}

	return nil
}

// RejectStage marks the stage rejected and terminates the chain. Stages
// after the rejecting one are left pending, never visited.
func (r *RequestRepository) RejectStage(ctx context.Context, id int64, stage workflow.Stage, act port.StageAction) error {
	ex := executorFrom(ctx, r.db)

	result, err := ex.ExecContext(ctx, `
		UPDATE approval_stages
		SET status = ?, acted_by = ?, acted_at = ?, comment = ?
		WHERE request_id = ? AND stage = ? AND status = ?
		  AND EXISTS (
			SELECT 1 FROM approval_requests
			WHERE id = ? AND status = ? AND current_stage = ?
		  )`,
		string(workflow.StageRejected), act.ActorID, act.ActedAt, act.Comment,
		id, string(stage), string(workflow.StagePending),
		id, string(workflow.StatusPending), string(stage),
	)
	if err != nil {
		r.logger.Error("Failed to reject stage", zap.Int64("id", id), zap.String("stage", stage.String()), zap.Error(err))
		return fmt.Errorf("%w: reject stage: %v", workflow.ErrStoreUnavailable, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return r.diagnoseStageFailure(ctx, id, stage)
	}

	terminate, err := ex.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?, current_stage = ?, rejected_by = ?, rejection_reason = ?, updated_at = ?
		WHERE id = ? AND status = ? AND current_stage = ?`,
		string(workflow.StatusRejected), string(workflow.StageCompleted), act.ActorID, act.Comment, act.ActedAt,
		id, string(workflow.StatusPending), string(stage),
	)
	if err != nil {
		return fmt.Errorf("%w: terminate request: %v", workflow.ErrStoreUnavailable, err)
	}
	if n, _ := terminate.RowsAffected(); n == 0 {
		return workflow.ErrStoreConflict
	}

	return nil
}

// MarkAutoApproved approves all three stages with the subject as actor and
// completes the request. Only called inside the submit transaction, so the
// record is created and completed atomically.
func (r *RequestRepository) MarkAutoApproved(ctx context.Context, id int64, subjectID int64, at time.Time) error {
	ex := executorFrom(ctx, r.db)

	if _, err := ex.ExecContext(ctx, `
		UPDATE approval_stages
		SET status = ?, acted_by = ?, acted_at = ?
		WHERE request_id = ? AND status = ?`,
		string(workflow.StageApproved), subjectID, at,
		id, string(workflow.StagePending),
	); err != nil {
		return fmt.Errorf("%w: auto-approve stages: %v", workflow.ErrStoreUnavailable, err)
	}

	result, err := ex.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?, current_stage = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(workflow.StatusApproved), string(workflow.StageCompleted), at,
		id, string(workflow.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("%w: auto-approve request: %v", workflow.ErrStoreUnavailable, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return workflow.ErrStoreConflict
	}
	return nil
}

// ResetForEdit replaces the payload and resets the chain to the manager
// stage. Legal only while the request is pending and HR has not acted.
func (r *RequestRepository) ResetForEdit(ctx context.Context, id int64, payload json.RawMessage, at time.Time) error {
	ex := executorFrom(ctx, r.db)

	result, err := ex.ExecContext(ctx, `
		UPDATE approval_requests
		SET payload = ?, current_stage = ?, updated_at = ?
		WHERE id = ? AND status = ?
		  AND EXISTS (
			SELECT 1 FROM approval_stages
			WHERE request_id = ? AND stage = ? AND status = ?
		  )`,
		string(payload), string(workflow.StageManager), at,
		id, string(workflow.StatusPending),
		id, string(workflow.StageHR), string(workflow.StagePending),
	)
	if err != nil {
		r.logger.Error("Failed to reset request for edit", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("%w: reset for edit: %v", workflow.ErrStoreUnavailable, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		req, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if req == nil {
			return workflow.ErrNotFound
		}
		return workflow.ErrEditWindowClosed
	}

	if _, err := ex.ExecContext(ctx, `
		UPDATE approval_stages
		SET status = ?, acted_by = NULL, acted_at = NULL, comment = ''
		WHERE request_id = ?`,
		string(workflow.StagePending), id,
	); err != nil {
		return fmt.Errorf("%w: reset stage records: %v", workflow.ErrStoreUnavailable, err)
	}

	return nil
}

// Cancel moves a pending or approved request to cancelled. Stage records
// and current_stage are deliberately untouched.
func (r *RequestRepository) Cancel(ctx context.Context, id int64, at time.Time) error {
	ex := executorFrom(ctx, r.db)

	result, err := ex.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?, cancelled_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(workflow.StatusCancelled), at, at,
		id, string(workflow.StatusPending), string(workflow.StatusApproved),
	)
	if err != nil {
		r.logger.Error("Failed to cancel request", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("%w: cancel request: %v", workflow.ErrStoreUnavailable, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		req, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if req == nil {
			return workflow.ErrNotFound
		}
		return workflow.ErrCancelNotAllowed
	}
	return nil
}

// Delete removes a request outright. Approved requests are never deleted.
func (r *RequestRepository) Delete(ctx context.Context, id int64) error {
	ex := executorFrom(ctx, r.db)

	result, err := ex.ExecContext(ctx,
		`DELETE FROM approval_requests WHERE id = ? AND status != ?`,
		id, string(workflow.StatusApproved),
	)
	if err != nil {
		r.logger.Error("Failed to delete request", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("%w: delete request: %v", workflow.ErrStoreUnavailable, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		req, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if req == nil {
			return workflow.ErrNotFound
		}
		return fmt.Errorf("%w: approved requests cannot be deleted", workflow.ErrValidation)
	}
	return nil
}

// PendingForManager returns pending requests at the manager stage whose
// subject's department currently names approverID as manager. The join runs
// against the live org tables, not a snapshot on the request.
func (r *RequestRepository) PendingForManager(ctx context.Context, approverID int64, f port.PendingFilter) ([]*entity.ApprovalRequest, error) {
	return r.pendingForDepartmentRole(ctx, "manager_id", workflow.StageManager, approverID, f)
}

// PendingForHR is PendingForManager for the hr binding
func (r *RequestRepository) PendingForHR(ctx context.Context, approverID int64, f port.PendingFilter) ([]*entity.ApprovalRequest, error) {
	return r.pendingForDepartmentRole(ctx, "hr_id", workflow.StageHR, approverID, f)
}

func (r *RequestRepository) pendingForDepartmentRole(ctx context.Context, roleColumn string, stage workflow.Stage, approverID int64, f port.PendingFilter) ([]*entity.ApprovalRequest, error) {
	ex := executorFrom(ctx, r.db)

	query := `
		SELECT ` + prefixColumns("r") + `
		FROM approval_requests r
		JOIN employees e ON e.id = r.subject_employee_id
		JOIN departments d ON d.id = e.department_id
		WHERE r.status = ? AND r.current_stage = ? AND d.` + roleColumn + ` = ?`
	args := []interface{}{string(workflow.StatusPending), string(stage), approverID}

	query, args = appendFilter(query, args, f, "r")

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query pending requests", zap.String("stage", stage.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: pending query: %v", workflow.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	return r.collectRequests(ctx, rows)
}

// PendingForAdmin returns company-wide pending requests at the admin stage.
// Authorization scope is the approver's whole company, but temporal
// eligibility still requires manager and hr approvals; both conditions are
// evaluated in the same query.
func (r *RequestRepository) PendingForAdmin(ctx context.Context, approverID int64, f port.PendingFilter) ([]*entity.ApprovalRequest, error) {
	ex := executorFrom(ctx, r.db)

	query := `
		SELECT ` + prefixColumns("r") + `
		FROM approval_requests r
		JOIN employees a ON a.id = ?
		WHERE r.company_id = a.company_id
		  AND r.status = ? AND r.current_stage = ?
		  AND EXISTS (SELECT 1 FROM approval_stages s
			WHERE s.request_id = r.id AND s.stage = ? AND s.status = ?)
		  AND EXISTS (SELECT 1 FROM approval_stages s
			WHERE s.request_id = r.id AND s.stage = ? AND s.status = ?)`
	args := []interface{}{
		approverID,
		string(workflow.StatusPending), string(workflow.StageAdmin),
		string(workflow.StageManager), string(workflow.StageApproved),
		string(workflow.StageHR), string(workflow.StageApproved),
	}

	query, args = appendFilter(query, args, f, "r")

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query admin pending requests", zap.Error(err))
		return nil, fmt.Errorf("%w: pending query: %v", workflow.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	return r.collectRequests(ctx, rows)
}

// ListForSubject returns the subject's own requests, newest first
func (r *RequestRepository) ListForSubject(ctx context.Context, subjectID int64, f port.PendingFilter) ([]*entity.ApprovalRequest, error) {
	ex := executorFrom(ctx, r.db)

	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE subject_employee_id = ?`
	args := []interface{}{subjectID}
	if f.Domain != "" {
		query += ` AND domain = ?`
		args = append(args, f.Domain)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limitOrDefault(f.Limit), f.Offset)

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list requests for subject", zap.Int64("subject", subjectID), zap.Error(err))
		return nil, fmt.Errorf("%w: list query: %v", workflow.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	return r.collectRequests(ctx, rows)
}

// diagnoseStageFailure turns a zero-row conditional write into the precise
// workflow error the caller should see
func (r *RequestRepository) diagnoseStageFailure(ctx context.Context, id int64, stage workflow.Stage) error {
	req, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if req == nil {
		return workflow.ErrNotFound
	}
	if req.StageRecordFor(stage).Status != workflow.StagePending {
		return workflow.ErrAlreadyActed
	}
	if req.Status != workflow.StatusPending || req.CurrentStage != stage {
		return workflow.ErrStageMismatch
	}
	// Preconditions look satisfied now: the conditional write lost a race
	// that has since resolved back to an actionable state.
	return workflow.ErrStoreConflict
}

// loadStages attaches stage records to the given requests
func (r *RequestRepository) loadStages(ctx context.Context, byID map[int64]*entity.ApprovalRequest) error {
	if len(byID) == 0 {
		return nil
	}
	ex := executorFrom(ctx, r.db)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(byID)), ",")
	args := make([]interface{}, 0, len(byID))
	for id := range byID {
		args = append(args, id)
	}

	rows, err := ex.QueryContext(ctx, `
		SELECT request_id, stage, status, acted_by, acted_at, comment
		FROM approval_stages
		WHERE request_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to load stage records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			requestID int64
			rec       entity.StageRecord
			actedBy   sql.NullInt64
			actedAt   sql.NullTime
		)
		if err := rows.Scan(&requestID, &rec.Stage, &rec.Status, &actedBy, &actedAt, &rec.Comment); err != nil {
			return fmt.Errorf("failed to scan stage record: %w", err)
		}
		if actedBy.Valid {
			rec.ActedBy = &actedBy.Int64
		}
		if actedAt.Valid {
			rec.ActedAt = &actedAt.Time
		}

		if req, ok := byID[requestID]; ok {
			if req.Stages == nil {
				req.Stages = make(map[workflow.Stage]*entity.StageRecord, len(workflow.ApprovalStages))
			}
			stageRec := rec
			req.Stages[rec.Stage] = &stageRec
		}
	}
	return rows.Err()
}

// collectRequests scans rows into requests and attaches their stage records
func (r *RequestRepository) collectRequests(ctx context.Context, rows *sql.Rows) ([]*entity.ApprovalRequest, error) {
	var out []*entity.ApprovalRequest
	byID := make(map[int64]*entity.ApprovalRequest)

	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, req)
		byID[req.ID] = req
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadStages(ctx, byID); err != nil {
		return nil, err
	}
	return out, nil
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*entity.ApprovalRequest, error) {
	var (
		req             entity.ApprovalRequest
		payload         string
		rejectedBy      sql.NullInt64
		rejectionReason sql.NullString
		cancelledAt     sql.NullTime
	)

	err := row.Scan(
		&req.ID,
		&req.Domain,
		&req.SubjectEmployeeID,
		&req.CompanyID,
		&req.DepartmentID,
		&payload,
		&req.Status,
		&req.CurrentStage,
		&rejectedBy,
		&rejectionReason,
		&cancelledAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Payload = json.RawMessage(payload)
	if rejectedBy.Valid {
		req.RejectedBy = &rejectedBy.Int64
	}
	if rejectionReason.Valid {
		req.RejectionReason = rejectionReason.String
	}
	if cancelledAt.Valid {
		req.CancelledAt = &cancelledAt.Time
	}
	return &req, nil
}

// prefixColumns qualifies the request column list with a table alias
func prefixColumns(alias string) string {
	cols := strings.Split(requestColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// appendFilter adds the shared domain/order/limit clauses to a pending query
func appendFilter(query string, args []interface{}, f port.PendingFilter, alias string) (string, []interface{}) {
	if f.Domain != "" {
		query += ` AND ` + alias + `.domain = ?`
		args = append(args, f.Domain)
	}
	query += ` ORDER BY ` + alias + `.created_at ASC LIMIT ? OFFSET ?`
	args = append(args, limitOrDefault(f.Limit), f.Offset)
	return query, args
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}

// Verify interface compliance
var _ port.RequestRepository = (*RequestRepository)(nil)
