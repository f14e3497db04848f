package port

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quillhr/approvalflow/internal/domain/entity"
	"github.com/quillhr/approvalflow/internal/domain/workflow"
)

// StageAction carries the actor, timestamp and note for a single stage
// transition
type StageAction struct {
	ActorID int64
	ActedAt time.Time
	Comment string
}

// PendingFilter narrows scoped pending-queue queries
type PendingFilter struct {
	Domain string
	Limit  int
	Offset int
}

// RequestRepository persists approval requests and performs the conditional
// state transitions the engine relies on. Every stage-mutating method is a
// single compare-and-swap write: the stage/status preconditions and the
// update are one atomic statement, and a failed precondition is reported as
// one of the workflow sentinel errors (ErrNotFound, ErrStageMismatch,
// ErrAlreadyActed, ErrEditWindowClosed, ErrCancelNotAllowed).
type RequestRepository interface {
	// Create persists a request with three pending stage rows
	Create(ctx context.Context, req *entity.ApprovalRequest) error

	// GetByID loads a request and its stage records
	GetByID(ctx context.Context, id int64) (*entity.ApprovalRequest, error)

	// ListByIDs loads the given requests with stage records; missing ids are
	// simply absent from the result
	ListByIDs(ctx context.Context, ids []int64) ([]*entity.ApprovalRequest, error)

	// ApproveStage marks the stage approved and advances current_stage,
	// completing the request when the admin stage approves. Preconditions:
	// status=pending, current_stage=stage, stage record pending.
	ApproveStage(ctx context.Context, id int64, stage workflow.Stage, act StageAction) error

	// RejectStage marks the stage rejected and terminates the chain. Later
	// stages are left pending, never visited. Same preconditions as approve.
	RejectStage(ctx context.Context, id int64, stage workflow.Stage, act StageAction) error

	// MarkAutoApproved approves all three stages with the subject as actor
	// and completes the request. Used only inside the submit transaction.
	MarkAutoApproved(ctx context.Context, id int64, subjectID int64, at time.Time) error

	// ResetForEdit replaces the payload, resets all three stage records to
	// pending and moves current_stage back to manager. Preconditions:
	// status=pending and the hr stage record still pending.
	ResetForEdit(ctx context.Context, id int64, payload json.RawMessage, at time.Time) error

	// Cancel moves a pending or approved request to cancelled
	Cancel(ctx context.Context, id int64, at time.Time) error

	// Delete removes a request outright; refused while status=approved
	Delete(ctx context.Context, id int64) error

	// PendingForManager returns pending requests at the manager stage whose
	// subject's department currently names approverID as manager
	PendingForManager(ctx context.Context, approverID int64, f PendingFilter) ([]*entity.ApprovalRequest, error)

	// PendingForHR is PendingForManager for the hr binding
	PendingForHR(ctx context.Context, approverID int64, f PendingFilter) ([]*entity.ApprovalRequest, error)

	// PendingForAdmin returns pending requests at the admin stage across the
	// approver's whole company, restricted to those whose manager and hr
	// stages are both approved
	PendingForAdmin(ctx context.Context, approverID int64, f PendingFilter) ([]*entity.ApprovalRequest, error)

	// ListForSubject returns the subject's own requests, newest first
	ListForSubject(ctx context.Context, subjectID int64, f PendingFilter) ([]*entity.ApprovalRequest, error)
}

// OrgRepository is the organization resolver: employee -> department ->
// manager/hr bindings. Lookups are live, never snapshotted onto requests.
type OrgRepository interface {
	GetEmployee(ctx context.Context, id int64) (*entity.Employee, error)
	GetDepartment(ctx context.Context, id int64) (*entity.Department, error)
	GetDepartmentOfEmployee(ctx context.Context, employeeID int64) (*entity.Department, error)
}

// HistoryRepository persists the audit trail
type HistoryRepository interface {
	Create(ctx context.Context, h *entity.HistoryEntry) error
	GetByRequestID(ctx context.Context, requestID int64) ([]*entity.HistoryEntry, error)
}

// TransactionManager handles database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
