package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quillhr/approvalflow/internal/application/port"
	"github.com/quillhr/approvalflow/internal/domain/entity"
	"github.com/quillhr/approvalflow/internal/domain/workflow"
)

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// BulkInput describes an all-or-nothing bulk transition
type BulkInput struct {
	Domain     string
	IDs        []int64
	Stage      workflow.Stage
	Action     workflow.Action
	ApproverID int64
	// Comment is the approval note, or the mandatory reason when Action is
	// reject
	Comment string
}

// WorkflowEngine drives approvable requests through the sequential
// manager -> hr -> admin chain. All state-machine rules and authorization
// checks live here; payload semantics live in the domain adapters.
type WorkflowEngine interface {
	Submit(ctx context.Context, domain string, subjectID int64, payload json.RawMessage) (*entity.ApprovalRequest, error)
	ApproveStage(ctx context.Context, domain string, requestID int64, stage workflow.Stage, approverID int64, comment string) (*entity.ApprovalRequest, error)
	RejectStage(ctx context.Context, domain string, requestID int64, stage workflow.Stage, approverID int64, reason string) (*entity.ApprovalRequest, error)
	BulkTransition(ctx context.Context, in BulkInput) (int, error)
	EditBeforeApproval(ctx context.Context, domain string, requestID int64, actorID int64, patch json.RawMessage) (*entity.ApprovalRequest, error)
	Cancel(ctx context.Context, domain string, requestID int64, actorID int64) (*entity.ApprovalRequest, error)
	PendingForApprover(ctx context.Context, domain string, stage workflow.Stage, approverID int64, limit, offset int) ([]*entity.ApprovalRequest, error)
	Get(ctx context.Context, domain string, requestID int64, actorID int64) (*entity.ApprovalRequest, error)
	ListForSubject(ctx context.Context, domain string, subjectID int64, limit, offset int) ([]*entity.ApprovalRequest, error)
	Delete(ctx context.Context, domain string, requestID int64, actorID int64) error
	History(ctx context.Context, domain string, requestID int64, actorID int64) ([]*entity.HistoryEntry, error)
}

type engineImpl struct {
	requests        port.RequestRepository
	org             port.OrgRepository
	history         port.HistoryRepository
	txManager       port.TransactionManager
	registry        *Registry
	scope           *ScopeService
	conflictRetries int
	now             func() time.Time
	logger          Logger
}

// NewWorkflowEngine creates the engine. conflictRetries bounds how many
// times a lost conditional write is retried before it surfaces as
// ErrAlreadyActed.
func NewWorkflowEngine(
	requests port.RequestRepository,
	org port.OrgRepository,
	history port.HistoryRepository,
	txManager port.TransactionManager,
	registry *Registry,
	scope *ScopeService,
	conflictRetries int,
	logger Logger,
) WorkflowEngine {
	if conflictRetries < 0 {
		conflictRetries = 0
	}
	return &engineImpl{
		requests:        requests,
		org:             org,
		history:         history,
		txManager:       txManager,
		registry:        registry,
		scope:           scope,
		conflictRetries: conflictRetries,
		now:             time.Now,
		logger:          logger,
	}
}

// Submit creates a request at pending/manager with three pending stage
// records. When the domain adapter's auto-approve predicate fires, all
// three stages are approved with the subject as actor inside the creation
// transaction, a terminal shortcut rather than a stage transition.
func (e *engineImpl) Submit(ctx context.Context, domain string, subjectID int64, payload json.RawMessage) (*entity.ApprovalRequest, error) {
	adapter, err := e.registry.Get(domain)
	if err != nil {
		return nil, err
	}

	normalized, err := adapter.ValidatePayload(payload)
	if err != nil {
		return nil, err
	}

	subject, err := e.org.GetEmployee(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return nil, fmt.Errorf("%w: unknown employee %d", workflow.ErrValidation, subjectID)
	}

	now := e.now()
	req := &entity.ApprovalRequest{
		Domain:            domain,
		SubjectEmployeeID: subject.ID,
		CompanyID:         subject.CompanyID,
		DepartmentID:      subject.DepartmentID,
		Payload:           normalized,
		CreatedAt:         now,
	}
	autoApprove := adapter.AutoApprove(normalized)

	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.requests.Create(txCtx, req); err != nil {
			return err
		}
		if err := e.record(txCtx, req.ID, subject.ID, workflow.TriggerSubmit, "", "submitted"); err != nil {
			return err
		}
		if autoApprove {
			if err := e.requests.MarkAutoApproved(txCtx, req.ID, subject.ID, now); err != nil {
				return err
			}
			return e.record(txCtx, req.ID, subject.ID, workflow.TriggerApprove, "", "auto-approved by policy")
		}
		return nil
	})
	if err != nil {
		e.logger.Error("Submit failed", "domain", domain, "subject", subjectID, "error", err)
		return nil, err
	}

	e.logger.Info("Request submitted",
		"domain", domain, "id", req.ID, "subject", subjectID, "auto_approved", autoApprove)
	return e.requests.GetByID(ctx, req.ID)
}

// ApproveStage performs the single-stage approval transition. The store
// write is conditional on the stage being current and unacted, so a racing
// second approver loses cleanly with ErrAlreadyActed.
func (e *engineImpl) ApproveStage(ctx context.Context, domain string, requestID int64, stage workflow.Stage, approverID int64, comment string) (*entity.ApprovalRequest, error) {
	if err := e.authorizeStageAction(ctx, domain, requestID, stage, approverID); err != nil {
		return nil, err
	}

	act := port.StageAction{ActorID: approverID, ActedAt: e.now(), Comment: comment}
	err := e.withConflictRetry(ctx, func(txCtx context.Context) error {
		if err := e.requests.ApproveStage(txCtx, requestID, stage, act); err != nil {
			return err
		}
		return e.record(txCtx, requestID, approverID, workflow.TriggerApprove, stage, comment)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Stage approved", "id", requestID, "stage", stage.String(), "approver", approverID)
	return e.requests.GetByID(ctx, requestID)
}

// RejectStage terminates the chain at the given stage. The reason is
// mandatory; later stages remain pending and are never visited.
func (e *engineImpl) RejectStage(ctx context.Context, domain string, requestID int64, stage workflow.Stage, approverID int64, reason string) (*entity.ApprovalRequest, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", workflow.ErrValidation)
	}
	if err := e.authorizeStageAction(ctx, domain, requestID, stage, approverID); err != nil {
		return nil, err
	}

	act := port.StageAction{ActorID: approverID, ActedAt: e.now(), Comment: reason}
	err := e.withConflictRetry(ctx, func(txCtx context.Context) error {
		if err := e.requests.RejectStage(txCtx, requestID, stage, act); err != nil {
			return err
		}
		return e.record(txCtx, requestID, approverID, workflow.TriggerReject, stage, reason)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Stage rejected", "id", requestID, "stage", stage.String(), "approver", approverID)
	return e.requests.GetByID(ctx, requestID)
}

// BulkTransition applies one action to every listed request or to none.
// Eligibility and scope are checked before any write; the writes then run
// in a single transaction so a member failing mid-way rolls everything
// back.
func (e *engineImpl) BulkTransition(ctx context.Context, in BulkInput) (int, error) {
	if len(in.IDs) == 0 {
		return 0, fmt.Errorf("%w: no request ids given", workflow.ErrValidation)
	}
	if in.Action == workflow.ActionReject && in.Comment == "" {
		return 0, fmt.Errorf("%w: rejection reason is required", workflow.ErrValidation)
	}
	if _, err := e.registry.Get(in.Domain); err != nil {
		return 0, err
	}

	approver, err := e.approver(ctx, in.ApproverID, in.Stage)
	if err != nil {
		return 0, err
	}

	ids := dedupe(in.IDs)
	reqs, err := e.requests.ListByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}

	byID := make(map[int64]*entity.ApprovalRequest, len(reqs))
	for _, r := range reqs {
		byID[r.ID] = r
	}

	var eligible []*entity.ApprovalRequest
	for _, id := range ids {
		r, ok := byID[id]
		if !ok || r.Domain != in.Domain || !r.EligibleFor(in.Stage) {
			continue
		}
		if in.Stage == workflow.StageAdmin && !priorStagesApproved(r) {
			continue
		}
		eligible = append(eligible, r)
	}
	if ineligible := len(ids) - len(eligible); ineligible > 0 {
		return 0, &workflow.PartialEligibilityError{Ineligible: ineligible}
	}

	outside := 0
	for _, r := range eligible {
		if err := e.scope.Authorize(ctx, approver, in.Stage, r); err != nil {
			var unauth *workflow.UnauthorizedError
			if errors.As(err, &unauth) {
				outside++
				continue
			}
			return 0, err
		}
	}
	if outside > 0 {
		return 0, &workflow.UnauthorizedError{Outside: outside}
	}

	act := port.StageAction{ActorID: in.ApproverID, ActedAt: e.now(), Comment: in.Comment}
	trigger := workflow.TriggerApprove
	if in.Action == workflow.ActionReject {
		trigger = workflow.TriggerReject
	}
	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		for _, r := range eligible {
			var terr error
			switch in.Action {
			case workflow.ActionApprove:
				terr = e.requests.ApproveStage(txCtx, r.ID, in.Stage, act)
			case workflow.ActionReject:
				terr = e.requests.RejectStage(txCtx, r.ID, in.Stage, act)
			default:
				terr = fmt.Errorf("%w: unknown action %q", workflow.ErrValidation, in.Action)
			}
			if terr != nil {
				return terr
			}
			if err := e.record(txCtx, r.ID, in.ApproverID, trigger, in.Stage, in.Comment); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Error("Bulk transition aborted", "domain", in.Domain, "stage", in.Stage.String(), "error", err)
		return 0, err
	}

	e.logger.Info("Bulk transition applied",
		"domain", in.Domain, "stage", in.Stage.String(), "action", string(in.Action), "count", len(eligible))
	return len(eligible), nil
}

// EditBeforeApproval lets the subject amend the payload while HR has not
// acted. The changed request invalidates prior approvals, so all three
// stage records reset and the chain restarts at the manager stage.
func (e *engineImpl) EditBeforeApproval(ctx context.Context, domain string, requestID int64, actorID int64, patch json.RawMessage) (*entity.ApprovalRequest, error) {
	adapter, err := e.registry.Get(domain)
	if err != nil {
		return nil, err
	}

	req, err := e.loadInDomain(ctx, domain, requestID)
	if err != nil {
		return nil, err
	}
	if req.SubjectEmployeeID != actorID {
		return nil, &workflow.UnauthorizedError{Outside: 1}
	}
	if !req.Editable() {
		return nil, workflow.ErrEditWindowClosed
	}

	merged, err := adapter.ApplyPatch(req.Payload, patch)
	if err != nil {
		return nil, err
	}

	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.requests.ResetForEdit(txCtx, requestID, merged, e.now()); err != nil {
			return err
		}
		return e.record(txCtx, requestID, actorID, workflow.TriggerEdit, "", "payload amended, approvals reset")
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Request edited and reset", "id", requestID, "subject", actorID)
	return e.requests.GetByID(ctx, requestID)
}

// Cancel moves a pending or approved request to the terminal cancelled
// state. Stage records are untouched.
func (e *engineImpl) Cancel(ctx context.Context, domain string, requestID int64, actorID int64) (*entity.ApprovalRequest, error) {
	req, err := e.loadInDomain(ctx, domain, requestID)
	if err != nil {
		return nil, err
	}

	actor, err := e.org.GetEmployee(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, &workflow.UnauthorizedError{Outside: 1}
	}
	isAdmin := actor.Role == workflow.RoleAdmin && actor.CompanyID == req.CompanyID
	if actor.ID != req.SubjectEmployeeID && !isAdmin {
		return nil, &workflow.UnauthorizedError{Outside: 1}
	}
	if !workflow.CanFire(req.Status, workflow.TriggerCancel) {
		return nil, workflow.ErrCancelNotAllowed
	}

	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.requests.Cancel(txCtx, requestID, e.now()); err != nil {
			return err
		}
		return e.record(txCtx, requestID, actorID, workflow.TriggerCancel, "", "")
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Request cancelled", "id", requestID, "actor", actorID)
	return e.requests.GetByID(ctx, requestID)
}

// PendingForApprover returns the approver's scoped pending queue for the
// stage
func (e *engineImpl) PendingForApprover(ctx context.Context, domain string, stage workflow.Stage, approverID int64, limit, offset int) ([]*entity.ApprovalRequest, error) {
	if domain != "" {
		if _, err := e.registry.Get(domain); err != nil {
			return nil, err
		}
	}
	if _, err := e.approver(ctx, approverID, stage); err != nil {
		return nil, err
	}

	filter := port.PendingFilter{Domain: domain, Limit: limit, Offset: offset}
	switch stage {
	case workflow.StageManager:
		return e.requests.PendingForManager(ctx, approverID, filter)
	case workflow.StageHR:
		return e.requests.PendingForHR(ctx, approverID, filter)
	case workflow.StageAdmin:
		return e.requests.PendingForAdmin(ctx, approverID, filter)
	default:
		return nil, fmt.Errorf("%w: unknown approval stage %q", workflow.ErrValidation, stage)
	}
}

// Get returns one request if the actor may view it
func (e *engineImpl) Get(ctx context.Context, domain string, requestID int64, actorID int64) (*entity.ApprovalRequest, error) {
	req, err := e.loadInDomain(ctx, domain, requestID)
	if err != nil {
		return nil, err
	}

	actor, err := e.org.GetEmployee(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor == nil || !e.scope.CanView(ctx, actor, req) {
		return nil, &workflow.UnauthorizedError{Outside: 1}
	}
	return req, nil
}

// ListForSubject returns the subject's own requests
func (e *engineImpl) ListForSubject(ctx context.Context, domain string, subjectID int64, limit, offset int) ([]*entity.ApprovalRequest, error) {
	if domain != "" {
		if _, err := e.registry.Get(domain); err != nil {
			return nil, err
		}
	}
	return e.requests.ListForSubject(ctx, subjectID, port.PendingFilter{Domain: domain, Limit: limit, Offset: offset})
}

// Delete is the administrative override outside workflow semantics. It is
// refused for approved requests and restricted to company admins.
func (e *engineImpl) Delete(ctx context.Context, domain string, requestID int64, actorID int64) error {
	req, err := e.loadInDomain(ctx, domain, requestID)
	if err != nil {
		return err
	}

	actor, err := e.org.GetEmployee(ctx, actorID)
	if err != nil {
		return err
	}
	if actor == nil || actor.Role != workflow.RoleAdmin || actor.CompanyID != req.CompanyID {
		return &workflow.UnauthorizedError{Outside: 1}
	}

	if err := e.requests.Delete(ctx, requestID); err != nil {
		return err
	}
	e.logger.Info("Request deleted", "id", requestID, "actor", actorID)
	return nil
}

// History returns the audit trail if the actor may view the request
func (e *engineImpl) History(ctx context.Context, domain string, requestID int64, actorID int64) ([]*entity.HistoryEntry, error) {
	if _, err := e.Get(ctx, domain, requestID, actorID); err != nil {
		return nil, err
	}
	return e.history.GetByRequestID(ctx, requestID)
}

// authorizeStageAction runs the capability and scope checks for a single
// stage transition
func (e *engineImpl) authorizeStageAction(ctx context.Context, domain string, requestID int64, stage workflow.Stage, approverID int64) error {
	if _, err := e.registry.Get(domain); err != nil {
		return err
	}

	approver, err := e.approver(ctx, approverID, stage)
	if err != nil {
		return err
	}

	req, err := e.loadInDomain(ctx, domain, requestID)
	if err != nil {
		return err
	}
	return e.scope.Authorize(ctx, approver, stage, req)
}

// approver loads the employee and applies the (role, stage) capability
// table
func (e *engineImpl) approver(ctx context.Context, approverID int64, stage workflow.Stage) (*entity.Employee, error) {
	approver, err := e.org.GetEmployee(ctx, approverID)
	if err != nil {
		return nil, err
	}
	if approver == nil || !workflow.RoleCanAct(approver.Role, stage) {
		return nil, &workflow.UnauthorizedError{Outside: 1}
	}
	return approver, nil
}

// loadInDomain loads a request and hides it when the domain does not match
// the route
func (e *engineImpl) loadInDomain(ctx context.Context, domain string, requestID int64) (*entity.ApprovalRequest, error) {
	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil || req.Domain != domain {
		return nil, workflow.ErrNotFound
	}
	return req, nil
}

// withConflictRetry wraps a transaction and retries lost conditional
// writes a bounded number of times. A conflict that persists means another
// actor won the race, which callers see as ErrAlreadyActed.
func (e *engineImpl) withConflictRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= e.conflictRetries; attempt++ {
		err = e.txManager.WithTransaction(ctx, fn)
		if !errors.Is(err, workflow.ErrStoreConflict) {
			return err
		}
		e.logger.Info("Retrying after store conflict", "attempt", attempt+1)
	}
	return workflow.ErrAlreadyActed
}

// record appends an audit trail entry inside the current transaction
func (e *engineImpl) record(ctx context.Context, requestID, actorID int64, action workflow.Trigger, stage workflow.Stage, detail string) error {
	return e.history.Create(ctx, &entity.HistoryEntry{
		RequestID: requestID,
		ActorID:   actorID,
		Action:    action,
		Stage:     stage,
		Detail:    detail,
		CreatedAt: e.now(),
	})
}

func priorStagesApproved(r *entity.ApprovalRequest) bool {
	return r.StageRecordFor(workflow.StageManager).Status == workflow.StageApproved &&
		r.StageRecordFor(workflow.StageHR).Status == workflow.StageApproved
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	var out []int64
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
