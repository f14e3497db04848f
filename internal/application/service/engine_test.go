package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhr/approvalflow/internal/application/port"
	"github.com/quillhr/approvalflow/internal/domain/entity"
	"github.com/quillhr/approvalflow/internal/domain/workflow"
)

// fakeRequestStore is an in-memory RequestRepository that enforces the same
// conditional-write preconditions as the sqlite implementation, including
// rollback on transaction failure.
type fakeRequestStore struct {
	nextID   int64
	requests map[int64]*entity.ApprovalRequest
	// snapshot taken when a transaction starts, restored on rollback
	snapshot map[int64]*entity.ApprovalRequest
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{nextID: 1, requests: make(map[int64]*entity.ApprovalRequest)}
}

func cloneRequest(r *entity.ApprovalRequest) *entity.ApprovalRequest {
	c := *r
	c.Stages = make(map[workflow.Stage]*entity.StageRecord, len(r.Stages))
	for s, rec := range r.Stages {
		cp := *rec
		c.Stages[s] = &cp
	}
	return &c
}

func (f *fakeRequestStore) begin() {
	f.snapshot = make(map[int64]*entity.ApprovalRequest, len(f.requests))
	for id, r := range f.requests {
		f.snapshot[id] = cloneRequest(r)
	}
}

func (f *fakeRequestStore) rollback() {
	if f.snapshot != nil {
		f.requests = f.snapshot
	}
	f.snapshot = nil
}

func (f *fakeRequestStore) commit() { f.snapshot = nil }

func (f *fakeRequestStore) Create(_ context.Context, req *entity.ApprovalRequest) error {
	req.ID = f.nextID
	f.nextID++
	req.Status = workflow.StatusPending
	req.CurrentStage = workflow.StageManager
	req.Stages = map[workflow.Stage]*entity.StageRecord{}
	for _, s := range workflow.ApprovalStages {
		req.Stages[s] = &entity.StageRecord{Stage: s, Status: workflow.StagePending}
	}
	f.requests[req.ID] = cloneRequest(req)
	return nil
}

func (f *fakeRequestStore) GetByID(_ context.Context, id int64) (*entity.ApprovalRequest, error) {
	r, ok := f.requests[id]
	if !ok {
		return nil, nil
	}
	return cloneRequest(r), nil
}

func (f *fakeRequestStore) ListByIDs(_ context.Context, ids []int64) ([]*entity.ApprovalRequest, error) {
	var out []*entity.ApprovalRequest
	for _, id := range ids {
		if r, ok := f.requests[id]; ok {
			out = append(out, cloneRequest(r))
		}
	}
	return out, nil
}

func (f *fakeRequestStore) diagnose(id int64, stage workflow.Stage) error {
	r, ok := f.requests[id]
	if !ok {
		return workflow.ErrNotFound
	}
	if r.Stages[stage].Status != workflow.StagePending {
		return workflow.ErrAlreadyActed
	}
	return workflow.ErrStageMismatch
}

func (f *fakeRequestStore) ApproveStage(_ context.Context, id int64, stage workflow.Stage, act port.StageAction) error {
	r, ok := f.requests[id]
	if !ok || r.Status != workflow.StatusPending || r.CurrentStage != stage || r.Stages[stage].Status != workflow.StagePending {
		return f.diagnose(id, stage)
	}
	at := act.ActedAt
	r.Stages[stage] = &entity.StageRecord{Stage: stage, Status: workflow.StageApproved, ActedBy: &act.ActorID, ActedAt: &at, Comment: act.Comment}
	if stage == workflow.StageAdmin {
		r.Status = workflow.StatusApproved
		r.CurrentStage = workflow.StageCompleted
	} else {
		r.CurrentStage = stage.Next()
	}
	return nil
}

func (f *fakeRequestStore) RejectStage(_ context.Context, id int64, stage workflow.Stage, act port.StageAction) error {
	r, ok := f.requests[id]
	if !ok || r.Status != workflow.StatusPending || r.CurrentStage != stage || r.Stages[stage].Status != workflow.StagePending {
		return f.diagnose(id, stage)
	}
	at := act.ActedAt
	r.Stages[stage] = &entity.StageRecord{Stage: stage, Status: workflow.StageRejected, ActedBy: &act.ActorID, ActedAt: &at, Comment: act.Comment}
	r.Status = workflow.StatusRejected
	r.CurrentStage = workflow.StageCompleted
	r.RejectedBy = &act.ActorID
	r.RejectionReason = act.Comment
	return nil
}

func (f *fakeRequestStore) MarkAutoApproved(_ context.Context, id int64, subjectID int64, at time.Time) error {
	r, ok := f.requests[id]
	if !ok || r.Status != workflow.StatusPending {
		return workflow.ErrStoreConflict
	}
	for _, s := range workflow.ApprovalStages {
		t := at
		r.Stages[s] = &entity.StageRecord{Stage: s, Status: workflow.StageApproved, ActedBy: &subjectID, ActedAt: &t}
	}
	r.Status = workflow.StatusApproved
	r.CurrentStage = workflow.StageCompleted
	return nil
}

func (f *fakeRequestStore) ResetForEdit(_ context.Context, id int64, payload json.RawMessage, _ time.Time) error {
	r, ok := f.requests[id]
	if !ok {
		return workflow.ErrNotFound
	}
	if r.Status != workflow.StatusPending || r.Stages[workflow.StageHR].Status != workflow.StagePending {
		return workflow.ErrEditWindowClosed
	}
	r.Payload = payload
	r.CurrentStage = workflow.StageManager
	for _, s := range workflow.ApprovalStages {
		r.Stages[s] = &entity.StageRecord{Stage: s, Status: workflow.StagePending}
	}
	return nil
}

func (f *fakeRequestStore) Cancel(_ context.Context, id int64, at time.Time) error {
	r, ok := f.requests[id]
	if !ok {
		return workflow.ErrNotFound
	}
	if r.Status != workflow.StatusPending && r.Status != workflow.StatusApproved {
		return workflow.ErrCancelNotAllowed
	}
	r.Status = workflow.StatusCancelled
	t := at
	r.CancelledAt = &t
	return nil
}

func (f *fakeRequestStore) Delete(_ context.Context, id int64) error {
	r, ok := f.requests[id]
	if !ok {
		return workflow.ErrNotFound
	}
	if r.Status == workflow.StatusApproved {
		return fmt.Errorf("%w: approved requests cannot be deleted", workflow.ErrValidation)
	}
	delete(f.requests, id)
	return nil
}

func (f *fakeRequestStore) PendingForManager(_ context.Context, _ int64, _ port.PendingFilter) ([]*entity.ApprovalRequest, error) {
	return nil, nil
}

func (f *fakeRequestStore) PendingForHR(_ context.Context, _ int64, _ port.PendingFilter) ([]*entity.ApprovalRequest, error) {
	return nil, nil
}

func (f *fakeRequestStore) PendingForAdmin(_ context.Context, _ int64, _ port.PendingFilter) ([]*entity.ApprovalRequest, error) {
	return nil, nil
}

func (f *fakeRequestStore) ListForSubject(_ context.Context, subjectID int64, _ port.PendingFilter) ([]*entity.ApprovalRequest, error) {
	var out []*entity.ApprovalRequest
	for _, r := range f.requests {
		if r.SubjectEmployeeID == subjectID {
			out = append(out, cloneRequest(r))
		}
	}
	return out, nil
}

// fakeOrg serves a small fixed org chart
type fakeOrg struct {
	employees   map[int64]*entity.Employee
	departments map[int64]*entity.Department
}

func (f *fakeOrg) GetEmployee(_ context.Context, id int64) (*entity.Employee, error) {
	return f.employees[id], nil
}

func (f *fakeOrg) GetDepartment(_ context.Context, id int64) (*entity.Department, error) {
	return f.departments[id], nil
}

func (f *fakeOrg) GetDepartmentOfEmployee(_ context.Context, employeeID int64) (*entity.Department, error) {
	e, ok := f.employees[employeeID]
	if !ok {
		return nil, nil
	}
	return f.departments[e.DepartmentID], nil
}

type fakeHistory struct {
	entries []*entity.HistoryEntry
	failing bool
}

func (f *fakeHistory) Create(_ context.Context, h *entity.HistoryEntry) error {
	if f.failing {
		return errors.New("history write failed")
	}
	f.entries = append(f.entries, h)
	return nil
}

func (f *fakeHistory) GetByRequestID(_ context.Context, requestID int64) ([]*entity.HistoryEntry, error) {
	var out []*entity.HistoryEntry
	for _, h := range f.entries {
		if h.RequestID == requestID {
			out = append(out, h)
		}
	}
	return out, nil
}

// fakeTx snapshots the store so a failed function rolls state back, the
// behavior the engine's all-or-nothing contract depends on
type fakeTx struct {
	store *fakeRequestStore
}

func (f *fakeTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	f.store.begin()
	if err := fn(ctx); err != nil {
		f.store.rollback()
		return err
	}
	f.store.commit()
	return nil
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// stubAdapter is a minimal DomainAdapter for engine tests
type stubAdapter struct {
	name        string
	autoApprove bool
	rejectAll   bool
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) ValidatePayload(raw json.RawMessage) (json.RawMessage, error) {
	if s.rejectAll {
		return nil, fmt.Errorf("%w: payload rejected", workflow.ErrValidation)
	}
	return raw, nil
}

func (s *stubAdapter) ApplyPatch(current, patch json.RawMessage) (json.RawMessage, error) {
	if s.rejectAll {
		return nil, fmt.Errorf("%w: patch rejected", workflow.ErrValidation)
	}
	return patch, nil
}

func (s *stubAdapter) AutoApprove(json.RawMessage) bool { return s.autoApprove }

func (s *stubAdapter) Summarize(json.RawMessage) []port.SummaryField { return nil }

// test org chart ids
const (
	deptEngineering = int64(10)
	deptSales       = int64(11)

	empAlice   = int64(1) // engineering employee
	empBob     = int64(2) // engineering manager
	empCarol   = int64(3) // engineering hr
	empDenise  = int64(4) // company admin
	empEve     = int64(5) // sales employee
	empFrank   = int64(6) // sales manager
	empOutside = int64(7) // admin of another company
)

func testOrg() *fakeOrg {
	bob, carol, frank := empBob, empCarol, empFrank
	return &fakeOrg{
		employees: map[int64]*entity.Employee{
			empAlice:   {ID: empAlice, CompanyID: 100, DepartmentID: deptEngineering, Role: workflow.RoleEmployee},
			empBob:     {ID: empBob, CompanyID: 100, DepartmentID: deptEngineering, Role: workflow.RoleManager},
			empCarol:   {ID: empCarol, CompanyID: 100, DepartmentID: deptEngineering, Role: workflow.RoleHR},
			empDenise:  {ID: empDenise, CompanyID: 100, DepartmentID: deptEngineering, Role: workflow.RoleAdmin},
			empEve:     {ID: empEve, CompanyID: 100, DepartmentID: deptSales, Role: workflow.RoleEmployee},
			empFrank:   {ID: empFrank, CompanyID: 100, DepartmentID: deptSales, Role: workflow.RoleManager},
			empOutside: {ID: empOutside, CompanyID: 200, DepartmentID: 30, Role: workflow.RoleAdmin},
		},
		departments: map[int64]*entity.Department{
			deptEngineering: {ID: deptEngineering, CompanyID: 100, ManagerID: &bob, HRID: &carol},
			deptSales:       {ID: deptSales, CompanyID: 100, ManagerID: &frank, HRID: &carol},
		},
	}
}

type engineFixture struct {
	engine  WorkflowEngine
	store   *fakeRequestStore
	org     *fakeOrg
	history *fakeHistory
}

func newEngineFixture(t *testing.T, adapters ...port.DomainAdapter) *engineFixture {
	t.Helper()
	if adapters == nil {
		adapters = []port.DomainAdapter{&stubAdapter{name: "leave"}}
	}
	store := newFakeRequestStore()
	org := testOrg()
	history := &fakeHistory{}

	engine := NewWorkflowEngine(
		store, org, history, &fakeTx{store: store},
		NewRegistry(adapters...), NewScopeService(org),
		2, nopLogger{},
	)
	return &engineFixture{engine: engine, store: store, org: org, history: history}
}

func (fx *engineFixture) submit(t *testing.T, subject int64) *entity.ApprovalRequest {
	t.Helper()
	req, err := fx.engine.Submit(context.Background(), "leave", subject, json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	return req
}

func TestSubmit_InitialState(t *testing.T) {
	fx := newEngineFixture(t)
	req := fx.submit(t, empAlice)

	assert.Equal(t, workflow.StatusPending, req.Status)
	assert.Equal(t, workflow.StageManager, req.CurrentStage)
	for _, s := range workflow.ApprovalStages {
		assert.Equal(t, workflow.StagePending, req.Stages[s].Status)
		assert.Nil(t, req.Stages[s].ActedBy)
	}
	assert.Equal(t, int64(100), req.CompanyID)
	assert.Equal(t, deptEngineering, req.DepartmentID)
}

func TestSubmit_AutoApprove(t *testing.T) {
	fx := newEngineFixture(t, &stubAdapter{name: "leave", autoApprove: true})
	req := fx.submit(t, empAlice)

	assert.Equal(t, workflow.StatusApproved, req.Status)
	assert.Equal(t, workflow.StageCompleted, req.CurrentStage)
	for _, s := range workflow.ApprovalStages {
		assert.Equal(t, workflow.StageApproved, req.Stages[s].Status)
		require.NotNil(t, req.Stages[s].ActedBy)
		assert.Equal(t, empAlice, *req.Stages[s].ActedBy, "auto-approve acts as the subject")
	}
}

func TestSubmit_ValidationFailureTouchesNothing(t *testing.T) {
	fx := newEngineFixture(t, &stubAdapter{name: "leave", rejectAll: true})

	_, err := fx.engine.Submit(context.Background(), "leave", empAlice, json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, workflow.ErrValidation))
	assert.Empty(t, fx.store.requests)
	assert.Empty(t, fx.history.entries)
}

func TestSubmit_UnknownDomain(t *testing.T) {
	fx := newEngineFixture(t)
	_, err := fx.engine.Submit(context.Background(), "expenses", empAlice, json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, workflow.ErrValidation))
}

func TestApprove_FullChain(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	req := fx.submit(t, empAlice)

	req, err := fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empBob, "ok")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, req.Status)
	assert.Equal(t, workflow.StageHR, req.CurrentStage)
	assert.Equal(t, workflow.StageApproved, req.Stages[workflow.StageManager].Status)
	assert.Equal(t, "ok", req.Stages[workflow.StageManager].Comment)
	assert.Equal(t, empBob, *req.Stages[workflow.StageManager].ActedBy)

	req, err = fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageHR, empCarol, "")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageAdmin, req.CurrentStage)

	req, err = fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageAdmin, empDenise, "")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, req.Status)
	assert.Equal(t, workflow.StageCompleted, req.CurrentStage)
	for _, s := range workflow.ApprovalStages {
		assert.Equal(t, workflow.StageApproved, req.Stages[s].Status)
	}
}

func TestReject_AtEachStage(t *testing.T) {
	for _, rejectAt := range workflow.ApprovalStages {
		t.Run(string(rejectAt), func(t *testing.T) {
			fx := newEngineFixture(t)
			ctx := context.Background()
			req := fx.submit(t, empAlice)

			approvers := map[workflow.Stage]int64{
				workflow.StageManager: empBob,
				workflow.StageHR:      empCarol,
				workflow.StageAdmin:   empDenise,
			}

			// Approve everything before the rejecting stage
			for _, s := range workflow.ApprovalStages {
				if s == rejectAt {
					break
				}
				var err error
				req, err = fx.engine.ApproveStage(ctx, "leave", req.ID, s, approvers[s], "")
				require.NoError(t, err)
			}

			req, err := fx.engine.RejectStage(ctx, "leave", req.ID, rejectAt, approvers[rejectAt], "no")
			require.NoError(t, err)

			assert.Equal(t, workflow.StatusRejected, req.Status)
			assert.Equal(t, workflow.StageCompleted, req.CurrentStage)
			assert.Equal(t, workflow.StageRejected, req.Stages[rejectAt].Status)
			assert.Equal(t, approvers[rejectAt], *req.RejectedBy)
			assert.Equal(t, "no", req.RejectionReason)

			// Stages after the rejecting one stay pending, never visited
			for _, s := range workflow.ApprovalStages {
				if s.Ordinal() > rejectAt.Ordinal() {
					assert.Equal(t, workflow.StagePending, req.Stages[s].Status)
					assert.Nil(t, req.Stages[s].ActedBy)
				}
			}
		})
	}
}

func TestReject_RequiresReason(t *testing.T) {
	fx := newEngineFixture(t)
	req := fx.submit(t, empAlice)

	_, err := fx.engine.RejectStage(context.Background(), "leave", req.ID, workflow.StageManager, empBob, "")
	assert.True(t, errors.Is(err, workflow.ErrValidation))

	got, _ := fx.store.GetByID(context.Background(), req.ID)
	assert.Equal(t, workflow.StatusPending, got.Status)
}

func TestApprove_StageMismatch(t *testing.T) {
	fx := newEngineFixture(t)
	req := fx.submit(t, empAlice)

	// HR acting while the request still awaits the manager
	_, err := fx.engine.ApproveStage(context.Background(), "leave", req.ID, workflow.StageHR, empCarol, "")
	assert.True(t, errors.Is(err, workflow.ErrStageMismatch))

	got, _ := fx.store.GetByID(context.Background(), req.ID)
	assert.Equal(t, workflow.StageManager, got.CurrentStage)
	assert.Equal(t, workflow.StagePending, got.Stages[workflow.StageHR].Status)
}

func TestApprove_AlreadyActed(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	req := fx.submit(t, empAlice)

	_, err := fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empBob, "")
	require.NoError(t, err)

	// Manager double-clicks: stage record is no longer pending
	_, err = fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empBob, "")
	assert.True(t, errors.Is(err, workflow.ErrAlreadyActed))
}

func TestApprove_NotFound(t *testing.T) {
	fx := newEngineFixture(t)
	_, err := fx.engine.ApproveStage(context.Background(), "leave", 999, workflow.StageManager, empBob, "")
	assert.True(t, errors.Is(err, workflow.ErrNotFound))
}

func TestApprove_Unauthorized(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	req := fx.submit(t, empAlice) // engineering

	var unauth *workflow.UnauthorizedError

	// Manager of another department
	_, err := fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empFrank, "")
	assert.True(t, errors.As(err, &unauth))

	// Plain employee holds no stage capability
	_, err = fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empEve, "")
	assert.True(t, errors.As(err, &unauth))

	// HR acting at the manager stage fails the capability table
	_, err = fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empCarol, "")
	assert.True(t, errors.As(err, &unauth))
}

func TestApprove_LiveReassignmentChangesApprover(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	req := fx.submit(t, empAlice)

	// Engineering's manager binding moves to Frank mid-flight
	frank := empFrank
	fx.org.departments[deptEngineering].ManagerID = &frank

	var unauth *workflow.UnauthorizedError
	_, err := fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empBob, "")
	assert.True(t, errors.As(err, &unauth), "former manager is no longer authorized")

	_, err = fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empFrank, "")
	assert.NoError(t, err, "new manager is authorized immediately")
}

func TestAdmin_CrossCompanyUnauthorized(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	req := fx.submit(t, empAlice)

	_, err := fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empBob, "")
	require.NoError(t, err)
	_, err = fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageHR, empCarol, "")
	require.NoError(t, err)

	var unauth *workflow.UnauthorizedError
	_, err = fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageAdmin, empOutside, "")
	assert.True(t, errors.As(err, &unauth))
}

func TestScenarioA_AdminRejectsAfterTwoApprovals(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	req := fx.submit(t, empAlice)

	req, err := fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empBob, "ok")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageHR, req.CurrentStage)

	req, err = fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageHR, empCarol, "")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageAdmin, req.CurrentStage)

	req, err = fx.engine.RejectStage(ctx, "leave", req.ID, workflow.StageAdmin, empDenise, "insufficient balance")
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusRejected, req.Status)
	assert.Equal(t, workflow.StageCompleted, req.CurrentStage)
	assert.Equal(t, empDenise, *req.RejectedBy)
	assert.Equal(t, "insufficient balance", req.RejectionReason)
	assert.Equal(t, workflow.StageApproved, req.Stages[workflow.StageManager].Status, "earlier approvals are not retroactively touched")
	assert.Equal(t, workflow.StageApproved, req.Stages[workflow.StageHR].Status)
}

func TestBulk_ApproveAll(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	r1 := fx.submit(t, empAlice)
	r2 := fx.submit(t, empAlice)

	n, err := fx.engine.BulkTransition(ctx, BulkInput{
		Domain:     "leave",
		IDs:        []int64{r1.ID, r2.ID},
		Stage:      workflow.StageManager,
		Action:     workflow.ActionApprove,
		ApproverID: empBob,
		Comment:    "batch ok",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []int64{r1.ID, r2.ID} {
		got, _ := fx.store.GetByID(ctx, id)
		assert.Equal(t, workflow.StageHR, got.CurrentStage)
		assert.Equal(t, "batch ok", got.Stages[workflow.StageManager].Comment)
	}
}

func TestScenarioB_BulkPartialEligibilityLeavesAllUntouched(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	r2 := fx.submit(t, empAlice)
	r3 := fx.submit(t, empAlice)
	r4 := fx.submit(t, empAlice)

	// Move r2 and r3 to the hr stage, r4 all the way to admin
	for _, id := range []int64{r2.ID, r3.ID, r4.ID} {
		_, err := fx.engine.ApproveStage(ctx, "leave", id, workflow.StageManager, empBob, "")
		require.NoError(t, err)
	}
	_, err := fx.engine.ApproveStage(ctx, "leave", r4.ID, workflow.StageHR, empCarol, "")
	require.NoError(t, err)

	before2, _ := fx.store.GetByID(ctx, r2.ID)
	before3, _ := fx.store.GetByID(ctx, r3.ID)

	_, err = fx.engine.BulkTransition(ctx, BulkInput{
		Domain:     "leave",
		IDs:        []int64{r2.ID, r3.ID, r4.ID},
		Stage:      workflow.StageHR,
		Action:     workflow.ActionApprove,
		ApproverID: empCarol,
	})

	var partial *workflow.PartialEligibilityError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, 1, partial.Ineligible)

	after2, _ := fx.store.GetByID(ctx, r2.ID)
	after3, _ := fx.store.GetByID(ctx, r3.ID)
	assert.Equal(t, before2, after2, "eligible members are untouched")
	assert.Equal(t, before3, after3)
}

func TestBulk_MissingIDCountsAsIneligible(t *testing.T) {
	fx := newEngineFixture(t)
	r1 := fx.submit(t, empAlice)

	_, err := fx.engine.BulkTransition(context.Background(), BulkInput{
		Domain:     "leave",
		IDs:        []int64{r1.ID, 999},
		Stage:      workflow.StageManager,
		Action:     workflow.ActionApprove,
		ApproverID: empBob,
	})

	var partial *workflow.PartialEligibilityError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, 1, partial.Ineligible)
}

func TestBulk_OutsideScopeAborts(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	mine := fx.submit(t, empAlice) // engineering
	other := fx.submit(t, empEve)  // sales

	_, err := fx.engine.BulkTransition(ctx, BulkInput{
		Domain:     "leave",
		IDs:        []int64{mine.ID, other.ID},
		Stage:      workflow.StageManager,
		Action:     workflow.ActionApprove,
		ApproverID: empBob,
	})

	var unauth *workflow.UnauthorizedError
	require.True(t, errors.As(err, &unauth))
	assert.Equal(t, 1, unauth.Outside)

	got, _ := fx.store.GetByID(ctx, mine.ID)
	assert.Equal(t, workflow.StageManager, got.CurrentStage, "in-scope member not written either")
}

func TestBulk_MidTransactionFailureRollsBack(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	r1 := fx.submit(t, empAlice)
	r2 := fx.submit(t, empAlice)

	// History writes fail inside the transaction; every stage write must
	// roll back
	fx.history.failing = true

	_, err := fx.engine.BulkTransition(ctx, BulkInput{
		Domain:     "leave",
		IDs:        []int64{r1.ID, r2.ID},
		Stage:      workflow.StageManager,
		Action:     workflow.ActionApprove,
		ApproverID: empBob,
	})
	require.Error(t, err)

	for _, id := range []int64{r1.ID, r2.ID} {
		got, _ := fx.store.GetByID(ctx, id)
		assert.Equal(t, workflow.StageManager, got.CurrentStage)
		assert.Equal(t, workflow.StagePending, got.Stages[workflow.StageManager].Status)
	}
}

func TestBulk_Reject(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	r1 := fx.submit(t, empAlice)
	r2 := fx.submit(t, empAlice)

	n, err := fx.engine.BulkTransition(ctx, BulkInput{
		Domain:     "leave",
		IDs:        []int64{r1.ID, r2.ID},
		Stage:      workflow.StageManager,
		Action:     workflow.ActionReject,
		ApproverID: empBob,
		Comment:    "policy freeze",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, _ := fx.store.GetByID(ctx, r1.ID)
	assert.Equal(t, workflow.StatusRejected, got.Status)
	assert.Equal(t, "policy freeze", got.RejectionReason)
}

func TestBulk_RejectRequiresReason(t *testing.T) {
	fx := newEngineFixture(t)
	r1 := fx.submit(t, empAlice)

	_, err := fx.engine.BulkTransition(context.Background(), BulkInput{
		Domain:     "leave",
		IDs:        []int64{r1.ID},
		Stage:      workflow.StageManager,
		Action:     workflow.ActionReject,
		ApproverID: empBob,
	})
	assert.True(t, errors.Is(err, workflow.ErrValidation))
}

func TestEdit_ResetsChain(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	req := fx.submit(t, empAlice)

	// Manager approves; HR has not acted, so the edit window is open
	_, err := fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empBob, "ok")
	require.NoError(t, err)

	req, err = fx.engine.EditBeforeApproval(ctx, "leave", req.ID, empAlice, json.RawMessage(`{"x":2}`))
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusPending, req.Status)
	assert.Equal(t, workflow.StageManager, req.CurrentStage, "chain restarts at manager")
	assert.JSONEq(t, `{"x":2}`, string(req.Payload))
	for _, s := range workflow.ApprovalStages {
		assert.Equal(t, workflow.StagePending, req.Stages[s].Status)
		assert.Nil(t, req.Stages[s].ActedBy, "prior approvals cleared")
		assert.Empty(t, req.Stages[s].Comment)
	}
}

func TestEdit_WindowClosedAfterHRActs(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	req := fx.submit(t, empAlice)

	_, err := fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empBob, "")
	require.NoError(t, err)
	_, err = fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageHR, empCarol, "")
	require.NoError(t, err)

	_, err = fx.engine.EditBeforeApproval(ctx, "leave", req.ID, empAlice, json.RawMessage(`{"x":2}`))
	assert.True(t, errors.Is(err, workflow.ErrEditWindowClosed))
}

func TestEdit_OnlySubject(t *testing.T) {
	fx := newEngineFixture(t)
	req := fx.submit(t, empAlice)

	var unauth *workflow.UnauthorizedError
	_, err := fx.engine.EditBeforeApproval(context.Background(), "leave", req.ID, empBob, json.RawMessage(`{"x":2}`))
	assert.True(t, errors.As(err, &unauth))
}

func TestCancel_FromPendingAndApproved(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	pending := fx.submit(t, empAlice)
	got, err := fx.engine.Cancel(ctx, "leave", pending.ID, empAlice)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)
	assert.Equal(t, workflow.StageManager, got.CurrentStage, "stage untouched by cancel")

	approved := fx.submit(t, empAlice)
	_, err = fx.engine.ApproveStage(ctx, "leave", approved.ID, workflow.StageManager, empBob, "")
	require.NoError(t, err)
	_, err = fx.engine.ApproveStage(ctx, "leave", approved.ID, workflow.StageHR, empCarol, "")
	require.NoError(t, err)
	_, err = fx.engine.ApproveStage(ctx, "leave", approved.ID, workflow.StageAdmin, empDenise, "")
	require.NoError(t, err)

	got, err = fx.engine.Cancel(ctx, "leave", approved.ID, empAlice)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, got.Status)
}

func TestCancel_TerminalStatesRefused(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	req := fx.submit(t, empAlice)
	_, err := fx.engine.RejectStage(ctx, "leave", req.ID, workflow.StageManager, empBob, "no")
	require.NoError(t, err)

	_, err = fx.engine.Cancel(ctx, "leave", req.ID, empAlice)
	assert.True(t, errors.Is(err, workflow.ErrCancelNotAllowed))

	cancelled := fx.submit(t, empAlice)
	_, err = fx.engine.Cancel(ctx, "leave", cancelled.ID, empAlice)
	require.NoError(t, err)
	_, err = fx.engine.Cancel(ctx, "leave", cancelled.ID, empAlice)
	assert.True(t, errors.Is(err, workflow.ErrCancelNotAllowed), "cancelled is terminal")
}

func TestCancel_AdminMayCancelForSubject(t *testing.T) {
	fx := newEngineFixture(t)
	req := fx.submit(t, empAlice)

	_, err := fx.engine.Cancel(context.Background(), "leave", req.ID, empDenise)
	assert.NoError(t, err)
}

func TestCancel_StrangerRefused(t *testing.T) {
	fx := newEngineFixture(t)
	req := fx.submit(t, empAlice)

	var unauth *workflow.UnauthorizedError
	_, err := fx.engine.Cancel(context.Background(), "leave", req.ID, empEve)
	assert.True(t, errors.As(err, &unauth))
}

func TestDelete_RefusedForApproved(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	req := fx.submit(t, empAlice)
	_, err := fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empBob, "")
	require.NoError(t, err)
	_, err = fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageHR, empCarol, "")
	require.NoError(t, err)
	_, err = fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageAdmin, empDenise, "")
	require.NoError(t, err)

	err = fx.engine.Delete(ctx, "leave", req.ID, empDenise)
	assert.True(t, errors.Is(err, workflow.ErrValidation))

	pending := fx.submit(t, empAlice)
	assert.NoError(t, fx.engine.Delete(ctx, "leave", pending.ID, empDenise))

	var unauth *workflow.UnauthorizedError
	another := fx.submit(t, empAlice)
	err = fx.engine.Delete(ctx, "leave", another.ID, empBob)
	assert.True(t, errors.As(err, &unauth), "delete is admin-only")
}

func TestGet_DomainMismatchHidesRequest(t *testing.T) {
	fx := newEngineFixture(t,
		&stubAdapter{name: "leave"},
		&stubAdapter{name: "reimbursement"},
	)
	req := fx.submit(t, empAlice)

	_, err := fx.engine.Get(context.Background(), "reimbursement", req.ID, empAlice)
	assert.True(t, errors.Is(err, workflow.ErrNotFound))
}

func TestHistory_RecordsTrail(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	req := fx.submit(t, empAlice)

	_, err := fx.engine.ApproveStage(ctx, "leave", req.ID, workflow.StageManager, empBob, "ok")
	require.NoError(t, err)

	entries, err := fx.engine.History(ctx, "leave", req.ID, empAlice)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, workflow.TriggerSubmit, entries[0].Action)
	assert.Equal(t, workflow.TriggerApprove, entries[1].Action)
	assert.Equal(t, workflow.StageManager, entries[1].Stage)
}

// conflictingStore makes the first N conditional writes fail with
// ErrStoreConflict to exercise the retry policy
type conflictingStore struct {
	*fakeRequestStore
	conflicts int
}

func (c *conflictingStore) ApproveStage(ctx context.Context, id int64, stage workflow.Stage, act port.StageAction) error {
	if c.conflicts > 0 {
		c.conflicts--
		return workflow.ErrStoreConflict
	}
	return c.fakeRequestStore.ApproveStage(ctx, id, stage, act)
}

func TestConflictRetry_RecoversOnce(t *testing.T) {
	inner := newFakeRequestStore()
	store := &conflictingStore{fakeRequestStore: inner, conflicts: 1}
	org := testOrg()
	history := &fakeHistory{}

	engine := NewWorkflowEngine(
		store, org, history, &fakeTx{store: inner},
		NewRegistry(&stubAdapter{name: "leave"}), NewScopeService(org),
		2, nopLogger{},
	)

	req, err := engine.Submit(context.Background(), "leave", empAlice, json.RawMessage(`{}`))
	require.NoError(t, err)

	got, err := engine.ApproveStage(context.Background(), "leave", req.ID, workflow.StageManager, empBob, "")
	require.NoError(t, err, "one conflict is retried away")
	assert.Equal(t, workflow.StageHR, got.CurrentStage)
}

func TestConflictRetry_ExhaustionSurfacesAlreadyActed(t *testing.T) {
	inner := newFakeRequestStore()
	store := &conflictingStore{fakeRequestStore: inner, conflicts: 10}
	org := testOrg()
	history := &fakeHistory{}

	engine := NewWorkflowEngine(
		store, org, history, &fakeTx{store: inner},
		NewRegistry(&stubAdapter{name: "leave"}), NewScopeService(org),
		2, nopLogger{},
	)

	req, err := engine.Submit(context.Background(), "leave", empAlice, json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = engine.ApproveStage(context.Background(), "leave", req.ID, workflow.StageManager, empBob, "")
	assert.True(t, errors.Is(err, workflow.ErrAlreadyActed), "persistent conflict means another actor won")
}
