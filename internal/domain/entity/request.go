package entity

import (
	"encoding/json"
	"time"

	"github.com/quillhr/approvalflow/internal/domain/workflow"
)

// ApprovalRequest is the unit driven through the sequential approval chain.
// The payload is domain data (leave dates, claim amount, regularization
// times) and is opaque to the engine.
type ApprovalRequest struct {
	ID                int64                                 `json:"id"`
	Domain            string                                `json:"domain"`
	SubjectEmployeeID int64                                 `json:"subject_employee_id"`
	CompanyID         int64                                 `json:"company_id"`
	DepartmentID      int64                                 `json:"department_id"`
	Payload           json.RawMessage                       `json:"payload"`
	Status            workflow.Status                       `json:"status"`
	CurrentStage      workflow.Stage                        `json:"current_stage"`
	Stages            map[workflow.Stage]*StageRecord       `json:"stages"`
	RejectedBy        *int64                                `json:"rejected_by,omitempty"`
	RejectionReason   string                                `json:"rejection_reason,omitempty"`
	CancelledAt       *time.Time                            `json:"cancelled_at,omitempty"`
	CreatedAt         time.Time                             `json:"created_at"`
	UpdatedAt         time.Time                             `json:"updated_at"`
}

// StageRecord is the recorded outcome for one stage of a request
type StageRecord struct {
	Stage   workflow.Stage       `json:"stage"`
	Status  workflow.StageStatus `json:"status"`
	ActedBy *int64               `json:"acted_by,omitempty"`
	ActedAt *time.Time           `json:"acted_at,omitempty"`
	Comment string               `json:"comment,omitempty"`
}

// StageRecordFor returns the record for the given stage, or a pending record
// if none was loaded
func (r *ApprovalRequest) StageRecordFor(stage workflow.Stage) *StageRecord {
	if rec, ok := r.Stages[stage]; ok {
		return rec
	}
	return &StageRecord{Stage: stage, Status: workflow.StagePending}
}

// EligibleFor reports whether the request is eligible for an action at the
// given stage: the stage must be current and its record still pending.
func (r *ApprovalRequest) EligibleFor(stage workflow.Stage) bool {
	return r.Status == workflow.StatusPending &&
		r.CurrentStage == stage &&
		r.StageRecordFor(stage).Status == workflow.StagePending
}

// Editable reports whether the subject may still edit the request: HR must
// not have acted yet and the request must still be pending.
func (r *ApprovalRequest) Editable() bool {
	return r.Status == workflow.StatusPending &&
		r.StageRecordFor(workflow.StageHR).Status == workflow.StagePending
}
