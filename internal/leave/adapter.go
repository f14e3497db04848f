// Package leave adapts leave requests onto the generic approval workflow.
// It owns leave payload validation and the needs-no-approval policy lookup;
// the engine stays payload-agnostic.
package leave

import (
	"encoding/json"
	"fmt"

	"github.com/quillhr/approvalflow/internal/application/port"
	"github.com/quillhr/approvalflow/internal/cache"
	"github.com/quillhr/approvalflow/internal/domain/workflow"
	"github.com/quillhr/approvalflow/pkg/utils"
)

// Domain is the route segment for leave requests
const Domain = "leave"

// Payload is the leave-specific request body. TotalDays is derived and
// always recomputed server-side.
type Payload struct {
	LeaveType string `json:"leave_type"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Reason    string `json:"reason,omitempty"`
	TotalDays int    `json:"total_days"`
}

// Policy describes how one leave type moves through approval
type Policy struct {
	LeaveType        string `json:"leave_type"`
	RequiresApproval bool   `json:"requires_approval"`
	MaxDays          int    `json:"max_days"`
}

// PolicySource supplies the current leave policies (typically the HR
// directory; a static source in tests and simple deployments)
type PolicySource interface {
	LeavePolicies() ([]Policy, error)
}

// Adapter implements port.DomainAdapter for leave requests
type Adapter struct {
	source   PolicySource
	policies *cache.TTL[Policy]
}

// NewAdapter creates a leave adapter. The policy cache is injected so its
// lifetime and TTL are owned by the caller.
func NewAdapter(source PolicySource, policies *cache.TTL[Policy]) *Adapter {
	return &Adapter{
		source:   source,
		policies: policies,
	}
}

// Name implements port.DomainAdapter
func (a *Adapter) Name() string { return Domain }

// ValidatePayload implements port.DomainAdapter
func (a *Adapter) ValidatePayload(raw json.RawMessage) (json.RawMessage, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed leave payload: %v", workflow.ErrValidation, err)
	}
	return a.normalize(p)
}

// ApplyPatch implements port.DomainAdapter
func (a *Adapter) ApplyPatch(current, patch json.RawMessage) (json.RawMessage, error) {
	var p Payload
	if err := json.Unmarshal(current, &p); err != nil {
		return nil, fmt.Errorf("%w: stored leave payload unreadable: %v", workflow.ErrValidation, err)
	}

	var delta struct {
		LeaveType *string `json:"leave_type"`
		StartDate *string `json:"start_date"`
		EndDate   *string `json:"end_date"`
		Reason    *string `json:"reason"`
	}
	if err := json.Unmarshal(patch, &delta); err != nil {
		return nil, fmt.Errorf("%w: malformed leave patch: %v", workflow.ErrValidation, err)
	}

	if delta.LeaveType != nil {
		p.LeaveType = *delta.LeaveType
	}
	if delta.StartDate != nil {
		p.StartDate = *delta.StartDate
	}
	if delta.EndDate != nil {
		p.EndDate = *delta.EndDate
	}
	if delta.Reason != nil {
		p.Reason = *delta.Reason
	}

	return a.normalize(p)
}

// AutoApprove implements port.DomainAdapter: leave types whose policy says
// no approval is required short-circuit the whole chain.
func (a *Adapter) AutoApprove(payload json.RawMessage) bool {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}

	policy, ok := a.policyFor(p.LeaveType)
	if !ok {
		return false
	}
	return !policy.RequiresApproval
}

// Summarize implements port.DomainAdapter
func (a *Adapter) Summarize(payload json.RawMessage) []port.SummaryField {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	return []port.SummaryField{
		{Label: "Leave Type", Value: p.LeaveType},
		{Label: "Start Date", Value: p.StartDate},
		{Label: "End Date", Value: p.EndDate},
		{Label: "Total Days", Value: fmt.Sprintf("%d", p.TotalDays)},
		{Label: "Reason", Value: p.Reason},
	}
}

// normalize validates fields and recomputes the derived duration
func (a *Adapter) normalize(p Payload) (json.RawMessage, error) {
	if p.LeaveType == "" {
		return nil, fmt.Errorf("%w: leave_type is required", workflow.ErrValidation)
	}

	start, err := utils.ParseDate(p.StartDate)
	if err != nil {
		return nil, fmt.Errorf("%w: start_date: %v", workflow.ErrValidation, err)
	}
	end, err := utils.ParseDate(p.EndDate)
	if err != nil {
		return nil, fmt.Errorf("%w: end_date: %v", workflow.ErrValidation, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end_date precedes start_date", workflow.ErrValidation)
	}

	p.Reason = utils.SanitizeString(p.Reason)
	p.TotalDays = int(end.Sub(start).Hours()/24) + 1

	if policy, ok := a.policyFor(p.LeaveType); ok && policy.MaxDays > 0 && p.TotalDays > policy.MaxDays {
		return nil, fmt.Errorf("%w: %s leave limited to %d days", workflow.ErrValidation, p.LeaveType, policy.MaxDays)
	}

	return json.Marshal(p)
}

// policyFor resolves one leave type's policy through the TTL cache
func (a *Adapter) policyFor(leaveType string) (Policy, bool) {
	if policy, ok := a.policies.Get(leaveType); ok {
		return policy, true
	}

	all, err := a.source.LeavePolicies()
	if err != nil {
		return Policy{}, false
	}

	var found Policy
	var hit bool
	for _, policy := range all {
		a.policies.Set(policy.LeaveType, policy)
		if policy.LeaveType == leaveType {
			found = policy
			hit = true
		}
	}
	return found, hit
}

// StaticPolicySource serves a fixed policy set, for configuration-driven
// deployments and tests
type StaticPolicySource struct {
	policies []Policy
}

// NewStaticPolicySource creates a PolicySource over a fixed slice
func NewStaticPolicySource(policies []Policy) *StaticPolicySource {
	return &StaticPolicySource{policies: policies}
}

// LeavePolicies implements PolicySource
func (s *StaticPolicySource) LeavePolicies() ([]Policy, error) {
	return s.policies, nil
}

var _ port.DomainAdapter = (*Adapter)(nil)
