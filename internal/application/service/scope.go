package service

import (
	"context"
	"fmt"

	"github.com/quillhr/approvalflow/internal/application/port"
	"github.com/quillhr/approvalflow/internal/domain/entity"
	"github.com/quillhr/approvalflow/internal/domain/workflow"
)

// ScopeService translates approver identity and stage into the set of
// subjects the approver may act on. Manager and hr scopes follow the live
// department binding; admin scope is the whole company. Temporal
// eligibility (earlier stages approved) is enforced alongside scope for
// pending queries and bulk checks.
type ScopeService struct {
	org port.OrgRepository
}

// NewScopeService creates a new scoping service
func NewScopeService(org port.OrgRepository) *ScopeService {
	return &ScopeService{org: org}
}

// Authorize reports whether the approver may act on this request at the
// given stage. The department binding is resolved at call time, so a
// reassigned manager or hr takes effect for in-flight requests immediately.
func (s *ScopeService) Authorize(ctx context.Context, approver *entity.Employee, stage workflow.Stage, req *entity.ApprovalRequest) error {
	if !workflow.RoleCanAct(approver.Role, stage) {
		return &workflow.UnauthorizedError{Outside: 1}
	}

	switch stage {
	case workflow.StageManager, workflow.StageHR:
		dept, err := s.org.GetDepartmentOfEmployee(ctx, req.SubjectEmployeeID)
		if err != nil {
			return fmt.Errorf("resolve department: %w", err)
		}
		if dept == nil {
			return &workflow.UnauthorizedError{Outside: 1}
		}

		binding := dept.ManagerID
		if stage == workflow.StageHR {
			binding = dept.HRID
		}
		if binding == nil || *binding != approver.ID {
			return &workflow.UnauthorizedError{Outside: 1}
		}
		return nil

	case workflow.StageAdmin:
		if approver.CompanyID != req.CompanyID {
			return &workflow.UnauthorizedError{Outside: 1}
		}
		return nil

	default:
		return &workflow.UnauthorizedError{Outside: 1}
	}
}

// CanView reports whether the actor may read the request: the subject, a
// company admin, or the subject's current manager or hr
func (s *ScopeService) CanView(ctx context.Context, actor *entity.Employee, req *entity.ApprovalRequest) bool {
	if actor.ID == req.SubjectEmployeeID {
		return true
	}
	if actor.Role == workflow.RoleAdmin && actor.CompanyID == req.CompanyID {
		return true
	}

	dept, err := s.org.GetDepartmentOfEmployee(ctx, req.SubjectEmployeeID)
	if err != nil || dept == nil {
		return false
	}
	if dept.ManagerID != nil && *dept.ManagerID == actor.ID {
		return true
	}
	if dept.HRID != nil && *dept.HRID == actor.ID {
		return true
	}
	return false
}
