package entity

import (
	"time"

	"github.com/quillhr/approvalflow/internal/domain/workflow"
)

// Employee is a member of the organization. The engine only reads employees;
// the directory that maintains them is an external collaborator.
type Employee struct {
	ID           int64         `json:"id"`
	CompanyID    int64         `json:"company_id"`
	DepartmentID int64         `json:"department_id"`
	Name         string        `json:"name"`
	Email        string        `json:"email"`
	Role         workflow.Role `json:"role"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Department binds at most one manager and one hr approver. The binding is
// live: reassigning it changes who is authorized for in-flight requests.
type Department struct {
	ID        int64     `json:"id"`
	CompanyID int64     `json:"company_id"`
	Name      string    `json:"name"`
	ManagerID *int64    `json:"manager_id,omitempty"`
	HRID      *int64    `json:"hr_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
