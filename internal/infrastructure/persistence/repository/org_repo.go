package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/quillhr/approvalflow/internal/application/port"
	"github.com/quillhr/approvalflow/internal/domain/entity"
)

// OrgRepository implements port.OrgRepository: read-only lookups over the
// employee and department tables maintained by the external directory.
type OrgRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewOrgRepository creates a new organization repository
func NewOrgRepository(db *sql.DB, logger *zap.Logger) port.OrgRepository {
	return &OrgRepository{
		db:     db,
		logger: logger,
	}
}

// GetEmployee retrieves an employee by ID
func (r *OrgRepository) GetEmployee(ctx context.Context, id int64) (*entity.Employee, error) {
	row := executorFrom(ctx, r.db).QueryRowContext(ctx, `
		SELECT id, company_id, department_id, name, email, role, created_at
		FROM employees WHERE id = ?`, id)

	var e entity.Employee
	err := row.Scan(&e.ID, &e.CompanyID, &e.DepartmentID, &e.Name, &e.Email, &e.Role, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get employee", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get employee: %w", err)
	}
	return &e, nil
}

// GetDepartment retrieves a department by ID
func (r *OrgRepository) GetDepartment(ctx context.Context, id int64) (*entity.Department, error) {
	row := executorFrom(ctx, r.db).QueryRowContext(ctx, `
		SELECT id, company_id, name, manager_id, hr_id, created_at
		FROM departments WHERE id = ?`, id)

	return scanDepartment(row, r.logger)
}

// GetDepartmentOfEmployee resolves an employee's current department. The
// lookup is live: it reflects reassignments immediately, including for
// in-flight requests.
func (r *OrgRepository) GetDepartmentOfEmployee(ctx context.Context, employeeID int64) (*entity.Department, error) {
	row := executorFrom(ctx, r.db).QueryRowContext(ctx, `
		SELECT d.id, d.company_id, d.name, d.manager_id, d.hr_id, d.created_at
		FROM departments d
		JOIN employees e ON e.department_id = d.id
		WHERE e.id = ?`, employeeID)

	return scanDepartment(row, r.logger)
}

func scanDepartment(row *sql.Row, logger *zap.Logger) (*entity.Department, error) {
	var (
		d         entity.Department
		managerID sql.NullInt64
		hrID      sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.CompanyID, &d.Name, &managerID, &hrID, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		logger.Error("Failed to get department", zap.Error(err))
		return nil, fmt.Errorf("failed to get department: %w", err)
	}

	if managerID.Valid {
		d.ManagerID = &managerID.Int64
	}
	if hrID.Valid {
		d.HRID = &hrID.Int64
	}
	return &d, nil
}

// Verify interface compliance
var _ port.OrgRepository = (*OrgRepository)(nil)
