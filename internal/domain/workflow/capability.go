package workflow

// Role is an organizational role an employee can hold
type Role string

const (
	RoleEmployee Role = "employee"
	RoleManager  Role = "manager"
	RoleHR       Role = "hr"
	RoleAdmin    Role = "admin"
)

// IsValid returns true if the role is a known organizational role
func (r Role) IsValid() bool {
	switch r {
	case RoleEmployee, RoleManager, RoleHR, RoleAdmin:
		return true
	}
	return false
}

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// capabilities is the single (role, stage) -> allowed table consulted by the
// engine's authorization step. Route handlers never re-derive this.
var capabilities = map[Role]map[Stage]bool{
	RoleManager: {StageManager: true},
	RoleHR:      {StageHR: true},
	RoleAdmin:   {StageAdmin: true},
}

// RoleCanAct returns true if the role is permitted to approve or reject at
// the given stage. Scope (which subjects the approver may act on) is checked
// separately.
func RoleCanAct(role Role, stage Stage) bool {
	return capabilities[role][stage]
}
