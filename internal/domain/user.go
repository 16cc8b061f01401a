package domain

// Role is the access level of an ops API caller.
type Role string

// Roles, lowest to highest.
const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleLevels = map[Role]int{
	RoleOperator: 1,
	RoleAdmin:    2,
}

// HasPermission reports whether the role is at least minRole.
func (r Role) HasPermission(minRole Role) bool {
	return roleLevels[r] >= roleLevels[minRole] && roleLevels[r] > 0
}

// IsValid reports whether the role is known.
func (r Role) IsValid() bool {
	_, ok := roleLevels[r]
	return ok
}
