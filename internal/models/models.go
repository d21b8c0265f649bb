package models

import "time"

// RoleName enumerates the control API roles.
type RoleName string

const (
	RoleAdmin    RoleName = "admin"
	RoleOperator RoleName = "operator"
	RoleViewer   RoleName = "viewer"
)

// CanControl reports whether the role may change playout state.
func (r RoleName) CanControl() bool {
	return r == RoleAdmin || r == RoleOperator
}

// User represents an authenticated control API account.
type User struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Username  string `gorm:"uniqueIndex"`
	Password  string
	Role      RoleName `gorm:"type:varchar(16)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
