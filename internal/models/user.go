package models

import "time"

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleStudent     UserRole = "STUDENT"
	RoleTeacher     UserRole = "TEACHER"
	RoleCoordinator UserRole = "COORDINATOR"
	RoleSuperuser   UserRole = "SUPERUSER"
)

// IsStaff reports whether the role may run validation workflows.
func (r UserRole) IsStaff() bool {
	return r == RoleCoordinator || r == RoleSuperuser
}

// User represents an application user stored in the users table. Internal
// students (those affiliated with the institute) must attach a study-status
// proof when enrolling with a payment.
type User struct {
	ID           int64      `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FirstName    string     `db:"first_name" json:"first_name"`
	LastName     string     `db:"last_name" json:"last_name"`
	Role         UserRole   `db:"role" json:"role"`
	IsInternal   bool       `db:"is_internal" json:"is_internal"`
	StudentCode  *string    `db:"student_code" json:"student_code,omitempty"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// FullName joins the name parts for display.
func (u *User) FullName() string {
	if u.FirstName == "" {
		return u.LastName
	}
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
