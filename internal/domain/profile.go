package domain

import "time"

// Profile is the console-side record of an authenticated user.
// IsAdmin is the role flag consulted by the authorization policy.
type Profile struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role returns the policy role name for the profile.
func (p *Profile) Role() string {
	if p.IsAdmin {
		return RoleAdmin
	}
	return RoleMember
}

// Policy role names.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)
