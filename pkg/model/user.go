package model

import "time"

// UserRole represents the role of a user in the system.
type UserRole string

const (
	// RoleRenter submits jobs and pays for GPU time.
	RoleRenter UserRole = "renter"
	// RoleHost offers GPU machines for rent.
	RoleHost UserRole = "host"
	// RoleAdmin has elevated permissions for server administration.
	RoleAdmin UserRole = "admin"
	// RoleAnonymous is an unauthenticated user with limited access.
	RoleAnonymous UserRole = "anonymous"
)

// User represents a platform account.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      UserRole  `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// IsAdmin returns true if the user has admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// IsAnonymous returns true if the user is the anonymous user.
func (u *User) IsAnonymous() bool {
	return u.Role == RoleAnonymous
}

// AnonymousUser is the built-in user for unauthenticated access when the
// server allows it (development deployments only).
var AnonymousUser = &User{
	ID:       "user_anonymous",
	Username: "anonymous",
	Role:     RoleAnonymous,
}

// Token is an API bearer token provisioned out of band.
type Token struct {
	Token     string     `json:"token"`
	UserID    string     `json:"user_id"`
	Username  string     `json:"username"`
	Role      UserRole   `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsExpired returns true if the token has an expiry in the past.
func (t *Token) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}
