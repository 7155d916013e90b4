package sessions

import (
	"slices"
	"time"
)

// User is the identity attached to a session.
type User struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"name"`
	PictureURL  string   `json:"picture,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// HasPermission reports whether p is granted to the user.
func (u User) HasPermission(p string) bool {
	return slices.Contains(u.Permissions, p)
}

// Record is the server-side session created after a successful sign-in.
// Token changes on every refresh; the previous token is invalid from then on.
type Record struct {
	ID               string    `json:"id"`
	User             User      `json:"user"`
	Token            string    `json:"token"`
	RefreshToken     string    `json:"refreshToken,omitempty"` // issued by the identity provider
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// Expired reports whether the bearer token has passed its expiry.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Refreshable reports whether the session may still be refreshed at now.
func (r Record) Refreshable(now time.Time) bool {
	return now.Before(r.RefreshExpiresAt)
}

// NormalizePermissions sorts and de-duplicates the permission set.
func NormalizePermissions(perms []string) []string {
	out := slices.Clone(perms)
	slices.Sort(out)
	return slices.Compact(out)
}
