package runner

import "time"

// Token is an admin-issued credential a runner presents when opening its
// channel. Only the HMAC of the plaintext is stored.
type Token struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	TokenHash      string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	RevokedAt      time.Time `json:"revoked_at,omitzero"`
}

// Active reports whether the token may still authenticate a runner.
func (t *Token) Active() bool { return t.RevokedAt.IsZero() }
