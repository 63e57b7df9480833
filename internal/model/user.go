package model

import "time"

// User holds the per-user credentials and settings the sync pipeline needs.
// APIKeys maps an AI provider id to that user's encrypted API key.
type User struct {
	ID                 string            `json:"id"`
	Email              string            `json:"email"`
	Timezone           string            `json:"timezone"`
	GoogleAccessToken  string            `json:"-"`
	GoogleRefreshToken string            `json:"-"`
	APIKeys            map[string]string `json:"-"`
	LastSyncAt         *time.Time        `json:"last_sync_at,omitempty"`
	IsActive           bool              `json:"is_active"`
}

// MailboxConnected reports whether the user has a usable Gmail credential.
func (u *User) MailboxConnected() bool {
	return u != nil && u.GoogleAccessToken != ""
}
