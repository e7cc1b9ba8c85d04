package models

import "time"

type CredentialStatus string

const (
	CredentialConnected    CredentialStatus = "CONNECTED"
	CredentialDisconnected CredentialStatus = "DISCONNECTED"
)

// Credential is the stored OAuth link for one (user, provider) pair.
// LastSyncedAt is the incremental-fetch watermark; a nil value means no
// successful sync has happened yet.
type Credential struct {
	UserID         string           `json:"user_id"`
	Provider       string           `json:"provider"`
	Email          string           `json:"email"`
	AccessToken    string           `json:"-"`
	RefreshToken   string           `json:"-"`
	Status         CredentialStatus `json:"status"`
	LastSyncedAt   *time.Time       `json:"last_synced_at,omitempty"`
	ConnectedAt    time.Time        `json:"connected_at"`
	DisconnectedAt *time.Time       `json:"disconnected_at,omitempty"`
}

// Usable reports whether ingestion or dispatch may run on this credential.
func (c *Credential) Usable() bool {
	return c.Status == CredentialConnected && c.RefreshToken != ""
}
