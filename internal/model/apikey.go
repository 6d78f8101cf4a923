package model

import "time"

// APIKey is a stored credential for gateway callers. Only the SHA-256 hash
// of the raw key is persisted; the prefix is kept for display and revocation.
type APIKey struct {
	ID         int64      `db:"id" json:"id"`
	KeyHash    string     `db:"key_hash" json:"-"`
	KeyPrefix  string     `db:"key_prefix" json:"key_prefix"`
	Label      string     `db:"label" json:"label"`
	IsActive   bool       `db:"is_active" json:"is_active"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `db:"expires_at" json:"expires_at,omitempty"`
}
