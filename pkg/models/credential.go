package models

import "time"

// CredentialStatus is the health state of an upstream credential.
type CredentialStatus string

const (
	StatusHealthy     CredentialStatus = "healthy"
	StatusRateLimited CredentialStatus = "rate_limited"
	StatusExhausted   CredentialStatus = "exhausted"
	StatusError       CredentialStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s CredentialStatus) Valid() bool {
	switch s {
	case StatusHealthy, StatusRateLimited, StatusExhausted, StatusError:
		return true
	}
	return false
}

// Credential is an upstream API secret managed as a poolable resource.
type Credential struct {
	ID            string           `json:"id" yaml:"id"`
	Secret        string           `json:"-" yaml:"secret"`
	Status        CredentialStatus `json:"status" yaml:"-"`
	TokensUsed    int64            `json:"tokens_used" yaml:"-"`
	RequestsCount int64            `json:"requests_count" yaml:"-"`
	LastError     string           `json:"last_error,omitempty" yaml:"-"`
	CooldownUntil *time.Time       `json:"cooldown_until,omitempty" yaml:"-"`
	CreatedAt     time.Time        `json:"created_at" yaml:"-"`
}

// BackupCredential is a spare credential waiting to replace a retired one.
type BackupCredential struct {
	ID        string     `json:"id" yaml:"id"`
	Secret    string     `json:"-" yaml:"secret"`
	IsUsed    bool       `json:"is_used" yaml:"-"`
	Activated bool       `json:"activated" yaml:"-"` // promoted and safe to delete from backup storage
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
	UsedAt    *time.Time `json:"used_at,omitempty" yaml:"-"`
	UsedFor   string     `json:"used_for,omitempty" yaml:"-"` // id of the credential it replaced
}

// ProxyBinding associates a named proxy route with a credential.
// Lower priority values are tried first.
type ProxyBinding struct {
	ProxyID      string    `json:"proxy_id" yaml:"proxy_id"`
	CredentialID string    `json:"credential_id" yaml:"credential_id"`
	Priority     int       `json:"priority" yaml:"priority"`
	IsActive     bool      `json:"is_active" yaml:"is_active"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
}

// Binding priority bounds.
const (
	MinPriority = 1
	MaxPriority = 10
)

// ValidPriority reports whether p lies within the accepted priority range.
func ValidPriority(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}

// PoolStats summarises the health of the credential pool.
type PoolStats struct {
	Total            int `json:"total"`
	Healthy          int `json:"healthy"`
	Unhealthy        int `json:"unhealthy"`
	RateLimited      int `json:"rate_limited"`
	Exhausted        int `json:"exhausted"`
	Errored          int `json:"error"`
	BackupsAvailable int `json:"backups_available"`
}
