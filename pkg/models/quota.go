package models

import "time"

// Tier is the plan an end user is on.
type Tier string

const (
	TierDev Tier = "dev"
	TierPro Tier = "pro"
)

// QuotaAccount is an end user's token budget.
// TokensUsed may transiently exceed TotalTokens under concurrent writes;
// admission control enforces the ceiling.
type QuotaAccount struct {
	ID            string     `json:"id" yaml:"id"`
	Name          string     `json:"name" yaml:"name"`
	Tier          Tier       `json:"tier" yaml:"tier"`
	TotalTokens   int64      `json:"total_tokens" yaml:"total_tokens"`
	TokensUsed    int64      `json:"tokens_used" yaml:"-"`
	RequestsCount int64      `json:"requests_count" yaml:"-"`
	IsActive      bool       `json:"is_active" yaml:"is_active"`
	PlanExpiresAt *time.Time `json:"plan_expires_at,omitempty" yaml:"plan_expires_at"`
	CreatedAt     time.Time  `json:"created_at" yaml:"-"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty" yaml:"-"`
}

// TokensRemaining is max(0, TotalTokens-TokensUsed).
func (a *QuotaAccount) TokensRemaining() int64 {
	if rem := a.TotalTokens - a.TokensUsed; rem > 0 {
		return rem
	}
	return 0
}

// IsExhausted reports whether the account has used its whole budget.
func (a *QuotaAccount) IsExhausted() bool {
	return a.TokensUsed >= a.TotalTokens
}

// UsagePercent is TokensUsed/TotalTokens*100, or 0 when TotalTokens is 0.
func (a *QuotaAccount) UsagePercent() float64 {
	if a.TotalTokens == 0 {
		return 0
	}
	return float64(a.TokensUsed) / float64(a.TotalTokens) * 100
}

// PlanExpired reports whether the plan ended before now.
func (a *QuotaAccount) PlanExpired(now time.Time) bool {
	return a.PlanExpiresAt != nil && !now.Before(*a.PlanExpiresAt)
}

// Status derives the read-time view of the account.
func (a *QuotaAccount) Status(now time.Time) QuotaStatus {
	return QuotaStatus{
		Account:         *a,
		TokensRemaining: a.TokensRemaining(),
		UsagePercent:    a.UsagePercent(),
		IsExhausted:     a.IsExhausted(),
		PlanExpired:     a.PlanExpired(now),
	}
}

// QuotaStatus shows an account together with its derived fields.
type QuotaStatus struct {
	Account         QuotaAccount `json:"account"`
	TokensRemaining int64        `json:"tokens_remaining"`
	UsagePercent    float64      `json:"usage_percent"`
	IsExhausted     bool         `json:"is_exhausted"`
	PlanExpired     bool         `json:"plan_expired"`
}
