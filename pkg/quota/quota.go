// Package quota admits end-user requests against their token accounts.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/store"
)

var (
	// ErrQuotaExceeded is returned when the account has used its whole budget.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrAccountInactive is returned for a disabled account.
	ErrAccountInactive = errors.New("quota account inactive")
	// ErrPlanExpired is returned once the account's plan has ended.
	ErrPlanExpired = errors.New("quota plan expired")
	// ErrUnknownAccount is returned when no account exists for the user.
	ErrUnknownAccount = errors.New("unknown quota account")
	// ErrInvalidAccount is returned when a new account fails validation.
	ErrInvalidAccount = errors.New("invalid quota account")
)

// Admission checks accounts before a request is forwarded upstream.
type Admission struct {
	accounts store.Quotas
	now      func() time.Time
}

// New creates an Admission over the quota account table.
func New(accounts store.Quotas) *Admission {
	return &Admission{accounts: accounts, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (a *Admission) SetClock(now func() time.Time) {
	a.now = now
}

// Check returns nil when userID may spend tokens. An inactive account is
// rejected first, then an exhausted budget, then an expired plan. The
// ceiling is enforced
// here rather than at write time, so usage recorded by requests already in
// flight can push an account slightly past its budget.
func (a *Admission) Check(ctx context.Context, userID string) error {
	acct, err := a.account(ctx, userID)
	if err != nil {
		return err
	}
	if !acct.IsActive {
		return fmt.Errorf("%w: %s", ErrAccountInactive, userID)
	}
	if acct.IsExhausted() {
		return fmt.Errorf("%w: %s used %d of %d tokens", ErrQuotaExceeded, userID, acct.TokensUsed, acct.TotalTokens)
	}
	if acct.PlanExpired(a.now()) {
		return fmt.Errorf("%w: %s", ErrPlanExpired, userID)
	}
	return nil
}

// Status returns the account with its derived remaining, percent and
// exhaustion fields.
func (a *Admission) Status(ctx context.Context, userID string) (models.QuotaStatus, error) {
	acct, err := a.account(ctx, userID)
	if err != nil {
		return models.QuotaStatus{}, err
	}
	return acct.Status(a.now()), nil
}

// List returns the status of every account.
func (a *Admission) List(ctx context.Context) ([]models.QuotaStatus, error) {
	accts, err := a.accounts.ListQuotaAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list quota accounts: %w", err)
	}
	now := a.now()
	out := make([]models.QuotaStatus, len(accts))
	for i := range accts {
		out[i] = accts[i].Status(now)
	}
	return out, nil
}

func (a *Admission) account(ctx context.Context, userID string) (*models.QuotaAccount, error) {
	if userID == "" {
		return nil, ErrUnknownAccount
	}
	acct, err := a.accounts.GetQuotaAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("quota account %s: %w", userID, err)
	}
	return &acct, nil
}

// CreateAccount adds a quota account. A zero CreatedAt is stamped.
func (a *Admission) CreateAccount(ctx context.Context, acct models.QuotaAccount) (models.QuotaAccount, error) {
	if acct.ID == "" {
		return models.QuotaAccount{}, fmt.Errorf("%w: id is required", ErrInvalidAccount)
	}
	if acct.TotalTokens < 0 {
		return models.QuotaAccount{}, fmt.Errorf("%w: %s has a negative token budget", ErrInvalidAccount, acct.ID)
	}
	if acct.Tier == "" {
		acct.Tier = models.TierDev
	}
	acct.TokensUsed, acct.RequestsCount, acct.LastUsedAt = 0, 0, nil
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = a.now().UTC()
	}
	if err := a.accounts.CreateQuotaAccount(ctx, acct); err != nil {
		return models.QuotaAccount{}, fmt.Errorf("create quota account %s: %w", acct.ID, err)
	}
	return acct, nil
}

// SetActive enables or disables an account.
func (a *Admission) SetActive(ctx context.Context, userID string, active bool) error {
	if err := a.accounts.SetQuotaActive(ctx, userID, active); err != nil {
		return fmt.Errorf("set quota account %s active: %w", userID, err)
	}
	return nil
}

// ResetUsage zeroes an account's usage counters.
func (a *Admission) ResetUsage(ctx context.Context, userID string) error {
	if err := a.accounts.ResetQuotaUsage(ctx, userID); err != nil {
		return fmt.Errorf("reset quota account %s: %w", userID, err)
	}
	return nil
}
