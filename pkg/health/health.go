// Package health implements the credential health state machine.
//
// Cooldowns are evaluated lazily from timestamps: a rate_limited or error
// credential whose cooldown has passed is selectable even though its stored
// status has not been flipped back yet. The next report settles it.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/pario-ai/keypool/pkg/logger"
	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/store"
)

// Default backoffs applied when the upstream gives no retry hint.
const (
	DefaultRateLimitBackoff = 60 * time.Second
	DefaultErrorBackoff     = 30 * time.Second
)

// Machine drives status transitions against the credential store.
type Machine struct {
	store            store.Credentials
	now              func() time.Time
	rateLimitBackoff time.Duration
	errorBackoff     time.Duration
}

// New creates a Machine. Non-positive backoffs fall back to the defaults.
func New(s store.Credentials, rateLimitBackoff, errorBackoff time.Duration) *Machine {
	if rateLimitBackoff <= 0 {
		rateLimitBackoff = DefaultRateLimitBackoff
	}
	if errorBackoff <= 0 {
		errorBackoff = DefaultErrorBackoff
	}
	return &Machine{
		store:            s,
		now:              time.Now,
		rateLimitBackoff: rateLimitBackoff,
		errorBackoff:     errorBackoff,
	}
}

// SetClock replaces the time source. Used by tests.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Now returns the machine's current time.
func (m *Machine) Now() time.Time {
	return m.now()
}

// ReportRateLimited puts the credential on cooldown for retryAfter, or for
// the default rate-limit backoff when retryAfter is not positive. An existing
// longer cooldown is kept.
func (m *Machine) ReportRateLimited(ctx context.Context, id string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = m.rateLimitBackoff
	}
	until := m.now().Add(retryAfter)
	reason := fmt.Sprintf("rate limited, retry after %s", retryAfter)
	if err := m.store.MarkRateLimited(ctx, id, until, reason); err != nil {
		return fmt.Errorf("report rate limited %s: %w", id, err)
	}
	logger.Debug("credential rate limited", "credential_id", id, "until", until)
	return nil
}

// ReportExhausted retires the credential until an administrative reset.
func (m *Machine) ReportExhausted(ctx context.Context, id, reason string) error {
	if err := m.store.MarkExhausted(ctx, id, reason); err != nil {
		return fmt.Errorf("report exhausted %s: %w", id, err)
	}
	logger.Warn("credential exhausted", "credential_id", id, "reason", reason)
	return nil
}

// ReportError puts the credential on the short error backoff.
func (m *Machine) ReportError(ctx context.Context, id, reason string) error {
	until := m.now().Add(m.errorBackoff)
	if err := m.store.MarkError(ctx, id, until, reason); err != nil {
		return fmt.Errorf("report error %s: %w", id, err)
	}
	logger.Debug("credential errored", "credential_id", id, "reason", reason, "until", until)
	return nil
}

// ReportSuccess returns a cooled-down credential to healthy and reports
// whether it changed status. A healthy credential only loses its stale
// lastError; an exhausted one is left alone.
func (m *Machine) ReportSuccess(ctx context.Context, id string) (bool, error) {
	recovered, err := m.store.MarkRecovered(ctx, id, m.now())
	if err != nil {
		return false, fmt.Errorf("report success %s: %w", id, err)
	}
	if recovered {
		logger.Info("credential recovered", "credential_id", id)
	}
	return recovered, nil
}

// Reset unconditionally returns the credential to healthy and zeroes its
// counters.
func (m *Machine) Reset(ctx context.Context, id string) error {
	if err := m.store.ResetCredential(ctx, id); err != nil {
		return fmt.Errorf("reset %s: %w", id, err)
	}
	logger.Info("credential reset", "credential_id", id)
	return nil
}

// IsSelectable reports whether c may serve a request at now.
func IsSelectable(c *models.Credential, now time.Time) bool {
	switch c.Status {
	case models.StatusHealthy:
		return true
	case models.StatusRateLimited, models.StatusError:
		return c.CooldownUntil == nil || !now.Before(*c.CooldownUntil)
	default:
		return false
	}
}

// CooldownLeft returns the remaining cooldown of c, or 0.
func CooldownLeft(c *models.Credential, now time.Time) time.Duration {
	if c.Status == models.StatusHealthy || c.CooldownUntil == nil || !now.Before(*c.CooldownUntil) {
		return 0
	}
	return c.CooldownUntil.Sub(now)
}
