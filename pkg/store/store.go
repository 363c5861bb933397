// Package store defines the persistence contract of the key pool.
//
// Every state transition is a single atomic operation against the backing
// store. Callers never read a record, modify it in memory and write it
// back: concurrent workers share the store and would lose updates.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/keypool/pkg/models"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a record with the same key already exists.
	ErrConflict = errors.New("already exists")
	// ErrRetired is returned when creating a credential whose id was
	// replaced by a backup promotion. It matches ErrConflict.
	ErrRetired = fmt.Errorf("%w: credential id was retired by rotation", ErrConflict)
	// ErrNoBackup is returned by PromoteBackup when no unused backup is left.
	ErrNoBackup = errors.New("no unused backup credential")
	// ErrBackupState is returned when a backup lifecycle transition is not legal
	// from the backup's current state.
	ErrBackupState = errors.New("illegal backup state transition")
)

// Promotion describes the result of PromoteBackup.
type Promotion struct {
	Backup     models.BackupCredential
	Credential models.Credential
	// Existing is true when retiredID had already been promoted and no new
	// backup was consumed.
	Existing bool
	// Rebound lists the proxies whose bindings were moved to the new credential.
	Rebound []string
}

// Credentials is the credential table.
type Credentials interface {
	// CreateCredential fails with ErrConflict for an existing id and with
	// ErrRetired for an id a backup was promoted to replace.
	CreateCredential(ctx context.Context, c models.Credential) error
	GetCredential(ctx context.Context, id string) (models.Credential, error)
	// ListCredentials may return a slightly stale view.
	ListCredentials(ctx context.Context) ([]models.Credential, error)
	// DeleteCredential removes the credential and all of its bindings. A
	// promoted credential whose backup is not yet activated settles that
	// backup as activated so it is never restored.
	DeleteCredential(ctx context.Context, id string) error

	// MarkRateLimited sets status rate_limited and moves the cooldown to
	// until unless an existing cooldown ends later. Exhausted credentials
	// are left alone.
	MarkRateLimited(ctx context.Context, id string, until time.Time, reason string) error
	// MarkExhausted sets the terminal exhausted status.
	MarkExhausted(ctx context.Context, id, reason string) error
	// MarkError sets status error with the same cooldown rule as MarkRateLimited.
	MarkError(ctx context.Context, id string, until time.Time, reason string) error
	// MarkRecovered returns a credential to healthy if it is healthy already
	// or its rate_limited/error cooldown has elapsed at now, clearing
	// lastError and the cooldown. It reports whether the row changed status.
	MarkRecovered(ctx context.Context, id string, now time.Time) (bool, error)
	// ResetCredential zeroes counters and returns the credential to healthy
	// in one statement.
	ResetCredential(ctx context.Context, id string) error
}

// Backups is the backup credential table.
type Backups interface {
	CreateBackup(ctx context.Context, b models.BackupCredential) error
	GetBackup(ctx context.Context, id string) (models.BackupCredential, error)
	ListBackups(ctx context.Context) ([]models.BackupCredential, error)
	// DeleteBackup fails with ErrBackupState for a backup that is used but
	// not yet activated.
	DeleteBackup(ctx context.Context, id string) error
	// CountAvailableBackups counts unused backups that PromoteBackup can
	// still claim.
	CountAvailableBackups(ctx context.Context) (int, error)

	// PromoteBackup atomically claims the oldest unused backup whose id is
	// not already a live credential for
	// retiredID, replaces the retired credential with a fresh healthy one
	// carrying the backup's secret and moves the retired credential's
	// bindings to it. A retiredID that already has a claimed backup returns
	// that promotion with Existing set.
	PromoteBackup(ctx context.Context, retiredID string, now time.Time) (Promotion, error)
	// ActivateBackup marks a used backup as durably promoted.
	ActivateBackup(ctx context.Context, id string) error
	// ReleaseBackup clears the used state of a backup and removes the live
	// credential it was promoted into, with its bindings. Activated backups
	// need force.
	ReleaseBackup(ctx context.Context, id string, force bool) error
	// PendingPromotions lists used backups that are not yet activated.
	PendingPromotions(ctx context.Context) ([]models.BackupCredential, error)
	// RestorePromoted recreates the live credential of a claimed backup
	// when it is missing and was not itself retired by a later promotion.
	// It reports whether a credential was created.
	RestorePromoted(ctx context.Context, backupID string, now time.Time) (bool, error)
}

// Bindings is the proxy binding table.
type Bindings interface {
	CreateBinding(ctx context.Context, b models.ProxyBinding) error
	DeleteBinding(ctx context.Context, proxyID, credentialID string) error
	SetBindingActive(ctx context.Context, proxyID, credentialID string, active bool) error
	// ListBindings returns the bindings of proxyID, or of every proxy when
	// proxyID is empty.
	ListBindings(ctx context.Context, proxyID string, activeOnly bool) ([]models.ProxyBinding, error)
}

// Usage is the append-only usage sample log and its aggregations.
type Usage interface {
	// RecordUsage appends the sample and increments the credential's and
	// the quota account's counters in one transaction. An empty UserID
	// skips the quota account.
	RecordUsage(ctx context.Context, s models.UsageSample) error
	// AggregateUsage sums samples with timestamp >= since (all samples when
	// since is nil), optionally restricted to one credential.
	AggregateUsage(ctx context.Context, since *time.Time, credentialID string) (models.UsageAggregate, error)
	// HourlyUsage buckets samples since the given time by hour.
	HourlyUsage(ctx context.Context, since time.Time, credentialID string) ([]models.HourlyCount, error)
}

// Quotas is the end-user quota account table.
type Quotas interface {
	CreateQuotaAccount(ctx context.Context, a models.QuotaAccount) error
	GetQuotaAccount(ctx context.Context, id string) (models.QuotaAccount, error)
	ListQuotaAccounts(ctx context.Context) ([]models.QuotaAccount, error)
	SetQuotaActive(ctx context.Context, id string, active bool) error
	// ResetQuotaUsage zeroes the account's usage counters.
	ResetQuotaUsage(ctx context.Context, id string) error
}

// Store is the complete persistence contract.
type Store interface {
	Credentials
	Backups
	Bindings
	Usage
	Quotas
	Close() error
}
