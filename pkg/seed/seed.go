// Package seed loads credentials, backups, bindings and quota accounts from
// a YAML file into the store.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pario-ai/keypool/pkg/logger"
	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/store"
)

// File is the seed file layout. Secrets may reference environment
// variables as ${VAR}.
type File struct {
	Credentials []SecretEntry  `yaml:"credentials"`
	Backups     []SecretEntry  `yaml:"backups"`
	Bindings    []BindingEntry `yaml:"bindings"`
	Quotas      []QuotaEntry   `yaml:"quotas"`
}

// SecretEntry is a credential or backup.
type SecretEntry struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

// BindingEntry binds a credential to a proxy. Bindings are active unless
// is_active is false.
type BindingEntry struct {
	ProxyID      string `yaml:"proxy_id"`
	CredentialID string `yaml:"credential_id"`
	Priority     int    `yaml:"priority"`
	Active       *bool  `yaml:"is_active"`
}

// QuotaEntry is an end-user account. Accounts are active unless is_active
// is false.
type QuotaEntry struct {
	ID            string      `yaml:"id"`
	Name          string      `yaml:"name"`
	Tier          models.Tier `yaml:"tier"`
	TotalTokens   int64       `yaml:"total_tokens"`
	Active        *bool       `yaml:"is_active"`
	PlanExpiresAt *time.Time  `yaml:"plan_expires_at"`
}

// Result counts what an import created. Skipped counts entries that already
// existed or whose credential is gone.
type Result struct {
	Credentials int `json:"credentials"`
	Backups     int `json:"backups"`
	Bindings    int `json:"bindings"`
	Quotas      int `json:"quotas"`
	Skipped     int `json:"skipped"`
}

// Load reads and parses a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that every entry can be imported.
func (f *File) Validate() error {
	var errs []error
	for i, c := range f.Credentials {
		if c.ID == "" || c.Secret == "" {
			errs = append(errs, fmt.Errorf("credentials[%d]: id and secret are required", i))
		}
	}
	for i, b := range f.Backups {
		if b.ID == "" || b.Secret == "" {
			errs = append(errs, fmt.Errorf("backups[%d]: id and secret are required", i))
		}
	}
	for i, b := range f.Bindings {
		if b.ProxyID == "" || b.CredentialID == "" {
			errs = append(errs, fmt.Errorf("bindings[%d]: proxy_id and credential_id are required", i))
		}
		if b.Priority != 0 && !models.ValidPriority(b.Priority) {
			errs = append(errs, fmt.Errorf("bindings[%d]: priority %d outside %d..%d", i, b.Priority, models.MinPriority, models.MaxPriority))
		}
	}
	for i, q := range f.Quotas {
		if q.ID == "" {
			errs = append(errs, fmt.Errorf("quotas[%d]: id is required", i))
		}
		if q.TotalTokens < 0 {
			errs = append(errs, fmt.Errorf("quotas[%d]: total_tokens must not be negative", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid seed file: %w", errors.Join(errs...))
	}
	return nil
}

// Import creates every entry that does not exist yet. Running it twice
// with the same file creates nothing the second time, and credentials
// retired by a backup promotion are never recreated.
func Import(ctx context.Context, s store.Store, f *File, now time.Time) (Result, error) {
	var res Result
	now = now.UTC()

	skip := func(err error) (bool, error) {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			res.Skipped++
			return true, nil
		}
		return false, err
	}

	for _, c := range f.Credentials {
		err := s.CreateCredential(ctx, models.Credential{ID: c.ID, Secret: c.Secret, Status: models.StatusHealthy, CreatedAt: now})
		if errors.Is(err, store.ErrRetired) {
			logger.Info("seed credential skipped, replaced by a backup", "credential_id", c.ID)
		}
		if skipped, err := skip(err); err != nil {
			return res, fmt.Errorf("import credential %s: %w", c.ID, err)
		} else if !skipped {
			res.Credentials++
		}
	}

	for _, b := range f.Backups {
		err := s.CreateBackup(ctx, models.BackupCredential{ID: b.ID, Secret: b.Secret, CreatedAt: now})
		if skipped, err := skip(err); err != nil {
			return res, fmt.Errorf("import backup %s: %w", b.ID, err)
		} else if !skipped {
			res.Backups++
		}
	}

	for _, b := range f.Bindings {
		prio := b.Priority
		if prio == 0 {
			prio = models.MinPriority
		}
		err := s.CreateBinding(ctx, models.ProxyBinding{
			ProxyID:      b.ProxyID,
			CredentialID: b.CredentialID,
			Priority:     prio,
			IsActive:     b.Active == nil || *b.Active,
			CreatedAt:    now,
		})
		if errors.Is(err, store.ErrNotFound) {
			// Usually a credential that has since been rotated out.
			logger.Warn("seed binding skipped, credential missing", "proxy_id", b.ProxyID, "credential_id", b.CredentialID)
		}
		if skipped, err := skip(err); err != nil {
			return res, fmt.Errorf("import binding %s/%s: %w", b.ProxyID, b.CredentialID, err)
		} else if !skipped {
			res.Bindings++
		}
	}

	for _, q := range f.Quotas {
		tier := q.Tier
		if tier == "" {
			tier = models.TierDev
		}
		err := s.CreateQuotaAccount(ctx, models.QuotaAccount{
			ID:            q.ID,
			Name:          q.Name,
			Tier:          tier,
			TotalTokens:   q.TotalTokens,
			IsActive:      q.Active == nil || *q.Active,
			PlanExpiresAt: q.PlanExpiresAt,
			CreatedAt:     now,
		})
		if skipped, err := skip(err); err != nil {
			return res, fmt.Errorf("import quota account %s: %w", q.ID, err)
		} else if !skipped {
			res.Quotas++
		}
	}
	return res, nil
}

// ImportFile loads path and imports it.
func ImportFile(ctx context.Context, s store.Store, path string) (Result, error) {
	f, err := Load(path)
	if err != nil {
		return Result{}, err
	}
	return Import(ctx, s, f, time.Now())
}
