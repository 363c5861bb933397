// Package memory implements store.Store in process memory.
//
// A single mutex serialises every operation, which makes each method
// trivially atomic. It is meant for tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/store"
)

type bindingKey struct {
	proxyID      string
	credentialID string
}

// Store is an in-memory store.Store.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]*models.Credential
	backups     map[string]*models.BackupCredential
	bindings    map[bindingKey]*models.ProxyBinding
	samples     []models.UsageSample
	quotas      map[string]*models.QuotaAccount
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		credentials: make(map[string]*models.Credential),
		backups:     make(map[string]*models.BackupCredential),
		bindings:    make(map[bindingKey]*models.ProxyBinding),
		quotas:      make(map[string]*models.QuotaAccount),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneCredential(c *models.Credential) models.Credential {
	out := *c
	out.CooldownUntil = cloneTime(c.CooldownUntil)
	return out
}

func cloneBackup(b *models.BackupCredential) models.BackupCredential {
	out := *b
	out.UsedAt = cloneTime(b.UsedAt)
	return out
}

func cloneQuota(a *models.QuotaAccount) models.QuotaAccount {
	out := *a
	out.PlanExpiresAt = cloneTime(a.PlanExpiresAt)
	out.LastUsedAt = cloneTime(a.LastUsedAt)
	return out
}

// CreateCredential inserts a credential.
func (s *Store) CreateCredential(_ context.Context, c models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; ok {
		return store.ErrConflict
	}
	if s.retiredLocked(c.ID) {
		return store.ErrRetired
	}
	if c.Status == "" {
		c.Status = models.StatusHealthy
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cc := cloneCredential(&c)
	s.credentials[c.ID] = &cc
	return nil
}

// GetCredential returns a credential by id.
func (s *Store) GetCredential(_ context.Context, id string) (models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return models.Credential{}, store.ErrNotFound
	}
	return cloneCredential(c), nil
}

// ListCredentials returns every credential ordered by id.
func (s *Store) ListCredentials(_ context.Context) ([]models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		out = append(out, cloneCredential(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteCredential removes a credential and its bindings.
func (s *Store) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.credentials, id)
	s.unbindLocked(id)
	if b, ok := s.backups[id]; ok && b.IsUsed {
		b.Activated = true
	}
	return nil
}

func (s *Store) unbindLocked(credentialID string) {
	for k := range s.bindings {
		if k.credentialID == credentialID {
			delete(s.bindings, k)
		}
	}
}

// retiredLocked reports whether a promotion replaced the credential id.
func (s *Store) retiredLocked(id string) bool {
	if id == "" {
		return false
	}
	for _, b := range s.backups {
		if b.UsedFor == id {
			return true
		}
	}
	return false
}

func laterOf(existing *time.Time, until time.Time) time.Time {
	if existing != nil && existing.After(until) {
		return *existing
	}
	return until
}

func (s *Store) markCooling(id string, status models.CredentialStatus, until time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return store.ErrNotFound
	}
	if c.Status == models.StatusExhausted {
		return nil
	}
	deadline := laterOf(c.CooldownUntil, until)
	c.Status = status
	c.CooldownUntil = &deadline
	c.LastError = reason
	return nil
}

// MarkRateLimited implements store.Credentials.
func (s *Store) MarkRateLimited(_ context.Context, id string, until time.Time, reason string) error {
	return s.markCooling(id, models.StatusRateLimited, until, reason)
}

// MarkError implements store.Credentials.
func (s *Store) MarkError(_ context.Context, id string, until time.Time, reason string) error {
	return s.markCooling(id, models.StatusError, until, reason)
}

// MarkExhausted implements store.Credentials.
func (s *Store) MarkExhausted(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = models.StatusExhausted
	c.LastError = reason
	c.CooldownUntil = nil
	return nil
}

// MarkRecovered implements store.Credentials.
func (s *Store) MarkRecovered(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return false, store.ErrNotFound
	}
	switch c.Status {
	case models.StatusHealthy:
		c.LastError = ""
		c.CooldownUntil = nil
		return false, nil
	case models.StatusRateLimited, models.StatusError:
		if c.CooldownUntil != nil && now.Before(*c.CooldownUntil) {
			return false, nil
		}
		c.Status = models.StatusHealthy
		c.LastError = ""
		c.CooldownUntil = nil
		return true, nil
	}
	return false, nil
}

// ResetCredential implements store.Credentials.
func (s *Store) ResetCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = models.StatusHealthy
	c.LastError = ""
	c.CooldownUntil = nil
	c.TokensUsed = 0
	c.RequestsCount = 0
	return nil
}

// CreateBackup inserts an unused backup credential.
func (s *Store) CreateBackup(_ context.Context, b models.BackupCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backups[b.ID]; ok {
		return store.ErrConflict
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	bb := cloneBackup(&b)
	s.backups[b.ID] = &bb
	return nil
}

// GetBackup returns a backup by id.
func (s *Store) GetBackup(_ context.Context, id string) (models.BackupCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backups[id]
	if !ok {
		return models.BackupCredential{}, store.ErrNotFound
	}
	return cloneBackup(b), nil
}

func (s *Store) sortedBackupsLocked() []*models.BackupCredential {
	out := make([]*models.BackupCredential, 0, len(s.backups))
	for _, b := range s.backups {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListBackups returns backups oldest first.
func (s *Store) ListBackups(_ context.Context) ([]models.BackupCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sorted := s.sortedBackupsLocked()
	out := make([]models.BackupCredential, 0, len(sorted))
	for _, b := range sorted {
		out = append(out, cloneBackup(b))
	}
	return out, nil
}

// DeleteBackup implements store.Backups.
func (s *Store) DeleteBackup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	if !ok {
		return store.ErrNotFound
	}
	if b.IsUsed && !b.Activated {
		return store.ErrBackupState
	}
	delete(s.backups, id)
	return nil
}

// CountAvailableBackups returns the number of promotable backups.
func (s *Store) CountAvailableBackups(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.backups {
		if _, live := s.credentials[b.ID]; !b.IsUsed && !live {
			n++
		}
	}
	return n, nil
}

// PromoteBackup implements store.Backups.
func (s *Store) PromoteBackup(_ context.Context, retiredID string, now time.Time) (store.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.backups {
		if b.IsUsed && b.UsedFor == retiredID {
			p := store.Promotion{Backup: cloneBackup(b), Existing: true}
			if c, ok := s.credentials[b.ID]; ok {
				p.Credential = cloneCredential(c)
			}
			return p, nil
		}
	}

	if _, ok := s.credentials[retiredID]; !ok {
		return store.Promotion{}, store.ErrNotFound
	}

	var claimed *models.BackupCredential
	for _, b := range s.sortedBackupsLocked() {
		if _, live := s.credentials[b.ID]; !b.IsUsed && !live {
			claimed = b
			break
		}
	}
	if claimed == nil {
		return store.Promotion{}, store.ErrNoBackup
	}

	usedAt := now
	claimed.IsUsed = true
	claimed.UsedAt = &usedAt
	claimed.UsedFor = retiredID

	var moved []models.ProxyBinding
	for k, b := range s.bindings {
		if k.credentialID == retiredID {
			moved = append(moved, *b)
			delete(s.bindings, k)
		}
	}
	delete(s.credentials, retiredID)

	fresh := &models.Credential{
		ID:        claimed.ID,
		Secret:    claimed.Secret,
		Status:    models.StatusHealthy,
		CreatedAt: now,
	}
	s.credentials[fresh.ID] = fresh

	sort.Slice(moved, func(i, j int) bool { return moved[i].ProxyID < moved[j].ProxyID })
	p := store.Promotion{Backup: cloneBackup(claimed), Credential: cloneCredential(fresh)}
	for _, b := range moved {
		nb := b
		nb.CredentialID = fresh.ID
		nb.CreatedAt = now
		s.bindings[bindingKey{nb.ProxyID, nb.CredentialID}] = &nb
		p.Rebound = append(p.Rebound, nb.ProxyID)
	}
	return p, nil
}

// ActivateBackup implements store.Backups.
func (s *Store) ActivateBackup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	if !ok {
		return store.ErrNotFound
	}
	if !b.IsUsed {
		return store.ErrBackupState
	}
	b.Activated = true
	return nil
}

// ReleaseBackup implements store.Backups.
func (s *Store) ReleaseBackup(_ context.Context, id string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	if !ok {
		return store.ErrNotFound
	}
	if b.Activated && !force {
		return store.ErrBackupState
	}
	if !b.IsUsed {
		return nil
	}
	b.IsUsed = false
	b.Activated = false
	b.UsedAt = nil
	b.UsedFor = ""
	delete(s.credentials, id)
	s.unbindLocked(id)
	return nil
}

// PendingPromotions implements store.Backups.
func (s *Store) PendingPromotions(_ context.Context) ([]models.BackupCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.BackupCredential
	for _, b := range s.sortedBackupsLocked() {
		if b.IsUsed && !b.Activated {
			out = append(out, cloneBackup(b))
		}
	}
	return out, nil
}

// RestorePromoted implements store.Backups.
func (s *Store) RestorePromoted(_ context.Context, backupID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[backupID]
	if !ok {
		return false, store.ErrNotFound
	}
	if !b.IsUsed || b.Activated {
		return false, store.ErrBackupState
	}
	if _, ok := s.credentials[b.ID]; ok || s.retiredLocked(b.ID) {
		return false, nil
	}
	s.credentials[b.ID] = &models.Credential{
		ID:        b.ID,
		Secret:    b.Secret,
		Status:    models.StatusHealthy,
		CreatedAt: now,
	}
	return true, nil
}

// CreateBinding inserts a binding. The credential must exist.
func (s *Store) CreateBinding(_ context.Context, b models.ProxyBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[b.CredentialID]; !ok {
		return store.ErrNotFound
	}
	k := bindingKey{b.ProxyID, b.CredentialID}
	if _, ok := s.bindings[k]; ok {
		return store.ErrConflict
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	s.bindings[k] = &b
	return nil
}

// DeleteBinding removes a binding.
func (s *Store) DeleteBinding(_ context.Context, proxyID, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := bindingKey{proxyID, credentialID}
	if _, ok := s.bindings[k]; !ok {
		return store.ErrNotFound
	}
	delete(s.bindings, k)
	return nil
}

// SetBindingActive toggles a binding.
func (s *Store) SetBindingActive(_ context.Context, proxyID, credentialID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[bindingKey{proxyID, credentialID}]
	if !ok {
		return store.ErrNotFound
	}
	b.IsActive = active
	return nil
}

// ListBindings returns bindings ordered by proxy, priority and credential id.
func (s *Store) ListBindings(_ context.Context, proxyID string, activeOnly bool) ([]models.ProxyBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ProxyBinding
	for k, b := range s.bindings {
		if proxyID != "" && k.proxyID != proxyID {
			continue
		}
		if activeOnly && !b.IsActive {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProxyID != out[j].ProxyID {
			return out[i].ProxyID < out[j].ProxyID
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CredentialID < out[j].CredentialID
	})
	return out, nil
}

// RecordUsage implements store.Usage.
func (s *Store) RecordUsage(_ context.Context, sample models.UsageSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	if c, ok := s.credentials[sample.CredentialID]; ok {
		c.TokensUsed += sample.Tokens
		c.RequestsCount++
	}
	if sample.UserID != "" {
		if a, ok := s.quotas[sample.UserID]; ok {
			a.TokensUsed += sample.Tokens
			a.RequestsCount++
			ts := sample.Timestamp
			a.LastUsedAt = &ts
		}
	}
	return nil
}

func matches(sample models.UsageSample, since *time.Time, credentialID string) bool {
	if credentialID != "" && sample.CredentialID != credentialID {
		return false
	}
	return since == nil || !sample.Timestamp.Before(*since)
}

// AggregateUsage implements store.Usage.
func (s *Store) AggregateUsage(_ context.Context, since *time.Time, credentialID string) (models.UsageAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var agg models.UsageAggregate
	for _, sample := range s.samples {
		if !matches(sample, since, credentialID) {
			continue
		}
		agg.TotalRequests++
		agg.TokensUsed += sample.Tokens
		if sample.Success {
			agg.SuccessCount++
			agg.SuccessLatency += sample.LatencyMs
		}
	}
	return agg, nil
}

// HourlyUsage implements store.Usage.
func (s *Store) HourlyUsage(_ context.Context, since time.Time, credentialID string) ([]models.HourlyCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buckets := make(map[time.Time]*models.HourlyCount)
	for _, sample := range s.samples {
		if !matches(sample, &since, credentialID) {
			continue
		}
		h := sample.Timestamp.UTC().Truncate(time.Hour)
		b, ok := buckets[h]
		if !ok {
			b = &models.HourlyCount{Hour: h}
			buckets[h] = b
		}
		b.Requests++
		b.Tokens += sample.Tokens
	}
	out := make([]models.HourlyCount, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

// CreateQuotaAccount inserts a quota account.
func (s *Store) CreateQuotaAccount(_ context.Context, a models.QuotaAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.quotas[a.ID]; ok {
		return store.ErrConflict
	}
	if a.Tier == "" {
		a.Tier = models.TierDev
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	aa := cloneQuota(&a)
	s.quotas[a.ID] = &aa
	return nil
}

// GetQuotaAccount returns a quota account by id.
func (s *Store) GetQuotaAccount(_ context.Context, id string) (models.QuotaAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.quotas[id]
	if !ok {
		return models.QuotaAccount{}, store.ErrNotFound
	}
	return cloneQuota(a), nil
}

// ListQuotaAccounts returns every account ordered by id.
func (s *Store) ListQuotaAccounts(_ context.Context) ([]models.QuotaAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.QuotaAccount, 0, len(s.quotas))
	for _, a := range s.quotas {
		out = append(out, cloneQuota(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetQuotaActive toggles an account.
func (s *Store) SetQuotaActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.quotas[id]
	if !ok {
		return store.ErrNotFound
	}
	a.IsActive = active
	return nil
}

// ResetQuotaUsage zeroes an account's counters.
func (s *Store) ResetQuotaUsage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.quotas[id]
	if !ok {
		return store.ErrNotFound
	}
	a.TokensUsed = 0
	a.RequestsCount = 0
	return nil
}
