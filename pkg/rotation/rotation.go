// Package rotation manages the backup credential stock and promotes backups
// into the live pool when a credential is retired.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/keypool/pkg/audit"
	"github.com/pario-ai/keypool/pkg/logger"
	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/store"
)

// ErrPoolDepletion is returned when a retired credential cannot be replaced
// because no unused backup is left. The slot stays empty until an operator
// adds stock.
var ErrPoolDepletion = errors.New("backup pool depleted")

// Store is the persistence the Manager needs.
type Store interface {
	store.Backups
}

// Manager promotes and administers backup credentials.
type Manager struct {
	store  Store
	events audit.Recorder
	now    func() time.Time
}

// New creates a Manager. A nil recorder drops events.
func New(s Store, events audit.Recorder) *Manager {
	if events == nil {
		events = audit.Discard
	}
	return &Manager{store: s, events: events, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) record(ctx context.Context, kind models.EventKind, credentialID, detail string) {
	if err := m.events.Record(ctx, models.PoolEvent{Kind: kind, CredentialID: credentialID, Detail: detail}); err != nil {
		logger.Warn("record pool event failed", "kind", kind, "error", err)
	}
}

// Promote replaces retiredID with the oldest unused backup. Repeated or
// concurrent calls for the same retiredID consume at most one backup.
func (m *Manager) Promote(ctx context.Context, retiredID string) (store.Promotion, error) {
	p, err := m.store.PromoteBackup(ctx, retiredID, m.now().UTC())
	switch {
	case errors.Is(err, store.ErrNoBackup):
		logger.Error("no backup credential left to replace retired credential", "credential_id", retiredID)
		m.record(ctx, models.EventPoolDepletion, retiredID, "no unused backup credential")
		return store.Promotion{}, fmt.Errorf("promote %s: %w", retiredID, ErrPoolDepletion)
	case err != nil:
		return store.Promotion{}, fmt.Errorf("promote %s: %w", retiredID, err)
	}
	if p.Existing {
		logger.Debug("credential already promoted", "credential_id", retiredID, "backup_id", p.Backup.ID)
		return p, nil
	}

	detail := "replaced " + retiredID
	if len(p.Rebound) > 0 {
		detail += "; rebound " + strings.Join(p.Rebound, ",")
	}
	logger.Info("promoted backup credential",
		"retired_id", retiredID, "backup_id", p.Backup.ID, "rebound", len(p.Rebound))
	m.record(ctx, models.EventPromoted, p.Backup.ID, detail)
	return p, nil
}

// Create adds an unused backup. An empty id is replaced with a random one.
func (m *Manager) Create(ctx context.Context, id, secret string) (models.BackupCredential, error) {
	if strings.TrimSpace(secret) == "" {
		return models.BackupCredential{}, errors.New("backup secret is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	b := models.BackupCredential{ID: id, Secret: secret, CreatedAt: m.now().UTC()}
	if err := m.store.CreateBackup(ctx, b); err != nil {
		return models.BackupCredential{}, fmt.Errorf("create backup %s: %w", id, err)
	}
	return b, nil
}

// List returns every backup, oldest first.
func (m *Manager) List(ctx context.Context) ([]models.BackupCredential, error) {
	return m.store.ListBackups(ctx)
}

// Available returns the number of unused backups.
func (m *Manager) Available(ctx context.Context) (int, error) {
	return m.store.CountAvailableBackups(ctx)
}

// Activate confirms that a promoted backup is durably in production.
func (m *Manager) Activate(ctx context.Context, id string) error {
	if err := m.store.ActivateBackup(ctx, id); err != nil {
		return fmt.Errorf("activate backup %s: %w", id, err)
	}
	m.record(ctx, models.EventBackupActivated, id, "")
	return nil
}

// MarkAvailable rolls a used backup back into stock and removes the live
// credential it was promoted into. Activated backups need force.
func (m *Manager) MarkAvailable(ctx context.Context, id string, force bool) error {
	if err := m.store.ReleaseBackup(ctx, id, force); err != nil {
		return fmt.Errorf("release backup %s: %w", id, err)
	}
	detail := ""
	if force {
		detail = "forced"
	}
	m.record(ctx, models.EventBackupReleased, id, detail)
	return nil
}

// Delete removes a backup that is unused or already activated.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteBackup(ctx, id); err != nil {
		return fmt.Errorf("delete backup %s: %w", id, err)
	}
	return nil
}

// Reconcile recreates the live credential of every claimed, not yet
// activated backup whose credential is missing. Credentials retired by a
// later promotion stay retired. It returns how many were restored.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	pending, err := m.store.PendingPromotions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending promotions: %w", err)
	}
	restored := 0
	for _, b := range pending {
		created, err := m.store.RestorePromoted(ctx, b.ID, m.now().UTC())
		if err != nil {
			return restored, fmt.Errorf("restore %s: %w", b.ID, err)
		}
		if created {
			restored++
			logger.Warn("restored missing promoted credential", "backup_id", b.ID, "retired_id", b.UsedFor)
			m.record(ctx, models.EventReconciled, b.ID, "restored replacement for "+b.UsedFor)
		}
	}
	return restored, nil
}
