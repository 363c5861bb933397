package pool

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pario-ai/keypool/pkg/logger"
	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/store"
)

// Credentials lists every live credential.
func (c *Coordinator) Credentials(ctx context.Context) ([]models.Credential, error) {
	return c.store.ListCredentials(ctx)
}

// Credential returns one live credential.
func (c *Coordinator) Credential(ctx context.Context, id string) (models.Credential, error) {
	cred, err := c.store.GetCredential(ctx, id)
	return cred, precondition("get credential", id, err)
}

// CreateCredential adds a healthy credential. An empty id is replaced with a
// random one.
func (c *Coordinator) CreateCredential(ctx context.Context, id, secret string) (models.Credential, error) {
	if strings.TrimSpace(secret) == "" {
		return models.Credential{}, &AdminPreconditionError{Op: "create credential", ID: id, Reason: "secret is required"}
	}
	if id == "" {
		id = uuid.NewString()
	}
	cred := models.Credential{ID: id, Secret: secret, Status: models.StatusHealthy, CreatedAt: c.now().UTC()}
	if err := c.store.CreateCredential(ctx, cred); err != nil {
		return models.Credential{}, precondition("create credential", id, err)
	}
	logger.Info("credential created", "credential_id", id)
	c.record(ctx, models.EventAdmin, id, "credential created")
	return cred, nil
}

// DeleteCredential removes a credential and its bindings.
func (c *Coordinator) DeleteCredential(ctx context.Context, id string) error {
	if err := c.store.DeleteCredential(ctx, id); err != nil {
		return precondition("delete credential", id, err)
	}
	logger.Info("credential deleted", "credential_id", id)
	c.record(ctx, models.EventAdmin, id, "credential deleted")
	return nil
}

// ResetCredential returns a credential to healthy with zeroed counters,
// whatever its current state.
func (c *Coordinator) ResetCredential(ctx context.Context, id string) error {
	if err := c.health.Reset(ctx, id); err != nil {
		return precondition("reset credential", id, err)
	}
	c.record(ctx, models.EventReset, id, "")
	return nil
}

// Backups lists every backup credential, oldest first.
func (c *Coordinator) Backups(ctx context.Context) ([]models.BackupCredential, error) {
	return c.rotation.List(ctx)
}

// CreateBackup adds a backup to the stock.
func (c *Coordinator) CreateBackup(ctx context.Context, id, secret string) (models.BackupCredential, error) {
	if strings.TrimSpace(secret) == "" {
		return models.BackupCredential{}, &AdminPreconditionError{Op: "create backup", ID: id, Reason: "secret is required"}
	}
	b, err := c.rotation.Create(ctx, id, secret)
	if err != nil {
		return models.BackupCredential{}, precondition("create backup", id, err)
	}
	c.record(ctx, models.EventAdmin, b.ID, "backup created")
	return b, nil
}

// PromoteBackup replaces retiredID with the oldest unused backup.
func (c *Coordinator) PromoteBackup(ctx context.Context, retiredID string) (store.Promotion, error) {
	p, err := c.rotation.Promote(ctx, retiredID)
	return p, precondition("promote backup", retiredID, err)
}

// ActivateBackup confirms a promoted backup.
func (c *Coordinator) ActivateBackup(ctx context.Context, id string) error {
	return precondition("activate backup", id, c.rotation.Activate(ctx, id))
}

// ReleaseBackup returns a used backup to the stock and takes the credential
// it was promoted into out of service.
func (c *Coordinator) ReleaseBackup(ctx context.Context, id string, force bool) error {
	return precondition("release backup", id, c.rotation.MarkAvailable(ctx, id, force))
}

// DeleteBackup removes a backup that is unused or activated.
func (c *Coordinator) DeleteBackup(ctx context.Context, id string) error {
	if err := c.rotation.Delete(ctx, id); err != nil {
		return precondition("delete backup", id, err)
	}
	c.record(ctx, models.EventAdmin, id, "backup deleted")
	return nil
}

// Reconcile restores the live credential of claimed backups whose promotion
// did not complete.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	return c.rotation.Reconcile(ctx)
}

// Bindings lists the bindings of proxyID, or of every proxy when empty.
func (c *Coordinator) Bindings(ctx context.Context, proxyID string) ([]models.ProxyBinding, error) {
	return c.store.ListBindings(ctx, proxyID, false)
}

// BindCredential attaches a credential to a proxy. A zero priority means
// the highest priority.
func (c *Coordinator) BindCredential(ctx context.Context, proxyID, credentialID string, priority int) (models.ProxyBinding, error) {
	if proxyID == "" {
		return models.ProxyBinding{}, &AdminPreconditionError{Op: "bind credential", ID: credentialID, Reason: "proxy id is required"}
	}
	if priority == 0 {
		priority = models.MinPriority
	}
	if !models.ValidPriority(priority) {
		return models.ProxyBinding{}, &AdminPreconditionError{
			Op:     "bind credential",
			ID:     credentialID,
			Reason: fmt.Sprintf("priority %d outside %d..%d", priority, models.MinPriority, models.MaxPriority),
		}
	}
	b := models.ProxyBinding{
		ProxyID:      proxyID,
		CredentialID: credentialID,
		Priority:     priority,
		IsActive:     true,
		CreatedAt:    c.now().UTC(),
	}
	if err := c.store.CreateBinding(ctx, b); err != nil {
		return models.ProxyBinding{}, precondition("bind credential", credentialID, err)
	}
	c.record(ctx, models.EventAdmin, credentialID, "bound to "+proxyID)
	return b, nil
}

// UnbindCredential detaches a credential from a proxy.
func (c *Coordinator) UnbindCredential(ctx context.Context, proxyID, credentialID string) error {
	if err := c.store.DeleteBinding(ctx, proxyID, credentialID); err != nil {
		return precondition("unbind credential", credentialID, err)
	}
	c.record(ctx, models.EventAdmin, credentialID, "unbound from "+proxyID)
	return nil
}

// SetBindingActive enables or disables a binding without removing it.
func (c *Coordinator) SetBindingActive(ctx context.Context, proxyID, credentialID string, active bool) error {
	return precondition("set binding", credentialID, c.store.SetBindingActive(ctx, proxyID, credentialID, active))
}
