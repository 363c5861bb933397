// Package storetest is a contract suite shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/store"
)

// Factory returns a fresh, empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run executes the contract suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CredentialCRUD", testCredentialCRUD},
		{"CooldownNeverShortens", testCooldownNeverShortens},
		{"ExhaustedIsSticky", testExhaustedIsSticky},
		{"MarkRecovered", testMarkRecovered},
		{"ResetZeroesCounters", testResetZeroesCounters},
		{"RecordUsage", testRecordUsage},
		{"ConcurrentRecordUsage", testConcurrentRecordUsage},
		{"AggregateUsageWindows", testAggregateUsageWindows},
		{"HourlyUsage", testHourlyUsage},
		{"PromoteBackup", testPromoteBackup},
		{"PromoteExactlyOnce", testPromoteExactlyOnce},
		{"PromoteErrors", testPromoteErrors},
		{"BackupLifecycle", testBackupLifecycle},
		{"RestorePromoted", testRestorePromoted},
		{"RetiredNotRestored", testRetiredNotRestored},
		{"RetiredIDRejected", testRetiredIDRejected},
		{"ReleaseRemovesLiveCredential", testReleaseRemovesLiveCredential},
		{"PromoteSkipsLiveBackupID", testPromoteSkipsLiveBackupID},
		{"Bindings", testBindings},
		{"QuotaAccounts", testQuotaAccounts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func mustCreate(t *testing.T, s store.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.CreateCredential(context.Background(), models.Credential{ID: id, Secret: "fk-secret-" + id}); err != nil {
			t.Fatalf("create credential %s: %v", id, err)
		}
	}
}

func mustGet(t *testing.T, s store.Store, id string) models.Credential {
	t.Helper()
	c, err := s.GetCredential(context.Background(), id)
	if err != nil {
		t.Fatalf("get credential %s: %v", id, err)
	}
	return c
}

func testCredentialCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, "b", "a")

	if err := s.CreateCredential(ctx, models.Credential{ID: "a", Secret: "x"}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate create: expected ErrConflict, got %v", err)
	}

	c := mustGet(t, s, "a")
	if c.Secret != "fk-secret-a" {
		t.Errorf("secret = %q", c.Secret)
	}
	if c.Status != models.StatusHealthy {
		t.Errorf("status = %q, want healthy", c.Status)
	}
	if c.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	list, err := s.ListCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("list = %+v", list)
	}

	if err := s.CreateBinding(ctx, models.ProxyBinding{ProxyID: "p1", CredentialID: "a", Priority: 1, IsActive: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteCredential(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCredential(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	bindings, err := s.ListBindings(ctx, "p1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(bindings) != 0 {
		t.Errorf("bindings should be removed with the credential, got %+v", bindings)
	}
	if err := s.DeleteCredential(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func testCooldownNeverShortens(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, "k")
	base := now()

	if err := s.MarkRateLimited(ctx, "k", base.Add(60*time.Second), "429"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRateLimited(ctx, "k", base.Add(10*time.Second), "429 again"); err != nil {
		t.Fatal(err)
	}
	c := mustGet(t, s, "k")
	if c.Status != models.StatusRateLimited {
		t.Errorf("status = %q", c.Status)
	}
	if c.CooldownUntil == nil || !c.CooldownUntil.Equal(base.Add(60*time.Second)) {
		t.Errorf("cooldown = %v, want %v", c.CooldownUntil, base.Add(60*time.Second))
	}

	if err := s.MarkRateLimited(ctx, "k", base.Add(120*time.Second), "longer"); err != nil {
		t.Fatal(err)
	}
	c = mustGet(t, s, "k")
	if !c.CooldownUntil.Equal(base.Add(120 * time.Second)) {
		t.Errorf("cooldown should extend, got %v", c.CooldownUntil)
	}

	if err := s.MarkError(ctx, "k", base.Add(30*time.Second), "boom"); err != nil {
		t.Fatal(err)
	}
	c = mustGet(t, s, "k")
	if c.Status != models.StatusError || c.LastError != "boom" {
		t.Errorf("got status %q last error %q", c.Status, c.LastError)
	}
	if !c.CooldownUntil.Equal(base.Add(120 * time.Second)) {
		t.Errorf("error backoff must not shorten cooldown, got %v", c.CooldownUntil)
	}

	if err := s.MarkRateLimited(ctx, "missing", base, ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testExhaustedIsSticky(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, "k")
	base := now()

	if err := s.MarkExhausted(ctx, "k", "reload your tokens"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRateLimited(ctx, "k", base.Add(time.Minute), "429"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkError(ctx, "k", base.Add(time.Minute), "500"); err != nil {
		t.Fatal(err)
	}
	changed, err := s.MarkRecovered(ctx, "k", base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("exhausted credential must not recover")
	}
	c := mustGet(t, s, "k")
	if c.Status != models.StatusExhausted || c.LastError != "reload your tokens" {
		t.Errorf("got status %q last error %q", c.Status, c.LastError)
	}
	if c.CooldownUntil != nil {
		t.Errorf("exhausted credential should have no cooldown, got %v", c.CooldownUntil)
	}
}

func testMarkRecovered(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now()
	mustCreate(t, s, "k")
	if err := s.CreateCredential(ctx, models.Credential{ID: "stale", Secret: "x", LastError: "old"}); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkRateLimited(ctx, "k", base.Add(time.Minute), "429"); err != nil {
		t.Fatal(err)
	}
	changed, err := s.MarkRecovered(ctx, "k", base.Add(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("should not recover before cooldown elapses")
	}
	if c := mustGet(t, s, "k"); c.Status != models.StatusRateLimited {
		t.Errorf("status = %q", c.Status)
	}

	changed, err = s.MarkRecovered(ctx, "k", base.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("should recover once now reaches cooldown")
	}
	c := mustGet(t, s, "k")
	if c.Status != models.StatusHealthy || c.LastError != "" || c.CooldownUntil != nil {
		t.Errorf("recovered credential = %+v", c)
	}

	changed, err = s.MarkRecovered(ctx, "stale", base)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("healthy credential should not report a status change")
	}
	if c := mustGet(t, s, "stale"); c.LastError != "" {
		t.Errorf("stale last error not cleared: %q", c.LastError)
	}

	if _, err := s.MarkRecovered(ctx, "missing", base); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testResetZeroesCounters(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, "k")
	for i := 0; i < 3; i++ {
		if err := s.RecordUsage(ctx, models.UsageSample{CredentialID: "k", Tokens: 100, Success: true, Timestamp: now()}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkExhausted(ctx, "k", "revoked"); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetCredential(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	c := mustGet(t, s, "k")
	if c.Status != models.StatusHealthy || c.TokensUsed != 0 || c.RequestsCount != 0 || c.LastError != "" || c.CooldownUntil != nil {
		t.Errorf("reset credential = %+v", c)
	}
	if err := s.ResetCredential(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testRecordUsage(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, "k")
	if err := s.CreateQuotaAccount(ctx, models.QuotaAccount{ID: "u1", TotalTokens: 1000, IsActive: true}); err != nil {
		t.Fatal(err)
	}

	ts := now()
	if err := s.RecordUsage(ctx, models.UsageSample{CredentialID: "k", UserID: "u1", Tokens: 150, LatencyMs: 20, Success: true, Timestamp: ts}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordUsage(ctx, models.UsageSample{CredentialID: "k", Tokens: 50, Success: true, Timestamp: ts}); err != nil {
		t.Fatal(err)
	}

	c := mustGet(t, s, "k")
	if c.TokensUsed != 200 || c.RequestsCount != 2 {
		t.Errorf("credential counters = %d/%d, want 200/2", c.TokensUsed, c.RequestsCount)
	}
	a, err := s.GetQuotaAccount(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if a.TokensUsed != 150 || a.RequestsCount != 1 {
		t.Errorf("quota counters = %d/%d, want 150/1", a.TokensUsed, a.RequestsCount)
	}
	if a.LastUsedAt == nil || !a.LastUsedAt.Equal(ts) {
		t.Errorf("last used = %v, want %v", a.LastUsedAt, ts)
	}

	// A sample for a credential that has since been rotated away still lands.
	if err := s.RecordUsage(ctx, models.UsageSample{CredentialID: "gone", Tokens: 5, Timestamp: ts}); err != nil {
		t.Fatal(err)
	}
	agg, err := s.AggregateUsage(ctx, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if agg.TotalRequests != 3 || agg.TokensUsed != 205 {
		t.Errorf("aggregate = %+v", agg)
	}
}

func testConcurrentRecordUsage(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, "k")
	if err := s.CreateQuotaAccount(ctx, models.QuotaAccount{ID: "u1", TotalTokens: 1 << 30, IsActive: true}); err != nil {
		t.Fatal(err)
	}

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.RecordUsage(ctx, models.UsageSample{CredentialID: "k", UserID: "u1", Tokens: 10, Success: true, Timestamp: now()})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	c := mustGet(t, s, "k")
	if c.TokensUsed != workers*10 || c.RequestsCount != workers {
		t.Errorf("credential counters = %d/%d", c.TokensUsed, c.RequestsCount)
	}
	a, _ := s.GetQuotaAccount(ctx, "u1")
	if a.TokensUsed != workers*10 {
		t.Errorf("quota tokens = %d", a.TokensUsed)
	}
}

func testAggregateUsageWindows(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now()
	samples := []models.UsageSample{
		{CredentialID: "a", Tokens: 100, LatencyMs: 400, Success: true, Timestamp: base.Add(-2 * time.Hour)},
		{CredentialID: "a", Tokens: 10, LatencyMs: 100, Success: true, Timestamp: base.Add(-30 * time.Minute)},
		{CredentialID: "b", Tokens: 0, LatencyMs: 900, Success: false, Timestamp: base.Add(-10 * time.Minute)},
		{CredentialID: "b", Tokens: 20, LatencyMs: 300, Success: true, Timestamp: base.Add(-5 * time.Minute)},
	}
	for _, sm := range samples {
		if err := s.RecordUsage(ctx, sm); err != nil {
			t.Fatal(err)
		}
	}

	since := base.Add(-time.Hour)
	agg, err := s.AggregateUsage(ctx, &since, "a")
	if err != nil {
		t.Fatal(err)
	}
	if agg.TotalRequests != 1 || agg.TokensUsed != 10 {
		t.Errorf("1h for a = %+v", agg)
	}

	agg, err = s.AggregateUsage(ctx, nil, "a")
	if err != nil {
		t.Fatal(err)
	}
	if agg.TotalRequests != 2 || agg.TokensUsed != 110 || agg.SuccessCount != 2 || agg.SuccessLatency != 500 {
		t.Errorf("all for a = %+v", agg)
	}

	agg, err = s.AggregateUsage(ctx, &since, "")
	if err != nil {
		t.Fatal(err)
	}
	if agg.TotalRequests != 3 || agg.SuccessCount != 2 || agg.SuccessLatency != 400 {
		t.Errorf("1h for pool = %+v", agg)
	}

	empty := base.Add(time.Hour)
	agg, err = s.AggregateUsage(ctx, &empty, "")
	if err != nil {
		t.Fatal(err)
	}
	if agg != (models.UsageAggregate{}) {
		t.Errorf("future window should be empty, got %+v", agg)
	}
}

func testHourlyUsage(t *testing.T, s store.Store) {
	ctx := context.Background()
	hour := now().Truncate(time.Hour).Add(-3 * time.Hour)
	for i, offset := range []time.Duration{5 * time.Minute, 10 * time.Minute, 65 * time.Minute} {
		sm := models.UsageSample{CredentialID: "a", Tokens: int64(i + 1), Timestamp: hour.Add(offset)}
		if err := s.RecordUsage(ctx, sm); err != nil {
			t.Fatal(err)
		}
	}
	out, err := s.HourlyUsage(ctx, hour, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 buckets, got %+v", out)
	}
	if !out[0].Hour.Equal(hour) || out[0].Requests != 2 || out[0].Tokens != 3 {
		t.Errorf("first bucket = %+v", out[0])
	}
	if !out[1].Hour.Equal(hour.Add(time.Hour)) || out[1].Requests != 1 || out[1].Tokens != 3 {
		t.Errorf("second bucket = %+v", out[1])
	}
}

func seedBackups(t *testing.T, s store.Store, base time.Time, ids ...string) {
	t.Helper()
	for i, id := range ids {
		b := models.BackupCredential{ID: id, Secret: "fk-backup-" + id, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.CreateBackup(context.Background(), b); err != nil {
			t.Fatalf("create backup %s: %v", id, err)
		}
	}
}

func testPromoteBackup(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now()
	mustCreate(t, s, "old")
	for _, b := range []models.ProxyBinding{
		{ProxyID: "p1", CredentialID: "old", Priority: 3, IsActive: true},
		{ProxyID: "p2", CredentialID: "old", Priority: 7, IsActive: false},
	} {
		if err := s.CreateBinding(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordUsage(ctx, models.UsageSample{CredentialID: "old", Tokens: 500, Timestamp: base}); err != nil {
		t.Fatal(err)
	}
	// "z-first" is created first and must be promoted before "a-second".
	seedBackups(t, s, base.Add(-time.Hour), "z-first", "a-second")

	p, err := s.PromoteBackup(ctx, "old", base)
	if err != nil {
		t.Fatal(err)
	}
	if p.Existing {
		t.Error("first promotion should not be Existing")
	}
	if p.Backup.ID != "z-first" || !p.Backup.IsUsed || p.Backup.UsedFor != "old" {
		t.Errorf("promoted backup = %+v", p.Backup)
	}
	if p.Backup.UsedAt == nil || !p.Backup.UsedAt.Equal(base) {
		t.Errorf("used at = %v", p.Backup.UsedAt)
	}
	if len(p.Rebound) != 2 || p.Rebound[0] != "p1" || p.Rebound[1] != "p2" {
		t.Errorf("rebound = %v", p.Rebound)
	}

	if _, err := s.GetCredential(ctx, "old"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("retired credential should be gone, got %v", err)
	}
	c := mustGet(t, s, "z-first")
	if c.Secret != "fk-backup-z-first" || c.Status != models.StatusHealthy || c.TokensUsed != 0 || c.RequestsCount != 0 {
		t.Errorf("promoted credential = %+v", c)
	}

	bindings, err := s.ListBindings(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(bindings) != 2 {
		t.Fatalf("bindings = %+v", bindings)
	}
	if bindings[0].ProxyID != "p1" || bindings[0].CredentialID != "z-first" || bindings[0].Priority != 3 || !bindings[0].IsActive {
		t.Errorf("p1 binding = %+v", bindings[0])
	}
	if bindings[1].ProxyID != "p2" || bindings[1].Priority != 7 || bindings[1].IsActive {
		t.Errorf("p2 binding = %+v", bindings[1])
	}

	again, err := s.PromoteBackup(ctx, "old", base.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !again.Existing || again.Backup.ID != "z-first" || again.Credential.ID != "z-first" {
		t.Errorf("repeat promotion = %+v", again)
	}
	n, err := s.CountAvailableBackups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("available backups = %d, want 1", n)
	}
}

func testPromoteExactlyOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now()
	mustCreate(t, s, "old")
	seedBackups(t, s, base.Add(-time.Hour), "b1", "b2", "b3")

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan store.Promotion, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.PromoteBackup(ctx, "old", base)
			if err != nil {
				errs <- err
				return
			}
			results <- p
		}()
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("promote: %v", err)
	}

	fresh := 0
	for p := range results {
		if p.Backup.ID != "b1" {
			t.Errorf("promotion used %s, want b1", p.Backup.ID)
		}
		if !p.Existing {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("%d promotions consumed stock, want exactly 1", fresh)
	}
	n, _ := s.CountAvailableBackups(ctx)
	if n != 2 {
		t.Errorf("available backups = %d, want 2", n)
	}
	list, _ := s.ListCredentials(ctx)
	if len(list) != 1 || list[0].ID != "b1" {
		t.Errorf("live credentials = %+v", list)
	}
}

func testPromoteErrors(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, "old")
	if _, err := s.PromoteBackup(ctx, "old", now()); !errors.Is(err, store.ErrNoBackup) {
		t.Errorf("expected ErrNoBackup, got %v", err)
	}
	if c := mustGet(t, s, "old"); c.ID != "old" {
		t.Error("failed promotion must not touch the retired credential")
	}

	seedBackups(t, s, now(), "b1")
	if _, err := s.PromoteBackup(ctx, "missing", now()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if n, _ := s.CountAvailableBackups(ctx); n != 1 {
		t.Errorf("stock consumed by a failed promotion: %d left", n)
	}
}

func testBackupLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now()
	mustCreate(t, s, "old")
	seedBackups(t, s, base, "b1", "b2")

	if err := s.CreateBackup(ctx, models.BackupCredential{ID: "b1", Secret: "x"}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate backup: expected ErrConflict, got %v", err)
	}
	if err := s.ActivateBackup(ctx, "b1"); !errors.Is(err, store.ErrBackupState) {
		t.Errorf("activate unused: expected ErrBackupState, got %v", err)
	}
	if _, err := s.PromoteBackup(ctx, "old", base); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteBackup(ctx, "b1"); !errors.Is(err, store.ErrBackupState) {
		t.Errorf("delete pending: expected ErrBackupState, got %v", err)
	}
	pending, err := s.PendingPromotions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "b1" {
		t.Errorf("pending = %+v", pending)
	}

	if err := s.ActivateBackup(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseBackup(ctx, "b1", false); !errors.Is(err, store.ErrBackupState) {
		t.Errorf("release activated without force: expected ErrBackupState, got %v", err)
	}
	if err := s.ReleaseBackup(ctx, "b1", true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCredential(ctx, "b1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("released backup still live: %v", err)
	}
	b, err := s.GetBackup(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if b.IsUsed || b.Activated || b.UsedAt != nil || b.UsedFor != "" {
		t.Errorf("released backup = %+v", b)
	}

	if err := s.DeleteBackup(ctx, "b2"); err != nil {
		t.Errorf("delete unused: %v", err)
	}
	if err := s.DeleteBackup(ctx, "b2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	list, err := s.ListBackups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Secret != "fk-backup-b1" {
		t.Errorf("backups = %+v", list)
	}
}

func testRestorePromoted(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now()
	mustCreate(t, s, "old")
	seedBackups(t, s, base, "b1", "b2")
	if _, err := s.PromoteBackup(ctx, "old", base); err != nil {
		t.Fatal(err)
	}

	created, err := s.RestorePromoted(ctx, "b1", base)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("restore should be a no-op when the credential exists")
	}
	if _, err := s.RestorePromoted(ctx, "b2", base); !errors.Is(err, store.ErrBackupState) {
		t.Errorf("restore unused: expected ErrBackupState, got %v", err)
	}
	if _, err := s.RestorePromoted(ctx, "nope", base); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("restore unknown: expected ErrNotFound, got %v", err)
	}

	// Deleting a promoted credential settles its backup.
	if err := s.DeleteCredential(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	b, err := s.GetBackup(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Activated {
		t.Errorf("backup of deleted credential = %+v, want activated", b)
	}
	if _, err := s.RestorePromoted(ctx, "b1", base); !errors.Is(err, store.ErrBackupState) {
		t.Errorf("restore settled: expected ErrBackupState, got %v", err)
	}
	if _, err := s.GetCredential(ctx, "b1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted credential came back: %v", err)
	}
}

func testRetiredNotRestored(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now()
	mustCreate(t, s, "a")
	seedBackups(t, s, base, "b1", "b2")
	if _, err := s.PromoteBackup(ctx, "a", base); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PromoteBackup(ctx, "b1", base); err != nil {
		t.Fatal(err)
	}

	pending, err := s.PendingPromotions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range pending {
		created, err := s.RestorePromoted(ctx, b.ID, base)
		if err != nil {
			t.Fatalf("restore %s: %v", b.ID, err)
		}
		if created {
			t.Errorf("restored %s", b.ID)
		}
	}
	list, err := s.ListCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "b2" {
		t.Errorf("live = %+v, want only b2", list)
	}
}

func testRetiredIDRejected(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now()
	mustCreate(t, s, "a")
	seedBackups(t, s, base, "b1")
	if _, err := s.PromoteBackup(ctx, "a", base); err != nil {
		t.Fatal(err)
	}

	err := s.CreateCredential(ctx, models.Credential{ID: "a", Secret: "fk-secret-a"})
	if !errors.Is(err, store.ErrRetired) || !errors.Is(err, store.ErrConflict) {
		t.Errorf("recreate retired: expected ErrRetired, got %v", err)
	}
	if _, err := s.GetCredential(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("retired credential is live: %v", err)
	}
}

func testReleaseRemovesLiveCredential(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now()
	mustCreate(t, s, "a", "c")
	seedBackups(t, s, base, "b1", "b2")
	if err := s.CreateBinding(ctx, models.ProxyBinding{ProxyID: "p1", CredentialID: "a", IsActive: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PromoteBackup(ctx, "a", base); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordUsage(ctx, models.UsageSample{CredentialID: "b1", Tokens: 900, Success: true, Timestamp: base}); err != nil {
		t.Fatal(err)
	}

	if err := s.ReleaseBackup(ctx, "b1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCredential(ctx, "b1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("released backup still live: %v", err)
	}
	bindings, err := s.ListBindings(ctx, "p1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(bindings) != 0 {
		t.Errorf("bindings = %+v, want none", bindings)
	}

	p, err := s.PromoteBackup(ctx, "c", base)
	if err != nil {
		t.Fatal(err)
	}
	if p.Backup.ID != "b1" {
		t.Errorf("promoted %s, want b1", p.Backup.ID)
	}
	list, err := s.ListCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "b1" {
		t.Errorf("live = %+v, want only b1", list)
	}
	n, err := s.CountAvailableBackups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("available = %d, want 1", n)
	}
}

func testPromoteSkipsLiveBackupID(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now()
	mustCreate(t, s, "a", "dup")
	if err := s.RecordUsage(ctx, models.UsageSample{CredentialID: "dup", Tokens: 900, Success: true, Timestamp: base}); err != nil {
		t.Fatal(err)
	}
	seedBackups(t, s, base, "dup", "b1")

	p, err := s.PromoteBackup(ctx, "a", base)
	if err != nil {
		t.Fatal(err)
	}
	if p.Backup.ID != "b1" {
		t.Errorf("promoted %s, want b1", p.Backup.ID)
	}
	c := mustGet(t, s, "dup")
	if c.TokensUsed != 900 || c.Secret != "fk-secret-dup" {
		t.Errorf("live credential overwritten: %+v", c)
	}

	if n, err := s.CountAvailableBackups(ctx); err != nil || n != 0 {
		t.Errorf("available = %d, %v; want 0", n, err)
	}
	mustCreate(t, s, "e")
	if _, err := s.PromoteBackup(ctx, "e", base); !errors.Is(err, store.ErrNoBackup) {
		t.Errorf("expected ErrNoBackup, got %v", err)
	}
}

func testBindings(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, "a", "b", "c")

	if err := s.CreateBinding(ctx, models.ProxyBinding{ProxyID: "p1", CredentialID: "missing", Priority: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	for _, b := range []models.ProxyBinding{
		{ProxyID: "p1", CredentialID: "c", Priority: 2, IsActive: true},
		{ProxyID: "p1", CredentialID: "b", Priority: 1, IsActive: true},
		{ProxyID: "p1", CredentialID: "a", Priority: 2, IsActive: true},
		{ProxyID: "p2", CredentialID: "a", Priority: 1, IsActive: true},
	} {
		if err := s.CreateBinding(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateBinding(ctx, models.ProxyBinding{ProxyID: "p1", CredentialID: "a", Priority: 5}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	got, err := s.ListBindings(ctx, "p1", true)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"b", "a", "c"}
	if ids := bindingIDs(got); fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", ids, want)
	}

	if err := s.SetBindingActive(ctx, "p1", "b", false); err != nil {
		t.Fatal(err)
	}
	got, _ = s.ListBindings(ctx, "p1", true)
	if ids := bindingIDs(got); fmt.Sprint(ids) != "[a c]" {
		t.Errorf("active = %v", ids)
	}
	got, _ = s.ListBindings(ctx, "p1", false)
	if len(got) != 3 {
		t.Errorf("all p1 = %+v", got)
	}
	all, _ := s.ListBindings(ctx, "", false)
	if len(all) != 4 {
		t.Errorf("all bindings = %+v", all)
	}

	if err := s.DeleteBinding(ctx, "p1", "c"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteBinding(ctx, "p1", "c"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetBindingActive(ctx, "p9", "a", true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func bindingIDs(bs []models.ProxyBinding) []string {
	ids := make([]string, len(bs))
	for i, b := range bs {
		ids[i] = b.CredentialID
	}
	return ids
}

func testQuotaAccounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	expires := now().Add(24 * time.Hour)
	a := models.QuotaAccount{ID: "u1", Name: "alice", Tier: models.TierPro, TotalTokens: 1000, IsActive: true, PlanExpiresAt: &expires}
	if err := s.CreateQuotaAccount(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateQuotaAccount(ctx, a); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := s.CreateQuotaAccount(ctx, models.QuotaAccount{ID: "u0", TotalTokens: 10}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetQuotaAccount(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "alice" || got.Tier != models.TierPro || got.TotalTokens != 1000 || !got.IsActive {
		t.Errorf("account = %+v", got)
	}
	if got.PlanExpiresAt == nil || !got.PlanExpiresAt.Equal(expires) {
		t.Errorf("plan expires = %v", got.PlanExpiresAt)
	}

	list, err := s.ListQuotaAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "u0" {
		t.Errorf("list = %+v", list)
	}

	if err := s.SetQuotaActive(ctx, "u1", false); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetQuotaAccount(ctx, "u1"); got.IsActive {
		t.Error("account should be inactive")
	}

	if err := s.RecordUsage(ctx, models.UsageSample{CredentialID: "k", UserID: "u1", Tokens: 40, Timestamp: now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetQuotaUsage(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetQuotaAccount(ctx, "u1"); got.TokensUsed != 0 || got.RequestsCount != 0 {
		t.Errorf("reset account = %+v", got)
	}
	if _, err := s.GetQuotaAccount(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.ResetQuotaUsage(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
