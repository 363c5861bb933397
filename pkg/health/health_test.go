package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/store"
	"github.com/pario-ai/keypool/pkg/store/memory"
)

type fixture struct {
	store *memory.Store
	m     *Machine
	now   time.Time
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.m = New(f.store, 0, 0)
	f.m.SetClock(func() time.Time { return f.now })
	for _, id := range ids {
		if err := f.store.CreateCredential(context.Background(), models.Credential{ID: id, Secret: "s-" + id}); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f *fixture) get(t *testing.T, id string) models.Credential {
	t.Helper()
	c, err := f.store.GetCredential(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRateLimitDefaultBackoff(t *testing.T) {
	f := newFixture(t, "k")
	if err := f.m.ReportRateLimited(context.Background(), "k", 0); err != nil {
		t.Fatal(err)
	}
	c := f.get(t, "k")
	if c.Status != models.StatusRateLimited {
		t.Fatalf("status = %q", c.Status)
	}
	if want := f.now.Add(DefaultRateLimitBackoff); !c.CooldownUntil.Equal(want) {
		t.Errorf("cooldown = %v, want %v", c.CooldownUntil, want)
	}
}

func TestRateLimitNeverShortens(t *testing.T) {
	f := newFixture(t, "k")
	ctx := context.Background()
	if err := f.m.ReportRateLimited(ctx, "k", 120*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := f.m.ReportRateLimited(ctx, "k", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	c := f.get(t, "k")
	if want := f.now.Add(120 * time.Second); !c.CooldownUntil.Equal(want) {
		t.Errorf("cooldown = %v, want %v", c.CooldownUntil, want)
	}
}

func TestErrorBackoff(t *testing.T) {
	f := newFixture(t, "k")
	if err := f.m.ReportError(context.Background(), "k", "502 bad gateway"); err != nil {
		t.Fatal(err)
	}
	c := f.get(t, "k")
	if c.Status != models.StatusError || c.LastError != "502 bad gateway" {
		t.Errorf("credential = %+v", c)
	}
	if want := f.now.Add(DefaultErrorBackoff); !c.CooldownUntil.Equal(want) {
		t.Errorf("cooldown = %v, want %v", c.CooldownUntil, want)
	}
}

func TestCustomBackoffs(t *testing.T) {
	f := newFixture(t, "k")
	f.m = New(f.store, 10*time.Second, 2*time.Second)
	f.m.SetClock(func() time.Time { return f.now })
	if err := f.m.ReportError(context.Background(), "k", "timeout"); err != nil {
		t.Fatal(err)
	}
	if c := f.get(t, "k"); !c.CooldownUntil.Equal(f.now.Add(2 * time.Second)) {
		t.Errorf("cooldown = %v", c.CooldownUntil)
	}
}

func TestSuccessRecoversAfterCooldown(t *testing.T) {
	f := newFixture(t, "k")
	ctx := context.Background()
	if err := f.m.ReportRateLimited(ctx, "k", time.Minute); err != nil {
		t.Fatal(err)
	}

	recovered, err := f.m.ReportSuccess(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if recovered {
		t.Error("should stay rate limited while cooling down")
	}

	f.now = f.now.Add(time.Minute)
	recovered, err = f.m.ReportSuccess(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !recovered {
		t.Error("should recover once cooldown elapsed")
	}
	if c := f.get(t, "k"); c.Status != models.StatusHealthy || c.LastError != "" || c.CooldownUntil != nil {
		t.Errorf("credential = %+v", c)
	}
}

func TestSuccessDoesNotClearExhausted(t *testing.T) {
	f := newFixture(t, "k")
	ctx := context.Background()
	if err := f.m.ReportExhausted(ctx, "k", "reload your tokens"); err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(24 * time.Hour)
	if _, err := f.m.ReportSuccess(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if c := f.get(t, "k"); c.Status != models.StatusExhausted {
		t.Errorf("status = %q, want exhausted", c.Status)
	}
}

func TestResetZeroesEverything(t *testing.T) {
	f := newFixture(t, "k")
	ctx := context.Background()
	if err := f.store.RecordUsage(ctx, models.UsageSample{CredentialID: "k", Tokens: 42, Timestamp: f.now}); err != nil {
		t.Fatal(err)
	}
	if err := f.m.ReportExhausted(ctx, "k", "revoked"); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Reset(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	c := f.get(t, "k")
	if c.Status != models.StatusHealthy || c.TokensUsed != 0 || c.RequestsCount != 0 || c.LastError != "" {
		t.Errorf("credential = %+v", c)
	}
}

func TestReportMissingCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.m.ReportError(ctx, "nope", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := f.m.Reset(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIsSelectable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		c    models.Credential
		want bool
	}{
		{"healthy", models.Credential{Status: models.StatusHealthy}, true},
		{"rate limited cooling", models.Credential{Status: models.StatusRateLimited, CooldownUntil: &future}, false},
		{"rate limited elapsed", models.Credential{Status: models.StatusRateLimited, CooldownUntil: &past}, true},
		{"rate limited at boundary", models.Credential{Status: models.StatusRateLimited, CooldownUntil: &now}, true},
		{"error cooling", models.Credential{Status: models.StatusError, CooldownUntil: &future}, false},
		{"error elapsed", models.Credential{Status: models.StatusError, CooldownUntil: &past}, true},
		{"exhausted", models.Credential{Status: models.StatusExhausted}, false},
		{"exhausted with old cooldown", models.Credential{Status: models.StatusExhausted, CooldownUntil: &past}, false},
		{"unknown status", models.Credential{Status: "weird"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSelectable(&tt.c, now); got != tt.want {
				t.Errorf("IsSelectable = %v, want %v", got, tt.want)
			}
		})
	}

	exhausted := models.Credential{Status: models.StatusExhausted}
	if IsSelectable(&exhausted, now.Add(365*24*time.Hour)) {
		t.Error("exhausted must never become selectable with time")
	}
}

func TestCooldownLeft(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(45 * time.Second)
	c := models.Credential{Status: models.StatusRateLimited, CooldownUntil: &until}
	if got := CooldownLeft(&c, now); got != 45*time.Second {
		t.Errorf("CooldownLeft = %v", got)
	}
	if got := CooldownLeft(&c, until.Add(time.Second)); got != 0 {
		t.Errorf("CooldownLeft after expiry = %v", got)
	}
	healthy := models.Credential{Status: models.StatusHealthy}
	if got := CooldownLeft(&healthy, now); got != 0 {
		t.Errorf("CooldownLeft healthy = %v", got)
	}
}
