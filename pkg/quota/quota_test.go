package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/store/memory"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, accts ...models.QuotaAccount) (*Admission, *memory.Store) {
	t.Helper()
	s := memory.New()
	ctx := context.Background()
	for _, a := range accts {
		if err := s.CreateQuotaAccount(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	a := New(s)
	a.SetClock(func() time.Time { return now })
	return a, s
}

func TestCheckUnderQuota(t *testing.T) {
	a, s := setup(t, models.QuotaAccount{ID: "u1", TotalTokens: 1000, IsActive: true})
	ctx := context.Background()
	if err := s.RecordUsage(ctx, models.UsageSample{ID: "s1", UserID: "u1", Tokens: 150, Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	if err := a.Check(ctx, "u1"); err != nil {
		t.Errorf("expected admission, got %v", err)
	}
}

func TestCheckExceeded(t *testing.T) {
	a, s := setup(t, models.QuotaAccount{ID: "u1", TotalTokens: 1000, IsActive: true})
	ctx := context.Background()
	if err := s.RecordUsage(ctx, models.UsageSample{ID: "s1", UserID: "u1", Tokens: 1000, Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	err := a.Check(ctx, "u1")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestCheckRejections(t *testing.T) {
	expired := now.Add(-time.Hour)
	later := now.Add(time.Hour)
	a, _ := setup(t,
		models.QuotaAccount{ID: "off", TotalTokens: 10, IsActive: false},
		models.QuotaAccount{ID: "old", TotalTokens: 10, IsActive: true, PlanExpiresAt: &expired},
		models.QuotaAccount{ID: "ok", TotalTokens: 10, IsActive: true, PlanExpiresAt: &later},
	)
	ctx := context.Background()

	tests := []struct {
		user string
		want error
	}{
		{"off", ErrAccountInactive},
		{"old", ErrPlanExpired},
		{"missing", ErrUnknownAccount},
		{"", ErrUnknownAccount},
		{"ok", nil},
	}
	for _, tt := range tests {
		err := a.Check(ctx, tt.user)
		if tt.want == nil {
			if err != nil {
				t.Errorf("Check(%q) = %v, want nil", tt.user, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("Check(%q) = %v, want %v", tt.user, err, tt.want)
		}
	}
}

func TestExhaustionIndependentOfExpiry(t *testing.T) {
	later := now.Add(24 * time.Hour)
	a, s := setup(t, models.QuotaAccount{ID: "u1", TotalTokens: 100, IsActive: true, PlanExpiresAt: &later})
	ctx := context.Background()
	if err := s.RecordUsage(ctx, models.UsageSample{ID: "s1", UserID: "u1", Tokens: 120, Timestamp: now}); err != nil {
		t.Fatal(err)
	}

	if err := a.Check(ctx, "u1"); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded for a live plan, got %v", err)
	}
	st, err := a.Status(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsExhausted || st.PlanExpired || st.TokensRemaining != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestExhaustedWinsOverExpiredPlan(t *testing.T) {
	expired := now.Add(-time.Hour)
	a, s := setup(t, models.QuotaAccount{ID: "u1", TotalTokens: 100, IsActive: true, PlanExpiresAt: &expired})
	ctx := context.Background()
	if err := s.RecordUsage(ctx, models.UsageSample{ID: "s1", UserID: "u1", Tokens: 100, Timestamp: now}); err != nil {
		t.Fatal(err)
	}

	err := a.Check(ctx, "u1")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded, got %v", err)
	}
	if errors.Is(err, ErrPlanExpired) {
		t.Errorf("exhausted account reported as expired: %v", err)
	}
}

func TestStatusFullyUsed(t *testing.T) {
	a, s := setup(t, models.QuotaAccount{ID: "u1", TotalTokens: 1_000_000, IsActive: true})
	ctx := context.Background()
	if err := s.RecordUsage(ctx, models.UsageSample{ID: "s1", UserID: "u1", Tokens: 1_000_000, Timestamp: now}); err != nil {
		t.Fatal(err)
	}

	st, err := a.Status(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsExhausted {
		t.Error("expected exhausted")
	}
	if st.TokensRemaining != 0 {
		t.Errorf("remaining = %d, want 0", st.TokensRemaining)
	}
	if st.UsagePercent != 100 {
		t.Errorf("percent = %v, want 100", st.UsagePercent)
	}
	if st.Account.RequestsCount != 1 {
		t.Errorf("requests = %d, want 1", st.Account.RequestsCount)
	}
}

func TestStatusZeroBudget(t *testing.T) {
	a, _ := setup(t, models.QuotaAccount{ID: "u1", TotalTokens: 0, IsActive: true})
	st, err := a.Status(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if st.UsagePercent != 0 || !st.IsExhausted {
		t.Errorf("status = %+v", st)
	}
}

func TestList(t *testing.T) {
	a, _ := setup(t,
		models.QuotaAccount{ID: "b", TotalTokens: 10, IsActive: true},
		models.QuotaAccount{ID: "a", TotalTokens: 10, IsActive: true},
	)
	out, err := a.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Account.ID != "a" {
		t.Errorf("list = %+v", out)
	}
}

func TestAccountAdmin(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()

	acct, err := a.CreateAccount(ctx, models.QuotaAccount{ID: "u1", TotalTokens: 50, IsActive: true})
	if err != nil {
		t.Fatal(err)
	}
	if acct.Tier != models.TierDev || !acct.CreatedAt.Equal(now) {
		t.Errorf("account = %+v", acct)
	}
	if _, err := a.CreateAccount(ctx, models.QuotaAccount{ID: "u1"}); err == nil {
		t.Error("expected conflict on duplicate id")
	}
	if _, err := a.CreateAccount(ctx, models.QuotaAccount{}); err == nil {
		t.Error("expected error for empty id")
	}

	if err := a.SetActive(ctx, "u1", false); err != nil {
		t.Fatal(err)
	}
	if err := a.Check(ctx, "u1"); !errors.Is(err, ErrAccountInactive) {
		t.Errorf("expected ErrAccountInactive, got %v", err)
	}
	if err := a.SetActive(ctx, "u1", true); err != nil {
		t.Fatal(err)
	}
	if err := a.ResetUsage(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := a.ResetUsage(ctx, "missing"); err == nil {
		t.Error("expected error resetting a missing account")
	}
}
