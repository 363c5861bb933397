package router

import (
	"context"
	"testing"
	"time"

	"github.com/pario-ai/keypool/pkg/config"
	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/store/memory"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSelector(t *testing.T, creds []models.Credential, bindings []models.ProxyBinding) *Selector {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	for _, c := range creds {
		if c.Secret == "" {
			c.Secret = "s-" + c.ID
		}
		if err := s.CreateCredential(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	for _, b := range bindings {
		if err := s.CreateBinding(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	sel := New(s, nil)
	sel.SetClock(func() time.Time { return now })
	return sel
}

func ids(cs []models.Credential) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestGlobalPoolLeastUsedFirst(t *testing.T) {
	sel := newSelector(t, []models.Credential{
		{ID: "B", TokensUsed: 500},
		{ID: "A", TokensUsed: 0},
	}, nil)
	got, err := sel.Candidates(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if !equal(ids(got), []string{"A", "B"}) {
		t.Errorf("candidates = %v, want [A B]", ids(got))
	}
}

func TestGlobalPoolSkipsCoolingDown(t *testing.T) {
	until := now.Add(60 * time.Second)
	sel := newSelector(t, []models.Credential{
		{ID: "A", Status: models.StatusRateLimited, CooldownUntil: &until},
		{ID: "B", TokensUsed: 900},
	}, nil)
	got, err := sel.Candidates(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if !equal(ids(got), []string{"B"}) {
		t.Errorf("candidates = %v, want [B]", ids(got))
	}
}

func TestGlobalPoolLazyRecovery(t *testing.T) {
	past := now.Add(-time.Second)
	sel := newSelector(t, []models.Credential{
		{ID: "A", Status: models.StatusError, CooldownUntil: &past},
		{ID: "B", Status: models.StatusExhausted},
	}, nil)
	got, _ := sel.Candidates(context.Background(), "")
	if !equal(ids(got), []string{"A"}) {
		t.Errorf("candidates = %v, want [A]", ids(got))
	}
}

func TestProxyPriorityOrder(t *testing.T) {
	sel := newSelector(t,
		[]models.Credential{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		[]models.ProxyBinding{
			{ProxyID: "p1", CredentialID: "c", Priority: 2, IsActive: true},
			{ProxyID: "p1", CredentialID: "a", Priority: 5, IsActive: true},
			{ProxyID: "p1", CredentialID: "b", Priority: 2, IsActive: true},
			{ProxyID: "p1", CredentialID: "d", Priority: 1, IsActive: false},
			{ProxyID: "p2", CredentialID: "d", Priority: 1, IsActive: true},
		})
	got, err := sel.Candidates(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !equal(ids(got), []string{"b", "c", "a"}) {
		t.Errorf("candidates = %v, want [b c a]", ids(got))
	}
}

func TestProxyFiltersUnselectable(t *testing.T) {
	until := now.Add(time.Minute)
	sel := newSelector(t,
		[]models.Credential{
			{ID: "a", Status: models.StatusExhausted},
			{ID: "b", Status: models.StatusRateLimited, CooldownUntil: &until},
			{ID: "c"},
		},
		[]models.ProxyBinding{
			{ProxyID: "p1", CredentialID: "a", Priority: 1, IsActive: true},
			{ProxyID: "p1", CredentialID: "b", Priority: 2, IsActive: true},
			{ProxyID: "p1", CredentialID: "c", Priority: 3, IsActive: true},
		})
	got, _ := sel.Candidates(context.Background(), "p1")
	if !equal(ids(got), []string{"c"}) {
		t.Errorf("candidates = %v, want [c]", ids(got))
	}
}

func TestProxyAllExhaustedIsEmpty(t *testing.T) {
	sel := newSelector(t,
		[]models.Credential{
			{ID: "a", Status: models.StatusExhausted},
			{ID: "b", Status: models.StatusExhausted},
		},
		[]models.ProxyBinding{
			{ProxyID: "p1", CredentialID: "a", Priority: 1, IsActive: true},
			{ProxyID: "p1", CredentialID: "b", Priority: 1, IsActive: true},
		})
	got, err := sel.Candidates(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates, got %v", ids(got))
	}
	got, _ = sel.Candidates(context.Background(), "unknown-proxy")
	if len(got) != 0 {
		t.Errorf("unknown proxy should have no candidates, got %v", ids(got))
	}
}

func TestProxyFor(t *testing.T) {
	sel := New(memory.New(), &config.RouterConfig{
		DefaultProxy: "main",
		Routes: []config.RouteConfig{
			{Model: "claude-*", ProxyID: "anthropic"},
			{Model: "gpt-5", ProxyID: "openai"},
		},
	})
	tests := []struct{ model, want string }{
		{"claude-sonnet-4-5", "anthropic"},
		{"gpt-5", "openai"},
		{"gpt-5-mini", "main"},
		{"", "main"},
	}
	for _, tt := range tests {
		if got := sel.ProxyFor(tt.model); got != tt.want {
			t.Errorf("ProxyFor(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}

	if got := New(memory.New(), nil).ProxyFor("anything"); got != "" {
		t.Errorf("no routes should select the global pool, got %q", got)
	}
}
