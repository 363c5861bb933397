package pool

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/keypool/pkg/config"
	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/quota"
	"github.com/pario-ai/keypool/pkg/rotation"
	"github.com/pario-ai/keypool/pkg/store"
	"github.com/pario-ai/keypool/pkg/store/memory"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []models.PoolEvent
}

func (r *recorder) Record(_ context.Context, ev models.PoolEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) has(kind models.EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func setup(t *testing.T, creds ...string) (*Coordinator, *memory.Store, *recorder) {
	t.Helper()
	s := memory.New()
	ctx := context.Background()
	for _, id := range creds {
		if err := s.CreateCredential(ctx, models.Credential{ID: id, Secret: "sk-" + id, Status: models.StatusHealthy, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	rec := &recorder{}
	cfg := config.Default()
	cfg.Upstream.MaxAttempts = 0
	c := New(s, cfg, rec)
	c.SetClock(func() time.Time { return now })
	return c, s, rec
}

func bind(t *testing.T, c *Coordinator, proxy, cred string, prio int) {
	t.Helper()
	if _, err := c.BindCredential(context.Background(), proxy, cred, prio); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireEmptyPool(t *testing.T) {
	c, _, _ := setup(t)
	_, err := c.Acquire(context.Background(), "")
	if !errors.Is(err, ErrPoolDepleted) {
		t.Fatalf("expected ErrPoolDepleted, got %v", err)
	}
	if HTTPStatus(err) != http.StatusServiceUnavailable {
		t.Errorf("status = %d", HTTPStatus(err))
	}
}

func TestAcquireByPriority(t *testing.T) {
	c, _, _ := setup(t, "k1", "k2")
	bind(t, c, "p", "k1", 2)
	bind(t, c, "p", "k2", 1)

	h, err := c.Acquire(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if h.CredentialID != "k2" || h.Secret != "sk-k2" || h.ProxyID != "p" || !h.AcquiredAt.Equal(now) {
		t.Errorf("handle = %+v", h)
	}
}

func TestRateLimitedSkipped(t *testing.T) {
	c, s, rec := setup(t, "k1", "k2")
	bind(t, c, "p", "k1", 1)
	bind(t, c, "p", "k2", 2)
	ctx := context.Background()

	h, _ := c.Acquire(ctx, "p")
	err := c.ReportOutcome(ctx, h, models.Outcome{ErrorKind: models.ErrorRateLimited, RetryAfterSeconds: 30, StatusCode: 429})
	if err != nil {
		t.Fatal(err)
	}
	cred, _ := s.GetCredential(ctx, "k1")
	if cred.Status != models.StatusRateLimited || cred.CooldownUntil == nil || !cred.CooldownUntil.Equal(now.Add(30*time.Second)) {
		t.Errorf("k1 = %+v", cred)
	}
	if !rec.has(models.EventRateLimited) {
		t.Error("expected rate_limited event")
	}

	h, _ = c.Acquire(ctx, "p")
	if h.CredentialID != "k2" {
		t.Errorf("expected failover to k2, got %s", h.CredentialID)
	}
}

func TestSuccessRecordsUsage(t *testing.T) {
	c, s, _ := setup(t, "k1")
	ctx := context.Background()
	if err := s.CreateQuotaAccount(ctx, models.QuotaAccount{ID: "u1", TotalTokens: 1000, IsActive: true}); err != nil {
		t.Fatal(err)
	}
	h, _ := c.Acquire(ctx, "")
	h.UserID = "u1"
	if err := c.ReportOutcome(ctx, h, models.Outcome{Success: true, Tokens: 42, LatencyMs: 120, StatusCode: 200}); err != nil {
		t.Fatal(err)
	}
	cred, _ := s.GetCredential(ctx, "k1")
	if cred.TokensUsed != 42 || cred.RequestsCount != 1 {
		t.Errorf("credential counters = %d/%d", cred.TokensUsed, cred.RequestsCount)
	}
	acct, _ := s.GetQuotaAccount(ctx, "u1")
	if acct.TokensUsed != 42 {
		t.Errorf("account used = %d", acct.TokensUsed)
	}
	m, err := c.Metrics(ctx, models.Period1h, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalRequests != 1 || m.AvgLatencyMs != 120 || m.SuccessRate != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestSuccessRecoversCooledCredential(t *testing.T) {
	c, s, rec := setup(t, "k1")
	ctx := context.Background()
	_ = s.MarkError(ctx, "k1", now.Add(-time.Second), "boom")

	h, err := c.Acquire(ctx, "")
	if err != nil {
		t.Fatalf("cooled-down credential should be selectable: %v", err)
	}
	_ = c.ReportOutcome(ctx, h, models.Outcome{Success: true, StatusCode: 200})
	cred, _ := s.GetCredential(ctx, "k1")
	if cred.Status != models.StatusHealthy || cred.LastError != "" {
		t.Errorf("k1 = %+v", cred)
	}
	if !rec.has(models.EventRecovered) {
		t.Error("expected recovered event")
	}
}

func TestExhaustedPromotesBackup(t *testing.T) {
	c, s, rec := setup(t, "k1", "k2")
	bind(t, c, "p", "k1", 1)
	bind(t, c, "p", "k2", 2)
	ctx := context.Background()
	if _, err := c.CreateBackup(ctx, "b1", "sk-b1"); err != nil {
		t.Fatal(err)
	}

	h, _ := c.Acquire(ctx, "p")
	if err := c.ReportOutcome(ctx, h, models.Outcome{ErrorKind: models.ErrorExhausted, StatusCode: 402, Reason: "payment_required"}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetCredential(ctx, "k1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("retired credential should be gone, got %v", err)
	}
	nc, err := s.GetCredential(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if nc.Status != models.StatusHealthy || nc.Secret != "sk-b1" || nc.TokensUsed != 0 {
		t.Errorf("promoted = %+v", nc)
	}
	h, _ = c.Acquire(ctx, "p")
	if h.CredentialID != "b1" {
		t.Errorf("replacement should inherit priority 1, got %s", h.CredentialID)
	}
	if !rec.has(models.EventExhausted) || !rec.has(models.EventPromoted) {
		t.Errorf("events = %+v", rec.events)
	}
	st, _ := c.Stats(ctx)
	if st.BackupsAvailable != 0 || st.Total != 2 || st.Healthy != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestExhaustedWithoutBackup(t *testing.T) {
	c, s, rec := setup(t, "k1")
	ctx := context.Background()
	h, _ := c.Acquire(ctx, "")

	err := c.ReportOutcome(ctx, h, models.Outcome{ErrorKind: models.ErrorExhausted, StatusCode: 401})
	if !errors.Is(err, rotation.ErrPoolDepletion) {
		t.Fatalf("expected ErrPoolDepletion, got %v", err)
	}
	cred, _ := s.GetCredential(ctx, "k1")
	if cred.Status != models.StatusExhausted {
		t.Errorf("k1 status = %s", cred.Status)
	}
	if !rec.has(models.EventPoolDepletion) {
		t.Error("expected pool_depletion event")
	}
	if _, err := c.Acquire(ctx, ""); !errors.Is(err, ErrPoolDepleted) {
		t.Errorf("expected ErrPoolDepleted, got %v", err)
	}
}

func TestConcurrentExhaustionConsumesOneBackup(t *testing.T) {
	c, s, _ := setup(t, "k1")
	ctx := context.Background()
	for _, id := range []string{"b1", "b2", "b3"} {
		if _, err := c.CreateBackup(ctx, id, "sk-"+id); err != nil {
			t.Fatal(err)
		}
	}
	h, _ := c.Acquire(ctx, "")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.ReportOutcome(ctx, h, models.Outcome{ErrorKind: models.ErrorExhausted}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	n, _ := s.CountAvailableBackups(ctx)
	if n != 2 {
		t.Errorf("available backups = %d, want 2", n)
	}
}

func TestDoFailsOver(t *testing.T) {
	c, s, _ := setup(t, "k1", "k2")
	bind(t, c, "p", "k1", 1)
	bind(t, c, "p", "k2", 2)
	ctx := context.Background()

	var tried []string
	err := c.Do(ctx, "p", "u1", func(_ context.Context, h Handle) (models.Outcome, error) {
		tried = append(tried, h.CredentialID)
		if h.UserID != "u1" {
			t.Errorf("user = %q", h.UserID)
		}
		if h.CredentialID == "k1" {
			return models.Outcome{ErrorKind: models.ErrorRateLimited, StatusCode: 429}, nil
		}
		return models.Outcome{Success: true, Tokens: 7, StatusCode: 200}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tried) != 2 || tried[0] != "k1" || tried[1] != "k2" {
		t.Errorf("tried = %v", tried)
	}
	k1, _ := s.GetCredential(ctx, "k1")
	k2, _ := s.GetCredential(ctx, "k2")
	if k1.Status != models.StatusRateLimited || k2.TokensUsed != 7 {
		t.Errorf("k1 = %s, k2 tokens = %d", k1.Status, k2.TokensUsed)
	}
}

func TestDoAllFail(t *testing.T) {
	c, _, _ := setup(t, "k1", "k2")
	boom := errors.New("connection reset")
	calls := 0
	err := c.Do(context.Background(), "", "", func(context.Context, Handle) (models.Outcome, error) {
		calls++
		return models.Outcome{}, boom
	})
	if !errors.Is(err, ErrPoolDepleted) || !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d", calls)
	}
}

func TestDoStopsOnClientError(t *testing.T) {
	c, s, _ := setup(t, "k1", "k2")
	calls := 0
	err := c.Do(context.Background(), "", "", func(context.Context, Handle) (models.Outcome, error) {
		calls++
		return models.Outcome{StatusCode: 400, ErrorKind: Classify(400, []byte(`{"error":"bad model"}`))}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("client error should not fail over, calls = %d", calls)
	}
	k1, _ := s.GetCredential(context.Background(), "k1")
	if k1.Status != models.StatusHealthy || k1.RequestsCount != 1 {
		t.Errorf("k1 = %+v", k1)
	}
}

func TestDoMaxAttempts(t *testing.T) {
	c, _, _ := setup(t, "k1", "k2", "k3")
	c.maxAttempts = 2
	calls := 0
	err := c.Do(context.Background(), "", "", func(context.Context, Handle) (models.Outcome, error) {
		calls++
		return models.Outcome{ErrorKind: models.ErrorUpstream, StatusCode: 502}, nil
	})
	if !errors.Is(err, ErrPoolDepleted) || calls != 2 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestDoCanceled(t *testing.T) {
	c, s, _ := setup(t, "k1", "k2")
	ctx, cancel := context.WithCancel(context.Background())
	err := c.Do(ctx, "", "", func(context.Context, Handle) (models.Outcome, error) {
		cancel()
		return models.Outcome{}, context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	k1, _ := s.GetCredential(context.Background(), "k1")
	if k1.Status != models.StatusHealthy {
		t.Errorf("abandoned call should not penalize k1, status = %s", k1.Status)
	}
}

func TestDoCanceledStillBills(t *testing.T) {
	c, s, _ := setup(t, "k1")
	if err := s.CreateQuotaAccount(context.Background(), models.QuotaAccount{ID: "u1", TotalTokens: 1000, IsActive: true}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	err := c.Do(ctx, "", "u1", func(context.Context, Handle) (models.Outcome, error) {
		cancel()
		return models.Outcome{Success: true, Tokens: 500, StatusCode: 200}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	k1, err := s.GetCredential(context.Background(), "k1")
	if err != nil {
		t.Fatal(err)
	}
	if k1.TokensUsed != 500 || k1.RequestsCount != 1 {
		t.Errorf("credential counters = %d/%d, want 500/1", k1.TokensUsed, k1.RequestsCount)
	}
	acct, err := s.GetQuotaAccount(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.TokensUsed != 500 {
		t.Errorf("account used = %d, want 500", acct.TokensUsed)
	}
}

func TestStats(t *testing.T) {
	c, s, _ := setup(t, "a", "b", "c", "d", "e")
	ctx := context.Background()
	_ = s.MarkRateLimited(ctx, "b", now.Add(time.Minute), "429")
	_ = s.MarkRateLimited(ctx, "c", now.Add(-time.Minute), "429") // cooled down
	_ = s.MarkExhausted(ctx, "d", "402")
	_ = s.MarkError(ctx, "e", now.Add(time.Minute), "500")
	_, _ = c.CreateBackup(ctx, "b1", "sk-b1")

	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := models.PoolStats{Total: 5, Healthy: 2, Unhealthy: 3, RateLimited: 1, Exhausted: 1, Errored: 1, BackupsAvailable: 1}
	if st != want {
		t.Errorf("stats = %+v, want %+v", st, want)
	}
}

func TestAdminPreconditions(t *testing.T) {
	c, _, _ := setup(t, "k1")
	ctx := context.Background()

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"reset missing", c.ResetCredential(ctx, "nope"), http.StatusNotFound},
		{"delete missing", c.DeleteCredential(ctx, "nope"), http.StatusNotFound},
		{"bind missing credential", func() error { _, err := c.BindCredential(ctx, "p", "nope", 1); return err }(), http.StatusNotFound},
		{"bind bad priority", func() error { _, err := c.BindCredential(ctx, "p", "k1", 11); return err }(), http.StatusConflict},
		{"duplicate credential", func() error { _, err := c.CreateCredential(ctx, "k1", "sk"); return err }(), http.StatusConflict},
		{"empty secret", func() error { _, err := c.CreateCredential(ctx, "", " "); return err }(), http.StatusConflict},
		{"promote without stock", func() error { _, err := c.PromoteBackup(ctx, "k1"); return err }(), http.StatusConflict},
		{"activate unused", func() error {
			_, _ = c.CreateBackup(ctx, "b9", "sk-b9")
			return c.ActivateBackup(ctx, "b9")
		}(), http.StatusConflict},
	}
	for _, tt := range tests {
		var pe *AdminPreconditionError
		if !errors.As(tt.err, &pe) {
			t.Errorf("%s: expected AdminPreconditionError, got %v", tt.name, tt.err)
			continue
		}
		if got := HTTPStatus(tt.err); got != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.name, got, tt.status)
		}
	}
}

func TestAdminLifecycle(t *testing.T) {
	c, s, rec := setup(t)
	ctx := context.Background()

	cred, err := c.CreateCredential(ctx, "", "sk-generated")
	if err != nil {
		t.Fatal(err)
	}
	if cred.ID == "" {
		t.Fatal("expected generated id")
	}
	bind(t, c, "p", cred.ID, 0)
	bs, _ := c.Bindings(ctx, "p")
	if len(bs) != 1 || bs[0].Priority != models.MinPriority {
		t.Errorf("bindings = %+v", bs)
	}

	_ = s.MarkExhausted(ctx, cred.ID, "402")
	if err := c.ResetCredential(ctx, cred.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := c.Credential(ctx, cred.ID)
	if got.Status != models.StatusHealthy {
		t.Errorf("status after reset = %s", got.Status)
	}
	if !rec.has(models.EventReset) {
		t.Error("expected reset event")
	}

	if err := c.UnbindCredential(ctx, "p", cred.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteCredential(ctx, cred.ID); err != nil {
		t.Fatal(err)
	}
	if creds, _ := c.Credentials(ctx); len(creds) != 0 {
		t.Errorf("credentials = %+v", creds)
	}
}

func TestHTTPStatusQuota(t *testing.T) {
	if got := HTTPStatus(quota.ErrQuotaExceeded); got != http.StatusTooManyRequests {
		t.Errorf("quota exceeded = %d", got)
	}
	if got := HTTPStatus(errors.New("x")); got != http.StatusInternalServerError {
		t.Errorf("unknown = %d", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		body string
		want models.ErrorKind
	}{
		{200, "", models.ErrorNone},
		{429, `{"error":"slow down"}`, models.ErrorRateLimited},
		{429, `{"error":{"code":"insufficient_quota"}}`, models.ErrorExhausted},
		{529, "", models.ErrorRateLimited},
		{401, "", models.ErrorExhausted},
		{402, "", models.ErrorExhausted},
		{403, "", models.ErrorExhausted},
		{400, `{"error":"ExceededBudget"}`, models.ErrorExhausted},
		{400, `{"error":"bad request"}`, models.ErrorNone},
		{404, "", models.ErrorNone},
		{500, "", models.ErrorUpstream},
		{503, "", models.ErrorUpstream},
	}
	for _, tt := range tests {
		if got := Classify(tt.code, []byte(tt.body)); got != tt.want {
			t.Errorf("Classify(%d, %q) = %q, want %q", tt.code, tt.body, got, tt.want)
		}
	}
}
