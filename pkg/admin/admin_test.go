package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pario-ai/keypool/pkg/config"
	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/pool"
	"github.com/pario-ai/keypool/pkg/quota"
	"github.com/pario-ai/keypool/pkg/store/memory"
)

const secret = "admin-secret"

type staticEvents []models.PoolEvent

func (e staticEvents) Query(_ context.Context, opts models.EventQueryOpts) ([]models.PoolEvent, error) {
	var out []models.PoolEvent
	for _, ev := range e {
		if opts.Kind == "" || ev.Kind == opts.Kind {
			out = append(out, ev)
		}
	}
	return out, nil
}

func setup(t *testing.T) (http.Handler, *memory.Store) {
	t.Helper()
	s := memory.New()
	p := pool.New(s, config.Default(), nil)
	events := staticEvents{
		{ID: 1, Kind: models.EventPromoted, CredentialID: "b1"},
		{ID: 2, Kind: models.EventReset, CredentialID: "k1"},
	}
	return New(p, quota.New(s), events, secret), s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	h, _ := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong token: got %d", w.Code)
	}

	noSecret := New(pool.New(memory.New(), nil, nil), quota.New(memory.New()), nil, "")
	req = httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w = httptest.NewRecorder()
	noSecret.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured: got %d", w.Code)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	h, s := setup(t)

	w := do(t, h, http.MethodPost, "/admin/credentials", `{"id":"k1","secret":"sk-live-abcdef123456"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "sk-live-abcdef123456") {
		t.Fatal("secret leaked in response")
	}

	w = do(t, h, http.MethodPost, "/admin/credentials", `{"id":"k1","secret":"sk-other"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate: got %d", w.Code)
	}

	_ = s.MarkExhausted(context.Background(), "k1", "402")
	w = do(t, h, http.MethodPost, "/admin/credentials/k1/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reset: %d %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/admin/credentials/k1", "")
	var got struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != string(models.StatusHealthy) || !strings.HasSuffix(got.Secret, "3456") || strings.Contains(got.Secret, "live") {
		t.Errorf("credential = %+v", got)
	}

	w = do(t, h, http.MethodPost, "/admin/credentials/missing/reset", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("reset missing: got %d", w.Code)
	}

	w = do(t, h, http.MethodDelete, "/admin/credentials/k1", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete: got %d", w.Code)
	}
}

func TestBackupsAndPromotion(t *testing.T) {
	h, s := setup(t)
	ctx := context.Background()
	_ = s.CreateCredential(ctx, models.Credential{ID: "k1", Secret: "sk-k1"})

	w := do(t, h, http.MethodPost, "/admin/credentials/k1/promote", "")
	if w.Code != http.StatusConflict {
		t.Errorf("promote without stock: got %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPost, "/admin/backups", `{"id":"b1","secret":"sk-b1-secret"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create backup: %d %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodPost, "/admin/bindings", `{"proxy_id":"p","credential_id":"k1","priority":3}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("bind: %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPost, "/admin/credentials/k1/promote", "")
	if w.Code != http.StatusOK {
		t.Fatalf("promote: %d %s", w.Code, w.Body.String())
	}
	var p struct {
		BackupID string   `json:"backup_id"`
		Rebound  []string `json:"rebound"`
	}
	_ = json.NewDecoder(w.Body).Decode(&p)
	if p.BackupID != "b1" || len(p.Rebound) != 1 || p.Rebound[0] != "p" {
		t.Errorf("promotion = %+v", p)
	}

	w = do(t, h, http.MethodDelete, "/admin/backups/b1", "")
	if w.Code != http.StatusConflict {
		t.Errorf("delete unactivated backup: got %d", w.Code)
	}
	if w = do(t, h, http.MethodPost, "/admin/backups/b1/activate", ""); w.Code != http.StatusOK {
		t.Errorf("activate: got %d", w.Code)
	}
	if w = do(t, h, http.MethodPost, "/admin/backups/b1/release", ""); w.Code != http.StatusConflict {
		t.Errorf("release activated without force: got %d", w.Code)
	}
	if w = do(t, h, http.MethodPost, "/admin/backups/reconcile", ""); w.Code != http.StatusOK {
		t.Errorf("reconcile: got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/admin/stats", "")
	var st models.PoolStats
	_ = json.NewDecoder(w.Body).Decode(&st)
	if st.Total != 1 || st.Healthy != 1 || st.BackupsAvailable != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestBindings(t *testing.T) {
	h, s := setup(t)
	_ = s.CreateCredential(context.Background(), models.Credential{ID: "k1", Secret: "sk-k1"})

	if w := do(t, h, http.MethodPost, "/admin/bindings", `{"proxy_id":"p","credential_id":"k1","priority":42}`); w.Code != http.StatusConflict {
		t.Errorf("bad priority: got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/admin/bindings", `{"proxy_id":"p","credential_id":"k1"}`); w.Code != http.StatusCreated {
		t.Fatalf("bind: got %d", w.Code)
	}
	if w := do(t, h, http.MethodPut, "/admin/bindings/p/k1/active", `{"active":false}`); w.Code != http.StatusOK {
		t.Errorf("deactivate: got %d", w.Code)
	}
	w := do(t, h, http.MethodGet, "/admin/bindings?proxy_id=p", "")
	var bs []models.ProxyBinding
	_ = json.NewDecoder(w.Body).Decode(&bs)
	if len(bs) != 1 || bs[0].IsActive {
		t.Errorf("bindings = %+v", bs)
	}
	if w := do(t, h, http.MethodDelete, "/admin/bindings/p/k1", ""); w.Code != http.StatusNoContent {
		t.Errorf("unbind: got %d", w.Code)
	}
}

func TestQuotas(t *testing.T) {
	h, _ := setup(t)

	if w := do(t, h, http.MethodPost, "/admin/quotas", `{"id":"u1","total_tokens":1000,"is_active":true}`); w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodPost, "/admin/quotas", `{"total_tokens":1}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing id: got %d", w.Code)
	}
	w := do(t, h, http.MethodGet, "/admin/quotas/u1", "")
	var st models.QuotaStatus
	_ = json.NewDecoder(w.Body).Decode(&st)
	if st.TokensRemaining != 1000 || st.IsExhausted {
		t.Errorf("status = %+v", st)
	}
	if w := do(t, h, http.MethodGet, "/admin/quotas/nobody", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown: got %d", w.Code)
	}
	if w := do(t, h, http.MethodPut, "/admin/quotas/u1/active", `{"active":false}`); w.Code != http.StatusOK {
		t.Errorf("disable: got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/admin/quotas/u1/reset", ""); w.Code != http.StatusOK {
		t.Errorf("reset: got %d", w.Code)
	}
}

func TestMetricsAndEvents(t *testing.T) {
	h, _ := setup(t)

	if w := do(t, h, http.MethodGet, "/admin/metrics?period=3d", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad period: got %d", w.Code)
	}
	w := do(t, h, http.MethodGet, "/admin/metrics?period=24h", "")
	var m models.SystemMetrics
	_ = json.NewDecoder(w.Body).Decode(&m)
	if w.Code != http.StatusOK || m.Period != models.Period24h {
		t.Errorf("metrics: %d %+v", w.Code, m)
	}
	w = do(t, h, http.MethodGet, "/admin/metrics/dashboard", "")
	var dash []models.SystemMetrics
	_ = json.NewDecoder(w.Body).Decode(&dash)
	if len(dash) != len(models.Periods) {
		t.Errorf("dashboard has %d periods", len(dash))
	}
	w = do(t, h, http.MethodGet, "/admin/metrics/hourly?hours=6", "")
	var hourly []models.HourlyCount
	_ = json.NewDecoder(w.Body).Decode(&hourly)
	if len(hourly) != 6 {
		t.Errorf("hourly has %d buckets", len(hourly))
	}

	w = do(t, h, http.MethodGet, "/admin/events?kind=promoted", "")
	var evs []models.PoolEvent
	_ = json.NewDecoder(w.Body).Decode(&evs)
	if len(evs) != 1 || evs[0].CredentialID != "b1" {
		t.Errorf("events = %+v", evs)
	}
}
