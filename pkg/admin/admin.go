// Package admin serves the operator API under /admin.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/pario-ai/keypool/pkg/logger"
	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/pool"
	"github.com/pario-ai/keypool/pkg/quota"
	"github.com/pario-ai/keypool/pkg/secrets"
)

// EventSource queries the pool event log.
type EventSource interface {
	Query(ctx context.Context, opts models.EventQueryOpts) ([]models.PoolEvent, error)
}

// API holds the admin handlers.
type API struct {
	pool      *pool.Coordinator
	admission *quota.Admission
	events    EventSource
	secret    string
}

// New returns the admin router. events may be nil when the event log is
// disabled.
func New(p *pool.Coordinator, a *quota.Admission, events EventSource, secret string) http.Handler {
	api := &API{pool: p, admission: a, events: events, secret: secret}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Route("/admin", func(r chi.Router) {
		r.Use(api.auth)

		r.Get("/stats", api.stats)
		r.Get("/metrics", api.metrics)
		r.Get("/metrics/dashboard", api.dashboard)
		r.Get("/metrics/hourly", api.hourly)

		r.Get("/credentials", api.listCredentials)
		r.Post("/credentials", api.createCredential)
		r.Get("/credentials/{id}", api.getCredential)
		r.Delete("/credentials/{id}", api.deleteCredential)
		r.Post("/credentials/{id}/reset", api.resetCredential)
		r.Post("/credentials/{id}/promote", api.promote)

		r.Get("/backups", api.listBackups)
		r.Post("/backups", api.createBackup)
		r.Post("/backups/reconcile", api.reconcile)
		r.Delete("/backups/{id}", api.deleteBackup)
		r.Post("/backups/{id}/activate", api.activateBackup)
		r.Post("/backups/{id}/release", api.releaseBackup)

		r.Get("/bindings", api.listBindings)
		r.Post("/bindings", api.createBinding)
		r.Delete("/bindings/{proxy}/{credential}", api.deleteBinding)
		r.Put("/bindings/{proxy}/{credential}/active", api.setBindingActive)

		r.Get("/quotas", api.listQuotas)
		r.Post("/quotas", api.createQuota)
		r.Get("/quotas/{id}", api.getQuota)
		r.Put("/quotas/{id}/active", api.setQuotaActive)
		r.Post("/quotas/{id}/reset", api.resetQuota)

		r.Get("/events", api.listEvents)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// fail maps err to a status. Internal errors are logged and not echoed.
func fail(w http.ResponseWriter, err error) {
	code := pool.HTTPStatus(err)
	if code == http.StatusInternalServerError {
		logger.Error("admin request failed", "error", err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (a *API) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.secret == "" {
			writeError(w, http.StatusServiceUnavailable, "admin secret not configured")
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) != 1 {
			writeError(w, http.StatusForbidden, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type credentialView struct {
	models.Credential
	Secret string `json:"secret"`
}

func viewCredential(c models.Credential) credentialView {
	return credentialView{Credential: c, Secret: secrets.Mask(c.Secret)}
}

type backupView struct {
	models.BackupCredential
	Secret string `json:"secret"`
}

func viewBackup(b models.BackupCredential) backupView {
	return backupView{BackupCredential: b, Secret: secrets.Mask(b.Secret)}
}

type secretRequest struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.pool.Stats(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) metrics(w http.ResponseWriter, r *http.Request) {
	period, err := models.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.pool.Metrics(r.Context(), period, r.URL.Query().Get("credential_id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) dashboard(w http.ResponseWriter, r *http.Request) {
	out, err := a.pool.Dashboard(r.Context(), r.URL.Query().Get("credential_id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) hourly(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 24*30 {
			writeError(w, http.StatusBadRequest, "hours must be between 1 and 720")
			return
		}
		hours = n
	}
	out, err := a.pool.Tracker().Hourly(r.Context(), hours, r.URL.Query().Get("credential_id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) listCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := a.pool.Credentials(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]credentialView, len(creds))
	for i, c := range creds {
		out[i] = viewCredential(c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createCredential(w http.ResponseWriter, r *http.Request) {
	var body secretRequest
	if !decode(w, r, &body) {
		return
	}
	c, err := a.pool.CreateCredential(r.Context(), body.ID, body.Secret)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewCredential(c))
}

func (a *API) getCredential(w http.ResponseWriter, r *http.Request) {
	c, err := a.pool.Credential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewCredential(c))
}

func (a *API) deleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := a.pool.DeleteCredential(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) resetCredential(w http.ResponseWriter, r *http.Request) {
	if err := a.pool.ResetCredential(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (a *API) promote(w http.ResponseWriter, r *http.Request) {
	p, err := a.pool.PromoteBackup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credential": viewCredential(p.Credential),
		"backup_id":  p.Backup.ID,
		"existing":   p.Existing,
		"rebound":    p.Rebound,
	})
}

func (a *API) listBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := a.pool.Backups(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	out := make([]backupView, len(backups))
	for i, b := range backups {
		out[i] = viewBackup(b)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createBackup(w http.ResponseWriter, r *http.Request) {
	var body secretRequest
	if !decode(w, r, &body) {
		return
	}
	b, err := a.pool.CreateBackup(r.Context(), body.ID, body.Secret)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewBackup(b))
}

func (a *API) reconcile(w http.ResponseWriter, r *http.Request) {
	n, err := a.pool.Reconcile(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"restored": n})
}

func (a *API) deleteBackup(w http.ResponseWriter, r *http.Request) {
	if err := a.pool.DeleteBackup(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) activateBackup(w http.ResponseWriter, r *http.Request) {
	if err := a.pool.ActivateBackup(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func (a *API) releaseBackup(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := a.pool.ReleaseBackup(r.Context(), chi.URLParam(r, "id"), force); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (a *API) listBindings(w http.ResponseWriter, r *http.Request) {
	out, err := a.pool.Bindings(r.Context(), r.URL.Query().Get("proxy_id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createBinding(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProxyID      string `json:"proxy_id"`
		CredentialID string `json:"credential_id"`
		Priority     int    `json:"priority"`
	}
	if !decode(w, r, &body) {
		return
	}
	b, err := a.pool.BindCredential(r.Context(), body.ProxyID, body.CredentialID, body.Priority)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) deleteBinding(w http.ResponseWriter, r *http.Request) {
	if err := a.pool.UnbindCredential(r.Context(), chi.URLParam(r, "proxy"), chi.URLParam(r, "credential")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activeRequest struct {
	Active bool `json:"active"`
}

func (a *API) setBindingActive(w http.ResponseWriter, r *http.Request) {
	var body activeRequest
	if !decode(w, r, &body) {
		return
	}
	if err := a.pool.SetBindingActive(r.Context(), chi.URLParam(r, "proxy"), chi.URLParam(r, "credential"), body.Active); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) listQuotas(w http.ResponseWriter, r *http.Request) {
	out, err := a.admission.List(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createQuota(w http.ResponseWriter, r *http.Request) {
	var body models.QuotaAccount
	if !decode(w, r, &body) {
		return
	}
	acct, err := a.admission.CreateAccount(r.Context(), body)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (a *API) getQuota(w http.ResponseWriter, r *http.Request) {
	st, err := a.admission.Status(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, quota.ErrUnknownAccount) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) setQuotaActive(w http.ResponseWriter, r *http.Request) {
	var body activeRequest
	if !decode(w, r, &body) {
		return
	}
	if err := a.admission.SetActive(r.Context(), chi.URLParam(r, "id"), body.Active); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) resetQuota(w http.ResponseWriter, r *http.Request) {
	if err := a.admission.ResetUsage(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, http.StatusNotFound, "event log disabled")
		return
	}
	q := r.URL.Query()
	opts := models.EventQueryOpts{
		Kind:         models.EventKind(q.Get("kind")),
		CredentialID: q.Get("credential_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a duration such as 24h")
			return
		}
		opts.Since = time.Now().Add(-d)
	}
	out, err := a.events.Query(r.Context(), opts)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
