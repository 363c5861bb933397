// Package pool coordinates credential selection, outcome reporting and
// backup rotation. It is the single entry point request handlers use.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pario-ai/keypool/pkg/audit"
	"github.com/pario-ai/keypool/pkg/config"
	"github.com/pario-ai/keypool/pkg/health"
	"github.com/pario-ai/keypool/pkg/logger"
	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/rotation"
	"github.com/pario-ai/keypool/pkg/router"
	"github.com/pario-ai/keypool/pkg/store"
	"github.com/pario-ai/keypool/pkg/tracker"
)

// Handle is a credential checked out for one upstream call.
type Handle struct {
	CredentialID string
	Secret       string
	ProxyID      string
	UserID       string
	AcquiredAt   time.Time
}

// LogValue keeps the secret out of structured logs.
func (h Handle) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("credential_id", h.CredentialID),
		slog.String("proxy_id", h.ProxyID),
		slog.String("user_id", h.UserID),
	)
}

// CallFunc performs one upstream call with h. It returns what it observed;
// a non-nil error means the call did not complete.
type CallFunc func(ctx context.Context, h Handle) (models.Outcome, error)

// Coordinator ties the store, health machine, selector, rotation manager and
// usage tracker together.
type Coordinator struct {
	store       store.Store
	health      *health.Machine
	rotation    *rotation.Manager
	selector    *router.Selector
	tracker     *tracker.Tracker
	events      audit.Recorder
	maxAttempts int
	now         func() time.Time
}

// New creates a Coordinator over s. cfg may be nil for defaults; a nil
// recorder drops events.
func New(s store.Store, cfg *config.Config, events audit.Recorder) *Coordinator {
	if cfg == nil {
		cfg = config.Default()
	}
	if events == nil {
		events = audit.Discard
	}
	return &Coordinator{
		store:       s,
		health:      health.New(s, cfg.Health.RateLimitBackoff, cfg.Health.ErrorBackoff),
		rotation:    rotation.New(s, events),
		selector:    router.New(s, &cfg.Router),
		tracker:     tracker.New(s, cfg.Metrics.CacheTTL),
		events:      events,
		maxAttempts: cfg.Upstream.MaxAttempts,
		now:         time.Now,
	}
}

// SetClock replaces the time source of every component. Used by tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
	c.health.SetClock(now)
	c.rotation.SetClock(now)
	c.selector.SetClock(now)
	c.tracker.SetClock(now)
}

// Selector returns the credential selector.
func (c *Coordinator) Selector() *router.Selector { return c.selector }

// Tracker returns the usage tracker.
func (c *Coordinator) Tracker() *tracker.Tracker { return c.tracker }

// Store returns the backing store.
func (c *Coordinator) Store() store.Store { return c.store }

func (c *Coordinator) record(ctx context.Context, kind models.EventKind, credentialID, detail string) {
	if err := c.events.Record(ctx, models.PoolEvent{Kind: kind, CredentialID: credentialID, Detail: detail}); err != nil {
		logger.Warn("record pool event failed", "kind", kind, "error", err)
	}
}

// Candidates returns every credential that may serve proxyID right now, in
// the order they should be tried.
func (c *Coordinator) Candidates(ctx context.Context, proxyID string) ([]models.Credential, error) {
	return c.selector.Candidates(ctx, proxyID)
}

// Acquire returns the first candidate for proxyID.
func (c *Coordinator) Acquire(ctx context.Context, proxyID string) (Handle, error) {
	cands, err := c.Candidates(ctx, proxyID)
	if err != nil {
		return Handle{}, err
	}
	if len(cands) == 0 {
		logger.Warn("no selectable credential", "proxy_id", proxyID)
		return Handle{}, fmt.Errorf("acquire %q: %w", proxyID, ErrPoolDepleted)
	}
	return c.handle(cands[0], proxyID, ""), nil
}

func (c *Coordinator) handle(cred models.Credential, proxyID, userID string) Handle {
	return Handle{
		CredentialID: cred.ID,
		Secret:       cred.Secret,
		ProxyID:      proxyID,
		UserID:       userID,
		AcquiredAt:   c.now(),
	}
}

// Do runs fn with candidates for proxyID in order until one call is not a
// credential failure. Each outcome is reported before moving on. A call
// abandoned by ctx only has its usage recorded. When every
// attempt fails, the returned error wraps ErrPoolDepleted and the last
// failure.
func (c *Coordinator) Do(ctx context.Context, proxyID, userID string, fn CallFunc) error {
	cands, err := c.Candidates(ctx, proxyID)
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		logger.Warn("no selectable credential", "proxy_id", proxyID, "user_id", userID)
		return fmt.Errorf("proxy %q: %w", proxyID, ErrPoolDepleted)
	}

	var lastErr error
	for i, cred := range cands {
		if c.maxAttempts > 0 && i >= c.maxAttempts {
			break
		}
		h := c.handle(cred, proxyID, userID)
		out, callErr := fn(ctx, h)
		if ctx.Err() != nil {
			// Abandoned by the caller; says nothing about the credential,
			// but tokens already spent are still billed.
			if out.Success || out.Tokens > 0 {
				if err := c.recordUsage(context.WithoutCancel(ctx), h, out); err != nil {
					logger.Error("record usage failed", "handle", h, "error", err)
				}
			}
			return ctx.Err()
		}
		if callErr != nil && out.ErrorKind == models.ErrorNone {
			out.ErrorKind = models.ErrorUpstream
			if out.Reason == "" {
				out.Reason = callErr.Error()
			}
		}
		if err := c.ReportOutcome(ctx, h, out); err != nil {
			logger.Error("report outcome failed", "handle", h, "error", err)
		}
		if !Retryable(out.ErrorKind) {
			return callErr
		}

		lastErr = callErr
		if lastErr == nil {
			lastErr = fmt.Errorf("credential %s: %s", cred.ID, out.ErrorKind)
		}
		logger.Debug("failing over", "handle", h, "kind", out.ErrorKind, "attempt", i+1)
	}
	return fmt.Errorf("proxy %q: %w: %w", proxyID, ErrPoolDepleted, lastErr)
}

// ReportOutcome applies what the caller observed to the credential's health
// and records its usage. An exhausted credential is replaced from the backup
// stock; a failed replacement is returned, never dropped.
func (c *Coordinator) ReportOutcome(ctx context.Context, h Handle, out models.Outcome) error {
	var errs []error
	id := h.CredentialID

	switch out.ErrorKind {
	case models.ErrorNone:
		if out.Success {
			recovered, err := c.health.ReportSuccess(ctx, id)
			errs = append(errs, ignoreMissing(err))
			if recovered {
				c.record(ctx, models.EventRecovered, id, "")
			}
		}
	case models.ErrorRateLimited:
		retry := time.Duration(out.RetryAfterSeconds) * time.Second
		if err := ignoreMissing(c.health.ReportRateLimited(ctx, id, retry)); err != nil {
			errs = append(errs, err)
		} else {
			c.record(ctx, models.EventRateLimited, id, out.Reason)
		}
	case models.ErrorTimeout, models.ErrorUpstream:
		if err := ignoreMissing(c.health.ReportError(ctx, id, reasonOr(out, string(out.ErrorKind)))); err != nil {
			errs = append(errs, err)
		} else {
			c.record(ctx, models.EventError, id, out.Reason)
		}
	case models.ErrorExhausted:
		errs = append(errs, c.retire(ctx, id, reasonOr(out, "exhausted")))
	default:
		errs = append(errs, fmt.Errorf("unknown error kind %q", out.ErrorKind))
	}

	if out.Success || out.Tokens > 0 || out.StatusCode != 0 {
		errs = append(errs, c.recordUsage(ctx, h, out))
	}
	return errors.Join(errs...)
}

func (c *Coordinator) recordUsage(ctx context.Context, h Handle, out models.Outcome) error {
	latency := out.LatencyMs
	if latency == 0 && !h.AcquiredAt.IsZero() {
		latency = c.now().Sub(h.AcquiredAt).Milliseconds()
	}
	return c.tracker.Record(ctx, models.UsageSample{
		CredentialID: h.CredentialID,
		UserID:       h.UserID,
		Model:        out.Model,
		Tokens:       out.Tokens,
		LatencyMs:    latency,
		Success:      out.Success,
		StatusCode:   out.StatusCode,
	})
}

// retire marks the credential exhausted and promotes a backup into its slot.
// A credential that is already gone was retired by a concurrent report; the
// promotion call then finds the existing replacement.
func (c *Coordinator) retire(ctx context.Context, id, reason string) error {
	if err := ignoreMissing(c.health.ReportExhausted(ctx, id, reason)); err != nil {
		return err
	}
	c.record(ctx, models.EventExhausted, id, reason)

	p, err := c.rotation.Promote(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		logger.Error("credential retired without replacement", "credential_id", id, "error", err)
		return err
	}
	if !p.Existing {
		logger.Info("credential replaced", "retired_id", id, "credential_id", p.Credential.ID)
	}
	return nil
}

func ignoreMissing(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func reasonOr(out models.Outcome, fallback string) string {
	if out.Reason != "" {
		return out.Reason
	}
	return fallback
}

// Stats counts credentials by health. Healthy counts every selectable
// credential, including cooled-down ones whose stored status has not been
// settled yet; the remaining counters cover the rest by stored status.
func (c *Coordinator) Stats(ctx context.Context) (models.PoolStats, error) {
	creds, err := c.store.ListCredentials(ctx)
	if err != nil {
		return models.PoolStats{}, fmt.Errorf("list credentials: %w", err)
	}
	now := c.now()
	var st models.PoolStats
	st.Total = len(creds)
	for i := range creds {
		if health.IsSelectable(&creds[i], now) {
			st.Healthy++
			continue
		}
		switch creds[i].Status {
		case models.StatusRateLimited:
			st.RateLimited++
		case models.StatusExhausted:
			st.Exhausted++
		case models.StatusError:
			st.Errored++
		}
	}
	st.Unhealthy = st.Total - st.Healthy
	if st.BackupsAvailable, err = c.rotation.Available(ctx); err != nil {
		return models.PoolStats{}, fmt.Errorf("count backups: %w", err)
	}
	return st, nil
}

// Metrics returns the usage rollup for period.
func (c *Coordinator) Metrics(ctx context.Context, period models.Period, credentialID string) (models.SystemMetrics, error) {
	return c.tracker.Metrics(ctx, period, credentialID)
}

// Dashboard returns the usage rollup for every period.
func (c *Coordinator) Dashboard(ctx context.Context, credentialID string) ([]models.SystemMetrics, error) {
	return c.tracker.Dashboard(ctx, credentialID)
}
