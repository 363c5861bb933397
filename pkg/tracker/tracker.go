// Package tracker records usage samples and serves windowed metrics over
// them. Metrics are always derived from the sample log.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/store"
)

type cacheEntry struct {
	metrics   models.SystemMetrics
	gen       uint64
	fetchedAt time.Time
}

// Tracker records usage and answers windowed metric queries.
//
// With a positive cache TTL, metric reads may be served from a cache that is
// dropped on every Record and is otherwise at most TTL old.
type Tracker struct {
	store store.Usage
	ttl   time.Duration
	now   func() time.Time
	gen   atomic.Uint64
	cache sync.Map // period|credentialID -> *cacheEntry
}

// New creates a Tracker. A zero ttl disables the metrics cache.
func New(s store.Usage, ttl time.Duration) *Tracker {
	return &Tracker{store: s, ttl: ttl, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Record stores a usage sample and counts it against its credential and
// quota account in one transaction.
func (t *Tracker) Record(ctx context.Context, sample models.UsageSample) error {
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = t.now().UTC()
	}
	if sample.Tokens < 0 {
		return fmt.Errorf("record usage: negative token count %d", sample.Tokens)
	}
	if err := t.store.RecordUsage(ctx, sample); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	t.gen.Add(1)
	return nil
}

// Metrics returns the rollup for period, optionally for one credential.
// An empty period means all time; any other value outside models.Periods
// is an error.
func (t *Tracker) Metrics(ctx context.Context, period models.Period, credentialID string) (models.SystemMetrics, error) {
	period, err := models.ParsePeriod(string(period))
	if err != nil {
		return models.SystemMetrics{}, err
	}
	key := string(period) + "|" + credentialID
	gen := t.gen.Load()
	if t.ttl > 0 {
		if v, ok := t.cache.Load(key); ok {
			e := v.(*cacheEntry)
			if e.gen == gen && t.now().Sub(e.fetchedAt) < t.ttl {
				return e.metrics, nil
			}
		}
	}

	var since *time.Time
	if s, ok := period.Since(t.now()); ok {
		since = &s
	}
	agg, err := t.store.AggregateUsage(ctx, since, credentialID)
	if err != nil {
		return models.SystemMetrics{}, fmt.Errorf("metrics %s: %w", period, err)
	}
	m := models.MetricsFromAggregate(period, credentialID, agg)

	if t.ttl > 0 {
		t.cache.Store(key, &cacheEntry{metrics: m, gen: gen, fetchedAt: t.now()})
	}
	return m, nil
}

// Dashboard returns the rollup for every period, shortest first.
func (t *Tracker) Dashboard(ctx context.Context, credentialID string) ([]models.SystemMetrics, error) {
	out := make([]models.SystemMetrics, len(models.Periods))
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range models.Periods {
		g.Go(func() error {
			m, err := t.Metrics(ctx, p, credentialID)
			if err != nil {
				return err
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Hourly returns request and token counts for the last n hours, oldest
// first, with empty hours filled in.
func (t *Tracker) Hourly(ctx context.Context, hours int, credentialID string) ([]models.HourlyCount, error) {
	if hours <= 0 {
		hours = 24
	}
	end := t.now().UTC().Truncate(time.Hour)
	start := end.Add(-time.Duration(hours-1) * time.Hour)
	rows, err := t.store.HourlyUsage(ctx, start, credentialID)
	if err != nil {
		return nil, fmt.Errorf("hourly usage: %w", err)
	}

	byHour := make(map[int64]models.HourlyCount, len(rows))
	for _, r := range rows {
		byHour[r.Hour.Unix()] = r
	}
	out := make([]models.HourlyCount, hours)
	for i := range out {
		h := start.Add(time.Duration(i) * time.Hour)
		if r, ok := byHour[h.Unix()]; ok {
			out[i] = r
			out[i].Hour = h
		} else {
			out[i] = models.HourlyCount{Hour: h}
		}
	}
	return out, nil
}
