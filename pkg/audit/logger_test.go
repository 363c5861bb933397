package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/keypool/pkg/models"
)

func tempCfg(t *testing.T) models.EventConfig {
	t.Helper()
	return models.EventConfig{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "events_test.db"),
		RetentionDays: 30,
	}
}

func mustNew(t *testing.T, cfg models.EventConfig) *Logger {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordAndQuery(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	events := []models.PoolEvent{
		{Kind: models.EventExhausted, CredentialID: "k1", Detail: "reload your tokens", CreatedAt: base},
		{Kind: models.EventPromoted, CredentialID: "b1", Detail: "replaced k1", CreatedAt: base.Add(time.Second)},
		{Kind: models.EventRateLimited, CredentialID: "k2", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		if err := l.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := l.Query(ctx, models.EventQueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Kind != models.EventRateLimited || all[2].Kind != models.EventExhausted {
		t.Errorf("expected newest first, got %v then %v", all[0].Kind, all[2].Kind)
	}
	if all[2].Detail != "reload your tokens" || all[2].ID == 0 {
		t.Errorf("unexpected event %+v", all[2])
	}

	promoted, err := l.Query(ctx, models.EventQueryOpts{Kind: models.EventPromoted})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(promoted) != 1 || promoted[0].CredentialID != "b1" {
		t.Errorf("promoted = %+v", promoted)
	}

	byCred, _ := l.Query(ctx, models.EventQueryOpts{CredentialID: "k2"})
	if len(byCred) != 1 {
		t.Errorf("expected 1 event for k2, got %d", len(byCred))
	}

	recent, _ := l.Query(ctx, models.EventQueryOpts{Since: base.Add(time.Second)})
	if len(recent) != 2 {
		t.Errorf("expected 2 recent events, got %d", len(recent))
	}

	limited, _ := l.Query(ctx, models.EventQueryOpts{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit 1, got %d", len(limited))
	}
}

func TestRecordStampsTime(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()
	if err := l.Record(ctx, models.PoolEvent{Kind: models.EventReset, CredentialID: "k1"}); err != nil {
		t.Fatal(err)
	}
	got, _ := l.Query(ctx, models.EventQueryOpts{})
	if len(got) != 1 || got[0].CreatedAt.IsZero() {
		t.Fatalf("got %+v", got)
	}
	if time.Since(got[0].CreatedAt) > time.Minute {
		t.Errorf("created_at too old: %v", got[0].CreatedAt)
	}
}

func TestCleanup(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 1
	l := mustNew(t, cfg)
	ctx := context.Background()

	_ = l.Record(ctx, models.PoolEvent{Kind: models.EventError, CreatedAt: time.Now().AddDate(0, 0, -2)})
	_ = l.Record(ctx, models.PoolEvent{Kind: models.EventError, CreatedAt: time.Now()})

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestCleanupDisabled(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 0
	l := mustNew(t, cfg)
	ctx := context.Background()

	_ = l.Record(ctx, models.PoolEvent{Kind: models.EventError, CreatedAt: time.Now().AddDate(-1, 0, 0)})
	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 0 {
		t.Errorf("retention 0 should keep everything, deleted %d", deleted)
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.Record(ctx, models.PoolEvent{Kind: models.EventPoolDepletion})
	_ = l.Record(ctx, models.PoolEvent{Kind: models.EventPoolDepletion})

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 stat row, got %d", len(stats))
	}
	if stats[0].Count != 2 || stats[0].Kind != models.EventPoolDepletion || stats[0].Day == "" {
		t.Errorf("unexpected stat %+v", stats[0])
	}
}

func TestNilLoggerSafe(t *testing.T) {
	var l *Logger
	if err := l.Record(context.Background(), models.PoolEvent{Kind: models.EventAdmin}); err != nil {
		t.Errorf("nil logger should be safe: %v", err)
	}
	if err := Discard.Record(context.Background(), models.PoolEvent{}); err != nil {
		t.Errorf("Discard returned %v", err)
	}
}

func TestNewInvalidPath(t *testing.T) {
	cfg := models.EventConfig{
		Enabled: true,
		DBPath:  filepath.Join(os.TempDir(), "nonexistent", "deep", "path", "events.db"),
	}
	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for invalid path")
	}
}
