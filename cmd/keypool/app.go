package main

import (
	"context"
	"fmt"

	"github.com/pario-ai/keypool/pkg/audit"
	"github.com/pario-ai/keypool/pkg/config"
	"github.com/pario-ai/keypool/pkg/models"
	"github.com/pario-ai/keypool/pkg/pool"
	"github.com/pario-ai/keypool/pkg/quota"
	"github.com/pario-ai/keypool/pkg/secrets"
	"github.com/pario-ai/keypool/pkg/store/sqlite"
)

// app holds the opened store and the components built on it.
type app struct {
	cfg       *config.Config
	store     *sqlite.Store
	events    *audit.Logger // nil when the event log is disabled
	pool      *pool.Coordinator
	admission *quota.Admission
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var opts []sqlite.Option
	if len(cfg.Secrets.Keys) > 0 {
		box, err := secrets.NewBox(cfg.Secrets.Keys...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sqlite.WithSecrets(box))
	}

	st, err := sqlite.New(cfg.DBPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, store: st, admission: quota.New(st)}

	var rec audit.Recorder = audit.Discard
	if cfg.Events.Enabled {
		a.events, err = audit.New(cfg.Events)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		rec = a.events
	}
	a.pool = pool.New(st, cfg, rec)
	return a, nil
}

func (a *app) Close() {
	if a.events != nil {
		_ = a.events.Close()
	}
	_ = a.store.Close()
}

// eventQuerier is the read side of the event log.
type eventQuerier interface {
	Query(ctx context.Context, opts models.EventQueryOpts) ([]models.PoolEvent, error)
}

// eventSource returns a nil interface, never a nil *audit.Logger, when the
// event log is disabled.
func (a *app) eventSource() eventQuerier {
	if a.events == nil {
		return nil
	}
	return a.events
}
