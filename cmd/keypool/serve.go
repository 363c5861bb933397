package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/keypool/pkg/admin"
	"github.com/pario-ai/keypool/pkg/logger"
	"github.com/pario-ai/keypool/pkg/proxy"
	"github.com/pario-ai/keypool/pkg/quota"
	"github.com/pario-ai/keypool/pkg/scheduler"
	"github.com/pario-ai/keypool/pkg/seed"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"proxy"},
		Short:   "Start the upstream proxy, admin API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.cfg

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Seed.Path != "" {
				res, err := seed.ImportFile(ctx, a.store, cfg.Seed.Path)
				if err != nil {
					return fmt.Errorf("seed import: %w", err)
				}
				logger.Info("seed imported", "path", cfg.Seed.Path,
					"credentials", res.Credentials, "backups", res.Backups,
					"bindings", res.Bindings, "quotas", res.Quotas, "skipped", res.Skipped)

				if cfg.Seed.Watch {
					w := seed.NewWatcher(cfg.Seed.Path, a.store, cfg.Seed.Debounce)
					go func() {
						if err := w.Run(ctx); err != nil {
							logger.Error("seed watcher stopped", "error", err)
						}
					}()
				}
			}

			// Finish promotions interrupted by a previous crash before serving.
			if n, err := a.pool.Reconcile(ctx); err != nil {
				logger.Error("startup reconcile failed", "error", err)
			} else if n > 0 {
				logger.Info("startup reconcile restored credentials", "count", n)
			}

			var pruner scheduler.Pruner
			if a.events != nil {
				pruner = a.events
			}
			sch, err := scheduler.New(cfg.Jobs, a.pool, a.pool, pruner)
			if err != nil {
				return err
			}
			sch.Start()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				sch.Stop(stopCtx)
			}()

			var admission *quota.Admission
			if cfg.Quota.Enabled {
				admission = a.admission
			}
			srv := proxy.New(cfg, a.pool, admission)
			if cfg.Admin.Secret == "" {
				logger.Warn("admin API disabled: no admin secret configured")
			}
			srv.Mount("/admin/", admin.New(a.pool, a.admission, a.eventSource(), cfg.Admin.Secret))

			logger.Info("starting keypool", "version", version, "db", cfg.DBPath,
				"quota", cfg.Quota.Enabled, "events", cfg.Events.Enabled, "jobs", sch.Jobs())
			return srv.ListenAndServe(ctx)
		},
	}
}
