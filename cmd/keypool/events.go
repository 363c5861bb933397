package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/keypool/pkg/models"
)

func newEventsCmd() *cobra.Command {
	var (
		kind         string
		credentialID string
		since        time.Duration
		limit        int
		summary      bool
		cleanup      bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the pool event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if a.events == nil {
				return errors.New("event log is disabled (events.enabled: false)")
			}
			ctx := context.Background()

			if cleanup {
				n, err := a.events.Cleanup(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %d event(s).\n", n)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			if summary {
				stats, err := a.events.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "DAY\tKIND\tCOUNT")
				for _, s := range stats {
					fmt.Fprintf(w, "%s\t%s\t%d\n", s.Day, s.Kind, s.Count)
				}
				return w.Flush()
			}

			opts := models.EventQueryOpts{
				Kind:         models.EventKind(kind),
				CredentialID: credentialID,
				Limit:        limit,
			}
			if since > 0 {
				opts.Since = time.Now().Add(-since)
			}
			events, err := a.events.Query(ctx, opts)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("No events found.")
				return nil
			}
			fmt.Fprintln(w, "TIME\tKIND\tCREDENTIAL\tDETAIL")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Kind, e.CredentialID, e.Detail)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "filter by event kind")
	cmd.Flags().StringVar(&credentialID, "credential", "", "filter by credential id")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this, e.g. 24h")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events to return")
	cmd.Flags().BoolVar(&summary, "summary", false, "show per-day counts by kind")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "delete events older than the retention period")
	return cmd
}
