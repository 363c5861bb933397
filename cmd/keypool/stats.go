package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/pario-ai/keypool/pkg/models"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pool health counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.pool.Stats(context.Background())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOTAL\tHEALTHY\tUNHEALTHY\tRATE LIMITED\tEXHAUSTED\tERROR\tBACKUPS")
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
				st.Total, st.Healthy, st.Unhealthy, st.RateLimited, st.Exhausted, st.Errored, st.BackupsAvailable)
			if err := w.Flush(); err != nil {
				return err
			}
			if st.Total > 0 && st.Healthy == 0 {
				fmt.Println("\nWARNING: no credential is currently selectable.")
			}
			if st.BackupsAvailable == 0 {
				fmt.Println("\nWARNING: no backup credentials left.")
			}
			return nil
		},
	}
}

func newMetricsCmd() *cobra.Command {
	var (
		period       string
		credentialID string
		chart        bool
		hours        int
	)

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show request volume, tokens, latency and success rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := context.Background()

			if chart {
				return printChart(ctx, a, hours, credentialID)
			}

			var rows []models.SystemMetrics
			if period == "" {
				rows, err = a.pool.Dashboard(ctx, credentialID)
			} else {
				var p models.Period
				if p, err = models.ParsePeriod(period); err != nil {
					return err
				}
				var m models.SystemMetrics
				m, err = a.pool.Metrics(ctx, p, credentialID)
				rows = []models.SystemMetrics{m}
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PERIOD\tREQUESTS\tTOKENS\tAVG LATENCY\tSUCCESS")
			for _, m := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.0fms\t%.1f%%\n",
					m.Period, humanize.Comma(m.TotalRequests), humanize.Comma(m.TokensUsed),
					m.AvgLatencyMs, m.SuccessRate*100)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&period, "period", "", "window: 1h, 3h, 8h, 24h, 7d or all (default every window)")
	cmd.Flags().StringVar(&credentialID, "credential", "", "restrict to one credential")
	cmd.Flags().BoolVar(&chart, "chart", false, "plot hourly request counts")
	cmd.Flags().IntVar(&hours, "hours", 24, "hours to plot with --chart")
	return cmd
}

func printChart(ctx context.Context, a *app, hours int, credentialID string) error {
	buckets, err := a.pool.Tracker().Hourly(ctx, hours, credentialID)
	if err != nil {
		return err
	}
	series := make([]float64, len(buckets))
	var total int64
	for i, b := range buckets {
		series[i] = float64(b.Requests)
		total += b.Requests
	}
	if total == 0 {
		fmt.Println("No requests in the selected window.")
		return nil
	}

	caption := fmt.Sprintf("requests per hour, %s to %s",
		buckets[0].Hour.Local().Format("Jan 2 15:04"),
		buckets[len(buckets)-1].Hour.Local().Format("Jan 2 15:04"))
	fmt.Println(asciigraph.Plot(series,
		asciigraph.Height(10),
		asciigraph.Width(len(series)*3),
		asciigraph.Caption(caption)))
	fmt.Printf("\n%s requests total\n", humanize.Comma(total))
	return nil
}
