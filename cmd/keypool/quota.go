package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/keypool/pkg/models"
)

func newQuotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Manage end-user quota accounts",
	}
	cmd.AddCommand(
		newQuotaAddCmd(),
		newQuotaStatusCmd(),
		newQuotaListCmd(),
		newQuotaResetCmd(),
	)
	return cmd
}

func newQuotaAddCmd() *cobra.Command {
	var (
		name     string
		tier     string
		tokens   int64
		expires  string
		inactive bool
	)

	cmd := &cobra.Command{
		Use:   "add <user-key>",
		Short: "Create a quota account keyed by the user's proxy key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct := models.QuotaAccount{
				ID:          args[0],
				Name:        name,
				Tier:        models.Tier(tier),
				TotalTokens: tokens,
				IsActive:    !inactive,
			}
			if expires != "" {
				t, err := time.Parse("2006-01-02", expires)
				if err != nil {
					return fmt.Errorf("invalid --expires date (use YYYY-MM-DD): %w", err)
				}
				acct.PlanExpiresAt = &t
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			created, err := a.admission.CreateAccount(context.Background(), acct)
			if err != nil {
				return err
			}
			fmt.Printf("Created %s account %s with %s tokens.\n",
				created.Tier, created.ID, humanize.Comma(created.TotalTokens))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&tier, "tier", string(models.TierDev), "plan tier (dev or pro)")
	cmd.Flags().Int64Var(&tokens, "tokens", 1_000_000, "total token budget")
	cmd.Flags().StringVar(&expires, "expires", "", "plan expiry date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the account disabled")
	return cmd
}

func printQuotas(rows []models.QuotaStatus) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tTIER\tTOTAL\tUSED\tREMAINING\tUSED %\tREQUESTS\tSTATE\tLAST USED")
	for _, st := range rows {
		acct := st.Account
		state := "active"
		switch {
		case !acct.IsActive:
			state = "inactive"
		case st.PlanExpired:
			state = "plan expired"
		case st.IsExhausted:
			state = "exhausted"
		}
		lastUsed := "never"
		if acct.LastUsedAt != nil {
			lastUsed = humanize.Time(*acct.LastUsedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.1f\t%s\t%s\t%s\n",
			acct.ID, acct.Tier, humanize.Comma(acct.TotalTokens), humanize.Comma(acct.TokensUsed),
			humanize.Comma(st.TokensRemaining), st.UsagePercent, humanize.Comma(acct.RequestsCount),
			state, lastUsed)
	}
	return w.Flush()
}

func newQuotaStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <user-key>",
		Short: "Show one account's usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.admission.Status(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printQuotas([]models.QuotaStatus{st})
		},
	}
}

func newQuotaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List quota accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.admission.List(context.Background())
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No quota accounts.")
				return nil
			}
			return printQuotas(rows)
		},
	}
}

func newQuotaResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user-key>",
		Short: "Zero an account's usage counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.admission.ResetUsage(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Usage of %s reset.\n", args[0])
			return nil
		},
	}
}
