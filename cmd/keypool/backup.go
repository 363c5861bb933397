package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/keypool/pkg/secrets"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage backup credentials",
	}
	cmd.AddCommand(
		newBackupAddCmd(),
		newBackupListCmd(),
		newBackupPromoteCmd(),
		newBackupActivateCmd(),
		newBackupReleaseCmd(),
		newBackupDeleteCmd(),
		newBackupReconcileCmd(),
	)
	return cmd
}

func newBackupAddCmd() *cobra.Command {
	var id, secret, secretEnv string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a backup credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := secretArg(secret, secretEnv)
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.pool.CreateBackup(context.Background(), id, value)
			if err != nil {
				return err
			}
			fmt.Printf("Added backup %s (%s).\n", b.ID, secrets.Mask(b.Secret))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "backup id (default: generated)")
	cmd.Flags().StringVar(&secret, "secret", "", "secret value")
	cmd.Flags().StringVar(&secretEnv, "secret-env", "", "read the secret from this environment variable")
	return cmd
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backup credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			backups, err := a.pool.Backups(context.Background())
			if err != nil {
				return err
			}
			if len(backups) == 0 {
				fmt.Println("No backup credentials.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSECRET\tSTATE\tREPLACED\tUSED")
			available := 0
			for _, b := range backups {
				state := "available"
				switch {
				case b.Activated:
					state = "activated"
				case b.IsUsed:
					state = "pending"
				default:
					available++
				}
				usedFor, usedAt := "-", "-"
				if b.UsedFor != "" {
					usedFor = b.UsedFor
				}
				if b.UsedAt != nil {
					usedAt = humanize.Time(*b.UsedAt)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.ID, secrets.Mask(b.Secret), state, usedFor, usedAt)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d of %d backups available.\n", available, len(backups))
			return nil
		},
	}
}

func newBackupPromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <retired-credential-id>",
		Short: "Replace a retired credential with the oldest unused backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.pool.PromoteBackup(context.Background(), args[0])
			if err != nil {
				return err
			}
			if p.Existing {
				fmt.Printf("Credential %s was already replaced by backup %s.\n", args[0], p.Backup.ID)
				return nil
			}
			fmt.Printf("Backup %s promoted to credential %s", p.Backup.ID, p.Credential.ID)
			if len(p.Rebound) > 0 {
				fmt.Printf(" (rebound %d proxies)", len(p.Rebound))
			}
			fmt.Println(".")
			return nil
		},
	}
}

func newBackupActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <backup-id>",
		Short: "Mark a promoted backup as durably in service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pool.ActivateBackup(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Backup %s activated.\n", args[0])
			return nil
		},
	}
}

func newBackupReleaseCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "release <backup-id>",
		Short: "Return a used backup to the available stock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pool.ReleaseBackup(context.Background(), args[0], force); err != nil {
				return err
			}
			fmt.Printf("Backup %s released.\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "release an activated backup")
	return cmd
}

func newBackupDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pool.DeleteBackup(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Backup %s deleted.\n", args[0])
			return nil
		},
	}
}

func newBackupReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Restore credentials of promotions that did not complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.pool.Reconcile(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Restored %d credential(s).\n", n)
			return nil
		},
	}
}
