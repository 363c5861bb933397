package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/keypool/pkg/seed"
)

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import credentials, backups, bindings and quotas from a YAML file",
	}

	var dryRun bool
	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a seed file; existing entries are skipped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := seed.Load(args[0])
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Printf("%s is valid: %d credentials, %d backups, %d bindings, %d quotas.\n",
					args[0], len(f.Credentials), len(f.Backups), len(f.Bindings), len(f.Quotas))
				return nil
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := seed.ImportFile(context.Background(), a.store, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d credentials, %d backups, %d bindings, %d quotas (%d skipped).\n",
				res.Credentials, res.Backups, res.Bindings, res.Quotas, res.Skipped)
			return nil
		},
	}
	importCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the file without importing")

	cmd.AddCommand(importCmd)
	return cmd
}
