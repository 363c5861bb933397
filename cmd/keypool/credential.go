package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/keypool/pkg/secrets"
)

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"cred"},
		Short:   "Manage pool credentials",
	}
	cmd.AddCommand(
		newCredentialAddCmd(),
		newCredentialListCmd(),
		newCredentialResetCmd(),
		newCredentialDeleteCmd(),
	)
	return cmd
}

// secretArg returns the secret from the flag, or from the named environment
// variable so it stays out of shell history.
func secretArg(flag, env string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("environment variable %s is empty", env)
	}
	return "", errors.New("one of --secret or --secret-env is required")
}

func newCredentialAddCmd() *cobra.Command {
	var id, secret, secretEnv string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a credential to the live pool",
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

			c, err := a.pool.CreateCredential(context.Background(), id, value)
			if err != nil {
				return err
			}
			fmt.Printf("Added credential %s (%s).\n", c.ID, secrets.Mask(c.Secret))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "credential id (default: generated)")
	cmd.Flags().StringVar(&secret, "secret", "", "secret value")
	cmd.Flags().StringVar(&secretEnv, "secret-env", "", "read the secret from this environment variable")
	return cmd
}

func newCredentialListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List credentials with their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			creds, err := a.pool.Credentials(context.Background())
			if err != nil {
				return err
			}
			if len(creds) == 0 {
				fmt.Println("No credentials in the pool.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSECRET\tSTATUS\tREQUESTS\tTOKENS\tCOOLDOWN\tLAST ERROR")
			for _, c := range creds {
				cooldown := "-"
				if c.CooldownUntil != nil {
					cooldown = humanize.Time(*c.CooldownUntil)
				}
				lastErr := c.LastError
				if lastErr == "" {
					lastErr = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					c.ID, secrets.Mask(c.Secret), c.Status,
					humanize.Comma(c.RequestsCount), humanize.Comma(c.TokensUsed), cooldown, lastErr)
			}
			return w.Flush()
		},
	}
}

func newCredentialResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>",
		Short: "Return a credential to healthy and zero its counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pool.ResetCredential(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Credential %s reset.\n", args[0])
			return nil
		},
	}
}

func newCredentialDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a credential and its bindings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pool.DeleteCredential(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Credential %s deleted.\n", args[0])
			return nil
		},
	}
}
