package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newBindingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "binding",
		Short: "Manage proxy bindings",
	}

	var priority int
	add := &cobra.Command{
		Use:   "add <proxy-id> <credential-id>",
		Short: "Bind a credential to a proxy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.pool.BindCredential(context.Background(), args[0], args[1], priority)
			if err != nil {
				return err
			}
			fmt.Printf("Bound %s to proxy %s at priority %d.\n", b.CredentialID, b.ProxyID, b.Priority)
			return nil
		},
	}
	add.Flags().IntVar(&priority, "priority", 1, "priority 1 (first) to 10 (last)")

	var proxyID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			bindings, err := a.pool.Bindings(context.Background(), proxyID)
			if err != nil {
				return err
			}
			if len(bindings) == 0 {
				fmt.Println("No bindings found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROXY\tCREDENTIAL\tPRIORITY\tACTIVE")
			for _, b := range bindings {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", b.ProxyID, b.CredentialID, b.Priority, b.IsActive)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&proxyID, "proxy", "", "only this proxy")

	remove := &cobra.Command{
		Use:   "remove <proxy-id> <credential-id>",
		Short: "Remove a binding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pool.UnbindCredential(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Unbound %s from proxy %s.\n", args[1], args[0])
			return nil
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}
