package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/keypool/pkg/secrets"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new key for secrets.keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(k)
			return nil
		},
	}
}
