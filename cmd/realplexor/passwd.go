package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/realplexor/internal/auth"
)

func passwdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd [PASSWORD]",
		Short: "Print a bcrypt hash for the accounts table or users file",
		Long: `Print a bcrypt hash of PASSWORD (read from stdin when omitted).

Example:
  echo "bob:$(realplexor passwd secret)" >> users`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				data, err := readAll(cmd)
				if err != nil {
					return err
				}
				password = strings.TrimRight(string(data), "\r\n")
			}
			if password == "" {
				return fmt.Errorf("empty password")
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func readAll(cmd *cobra.Command) ([]byte, error) {
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return data, nil
}
