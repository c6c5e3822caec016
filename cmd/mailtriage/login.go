package main

import (
	"github.com/spf13/cobra"

	"github.com/nhle/mailtriage/internal/ui/login"
)

func newLoginCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store the mailbox password and API key in the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, false)
			if err != nil {
				return err
			}
			return login.Run(cmd.OutOrStdout(), cfg.EmailAccount)
		},
	}
}
