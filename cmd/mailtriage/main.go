// Command mailtriage runs the email triage agent.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nhle/mailtriage/internal/credential"
	"github.com/nhle/mailtriage/internal/model"
)

func main() {
	// A missing .env file is normal.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "mailtriage",
		Short:         "Acknowledge, classify and forward incoming email",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, true)
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.PersistentFlags().StringVarP(
		&configPath, "config", "c", model.DefaultConfigPath(),
		"path to the YAML config file",
	)

	cmd.AddCommand(
		newLoginCmd(&configPath),
		newCheckCmd(&configPath),
	)

	return cmd
}

// loadConfig reads the config file and environment, fills secrets from the
// keyring and, when validate is set, rejects unusable settings.
func loadConfig(path string, validate bool) (*model.Config, error) {
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	cfg.ResolveSecrets(credential.Get)

	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
