package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/gmail-relay/internal/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "gmail-relay",
		Short: "Relays contact-form submissions through a Gmail account",
		Long: `gmail-relay accepts form posts on /send and delivers them as email
through Gmail, authorized with a delegated OAuth refresh token.

Visit /auth in a browser to grant (or re-grant) access; the relay swaps in
the new credential without a restart.

Run without a subcommand, gmail-relay behaves like "gmail-relay serve".`,
		Version:      version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runServeCmd(flags),
	}
	cmd.SetVersionTemplate(`{{printf "gmail-relay version %s\n" .Version}}`)

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to YAML configuration file (optional)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "path to a .env file loaded before reading the environment")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newAuthURLCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the .env file, then the YAML file (when given) with
// environment overrides, and validates the result.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	if err := config.LoadEnvFile(flags.envFile); err != nil {
		return nil, err
	}

	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadFromFile(flags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
