package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newAuthURLCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "auth-url",
		Short: "Print the Google consent URL",
		Long: `Prints the URL that /auth redirects to. Open it in a browser signed in
to the sending account; Google then redirects to REDIRECT_URI with a code.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if !oauthConfigured(cfg) {
				return errors.New("OAUTH_CLIENTID and OAUTH_CLIENT_SECRET are required")
			}

			manager, err := newManager(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), manager.AuthorizationURL())
			return nil
		},
	}
}
