package main

import (
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry and drift sweep, then exit",
	Long: `Run one sweep: downgrade lapsed premium rows, then re-check a rotating
sample of billing customers against Stripe. Without STRIPE_SECRET_KEY only
the expiry pass runs.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.validateStore(); err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, appOptions{provider: cfg.StripeSecretKey != ""})
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.sweeper.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}
