package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var grantExpires string

var grantCmd = &cobra.Command{
	Use:   "grant USER_ID",
	Short: "Grant premium as an administrative override",
	Long: `Set the manual-grant flag and premium state together. Billing events that
would remove premium are ignored while the grant is live. With --expires the
sweeper lapses the grant at that time.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expiresAt, err := parseExpires(grantExpires, time.Now())
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.validateStore(); err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.engine.Grant(cmd.Context(), args[0], expiresAt); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "granted premium to %s\n", args[0])
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke USER_ID",
	Short: "Clear a manual premium grant",
	Long: `Clear the manual-grant flag and premium. When STRIPE_SECRET_KEY is set the
user is then reconciled against Stripe so a paid subscription is kept.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		if err := a.engine.Revoke(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked manual grant for %s\n", args[0])
		return nil
	},
}

func init() {
	grantCmd.Flags().StringVar(&grantExpires, "expires", "",
		"expiry as an RFC 3339 time or a duration from now (e.g. 720h); empty grants without expiry")
}

// parseExpires accepts an RFC 3339 timestamp or a positive duration.
func parseExpires(raw string, now time.Time) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return nil, fmt.Errorf("--expires must be an RFC 3339 time or a positive duration, got %q", raw)
	}
	t := now.Add(d).UTC()
	return &t, nil
}
