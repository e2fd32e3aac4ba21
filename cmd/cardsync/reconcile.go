package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

// reconcileResult is printed for each user.
type reconcileResult struct {
	UserID string `json:"userId"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile USER_ID...",
	Short: "Re-derive entitlement for users from Stripe",
	Long: `Fetch each user's current subscription from Stripe and apply it through
the reconciliation engine as a manual event. Users are named by internal ID,
never by email.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.validateStore(); err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, appOptions{provider: true})
		if err != nil {
			return err
		}
		defer a.close()

		results, failed := reconcileUsers(cmd, a.engine, args)
		if err := printJSON(cmd.OutOrStdout(), results); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d users failed", failed, len(args))
		}
		return nil
	},
}

func reconcileUsers(cmd *cobra.Command, engine *entitlement.Engine, userIDs []string) ([]reconcileResult, int) {
	results := make([]reconcileResult, 0, len(userIDs))
	failed := 0
	for _, id := range userIDs {
		outcome, err := engine.ReconcileUser(cmd.Context(), id)
		r := reconcileResult{UserID: id, Action: string(outcome.Action), Reason: outcome.Reason}
		if err != nil {
			r.Error = err.Error()
			failed++
		}
		results = append(results, r)
	}
	return results, failed
}
