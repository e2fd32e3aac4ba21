package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/cardsync/pkg/entitlement"
)

var (
	deadLettersSince time.Duration
	deadLettersLimit int
)

// deadLetterLister is implemented by the stores that can read back the
// dead letters they recorded.
type deadLetterLister interface {
	ListDeadLetters(ctx context.Context, since time.Time, limit int) ([]entitlement.DeadLetter, error)
}

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List recent dead-lettered reconciliation events",
	Long: `Print the events the engine refused to apply, newest first, as JSON.
Use the user, customer and subscription IDs with "cardsync reconcile" once
the cause is fixed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if deadLettersSince <= 0 {
			return fmt.Errorf("--since must be a positive duration, got %s", deadLettersSince)
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

		lister, ok := a.deadLetters.(deadLetterLister)
		if !ok {
			return fmt.Errorf("store backend %q cannot list dead letters", cfg.StoreBackend)
		}
		return writeDeadLetters(cmd.Context(), cmd.OutOrStdout(), lister, time.Now().Add(-deadLettersSince), deadLettersLimit)
	},
}

func init() {
	deadLettersCmd.Flags().DurationVar(&deadLettersSince, "since", 24*time.Hour, "how far back to look")
	deadLettersCmd.Flags().IntVar(&deadLettersLimit, "limit", 100, "maximum number of dead letters to print")
}

func writeDeadLetters(ctx context.Context, w io.Writer, lister deadLetterLister, since time.Time, limit int) error {
	dls, err := lister.ListDeadLetters(ctx, since, limit)
	if err != nil {
		return err
	}
	if dls == nil {
		dls = []entitlement.DeadLetter{}
	}
	return printJSON(w, dls)
}
