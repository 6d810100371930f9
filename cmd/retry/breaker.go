package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jzx17/goresilience/pkg/strategy"
)

func NewBreakerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset circuit breakers in the shared store",
	}
	cmd.AddCommand(newBreakerStatusCmd(a))
	cmd.AddCommand(newBreakerResetCmd(a))
	return cmd
}

func newBreakerStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "status <key>...",
		Short:   "Show the state of circuit breakers",
		Args:    cobra.MinimumNArgs(1),
		Example: `  retry --config prod.yaml breaker status payments`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSTATE\tFAILURES\tOPENED")
			for _, key := range args {
				cb, err := strategy.NewCircuitBreaker(strategy.Default(), 0, 0, key, s, strategy.WithLogger(a.logger))
				if err != nil {
					return err
				}
				state, err := cb.State()
				if err != nil {
					return err
				}
				failures, err := cb.FailureCount()
				if err != nil {
					return err
				}
				openedAt, err := cb.OpenedAt()
				if err != nil {
					return err
				}
				opened := "-"
				if !openedAt.IsZero() {
					opened = openedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", key, state, failures, opened)
			}
			return w.Flush()
		},
	}
}

func newBreakerResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <key>...",
		Short: "Close circuit breakers and clear their counters",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			for _, key := range args {
				cb, err := strategy.NewCircuitBreaker(strategy.Default(), 0, 0, key, s, strategy.WithLogger(a.logger))
				if err != nil {
					return err
				}
				if err := cb.Reset(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Circuit %q reset\n", key)
			}
			return nil
		},
	}
}
