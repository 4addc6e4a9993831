package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"checkout-service/internal/outbox"
)

func drainCmd(withApp runner) *cobra.Command {
	var loop bool

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver pending outbox events",
		Long: `Run one drain pass over the outbox, or keep draining with --loop
until interrupted.`,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if loop {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				a.drainer.Run(ctx)
				return nil
			}
			stats, err := a.drainer.DrainOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		}),
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "drain continuously")
	return cmd
}

func outboxCmd(withApp runner) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and retry pending outbox events",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending events, oldest first",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			events, err := a.outbox.ListPending(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		}),
	}
	list.Flags().IntVarP(&limit, "limit", "n", 100, "maximum events")

	retry := &cobra.Command{
		Use:   "retry [id]",
		Short: "Deliver one event now, or run one drain pass",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			var (
				stats outbox.Stats
				err   error
			)
			if len(args) == 1 {
				stats, err = a.drainer.ProcessByID(cmd.Context(), args[0])
			} else {
				stats, err = a.drainer.DrainOnce(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		}),
	}

	cmd.AddCommand(list, retry)
	return cmd
}

func dlqCmd(withApp runner) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect, requeue and purge dead-lettered events",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered events",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			docs, err := a.outbox.ListDLQ(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), docs)
		}),
	}
	list.Flags().IntVarP(&limit, "limit", "n", 100, "maximum entries")

	requeue := &cobra.Command{
		Use:   "requeue [id]",
		Short: "Move one entry, or every entry, back to the outbox",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return dlqApply(cmd, a, args, a.outbox.RequeueDLQ)
		}),
	}

	purge := &cobra.Command{
		Use:   "purge [id]",
		Short: "Discard one entry, or every entry",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return dlqApply(cmd, a, args, a.outbox.PurgeDLQ)
		}),
	}

	cmd.AddCommand(list, requeue, purge)
	return cmd
}

func dlqApply(cmd *cobra.Command, a *app, args []string, fn func(ctx context.Context, id string) (int, error)) error {
	ctx := cmd.Context()
	ids := args
	if len(ids) == 0 {
		docs, err := a.outbox.ListDLQ(ctx, 0)
		if err != nil {
			return err
		}
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
	}

	affected := 0
	for _, id := range ids {
		n, err := fn(ctx, id)
		if err != nil {
			return fmt.Errorf("dlq entry %s: %w", id, err)
		}
		affected += n
	}
	fmt.Fprintf(cmd.OutOrStdout(), "affected: %d\n", affected)
	return nil
}
