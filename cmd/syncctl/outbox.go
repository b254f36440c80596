package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"trackersync/pkg/outbox"
)

func outboxCmd() *cobra.Command {
	o := &cobra.Command{Use: "outbox", Short: "Inspect and replay parked outbox events"}
	o.AddCommand(outboxFailedCmd())
	o.AddCommand(outboxReplayCmd())
	return o
}

func outboxFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List events that exhausted their delivery retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e *env) error {
				events, err := e.store.Outbox.FailedEvents(ctx, e.cfg.Outbox.MaxRetries)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(events)
				}
				tw := newTable("ID", "Type", "Aggregate", "Created", "Retries", "Last error")
				for _, ev := range events {
					lastErr := ""
					if ev.LastError != nil {
						lastErr = *ev.LastError
					}
					tw.AppendRow(table.Row{ev.ID, ev.EventType, ev.AggregateID, fmtTime(&ev.CreatedUTC), ev.RetryCount, lastErr})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// outboxReplayCmd 只清零重试次数，投递仍由 worker 的 dispatcher 完成
func outboxReplayCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "replay [event-id]",
		Short: "Reset the retry budget of one parked event, or of all with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass either an event id or --all")
			}
			return withStore(cmd.Context(), func(ctx context.Context, e *env) error {
				replay := outbox.NewReplayService(e.store.Outbox, e.cfg.Outbox.MaxRetries, e.log)
				if all {
					n, err := replay.ReplayFailedEvents(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("%d events scheduled for replay\n", n)
					return nil
				}
				id, err := parseID(args[0], "event")
				if err != nil {
					return err
				}
				if err := replay.ReplayEvent(ctx, id); err != nil {
					return err
				}
				fmt.Printf("event %s scheduled for replay\n", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "replay every parked event")
	return cmd
}
