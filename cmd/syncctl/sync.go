package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trackersync/internal/app"
	"trackersync/internal/model"
	"trackersync/internal/service"
)

func syncCmd() *cobra.Command {
	s := &cobra.Command{Use: "sync", Short: "Run syncs and inspect their state"}
	s.AddCommand(syncRunCmd())
	s.AddCommand(syncStatusCmd())
	return s
}

// syncRunCmd 在本进程内跑一次同步，Ctrl-C 会取消会话并等待终态落库
func syncRunCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "run <project-id>",
		Short: "Run one sync session and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project")
			if err != nil {
				return err
			}
			d, err := model.ParseDirection(direction)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, e *env) error {
				source, target, err := app.Trackers(*e.cfg, e.log)
				if err != nil {
					return err
				}
				engine := service.NewConflictEngine(e.store, e.log)
				orch := service.NewOrchestrator(e.store, engine, source, target, e.log)

				opID, err := orch.StartSync(ctx, id, d)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "sync %s started\n", opID)

				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				defer signal.Stop(sig)
				done := make(chan struct{})
				go func() {
					orch.Wait()
					close(done)
				}()
				select {
				case <-done:
				case <-sig:
					e.log.Warn("Interrupted, cancelling sync", zap.String("operation_id", opID.String()))
					orch.StopSync(id)
					<-done
				}

				op, err := orch.GetSyncStatus(ctx, opID)
				if err != nil {
					return err
				}
				if err := printOperations([]*model.SyncOperation{op}); err != nil {
					return err
				}
				if op.Outcome() == model.OutcomeFailed {
					return fmt.Errorf("sync failed: %s", op.ErrorMessage)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "", "override the project direction for this run")
	return cmd
}

func syncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show a project's sync summary and recent operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project")
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, e *env) error {
				orch := service.NewOrchestrator(e.store, service.NewConflictEngine(e.store, e.log), nil, nil, e.log)
				st, err := orch.ProjectStatus(ctx, id)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(st)
				}
				current := "-"
				if st.CurrentOperationID != nil {
					current = st.CurrentOperationID.String()
				}
				tw := newTable("Project", "In progress", "Current operation", "Last sync", "Pending", "Open conflicts")
				tw.AppendRow(table.Row{st.Project.Name, st.InProgress, current, fmtTime(st.LastSyncUTC),
					st.PendingItems, st.UnresolvedConflicts})
				tw.Render()
				if st.ResultSaveError != "" {
					fmt.Fprintf(os.Stderr, "warning: last sync result not saved: %s\n", st.ResultSaveError)
				}
				return printOperations(st.RecentOperations)
			})
		},
	}
}

func printOperations(ops []*model.SyncOperation) error {
	if opts.json {
		return printJSON(ops)
	}
	tw := newTable("Operation", "Direction", "Outcome", "Started", "Duration", "Items", "Errors", "Message")
	for _, op := range ops {
		tw.AppendRow(table.Row{op.ID, op.Direction, op.Outcome(), fmtTime(&op.StartUTC), op.Duration(),
			op.ItemsProcessed, op.ErrorCount, op.ErrorMessage})
	}
	tw.Render()
	return nil
}
