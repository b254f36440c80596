package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"trackersync/internal/model"
	"trackersync/internal/service"
)

func conflictsCmd() *cobra.Command {
	c := &cobra.Command{Use: "conflicts", Short: "Review and resolve sync conflicts"}
	c.AddCommand(conflictsListCmd())
	c.AddCommand(conflictsResolveCmd())
	c.AddCommand(conflictsSuggestCmd())
	return c
}

func conflictsListCmd() *cobra.Command {
	var projectID, conflictType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts, or every conflict of one project",
		RunE: func(cmd *cobra.Command, args []string) error {
			var t model.ConflictType
			if conflictType != "" {
				parsed, err := model.ParseConflictType(conflictType)
				if err != nil {
					return err
				}
				t = parsed
			}
			return withStore(cmd.Context(), func(ctx context.Context, e *env) error {
				engine := service.NewConflictEngine(e.store, e.log)
				var (
					conflicts []*model.SyncConflict
					err       error
				)
				if projectID != "" {
					id, perr := parseID(projectID, "project")
					if perr != nil {
						return perr
					}
					conflicts, err = engine.ConflictsForProject(ctx, id)
				} else {
					conflicts, err = engine.UnresolvedConflicts(ctx)
				}
				if err != nil {
					return err
				}
				conflicts = model.FilterConflicts(conflicts, t)
				if opts.json {
					return printJSON(conflicts)
				}
				tw := newTable("ID", "Project", "Type", "Created", "Resolved", "Description")
				for _, c := range conflicts {
					resolved := "-"
					if c.IsResolved {
						resolved = fmt.Sprintf("%s by %s", fmtTime(c.ResolvedUTC), c.ResolvedBy)
					}
					tw.AppendRow(table.Row{c.ID, c.ProjectID, c.Type, fmtTime(&c.CreatedUTC), resolved, c.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&conflictType, "type", "", "only conflicts of this type, e.g. deleted_in_target")
	return cmd
}

func conflictsResolveCmd() *cobra.Command {
	var strategy, note, by string
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict with a strategy, or record a manual resolution note",
		Long: `With --strategy (preferNewer, preferSource, preferTarget) the winning values are written
to the local item and pushed by the next sync. With only --note the conflict is closed
without touching the item.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "conflict")
			if err != nil {
				return err
			}
			if strategy == "" && note == "" {
				return errors.New("either --strategy or --note is required")
			}
			return withStore(cmd.Context(), func(ctx context.Context, e *env) error {
				engine := service.NewConflictEngine(e.store, e.log)
				if strategy == "" {
					c, err := engine.Resolve(ctx, id, note, by)
					if err != nil {
						return err
					}
					fmt.Printf("conflict %s resolved: %s\n", c.ID, c.Resolution)
					return nil
				}
				c, res, err := engine.ApplyResolution(ctx, id, strategy, by)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(map[string]any{"conflict": c, "resolution": res})
				}
				fmt.Printf("conflict %s resolved: %s\n", c.ID, res.Summary)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "preferNewer, preferSource or preferTarget")
	cmd.Flags().StringVar(&note, "note", "", "resolution text for a manual resolution")
	cmd.Flags().StringVar(&by, "by", defaultActor(), "who resolved the conflict")
	return cmd
}

// conflictsSuggestCmd 只展示各策略的结果，不做任何修改
func conflictsSuggestCmd() *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "suggest <conflict-id>",
		Short: "Preview what each resolution strategy would do",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "conflict")
			if err != nil {
				return err
			}
			strategies := []string{service.StrategyPreferNewer, service.StrategyPreferSource, service.StrategyPreferTarget}
			if strategy != "" {
				strategies = []string{strategy}
			}
			return withStore(cmd.Context(), func(ctx context.Context, e *env) error {
				c, err := service.NewConflictEngine(e.store, e.log).Get(ctx, id)
				if err != nil {
					return err
				}
				var out []*service.Resolution
				for _, s := range strategies {
					res, err := service.GenerateResolution(c, s)
					if err != nil {
						return err
					}
					out = append(out, res)
				}
				if opts.json {
					return printJSON(out)
				}
				tw := newTable("Strategy", "Winner", "Summary")
				for _, r := range out {
					tw.AppendRow(table.Row{r.Strategy, r.Winner, r.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "only this strategy")
	return cmd
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "syncctl"
}
