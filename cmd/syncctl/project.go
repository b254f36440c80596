package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"trackersync/internal/model"
	"trackersync/internal/service"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage sync projects"}
	prj.AddCommand(projectAddCmd())
	prj.AddCommand(projectMapCmd())
	prj.AddCommand(projectFieldCmd())
	prj.AddCommand(projectDeactivateCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectAddCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := model.ParseDirection(direction)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, e *env) error {
				p, err := model.NewProject(args[0], d, time.Now())
				if err != nil {
					return err
				}
				if err := e.store.Projects.Save(ctx, p); err != nil {
					return err
				}
				fmt.Println(p.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&direction, "direction", string(model.DirectionBidirectional), "from_source, to_source or bidirectional")
	return cmd
}

func projectMapCmd() *cobra.Command {
	var (
		sourceID  int64
		target    string
		direction string
		enable    string
	)
	cmd := &cobra.Command{
		Use:   "map <project-id>",
		Short: "Map a project to its source repository and target project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project")
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, e *env) error {
				p, err := e.store.Projects.Get(ctx, id)
				if err != nil {
					return err
				}
				now := time.Now()
				if cmd.Flags().Changed("source") {
					p.MapSource(sourceID, now)
				}
				if cmd.Flags().Changed("target") {
					if err := p.MapTarget(target, now); err != nil {
						return err
					}
				}
				if cmd.Flags().Changed("direction") {
					d, err := model.ParseDirection(direction)
					if err != nil {
						return err
					}
					p.SetDirection(d, now)
				}
				if enable != "" {
					d, err := model.ParseDirection(enable)
					if err != nil {
						return err
					}
					// 在现有方向上追加，不会关闭已启用的方向
					p.SetDirection(p.Direction.Union(d), now)
				}
				return e.store.Projects.Save(ctx, p)
			})
		},
	}
	cmd.Flags().Int64Var(&sourceID, "source", 0, "source repository id")
	cmd.Flags().StringVar(&target, "target", "", "target project key")
	cmd.Flags().StringVar(&direction, "direction", "", "new sync direction")
	cmd.Flags().StringVar(&enable, "enable", "", "add a flow to the current direction, e.g. to_source")
	return cmd
}

func projectFieldCmd() *cobra.Command {
	var sourceField, targetField, rule string
	cmd := &cobra.Command{
		Use:   "field <project-id>",
		Short: "Add a field mapping with an optional transform rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project")
			if err != nil {
				return err
			}
			if err := service.ValidateRule(rule); err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, e *env) error {
				p, err := e.store.Projects.Get(ctx, id)
				if err != nil {
					return err
				}
				m, err := p.AddFieldMapping(sourceField, targetField, rule)
				if err != nil {
					return err
				}
				return e.store.Projects.SaveFieldMapping(ctx, m)
			})
		},
	}
	cmd.Flags().StringVar(&sourceField, "source-field", "", "source field name")
	cmd.Flags().StringVar(&targetField, "target-field", "", "target field name")
	cmd.Flags().StringVar(&rule, "rule", "", `transform rule, e.g. "trim|map:open=To Do,closed=Done"`)
	_ = cmd.MarkFlagRequired("source-field")
	_ = cmd.MarkFlagRequired("target-field")
	return cmd
}

func projectDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <project-id>",
		Short: "Stop scheduling syncs for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "project")
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, e *env) error {
				p, err := e.store.Projects.Get(ctx, id)
				if err != nil {
					return err
				}
				p.Deactivate(time.Now())
				return e.store.Projects.Save(ctx, p)
			})
		},
	}
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e *env) error {
				projects, err := e.store.Projects.List(ctx)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(projects)
				}
				tw := newTable("ID", "Name", "Source", "Target", "Direction", "Active", "Last sync")
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Name, p.SourceContainer(), p.TargetContainer(),
						p.Direction, p.IsActive, fmtTime(p.LastSyncUTC)})
				}
				tw.Render()
				return nil
			})
		},
	}
}
