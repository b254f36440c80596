package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trackersync/config"
	"trackersync/internal/app"
	"trackersync/internal/repository"
	pkgconfig "trackersync/pkg/config"
	"trackersync/pkg/logger"
)

var opts struct {
	env       string
	configDir string
	json      bool
	verbose   bool
}

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "Operate trackersync projects, syncs, conflicts and the outbox",
	Long: `syncctl talks to the trackersync store directly. It manages project mappings,
runs a sync in-process, reviews and resolves conflicts, replays parked outbox events
and tails the domain events published to RabbitMQ.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&opts.env, "env", pkgconfig.GetConfigEnv(), "config environment (base.yaml + <env>.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", pkgconfig.GetEnv("CONFIG_DIR", "config"), "config directory")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "output JSON")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at the configured level instead of warn")

	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(conflictsCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env 单条命令的运行环境
type env struct {
	cfg   *config.Config
	log   *zap.Logger
	store *repository.Store
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadFrom(opts.env, opts.configDir)
	if err != nil {
		return nil, nil, err
	}
	if !opts.verbose {
		cfg.Log.Level = "warn"
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func withStore(ctx context.Context, fn func(ctx context.Context, e *env) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := app.OpenStore(ctx, *cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, &env{cfg: cfg, log: log, store: store})
}

func parseID(s, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(header))
	return tw
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
