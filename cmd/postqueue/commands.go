package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/postqueue/internal/app"
	"github.com/bissquit/postqueue/internal/config"
	pgutil "github.com/bissquit/postqueue/internal/pkg/postgres"
	"github.com/bissquit/postqueue/internal/version"
	"github.com/bissquit/postqueue/migrations"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "postqueue",
		Short:         "Schedules approved submissions into a Telegram channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("POSTQUEUE_CONFIG"), "path to YAML config file")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		serveCmd(load),
		migrateCmd(load),
		rebuildCmd(load),
		queueCmd(load),
		versionCmd(),
	)
	return root
}

type loader func() (*config.Config, error)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker, the bot and the HTTP API",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			a, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("create app: %w", err)
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- a.Run()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				slog.Info("received signal", "signal", sig.String())
			case err := <-errCh:
				if err != nil {
					slog.Error("app stopped", "error", err)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.Shutdown(ctx)
		},
	}
}

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back database migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(pgutil.MigrateUp), string(pgutil.MigrateDown)},
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			direction := pgutil.MigrateUp
			if len(args) == 1 {
				direction = pgutil.MigrateDirection(args[0])
			}
			return pgutil.Migrate(migrations.FS, cfg.Database.URL, direction)
		},
	}
}

func rebuildCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Re-space pending posts from the last publication",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), load, func(ctx context.Context, a *app.App) error {
				result, err := a.Controller().Rebuild(ctx)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
}

func queueCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Print pending posts in publication order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), load, func(ctx context.Context, a *app.App) error {
				entries, stats, err := a.Controller().Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{
					"entries": entries,
					"stats":   stats,
				})
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("postqueue %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildDate)
		},
	}
}

// withApp runs fn against a fully wired app without starting its loops.
func withApp(ctx context.Context, load loader, fn func(context.Context, *app.App) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	defer a.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
