// Package cmd defines and implements the CLI commands for the apartment sales
// crawler.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/apartment-sales-crawler/internal/app"
	"github.com/JakeFAU/apartment-sales-crawler/internal/config"
	"github.com/JakeFAU/apartment-sales-crawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// appCloser releases the App exactly once, whichever exit path gets there
// first.
type appCloser struct {
	once     sync.Once
	instance *app.App
}

func (c *appCloser) Close() {
	c.once.Do(func() {
		if c.instance != nil {
			c.instance.Close()
		}
	})
}

// newRootCmd creates and configures the root command. The returned closer
// must be called after execution; cobra skips post-run hooks when a command
// fails.
func newRootCmd() (*cobra.Command, *appCloser) {
	var cfgFile string
	closer := &appCloser{}

	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "Ingests closed apartment sales into Postgres.",
		Long: `crawler sweeps the sold-listings search by date batch, extracts the
embedded listing payload from every page and upserts apartment sales into
Postgres. It resumes from the newest stored sale date on every run.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flags are parsed but before the subcommand's RunE, so
		// every command gets a configured App.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			closer.instance = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(*cobra.Command, []string) {
			closer.Close()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment uses the CRAWLER_ prefix")

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd, closer
}

// run executes the CLI with args and always releases the App before
// returning.
func run(ctx context.Context, args []string, out io.Writer) error {
	root, closer := newRootCmd()
	defer closer.Close()
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}

// resolveApp fetches the App stored by the root command.
func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command's
// context; work committed before the signal stays committed.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		// The global logger is a no-op until config loads.
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
