// Package cmd defines the marketpulse CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketpulse/internal/app"
	"github.com/JakeFAU/marketpulse/internal/config"
	"github.com/JakeFAU/marketpulse/internal/logging"
	"github.com/JakeFAU/marketpulse/internal/trigger"
)

// App is what the commands need from the application container. Tests
// inject a fake.
type App interface {
	Close()
	Serve(ctx context.Context) error
	Migrate(ctx context.Context) error
	RunTask(ctx context.Context, name string) (any, error)
	Tasks() []trigger.Task
}

// newApp is the application factory, replaceable in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

type runtimeKey struct{}

type runtime struct {
	app    App
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "marketpulse",
		Short: "Competitor monitoring crawl and notification pipeline.",
		Long: `marketpulse crawls competitor pages on a schedule, detects price,
promotion and menu changes, and notifies subscribed users by email.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), runtimeKey{}, &runtime{app: appInstance, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime); ok && rt.app != nil {
				rt.app.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); MARKETPULSE_* environment variables override it")

	cmd.AddCommand(newServeCmd(), newRunCmd(), newCronCmd(), newMigrateCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil || rt.app == nil {
		return nil, errors.New("application not initialized")
	}
	return rt, nil
}

// Execute runs the CLI until it finishes or the process is signaled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
