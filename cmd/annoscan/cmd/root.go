package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/abramin/annoscan/internal/config"
	"github.com/abramin/annoscan/internal/logging"
	"github.com/abramin/annoscan/internal/telemetry"
)

var (
	cfgFile  string
	logLevel string
	trace    bool

	cfg         *config.Config
	logger      *slog.Logger
	flushTracer func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "annoscan",
	Short: "annoscan - Index annotation targets of Java class files",
	Long: `annoscan reads compiled Java classes from directories and jars and
indexes which classes, packages, fields and methods carry which annotations.

Sources are grouped by policy (seed, partial, excluded, external). External
sources are only read to resolve classes the other sources reference.
Results are cached per source and reused while the source is unchanged.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		if trace {
			flushTracer, err = telemetry.InstallStdoutTracer(os.Stderr)
			if err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if flushTracer != nil {
			return flushTracer(context.Background())
		}
		return nil
	},
}

// Execute runs the CLI. An interrupt cancels the running command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./annoscan.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&trace, "trace", false, "write scan spans to stderr")
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *slog.Logger {
	return logger
}
