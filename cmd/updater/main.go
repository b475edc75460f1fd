package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/italolelis/firmware_updater/internal/config"
	"github.com/italolelis/firmware_updater/internal/logctx"
)

var rootCmd = &cobra.Command{
	Use:   "updater",
	Short: "Firmware update manager",
	Long:  `updater downloads, verifies and installs firmware updates offered by an update feed.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the update daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConfig(cmd.Context(), serve)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Fetch the update feed once and print the compatible updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConfig(cmd.Context(), func(ctx context.Context, cfg *config.Config) error {
			return check(ctx, cfg, cmd.OutOrStdout())
		})
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <package>",
	Short: "Verify a package and show how it would be installed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(logctx.NewTraceHandler(slog.NewTextHandler(os.Stderr, nil)))

		return inspect(logctx.WithLogger(cmd.Context(), logger), args[0], cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(inspectCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withConfig(ctx context.Context, fn func(ctx context.Context, cfg *config.Config) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()

	slog.SetDefault(logger)

	return fn(logctx.WithLogger(ctx, logger), cfg)
}

// newLogger writes JSON logs to stdout, or to a rotated file when LOG_FILE is set.
func newLogger(cfg *config.Config) (*slog.Logger, func()) {
	var (
		out     io.Writer = os.Stdout
		closeFn           = func() {}
	)

	if cfg.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		}
		out = rotated
		closeFn = func() { _ = rotated.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.SlogLevel()})

	return slog.New(logctx.NewTraceHandler(handler)), closeFn
}
