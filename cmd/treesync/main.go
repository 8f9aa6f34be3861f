package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/openmined/treesync/internal/config"
	"github.com/openmined/treesync/internal/ghapi"
	"github.com/openmined/treesync/internal/mirror"
	"github.com/openmined/treesync/internal/utils"
	"github.com/openmined/treesync/internal/version"
	"github.com/spf13/cobra"
)

// closes the log file, if any, once the command finished
var logCloser io.Closer

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "treesync",
		Short: "Mirror a GitHub repository subdirectory to local disk",
		Long: "treesync mirrors one directory of a GitHub repository onto local disk, " +
			"downloading only files whose content changed since the last run.",
		Version: version.Detailed(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			cmd.SilenceUsage = true
			return runSync(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	addConfigFlags(rootCmd)
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (json, yaml or toml)")
	rootCmd.PersistentFlags().String("log-file", "", "Also write plain text logs to this file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logs")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored console logs")

	rootCmd.AddCommand(newManifestCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs one treesync invocation and returns its exit status.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
	if err != nil {
		return 1
	}
	return 0
}

func runSync(ctx context.Context, out io.Writer, cfg *config.Config) error {
	slog.Info("treesync", "version", version.Short(), "revision", version.Revision, "build", version.BuildDate)

	client, err := ghapi.New(cfg.ClientConfig())
	if err != nil {
		return err
	}

	engine, err := mirror.NewEngine(cfg, client, &mirror.EnvTokenProvider{Var: cfg.TokenEnv, EnvFile: cfg.EnvFile})
	if err != nil {
		return err
	}

	res, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	printSummary(out, res)

	switch {
	case res.Canceled:
		return fmt.Errorf("sync canceled: %d downloaded, %d not started", res.Downloaded, res.Skipped)
	case !res.Success():
		return fmt.Errorf("sync incomplete: %d of %d files failed", res.Failed, res.NeedingUpdate)
	}
	return nil
}

func setupLogging(cmd *cobra.Command) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	noColor, _ := cmd.Flags().GetBool("no-color")
	logFile, _ := cmd.Flags().GetString("log-file")

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := utils.LogOptions{
		Level:   level,
		Console: os.Stdout,
		NoColor: noColor || os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stdout.Fd()),
	}

	if logFile != "" {
		if err := utils.EnsureParent(logFile); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		numbered := utils.NewNumberedWriter(file)
		opts.File = numbered
		logCloser = closerFunc(func() error {
			return errors.Join(numbered.Close(), file.Close())
		})
	}

	slog.SetDefault(utils.NewLogger(opts))
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
