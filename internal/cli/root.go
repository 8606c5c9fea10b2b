// Package cli implements the rclone-backup-setup command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/imedwei/rclone-backup-setup/internal/apperr"
	"github.com/imedwei/rclone-backup-setup/internal/backup"
	"github.com/imedwei/rclone-backup-setup/internal/config"
	"github.com/imedwei/rclone-backup-setup/internal/metrics"
	"github.com/imedwei/rclone-backup-setup/internal/prereq"
	"github.com/imedwei/rclone-backup-setup/internal/rclone"
	"github.com/imedwei/rclone-backup-setup/internal/remoteconfig"
	"github.com/imedwei/rclone-backup-setup/internal/schedule"
	"github.com/imedwei/rclone-backup-setup/internal/script"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagEnvFile    = "env-file"
	defaultEnvFile = ".env"
)

// NewRootCommand builds the root command. Human-facing output goes to
// stdout, logs to stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rclone-backup-setup",
		Short: "Configure a scheduled rclone backup to MinIO",
		Long: `rclone-backup-setup prepares a host for unattended backups to a
MinIO bucket. It writes an rclone remote, a backup script that runs
rclone sync, and a crontab entry that runs the script.

Every run converges on the same state: re-running with the same settings
changes nothing, and changed settings update only what differs.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return apperr.Config("%v", err)
	})

	config.RegisterFlags(cmd.Flags())
	cmd.Flags().String(flagEnvFile, "", "dotenv file to load before reading the environment (default .env if present)")

	cmd.AddCommand(newVersionCommand())
	return cmd
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand(stdout, stderr)
	cmd.SetArgs(args)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		verbose, _ := cmd.Flags().GetBool(config.KeyVerbose)
		fmt.Fprintf(stderr, "Error: %s\n", apperr.Describe(err, verbose))
		return apperr.KindOf(err).ExitCode()
	}
	return 0
}

func run(cmd *cobra.Command, stdout, stderr io.Writer) error {
	envFile, _ := cmd.Flags().GetString(flagEnvFile)
	required := envFile != ""
	if !required {
		envFile = defaultEnvFile
	}
	loaded, err := config.LoadEnvFile(envFile, required)
	if err != nil {
		return err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return apperr.New(apperr.KindConfig, "determine home directory", err)
	}

	v := viper.New()
	if err := config.Bind(v, cmd.Flags(), home); err != nil {
		return apperr.New(apperr.KindConfig, "bind settings", err)
	}
	settings, err := config.Load(v)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if settings.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if loaded {
		logger.Debug("Loaded env file", "path", envFile)
	}
	logger.Debug("Configuration loaded", "settings", settings)

	recordMetrics := settings.MetricsFile != "" && !settings.DryRun
	if recordMetrics {
		if err := metrics.Restore(settings.MetricsFile); err != nil {
			logger.Warn("Failed to read previous metrics file", "path", settings.MetricsFile, "error", err)
		}
	}

	results, runErr := newOrchestrator(settings, logger).Run(cmd.Context())
	for _, r := range results {
		r.Print(stdout, settings.Verbose || settings.DryRun)
	}

	if recordMetrics {
		if err := metrics.WriteTextfile(settings.MetricsFile); err != nil {
			logger.Warn("Failed to write metrics file", "path", settings.MetricsFile, "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}

	fmt.Fprintln(stdout, "Setup complete!")
	if settings.DryRun {
		fmt.Fprintln(stdout, "(dry-run mode - no changes were made)")
	}
	fmt.Fprintln(stdout, "Remember to keep your access keys secure.")
	return nil
}

// newOrchestrator wires the checks and writers for settings. rclone is
// located once so the prerequisite check and the script agree on its path.
func newOrchestrator(settings *config.Settings, logger *slog.Logger) *backup.Orchestrator {
	rclonePath, locateErr := exec.LookPath(rclone.Binary)
	if locateErr == nil {
		if abs, err := filepath.Abs(rclonePath); err == nil {
			rclonePath = abs
		}
	}
	lookPath := func(file string) (string, error) {
		if file == rclone.Binary {
			return rclonePath, locateErr
		}
		return exec.LookPath(file)
	}

	checker := prereq.NewChecker(logger)
	checker.RegisterCheck(rclone.Binary, true, prereq.RcloneCheck(lookPath, true))
	checker.RegisterCheck("crontab", false, prereq.BinaryCheck("crontab", lookPath))

	remote := remoteconfig.Remote{
		Name:      settings.RemoteName,
		Endpoint:  settings.EndpointURL,
		AccessKey: settings.AccessKey,
		SecretKey: settings.SecretKey,
	}
	params := script.Params{
		RcloneBinary: rclonePath,
		Source:       settings.SourcePath,
		Remote:       settings.RemoteName,
		Bucket:       settings.BucketName,
		ConfigPath:   settings.RcloneConfigPath,
		LogFile:      settings.LogFilePath,
	}

	scriptWriter := script.NewWriter(settings.ScriptPath, params, logger)
	return backup.NewOrchestrator(settings, checker,
		remoteconfig.NewWriter(settings.RcloneConfigPath, remote, logger),
		scriptWriter,
		schedule.NewInstaller(schedule.NewCrontabTable(""), settings.CronExpression, scriptWriter.Path(), logger),
		logger,
	)
}
