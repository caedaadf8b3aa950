package root

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/martinemde/trustee/checkpoint"
)

// Process exit codes.
const (
	ExitOK                = 0
	ExitFailed            = 1
	ExitCorruptCheckpoint = 2
	ExitInterrupted       = 130
)

type rootFlags struct {
	configPath  string
	enableOtel  bool
	debugMode   bool
	logFilePath string
	logFile     io.Closer
}

func NewRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "trustee",
		Short: "trustee - resumable coding agent",
		Long:  "trustee runs an LLM agent against a task, checkpointing as it goes so that interrupted sessions can be resumed",
		Example: `  trustee run "add a --verbose flag to the CLI"
  trustee sessions --list
  trustee resume --session 3f1c2b9e-...`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.setupLogging(cmd.ErrOrStderr()); err != nil {
				slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: flags.level()})))
				slog.Warn("Failed to open log file, logging to stderr", "error", err)
			}

			if flags.enableOtel {
				if err := initOTelSDK(cmd.Context()); err != nil {
					slog.Warn("Failed to initialize OpenTelemetry SDK", "error", err)
				} else {
					slog.Debug("OpenTelemetry SDK initialized successfully")
				}
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if flags.logFile != nil {
				if err := flags.logFile.Close(); err != nil {
					slog.Error("Failed to close log file", "error", err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the configuration file (default: ./trustee.yaml if present)")
	cmd.PersistentFlags().BoolVarP(&flags.debugMode, "debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.enableOtel, "otel", "o", false, "Enable OpenTelemetry tracing (exports to OTEL_EXPORTER_OTLP_ENDPOINT)")
	cmd.PersistentFlags().StringVar(&flags.logFilePath, "log-file", "", "Write logs to this file instead of stderr")

	cmd.AddCommand(newRunCmd(&flags))
	cmd.AddCommand(newResumeCmd(&flags))
	cmd.AddCommand(newSessionsCmd(&flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the CLI with args. The returned error carries the process
// exit code; see ExitCode.
func Execute(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	rootCmd := NewRootCmd()
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	setContextRecursive(ctx, rootCmd)

	if err := rootCmd.Execute(); err != nil {
		return processErr(err, stderr, rootCmd)
	}
	return nil
}

func setContextRecursive(ctx context.Context, cmd *cobra.Command) {
	cmd.SetContext(ctx)
	for _, child := range cmd.Commands() {
		setContextRecursive(ctx, child)
	}
}

func processErr(err error, stderr io.Writer, rootCmd *cobra.Command) error {
	var runErr RuntimeError
	if errors.As(err, &runErr) {
		// Already reported by the command.
		return err
	}
	fmt.Fprintln(stderr, "Error:", err)
	if strings.HasPrefix(err.Error(), "unknown command ") || strings.HasPrefix(err.Error(), "accepts ") {
		fmt.Fprintln(stderr)
		_ = rootCmd.Usage()
	}
	return err
}

func (f *rootFlags) level() slog.Level {
	if f.debugMode {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

// setupLogging sends logs to --log-file when given and to stderr
// otherwise. Without --debug only warnings and errors are logged.
func (f *rootFlags) setupLogging(stderr io.Writer) error {
	path := strings.TrimSpace(f.logFilePath)
	if path == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: f.level()})))
		return nil
	}

	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	f.logFile = logFile
	slog.SetDefault(slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: f.level()})))
	return nil
}

// RuntimeError is a failure the command has already reported to the user.
// Code is the process exit status.
type RuntimeError struct {
	Code int
	Err  error
}

func (e RuntimeError) Error() string {
	return e.Err.Error()
}

func (e RuntimeError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by Execute onto a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var runErr RuntimeError
	if errors.As(err, &runErr) && runErr.Code != 0 {
		return runErr.Code
	}
	if errors.Is(err, checkpoint.ErrCheckpointCorrupt) {
		return ExitCorruptCheckpoint
	}
	return ExitFailed
}
