package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvPrefix prefixes environment variables that set flags, e.g.
// FLOWSYNC_DB or FLOWSYNC_LOG_FILE.
const EnvPrefix = "FLOWSYNC"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // optional config file
	LogFile string // rotate logs into this file instead of stderr
	DB      string // offline store

	// Logger is installed before any subcommand runs.
	Logger *slog.Logger

	logCloser io.Closer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the flowsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "flowsync",
		Short: "flowsync - collaborative workflow sync",
		Long: `Check, import, export and sync workflows edited collaboratively.

Every flag can also be set from the environment (FLOWSYNC_<FLAG>, dashes
become underscores) or from a config file given with --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, opts); err != nil {
				return WrapExitError(ExitCommandError, "failed to load configuration", err)
			}
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.Logger, opts.logCloser = newLogger(opts, cmd.ErrOrStderr())
			slog.SetDefault(opts.Logger)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "write logs to a rotated file")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "flowsync.db", "offline store path")

	// Add subcommands
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewRoomsCommand(opts))
	cmd.AddCommand(NewConnectCommand(opts))

	return cmd
}

// loadConfig fills every flag not set on the command line from the
// environment or the config file.
func loadConfig(cmd *cobra.Command, opts *RootOptions) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	config := opts.Config
	if !cmd.Flags().Changed("config") {
		config = v.GetString("config")
	}
	if config != "" {
		v.SetConfigFile(config)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}

	var setErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if setErr != nil || f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := cmd.Flags().Set(f.Name, v.GetString(f.Name)); err != nil {
			setErr = fmt.Errorf("%s: %w", f.Name, err)
		}
	})
	return setErr
}

// newLogger builds the slog handler for opts. Logs go to stderr unless a
// log file is set; the returned closer is non-nil for log files.
func newLogger(opts *RootOptions, stderr io.Writer) (*slog.Logger, io.Closer) {
	level := slog.LevelWarn
	var w io.Writer = stderr
	var closer io.Closer
	if opts.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		w, closer = rotated, rotated
		level = slog.LevelInfo
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), closer
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), closer
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
