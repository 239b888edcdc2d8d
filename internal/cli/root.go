// Package cli implements the acmekeeper housekeeping command line.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/blockadesystems/acmekeeper/internal/config"
	"github.com/blockadesystems/acmekeeper/internal/housekeeping"
	"github.com/blockadesystems/acmekeeper/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Exit codes.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Check failed, e.g. a database version mismatch
	ExitCommandError = 2 // Configuration or database could not be opened
)

// ExitError carries the exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// GetExitCode extracts the exit code from err. Errors that are not an
// ExitError map to ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// RootOptions holds global flags and the state derived from them.
type RootOptions struct {
	ConfigFile string
	Verbose    bool

	cfg    *config.Config
	logger *zap.Logger

	// OpenStore opens the storage named by the configuration.
	OpenStore func(cfg *config.DBConfig) (storage.Storage, error)
}

// NewRootCommand creates the root command of the acmekeeper CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{OpenStore: storage.NewStorage}

	cmd := &cobra.Command{
		Use:   "acmekeeper",
		Short: "Housekeeping for the ACME certificate store",
		Long: `Report on accounts and certificates, expire outdated authorizations and
orders, clean up expired certificates and check the database version.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "TOML configuration file (default $ACMEKEEPER_CONFIG_FILE)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewInvalidateCommand(opts))
	cmd.AddCommand(NewDBVersionCommand(opts))
	cmd.AddCommand(NewDatesUpdateCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

// setup loads the configuration and builds the logger. Logs go to errOut
// so that they never mix with command output.
func (o *RootOptions) setup(errOut io.Writer) error {
	var err error
	if o.ConfigFile != "" {
		o.cfg, err = config.LoadConfigFile(o.ConfigFile)
	} else {
		o.cfg, err = config.LoadConfig()
	}
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "failed to load configuration", Err: err}
	}

	level := zapcore.WarnLevel
	if o.Verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(errOut), level)
	o.logger = zap.New(core).With(zap.String("package", "cli"))
	return nil
}

// withEngine opens the store, runs fn with a housekeeping engine on it and
// closes the store.
func (o *RootOptions) withEngine(fn func(store storage.Storage, e *housekeeping.Engine) error) error {
	store, err := o.OpenStore(&o.cfg.DB)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "failed to open storage", Err: err}
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			o.logger.Warn("Failed to close storage", zap.Error(cerr))
		}
	}()
	return fn(store, housekeeping.New(store, housekeeping.WithLogger(o.logger)))
}

// writeJSON prints v indented with four spaces.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}

// reportFlags are the flags shared by report, cleanup and invalidate
// commands. Unset flags fall back to the [Housekeeping] section.
type reportFlags struct {
	format string
	name   string
	uts    int64
}

func (f *reportFlags) register(cmd *cobra.Command, withUTS bool) {
	cmd.Flags().StringVar(&f.format, "format", "", "report format (csv|json), default from configuration")
	cmd.Flags().StringVar(&f.name, "name", "", "report file name without extension, default from configuration")
	if withUTS {
		cmd.Flags().Int64Var(&f.uts, "uts", 0, "cutoff as unix seconds (default now)")
	}
}

func (f *reportFlags) resolve(cmd *cobra.Command, cfg *config.Config) (format, name string, uts *int64) {
	format, name = f.format, f.name
	if format == "" {
		format = cfg.Housekeeping.ReportFormat
	}
	if name == "" {
		name = cfg.Housekeeping.ReportName
	}
	if flag := cmd.Flags().Lookup("uts"); flag != nil && flag.Changed {
		v := f.uts
		uts = &v
	}
	return format, name, uts
}
