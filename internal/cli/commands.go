package cli

import (
	"fmt"

	"github.com/blockadesystems/acmekeeper/internal/housekeeping"
	"github.com/blockadesystems/acmekeeper/internal/storage"
	"github.com/spf13/cobra"
)

// NewReportCommand creates the report command with its accounts and
// certificates subcommands.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report on stored accounts or certificates",
	}

	var accountFlags reportFlags
	var nested bool
	accounts := &cobra.Command{
		Use:   "accounts",
		Short: "Report accounts with their orders, authorizations and challenges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, name, _ := accountFlags.resolve(cmd, rootOpts.cfg)
			return rootOpts.withEngine(func(_ storage.Storage, e *housekeeping.Engine) error {
				return writeJSON(cmd.OutOrStdout(), e.AccountReport(cmd.Context(), format, name, nested))
			})
		},
	}
	accountFlags.register(accounts, false)
	accounts.Flags().BoolVar(&nested, "nested", false, "nest json output as account, order, authorization, challenge")

	var certFlags reportFlags
	certificates := &cobra.Command{
		Use:   "certificates",
		Short: "Report certificates with their order and account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, name, _ := certFlags.resolve(cmd, rootOpts.cfg)
			return rootOpts.withEngine(func(_ storage.Storage, e *housekeeping.Engine) error {
				return writeJSON(cmd.OutOrStdout(), e.CertReport(cmd.Context(), format, name))
			})
		},
	}
	certFlags.register(certificates, false)

	cmd.AddCommand(accounts, certificates)
	return cmd
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired records",
	}

	var flags reportFlags
	var purge bool
	certificates := &cobra.Command{
		Use:   "certificates",
		Short: "Remove certificates that expired before --uts",
		Long: `Remove certificates that expired before --uts. Without --purge the
certificate body is replaced by a removal marker; with --purge the records
are deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, name, uts := flags.resolve(cmd, rootOpts.cfg)
			return rootOpts.withEngine(func(_ storage.Storage, e *housekeeping.Engine) error {
				return writeJSON(cmd.OutOrStdout(), e.CertificatesCleanup(cmd.Context(), uts, purge, format, name))
			})
		},
	}
	flags.register(certificates, true)
	certificates.Flags().BoolVar(&purge, "purge", false, "delete the records instead of marking them")

	cmd.AddCommand(certificates)
	return cmd
}

// NewInvalidateCommand creates the invalidate command.
func NewInvalidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Expire outdated authorizations or orders",
	}

	var authzFlags reportFlags
	authorizations := &cobra.Command{
		Use:   "authorizations",
		Short: "Mark authorizations that expired before --uts as expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, name, uts := authzFlags.resolve(cmd, rootOpts.cfg)
			return rootOpts.withEngine(func(_ storage.Storage, e *housekeeping.Engine) error {
				return writeJSON(cmd.OutOrStdout(), e.AuthorizationsInvalidate(cmd.Context(), uts, format, name))
			})
		},
	}
	authzFlags.register(authorizations, true)

	var orderFlags reportFlags
	orders := &cobra.Command{
		Use:   "orders",
		Short: "Mark unfinished orders that expired before --uts as invalid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, name, uts := orderFlags.resolve(cmd, rootOpts.cfg)
			return rootOpts.withEngine(func(_ storage.Storage, e *housekeeping.Engine) error {
				return writeJSON(cmd.OutOrStdout(), e.OrdersInvalidate(cmd.Context(), uts, format, name))
			})
		},
	}
	orderFlags.register(orders, true)

	cmd.AddCommand(authorizations, orders)
	return cmd
}

// NewDBVersionCommand creates the dbversion command. A mismatch exits with
// ExitFailure.
func NewDBVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dbversion",
		Short: "Compare the database version with the expected one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			expected := housekeeping.ExpectedVersion(rootOpts.cfg)
			return rootOpts.withEngine(func(_ storage.Storage, e *housekeeping.Engine) error {
				if !e.CheckVersion(cmd.Context(), expected) {
					return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("database version does not match %v", expected)}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "database version %v is up to date\n", expected)
				return nil
			})
		},
	}
}

// NewDatesUpdateCommand creates the dates-update command.
func NewDatesUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dates-update",
		Short: "Fill in missing certificate issue and expiry dates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(func(_ storage.Storage, e *housekeeping.Engine) error {
				fmt.Fprintf(cmd.OutOrStdout(), "%d certificate(s) updated\n", e.CertificateDatesUpdate(cmd.Context()))
				return nil
			})
		},
	}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables and record the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withEngine(func(store storage.Storage, _ *housekeeping.Engine) error {
				if err := store.Migrate(cmd.Context()); err != nil {
					return &ExitError{Code: ExitCommandError, Message: "migration failed", Err: err}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema version %v recorded\n", storage.CurrentSchemaVersion)
				return nil
			})
		},
	}
}
