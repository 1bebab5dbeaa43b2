package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/Guizzs26/field-outbox/internal/broker"
	"github.com/Guizzs26/field-outbox/internal/config"
	"github.com/Guizzs26/field-outbox/internal/db"
	"github.com/Guizzs26/field-outbox/pkg/infra"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags and the backends shared by every command.
// OpenStore and OpenSender default to the environment configuration when nil.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	Config     *config.Config
	Logger     *slog.Logger
	OpenStore  func(ctx context.Context) (db.Store, error)
	OpenSender func() (broker.Sender, error)
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the outboxctl command wired to the environment configuration
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(&RootOptions{})
}

// NewRootCommandWith creates the root command around pre-built options (tests inject stores here)
func NewRootCommandWith(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outboxctl",
		Short: "Inspect and maintain the field event outbox",
		Long: `Maintenance tool for the field event outbox.

Works directly on the queue store. An embedded badger directory is locked
by the relay, so stop the relay first. A postgres queue can be shared with
running relays: records are claimed before they are sent, and only claims
older than STALE_AFTER_SEC are treated as abandoned.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.init(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewCountCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))

	return cmd
}

func (o *RootOptions) init(stderr io.Writer) error {
	if o.Config == nil {
		o.Config = config.Load()
	}
	if o.Logger == nil {
		level := "WARN"
		if o.Verbose {
			level = "DEBUG"
		}
		o.Logger = infra.NewLogger(stderr, level, o.Config.LogFormat)
	}
	if o.OpenStore == nil {
		o.OpenStore = func(ctx context.Context) (db.Store, error) {
			if err := o.Config.Validate(); err != nil {
				return nil, err
			}
			return db.Open(ctx, o.Config, o.Logger)
		}
	}
	if o.OpenSender == nil {
		o.OpenSender = func() (broker.Sender, error) {
			return broker.FromConfig(o.Config, o.Logger)
		}
	}
	return nil
}

// withStore opens the store for the duration of fn
func (o *RootOptions) withStore(ctx context.Context, fn func(db.Store) error) error {
	store, err := o.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("opening queue store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func (o *RootOptions) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *RootOptions) jsonOutput() bool {
	return o.Format == "json"
}

// Execute runs outboxctl and exits non-zero on failure
func Execute() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
