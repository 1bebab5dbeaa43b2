package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Guizzs26/field-outbox/internal/db"
	"github.com/Guizzs26/field-outbox/internal/mapper"
	"github.com/Guizzs26/field-outbox/internal/models"
	"github.com/Guizzs26/field-outbox/internal/service"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// EnqueueOptions holds flags for the enqueue command
type EnqueueOptions struct {
	*RootOptions
	ID        string
	MachineID string
	EventType string
	Timestamp string
	Payload   map[string]string
}

// NewEnqueueCommand queues one record by hand
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue one event record",
		Long: `Queue one event record.

Example:
  outboxctl enqueue --machine m1 --type downtime --payload reason=Tooling`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eventType, err := models.ParseEventType(opts.EventType)
			if err != nil {
				return err
			}

			ts := time.Now().UTC()
			if opts.Timestamp != "" {
				if ts, err = time.Parse(time.RFC3339Nano, opts.Timestamp); err != nil {
					return fmt.Errorf("invalid --timestamp: %w", err)
				}
			}
			id := opts.ID
			if id == "" {
				id = uuid.NewString()
			}

			rec := models.EventRecord{
				ID:        id,
				MachineID: opts.MachineID,
				EventType: eventType,
				Timestamp: ts.UTC(),
				Payload:   opts.Payload,
			}

			return opts.withStore(cmd.Context(), func(store db.Store) error {
				c := service.NewSyncCoordinator(store, nil, opts.Logger, service.Options{})
				id, err := c.Enqueue(cmd.Context(), rec)
				if err != nil {
					return err
				}
				if opts.jsonOutput() {
					return opts.printJSON(cmd.OutOrStdout(), map[string]string{"id": id, "status": "submitted"})
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "record id (default: new uuid)")
	cmd.Flags().StringVarP(&opts.MachineID, "machine", "m", "", "machine id")
	cmd.Flags().StringVarP(&opts.EventType, "type", "t", "", "event type (downtime|quality|maintenance)")
	cmd.Flags().StringVar(&opts.Timestamp, "timestamp", "", "RFC 3339 timestamp (default: now)")
	cmd.Flags().StringToStringVarP(&opts.Payload, "payload", "p", nil, "payload fields as key=value")
	cmd.MarkFlagRequired("machine")
	cmd.MarkFlagRequired("type")

	return cmd
}

// ImportOptions holds flags for the import command
type ImportOptions struct {
	*RootOptions
	Windows1252 bool
	Comma       string
	Timezone    string
	DryRun      bool
}

// NewImportCommand queues the rows of a legacy terminal CSV export
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Queue the events of a legacy terminal CSV export",
		Long: `Queue the events of a legacy terminal CSV export.

The file needs machine_id, event_type and timestamp columns. An id column
is optional; every other column becomes a payload field. Rows that do not
form a valid record are reported and skipped, and so are ids already queued.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			importOpts := mapper.ImportOptions{Windows1252: opts.Windows1252}
			if opts.Comma != "" {
				r := []rune(opts.Comma)
				if len(r) != 1 {
					return fmt.Errorf("--comma must be a single character")
				}
				importOpts.Comma = r[0]
			}
			if opts.Timezone != "" {
				loc, err := time.LoadLocation(opts.Timezone)
				if err != nil {
					return fmt.Errorf("invalid --tz: %w", err)
				}
				importOpts.Location = loc
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening file: %w", err)
			}
			defer f.Close()

			res, err := mapper.ImportCSV(f, importOpts)
			if err != nil {
				return fmt.Errorf("invalid CSV: %w", err)
			}
			for _, p := range res.Problems {
				opts.Logger.Warn("Row skipped", "file", args[0], "problem", p)
			}

			summary := importSummary{Rows: res.Count + res.Excluded, Excluded: res.Excluded}
			if opts.DryRun {
				summary.Valid = res.Count
				return opts.printImport(cmd, summary)
			}

			err = opts.withStore(cmd.Context(), func(store db.Store) error {
				c := service.NewSyncCoordinator(store, nil, opts.Logger, service.Options{})
				for _, rec := range res.Records {
					_, err := c.Enqueue(cmd.Context(), rec)
					switch {
					case err == nil:
						summary.Queued++
					case errors.Is(err, db.ErrDuplicateID):
						summary.Duplicates++
					default:
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			return opts.printImport(cmd, summary)
		},
	}

	cmd.Flags().BoolVar(&opts.Windows1252, "windows-1252", false, "decode the file as Windows-1252")
	cmd.Flags().StringVar(&opts.Comma, "comma", "", "field separator (default ',')")
	cmd.Flags().StringVar(&opts.Timezone, "tz", "", "time zone for timestamps without offset (default UTC)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "parse and validate without queueing")

	return cmd
}

type importSummary struct {
	Rows       int `json:"rows"`
	Valid      int `json:"valid,omitempty"`
	Queued     int `json:"queued"`
	Duplicates int `json:"duplicates"`
	Excluded   int `json:"excluded"`
}

func (o *ImportOptions) printImport(cmd *cobra.Command, s importSummary) error {
	if o.jsonOutput() {
		return o.printJSON(cmd.OutOrStdout(), s)
	}
	if o.DryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "rows=%d valid=%d excluded=%d (dry run)\n", s.Rows, s.Valid, s.Excluded)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rows=%d queued=%d duplicates=%d excluded=%d\n", s.Rows, s.Queued, s.Duplicates, s.Excluded)
	return nil
}
