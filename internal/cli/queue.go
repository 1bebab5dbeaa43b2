package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Guizzs26/field-outbox/internal/config"
	"github.com/Guizzs26/field-outbox/internal/db"
	"github.com/Guizzs26/field-outbox/internal/models"
	"github.com/Guizzs26/field-outbox/internal/service"
	"github.com/spf13/cobra"
)

// NewCountCommand prints the queue depth
func NewCountCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of queued records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(store db.Store) error {
				n, err := store.Count(cmd.Context())
				if err != nil {
					return err
				}
				if opts.jsonOutput() {
					return opts.printJSON(cmd.OutOrStdout(), map[string]int{"queue_depth": n})
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

// NewListCommand prints the queued records in insertion order
func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued records in the order they will be sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(store db.Store) error {
				records, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				if opts.jsonOutput() {
					if records == nil {
						records = []models.EventRecord{}
					}
					return opts.printJSON(cmd.OutOrStdout(), records)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tMACHINE\tTYPE\tTIMESTAMP\tSTATE\tPAYLOAD")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.MachineID, r.EventType, r.Timestamp.Format(time.RFC3339), r.State, formatPayload(r.Payload))
				}
				return tw.Flush()
			})
		},
	}
}

// NewRecoverCommand returns records stranded in flight by a crash to pending
func NewRecoverCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Return records left in flight by an interrupted cycle to pending",
		Long: `Return records left in flight by an interrupted cycle to pending.

On a postgres queue only claims older than STALE_AFTER_SEC are returned,
so sends still running on another terminal are left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(store db.Store) error {
				n, err := store.ResetInFlight(cmd.Context())
				if err != nil {
					return err
				}
				if opts.jsonOutput() {
					return opts.printJSON(cmd.OutOrStdout(), map[string]int{"recovered": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recovered %d record(s)\n", n)
				return nil
			})
		},
	}
}

// SyncOptions holds flags for the sync command
type SyncOptions struct {
	*RootOptions
	Timeout time.Duration
}

// NewSyncCommand runs a single drain cycle against the configured sender
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one drain cycle now",
		Long: `Run one drain cycle now, regardless of connectivity.

Records that fail stay queued. Records another terminal is sending are
skipped. The command exits non-zero when the cycle did not fully succeed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout := opts.Timeout
			if timeout <= 0 {
				timeout = opts.Config.SendTimeout
			}
			if stale := opts.Config.StaleAfter; stale > 0 && config.MinStaleAfter(timeout) > stale {
				return fmt.Errorf("--timeout %s is too long for STALE_AFTER_SEC=%d: other terminals could reclaim records still being sent",
					timeout, int(stale.Seconds()))
			}

			return opts.withStore(cmd.Context(), func(store db.Store) error {
				sender, err := opts.OpenSender()
				if err != nil {
					return err
				}
				defer sender.Close()

				c := service.NewSyncCoordinator(store, sender, opts.Logger, service.Options{
					SendTimeout:          timeout,
					RejectAlertThreshold: opts.Config.RejectAlertThreshold,
				})

				if _, err := store.ResetInFlight(cmd.Context()); err != nil {
					return err
				}
				report := c.Drain(cmd.Context())

				if opts.jsonOutput() {
					if err := opts.printJSON(cmd.OutOrStdout(), reportView(report)); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "result=%s attempted=%d delivered=%d failed=%d skipped=%d remaining=%d\n",
						report.Result, report.Attempted, report.Delivered, report.Failed, report.Skipped, report.Remaining)
				}

				if report.Result != service.ResultSuccess {
					return fmt.Errorf("drain cycle finished with result %q, %d record(s) still queued", report.Result, report.Remaining)
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-record send timeout (default SEND_TIMEOUT_SEC)")

	return cmd
}

func reportView(r service.CycleReport) map[string]any {
	v := map[string]any{
		"result":      r.Result,
		"attempted":   r.Attempted,
		"delivered":   r.Delivered,
		"failed":      r.Failed,
		"skipped":     r.Skipped,
		"remaining":   r.Remaining,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		v["error"] = r.Err.Error()
	}
	return v
}

func formatPayload(p map[string]string) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p[k])
	}
	return strings.Join(parts, " ")
}
