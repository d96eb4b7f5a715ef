package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/incidentsync/internal/models"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle: push pending operations, pull incidents",
		Long: `Run one sync cycle against the configured server.

Pending operations are pushed in the order they were recorded, the
authoritative incident list is pulled and local copies are reconciled.
On failure nothing local changes and the command can simply be rerun.

Exit codes:
  0 - Sync completed
  1 - Sync failed (server unreachable or rejected the batch)
  2 - Command error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			return withDevice(cmdContext(cmd), rootOpts, func(d *device) error {
				result, err := d.client.SyncNow(cmdContext(cmd))
				if err != nil {
					return out.Fail("sync failed", err)
				}
				return out.Success(result, func() {
					out.Linef("Pushed %d, acknowledged %d, pulled %d (adopted %d, merged %d), cursor %s in %s",
						result.Pushed, result.Acknowledged, result.Pulled, result.Adopted, result.Merged,
						displayCursor(result.Cursor), result.Duration.Round(time.Millisecond))
				})
			})
		},
	}
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List operations waiting to be pushed",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			return withDevice(cmdContext(cmd), rootOpts, func(d *device) error {
				pending, err := d.client.Pending(cmdContext(cmd))
				if err != nil {
					return out.Fail("failed to list pending operations", err)
				}
				if pending == nil {
					pending = []models.PendingOp{}
				}
				return out.Success(pending, func() {
					if len(pending) == 0 {
						out.Linef("No pending operations.")
						return
					}
					w := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "SEQ\tOP\tTYPE\tENTITY\tCOUNTER")
					for _, p := range pending {
						fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", p.Seq, p.Operation.ID, p.Operation.Type,
							p.Operation.EntityID, p.Operation.ChangeVector.Counter)
					}
					w.Flush()
				})
			})
		},
	}
}

// NewIncidentsCommand creates the incidents command.
func NewIncidentsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "incidents",
		Short: "List local incident copies",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			return withDevice(cmdContext(cmd), rootOpts, func(d *device) error {
				incidents, err := d.client.Incidents(cmdContext(cmd))
				if err != nil {
					return out.Fail("failed to list incidents", err)
				}
				if incidents == nil {
					incidents = []models.LocalIncident{}
				}
				return out.Success(incidents, func() {
					if len(incidents) == 0 {
						out.Linef("No incidents.")
						return
					}
					w := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tSTATUS\tSEVERITY\tFLAGS\tTITLE")
					for _, inc := range incidents {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", inc.ID, inc.Status, inc.Severity,
							incidentFlags(inc), inc.Title)
					}
					w.Flush()
				})
			})
		},
	}
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	var clear string

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List local copies overwritten by server values",
		Long: `List the reconciliation log. Each entry records a local copy whose
title, description or status differed from the server and was overwritten.

Use --clear <incident-id> once the overwrite has been reviewed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			return withDevice(cmdContext(cmd), rootOpts, func(d *device) error {
				ctx := cmdContext(cmd)
				if clear != "" {
					if err := d.client.ClearMerged(ctx, clear); err != nil {
						return out.Fail("failed to clear merged flag", err)
					}
					return out.Success(map[string]string{"cleared": clear}, func() {
						out.Linef("Cleared merged flag on %s", clear)
					})
				}

				conflicts, err := d.client.Conflicts(ctx)
				if err != nil {
					return out.Fail("failed to list conflicts", err)
				}
				if conflicts == nil {
					conflicts = []models.ConflictLog{}
				}
				return out.Success(conflicts, func() {
					if len(conflicts) == 0 {
						out.Linef("No conflicts.")
						return
					}
					w := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ITEM\tFIELDS\tRESOLUTION\tDETECTED")
					for _, c := range conflicts {
						fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", c.ItemID, c.Fields, c.Resolution,
							c.DetectedAt.Format(time.RFC3339))
					}
					w.Flush()
				})
			})
		},
	}

	cmd.Flags().StringVar(&clear, "clear", "", "clear the merged flag of an incident")
	return cmd
}

func incidentFlags(inc models.LocalIncident) string {
	switch {
	case inc.Draft && inc.Merged:
		return "draft,merged"
	case inc.Draft:
		return "draft"
	case inc.Merged:
		return "merged"
	default:
		return "-"
	}
}

func displayCursor(c string) string {
	if c == "" {
		return "(none)"
	}
	return c
}
