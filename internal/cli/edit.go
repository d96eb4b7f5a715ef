package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/incidentsync/internal/models"
	syncpkg "github.com/kimhsiao/incidentsync/internal/sync"
)

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	var draft syncpkg.IncidentDraft
	var severity string
	var lat, lng float64

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Record a new incident locally and queue it for sync",
		Long: `Record a new incident as a local draft and queue an upsertIncident
operation. The incident reaches the server on the next sync.

Examples:
  incidentsync report --title "Pothole on 5th" --severity HIGH
  incidentsync report --title "Broken light" --lat 40.74 --lng -73.98`,
		RunE: func(cmd *cobra.Command, args []string) error {
			draft.Severity = models.Severity(strings.ToUpper(severity))
			if cmd.Flags().Changed("lat") {
				draft.Lat = &lat
			}
			if cmd.Flags().Changed("lng") {
				draft.Lng = &lng
			}

			out := rootOpts.formatter(cmd)
			return withDevice(cmdContext(cmd), rootOpts, func(d *device) error {
				local, err := d.client.ReportIncident(cmdContext(cmd), draft)
				if err != nil {
					return out.Fail("failed to record incident", err)
				}
				return out.Success(local, func() {
					out.Linef("Recorded draft %s %q (queued for sync)", local.ID, local.Title)
				})
			})
		},
	}

	cmd.Flags().StringVar(&draft.Title, "title", "", "incident title (required)")
	_ = cmd.MarkFlagRequired("title")
	cmd.Flags().StringVar(&draft.Description, "description", "", "incident description")
	cmd.Flags().StringVar(&severity, "severity", "", "LOW, MEDIUM or HIGH (default LOW)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <incident-id> <OPEN|IN_PROGRESS|RESOLVED|REJECTED>",
		Short: "Change an incident's status locally and queue it for sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := models.Status(strings.ToUpper(args[1]))

			out := rootOpts.formatter(cmd)
			return withDevice(cmdContext(cmd), rootOpts, func(d *device) error {
				local, err := d.client.ChangeStatus(cmdContext(cmd), args[0], status)
				if err != nil {
					return out.Fail("failed to change status", err)
				}
				return out.Success(local, func() {
					out.Linef("%s is now %s (queued for sync)", local.ID, local.Status)
				})
			})
		},
	}
}

// NewDuplicateCommand creates the duplicate command.
func NewDuplicateCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "duplicate <incident-id> <canonical-id>",
		Short: "Mark an incident as a duplicate of another and queue it for sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			return withDevice(cmdContext(cmd), rootOpts, func(d *device) error {
				op, err := d.client.MarkDuplicate(cmdContext(cmd), args[0], args[1], reason)
				if err != nil {
					return out.Fail("failed to queue duplicate link", err)
				}
				return out.Success(op, func() {
					out.Linef("Queued %s as duplicate of %s (op %s)", args[0], args[1], op.ID)
				})
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the incidents are the same")
	return cmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
