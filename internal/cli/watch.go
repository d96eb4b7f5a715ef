package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/incidentsync/internal/logging"
	"github.com/kimhsiao/incidentsync/internal/realtime"
	syncpkg "github.com/kimhsiao/incidentsync/internal/sync"
	"github.com/kimhsiao/incidentsync/internal/sync/scheduler"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the device in sync in the background",
		Long: `Sync once, then keep syncing: every client.sync_interval and whenever
the realtime channel reports an incident change. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := rootOpts.cfg.Client
			out := rootOpts.formatter(cmd)
			return withDevice(ctx, rootOpts, func(d *device) error {
				sched := scheduler.NewScheduler(d.client, &scheduler.SchedulerConfig{
					SyncInterval:    cfg.SyncInterval,
					MinWakeInterval: time.Second,
				})
				sched.OnSync(func(r *syncpkg.SyncResult) {
					out.Linef("synced: pushed %d, pulled %d, merged %d, cursor %s",
						r.Pushed, r.Pulled, r.Merged, displayCursor(r.Cursor))
				})

				if cfg.Realtime {
					listener, err := realtime.NewListener(cfg.ServerURL, sched.RemoteChanged)
					if err != nil {
						return WrapExitError(ExitCommandError, "invalid server url", err)
					}
					go listener.Run(ctx)
				}

				sched.Start(ctx)
				defer sched.Stop()

				if _, err := sched.SyncNow(ctx); err != nil {
					logging.Warn("Initial sync failed, will retry", map[string]interface{}{
						"error": err.Error(),
					})
				}

				<-ctx.Done()
				return nil
			})
		},
	}
}
