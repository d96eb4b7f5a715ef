package cli

import (
	"context"

	"github.com/kimhsiao/incidentsync/internal/config"
	"github.com/kimhsiao/incidentsync/internal/db"
	syncpkg "github.com/kimhsiao/incidentsync/internal/sync"
	"github.com/kimhsiao/incidentsync/internal/sync/queue"
	"github.com/kimhsiao/incidentsync/internal/uuid"
)

// device bundles the local store, operation log and sync client of this
// machine.
type device struct {
	repo   *db.LocalRepository
	oplog  *queue.OpLog
	client *syncpkg.Client
}

// openDevice opens the local store under cfg.DataDir. Without a configured
// device id one is generated and persisted on first use.
func openDevice(ctx context.Context, cfg config.ClientConfig) (*device, error) {
	repo, err := db.OpenLocalRepository(cfg.DataDir, "client.db")
	if err != nil {
		return nil, err
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID, err = repo.DeviceID(ctx, uuid.NewDeviceID)
		if err != nil {
			repo.Close()
			return nil, err
		}
	}

	oplog := queue.New(repo, deviceID)
	transport := syncpkg.NewHTTPTransport(cfg.ServerURL, cfg.RequestTimeout)
	return &device{
		repo:   repo,
		oplog:  oplog,
		client: syncpkg.NewClient(transport, repo, oplog),
	}, nil
}

func (d *device) Close() error {
	return d.repo.Close()
}

// withDevice opens the device for the duration of fn.
func withDevice(ctx context.Context, opts *RootOptions, fn func(d *device) error) error {
	d, err := openDevice(ctx, opts.cfg.Client)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open local store", err)
	}
	defer d.Close()
	return fn(d)
}
