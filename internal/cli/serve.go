package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/incidentsync/cmd/incidentsync/handlers"
	"github.com/kimhsiao/incidentsync/internal/config"
	"github.com/kimhsiao/incidentsync/internal/db"
	"github.com/kimhsiao/incidentsync/internal/logging"
	"github.com/kimhsiao/incidentsync/internal/observability"
	"github.com/kimhsiao/incidentsync/internal/realtime"
	"github.com/kimhsiao/incidentsync/internal/server"
)

const shutdownTimeout = 10 * time.Second

// Server is a fully wired sync server.
type Server struct {
	Handler http.Handler
	Hub     *realtime.Hub
	Service *server.Service
	store   db.Store
}

// NewServer wires the store, metrics, realtime hub, apply pipeline and
// router for cfg. The hub must be started with Hub.Run.
func NewServer(cfg config.ServerConfig, reg *prometheus.Registry) (*Server, error) {
	var store db.Store
	if cfg.UseMemoryStore() {
		mem := db.NewMemoryRepository()
		mem.SeedDemo(time.Now())
		store = mem
	} else {
		repo, err := db.OpenRepository(cfg.DataDir, "incidentsync.db")
		if err != nil {
			return nil, err
		}
		store = repo
	}

	metrics := observability.NewMetrics(reg)
	hub := realtime.NewHub(
		realtime.WithBroadcastBuffer(cfg.BroadcastBuffer),
		realtime.WithClientBuffer(cfg.ClientBuffer),
		realtime.WithHubMetrics(metrics),
	)
	svc := server.NewService(store,
		server.WithBroadcaster(hub),
		server.WithMetrics(metrics),
	)

	router := handlers.NewRouter(handlers.Deps{
		Service:  svc,
		Realtime: hub,
		Gatherer: reg,
	})
	return &Server{Handler: router, Hub: hub, Service: svc, store: store}, nil
}

// Close releases the store.
func (s *Server) Close() error {
	return s.store.Close()
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the sync server: POST /v1/sync, GET /v1/incidents, the realtime
WebSocket on /v1/ws, /health and /metrics.

Examples:
  incidentsync serve
  incidentsync serve --addr 127.0.0.1:4100
  MOCK_DB=true incidentsync serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.cfg.Server
			if addr != "" {
				cfg.Addr = addr
			}
			return runServe(cmd.Context(), cfg, rootOpts.cfg.Log.Level)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func runServe(parent context.Context, cfg config.ServerConfig, logLevel string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if logging.ParseLevel(logLevel) != logging.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := NewServer(cfg, reg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer srv.Close()

	go srv.Hub.Run(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	logging.Info("Sync server listening", map[string]interface{}{
		"addr": cfg.Addr,
		"mode": srv.Service.Mode(),
	})

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to listen on %s", cfg.Addr), err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Shutting down sync server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "graceful shutdown failed", err)
	}
	return nil
}
