package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/config"
	"github.com/dreamware/tremor/internal/executor"
	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/node"
	"github.com/dreamware/tremor/internal/storage"
	"github.com/dreamware/tremor/internal/syncbus"
)

const shutdownTimeout = 10 * time.Second

type nodeOptions struct {
	configPath string
	traces     bool
}

func newNodeCommand() *cobra.Command {
	opts := &nodeOptions{}
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a tremor node",
		Long: `Run a tremor node until SIGINT or SIGTERM.

Configuration is read from --config, then .env, then TREMOR_*
environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.Flags().BoolVar(&opts.traces, "traces", false, "export trace spans to stdout")
	return cmd
}

func runNode(ctx context.Context, opts *nodeOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}

	shutdown, err := logging.Setup(ctx, logging.Options{NodeID: cfg.Node.ID, Traces: opts.traces})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, "tremor: telemetry shutdown:", err)
		}
	}()
	log := logging.Logger("main")

	metrics, err := logging.NewMetrics()
	if err != nil {
		return err
	}

	store, notifier, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var faults []executor.FaultRunner
	if cfg.Docker.Enabled {
		api, err := executor.NewDockerClient(cfg.Docker.Host)
		if err != nil {
			return fmt.Errorf("docker client: %w", err)
		}
		defer api.Close()
		faults = append(faults, executor.NewDockerRunner(api, log))
	}

	var broadcasters []syncbus.Broadcaster
	if notifier != nil {
		broadcasters = append(broadcasters, notifier)
	}

	n := node.New(node.Options{
		Config:       cfg,
		Store:        store,
		Transport:    cluster.NewHTTPTransport(nil),
		Faults:       faults,
		Broadcasters: broadcasters,
		Metrics:      metrics,
		Logger:       log,
	})

	// Peers hello us during Start, so the listener comes first.
	ln, err := net.Listen("tcp", cfg.Node.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Node.Listen, err)
	}
	srv := &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	log.Info("listening", "listen", cfg.Node.Listen, "advertise", cfg.Node.Advertise)

	if err := n.Start(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	if notifier != nil {
		go func() {
			if err := notifier.Run(ctx, n.Bus()); err != nil {
				log.Error("postgres sync listener stopped", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		log.Error("http server failed", "error", err)
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", "error", serr)
	}
	n.Stop()
	return err
}

// openStore opens the configured store. A Postgres store also returns the
// LISTEN/NOTIFY sync notifier sharing its database.
func openStore(cfg *config.Config, log *slog.Logger) (storage.Store, *syncbus.PGNotifier, error) {
	if cfg.Store.Driver == config.DriverMemory {
		log.Warn("using the in-memory store; state is lost on exit and not shared with other nodes")
		return storage.NewMemoryStore(), nil, nil
	}
	s, err := storage.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store.Driver != storage.DriverPostgres {
		return s, nil, nil
	}
	return s, syncbus.NewPGNotifier(s.DB(), cfg.Store.DSN, cfg.Store.NotifyChannel, log), nil
}
