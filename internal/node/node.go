// Package node assembles one tremor node: grid membership, the partitioned
// task registry, quorum tracking, the membership and migration
// coordinators, the sync bus and the task executor.
//
// Grid and registry notifications are queued on one bounded channel per
// event kind and handled by one dispatcher goroutine per channel, so a
// slow handler never blocks the grid's probe loop or an HTTP handler.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/clusterconfig"
	"github.com/dreamware/tremor/internal/config"
	"github.com/dreamware/tremor/internal/executor"
	"github.com/dreamware/tremor/internal/grid"
	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/membership"
	"github.com/dreamware/tremor/internal/migration"
	"github.com/dreamware/tremor/internal/nodetasks"
	"github.com/dreamware/tremor/internal/quorum"
	"github.com/dreamware/tremor/internal/reconcile"
	"github.com/dreamware/tremor/internal/registry"
	"github.com/dreamware/tremor/internal/scheduler"
	"github.com/dreamware/tremor/internal/storage"
	"github.com/dreamware/tremor/internal/syncbus"
	"github.com/dreamware/tremor/internal/trigger"
)

// EventBuffer is the capacity of each event channel.
const EventBuffer = 512

// Transport carries grid traffic: hellos for membership and envelopes for
// registry events and sync messages.
type Transport interface {
	cluster.Transport
	grid.Prober
}

// Options wires a Node.
type Options struct {
	Config    *config.Config
	Store     storage.Store
	Transport Transport

	// Faults are the fault runners registered on the executor.
	Faults []executor.FaultRunner

	// Broadcasters receive sync messages in addition to the grid peers.
	Broadcasters []syncbus.Broadcaster

	Metrics   *logging.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
	StartedAt time.Time
}

// Node is one member of a tremor cluster.
type Node struct {
	cfg   *config.Config
	store storage.Store
	self  cluster.Member
	log   *slog.Logger
	now   func() time.Time

	grid       *grid.Grid
	bus        *syncbus.Bus
	assoc      *nodetasks.Cache
	schedules  *scheduler.Service
	clusterCfg *clusterconfig.Service
	monitor    *quorum.Monitor
	guard      *quorum.Guard
	registry   *registry.Registry
	entries    *registry.Handler
	runner     *executor.Runner
	decider    *trigger.Decider
	members    *membership.Coordinator
	migrations *migration.Coordinator
	sweeper    *reconcile.Sweeper
	retrigger  *reconcile.Sweeper

	membershipCh chan cluster.MembershipEvent
	migrationCh  chan cluster.MigrationEvent
	entryCh      chan cluster.EntryEvent
	quorumCh     chan cluster.QuorumEvent
	mergeCh      chan struct{}

	pending  atomic.Int64
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	status   cluster.NodeStatus
	statusMu sync.RWMutex
}

// New assembles a node. Nothing runs until Start.
func New(opts Options) *Node {
	cfg := opts.Config
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = opts.Now()
	}
	log := logging.OrDefault(opts.Logger, "node")

	n := &Node{
		cfg:   cfg,
		store: opts.Store,
		self: cluster.Member{
			ID:        cfg.Node.ID,
			Addr:      cfg.Node.Advertise,
			Host:      cfg.Node.Advertise,
			StartedAt: opts.StartedAt,
		},
		log:          log.With("node", cfg.Node.ID),
		now:          opts.Now,
		membershipCh: make(chan cluster.MembershipEvent, EventBuffer),
		migrationCh:  make(chan cluster.MigrationEvent, EventBuffer),
		entryCh:      make(chan cluster.EntryEvent, EventBuffer),
		quorumCh:     make(chan cluster.QuorumEvent, EventBuffer),
		mergeCh:      make(chan struct{}, EventBuffer),
		done:         make(chan struct{}),
		status:       cluster.StatusPause,
	}
	logger := n.log
	id := n.self.ID

	n.grid = grid.New(n.self, grid.Options{
		Cluster:     cfg.Cluster.Name,
		TokenDigest: cluster.TokenDigest(cfg.Cluster.ValidationToken),
		Mode:        cfg.Cluster.Mode,
		Partitions:  cfg.Cluster.Partitions,
		Interval:    cfg.Cluster.ProbeInterval,
		MaxFailures: cfg.Cluster.MaxFailures,
	}, opts.Transport, n, logger)
	table := n.grid.Table()

	out := syncbus.Fanout{syncbus.NewClusterBroadcaster(id, n.grid, opts.Transport)}
	out = append(out, opts.Broadcasters...)
	n.bus = syncbus.New(id, out, syncbus.DefaultBuffer, logger)

	n.assoc = nodetasks.New(id, opts.Store, n.bus, logger)
	n.schedules = scheduler.New(opts.Store, n.bus, logger)
	n.clusterCfg = clusterconfig.New(id, n.self.Host, opts.Store, n.bus, logger)
	n.monitor = quorum.NewMonitor(cfg.Cluster.Quorum, logger)

	n.registry = registry.New(registry.Options{
		Store:     opts.Store,
		Table:     table,
		Members:   n.grid,
		Transport: opts.Transport,
		Deliver:   n.deliverEntry,
		Logger:    logger,
		Now:       opts.Now,
		NodeID:    id,
	})
	n.sweeper = reconcile.NewSweeper(cfg.Reconcile.SweepDelay, n.retry, logger)
	n.retrigger = reconcile.NewSweeper(cfg.Reconcile.SweepDelay, n.reput, logger)

	n.runner = executor.NewRunner(executor.Options{
		Tasks:     opts.Store,
		Scheduler: n.schedules,
		Registry:  n.registry,
		Retry:     n.sweeper,
		Logger:    logger,
		Now:       opts.Now,
	}, opts.Faults...)
	n.decider = trigger.New(trigger.Deps{
		Tasks:        opts.Store,
		Schedules:    n.schedules,
		Executor:     n.runner,
		Resolver:     executor.NewResolver(cfg.Endpoints),
		Registry:     n.registry,
		Associations: n.assoc,
		Quorum:       n.monitor,
		Metrics:      opts.Metrics,
		Logger:       logger,
		Now:          opts.Now,
		Host:         n.self.Host,
	})

	n.members = membership.NewCoordinator(membership.Deps{
		Owners:  table,
		Assoc:   n.assoc,
		Config:  n.clusterCfg,
		Quorum:  n.monitor,
		Seeds:   n.grid,
		Decider: n.decider,
		Sweeper: n.sweeper,
		Logger:  logger,
		NodeID:  id,
	})
	n.migrations = migration.NewCoordinator(migration.Deps{
		Keys:      n.registry,
		Tasks:     opts.Store,
		Assoc:     n.assoc,
		Schedules: n.schedules,
		Quorum:    n.monitor,
		Decider:   n.decider,
		Sweeper:   n.sweeper,
		Metrics:   opts.Metrics,
		Logger:    logger,
		NodeID:    id,
	})
	n.guard = quorum.NewGuard(quorum.GuardDeps{
		Monitor:        n.monitor,
		Config:         n.clusterCfg,
		Schedules:      n.schedules,
		Assoc:          n.assoc,
		Decider:        n.decider,
		Owners:         table,
		Announcer:      n.registry,
		Metrics:        opts.Metrics,
		Logger:         logger,
		OnFirstPresent: n.reconcileStartup,
		Purgers:        []quorum.Purger{n.sweeper, n.retrigger},
		NodeID:         id,
	})
	n.entries = registry.NewHandler(n.decider, n.assoc, n.schedules, n.registry, logger)

	n.bus.Register(nodetasks.SyncKind, n.assoc)
	n.bus.Register(scheduler.SyncKind, n.schedules)
	n.bus.Register(clusterconfig.SyncKind, n.clusterCfg)
	return n
}

// Start bootstraps the cluster configuration, joins the grid and starts
// the dispatchers, the probe loop and the registry janitor. A
// configuration mismatch is returned as a *cluster.BootstrapError.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	n.ctx = ctx
	c := n.cfg.Cluster

	seeds, err := n.clusterCfg.Bootstrap(ctx, clusterconfig.Params{
		Token:  c.ValidationToken,
		Name:   c.Name,
		Host:   n.self.Host,
		Mode:   c.Mode,
		Seeds:  c.Seeds,
		Quorum: c.Quorum,
	})
	if err != nil {
		n.cancel()
		return err
	}
	if err := n.assoc.Warm(ctx); err != nil {
		n.cancel()
		return fmt.Errorf("warm association cache: %w", err)
	}

	n.startDispatchers(ctx)

	if err := n.grid.Join(ctx, seeds); err != nil {
		n.Stop()
		return err
	}
	n.setStatus(ctx, cluster.StatusActive)
	n.grid.Start(ctx)

	if ttl := n.cfg.Registry.EntryTTL; ttl > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.registry.RunJanitor(ctx, ttl, n.cfg.Registry.JanitorInterval)
		}()
	}
	n.log.Info("node started", "addr", n.self.Addr, "members", len(n.grid.Members()), "quorum", n.monitor.Threshold())
	return nil
}

// Stop leaves the grid and stops every background goroutine. Armed
// schedules are disarmed; running one-shot faults are not interrupted.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.grid.Stop()
		if n.cancel != nil {
			n.cancel()
		}
		close(n.done)
		n.wg.Wait()
		n.sweeper.Stop()
		n.retrigger.Stop()
		n.schedules.Stop()
		n.log.Info("node stopped")
	})
}

// ID returns the node ID.
func (n *Node) ID() string {
	return n.self.ID
}

// Self returns the local member.
func (n *Node) Self() cluster.Member {
	return n.self
}

// Bus returns the sync bus, for attaching external notifiers.
func (n *Node) Bus() *syncbus.Bus {
	return n.bus
}

// Status returns the operator-facing node status.
func (n *Node) Status() cluster.NodeStatus {
	n.statusMu.RLock()
	defer n.statusMu.RUnlock()
	return n.status
}

// setStatus records status and reports the node as active in the grid
// only while it is ACTIVE.
func (n *Node) setStatus(ctx context.Context, status cluster.NodeStatus) {
	n.statusMu.Lock()
	n.status = status
	n.statusMu.Unlock()
	n.grid.SetLocalActive(ctx, status == cluster.StatusActive)
}

// retry is the sweep of the reconciliation queue: the owner decides, any
// other node hands the ID to the owner. An ID that still cannot reach its
// owner is queued for the next sweep.
func (n *Node) retry(ctx context.Context, id string) error {
	if n.grid.Table().OwnerOfKey(id) == n.self.ID {
		_, err := n.decider.Decide(ctx, id)
		return err
	}
	err := n.registry.Reannounce(ctx, id)
	switch {
	case err == nil, errors.Is(err, storage.ErrNotFound):
		return nil
	case errors.Is(err, registry.ErrNoOwner), errors.Is(err, cluster.ErrUnreachable):
		n.requeue(ctx, id)
	}
	return err
}

// requeue queues id for the next reconciliation sweep.
func (n *Node) requeue(ctx context.Context, id string) {
	n.sweeper.Add(id)
	n.sweeper.Schedule(ctx)
}
