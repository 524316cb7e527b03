// Package grid maintains this node's view of the cluster membership and
// the partition ownership table derived from it.
//
// Each node probes every known member with a Hello at a fixed interval.
// The reply carries the peer's identity, its self-reported liveness flag
// and the members it knows about. A member that misses MaxFailures
// consecutive probes is removed; an address that answers is added. Every
// change of the member list rebalances the partition table and is
// reported to the Sink in a fixed order: the new view first, then one
// membership event per added or removed member, then the migration events
// of every partition that changed owner.
package grid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/partition"
)

// Prober sends a Hello to the node at addr and returns its reply.
type Prober interface {
	Hello(ctx context.Context, addr string, h cluster.Hello) (cluster.Hello, error)
}

// Sink receives what the grid observes. Calls are made in order from one
// goroutine at a time.
type Sink interface {
	ViewChanged(ctx context.Context, view cluster.View)
	Membership(ctx context.Context, ev cluster.MembershipEvent)
	Migration(ctx context.Context, ev cluster.MigrationEvent)
	Merged(ctx context.Context)
}

// Options configures a Grid.
type Options struct {
	Cluster     string
	TokenDigest string
	Mode        cluster.DeploymentMode
	Partitions  int
	Interval    time.Duration
	MaxFailures int
}

type peer struct {
	lastSeen time.Time
	member   cluster.Member
	fails    int
	active   bool
}

// Grid is one node's membership view and the partition table derived
// from it.
//
// Members enter the view through Join, through a Hello received by
// HandleHello, or by answering a probe sent to a seed. They leave it after
// MaxFailures consecutive missed probes or through RemoveMember. Members
// that leave are remembered, so a node that returns is also reported to
// the Sink as a merge.
//
// Concurrency Model:
//   - mu guards the peers, departed members, seeds and the local flag
//   - applyMu serializes membership changes, so Sink calls never interleave
//   - Probes are sent without holding either lock
//   - Start runs one probe goroutine, which Stop cancels and waits for
//
// Thread Safety:
// All methods are safe for concurrent use.
type Grid struct {
	prober      Prober
	sink        Sink
	table       *partition.Table
	log         *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	peers       map[string]*peer
	departed    map[string]cluster.Member
	seeds       map[string]struct{}
	opts        Options
	self        cluster.Member
	wg          sync.WaitGroup
	mu          sync.RWMutex
	applyMu     sync.Mutex
	localActive bool
}

// New creates the grid of the local member self. The local node starts
// flagged inactive.
//
// Zero values in opts select the defaults: partition.DefaultCount
// partitions, a two second probe interval, three missed probes before
// removal and clustered mode.
//
// Example:
//
//	g := grid.New(self, grid.Options{Cluster: "chaos", MaxFailures: 2}, transport, sink, logger)
//	if err := g.Join(ctx, seeds); err != nil {
//	    return err
//	}
//	g.Start(ctx)
//	defer g.Stop()
func New(self cluster.Member, opts Options, prober Prober, sink Sink, logger *slog.Logger) *Grid {
	if opts.Partitions <= 0 {
		opts.Partitions = partition.DefaultCount
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.Mode == "" {
		opts.Mode = cluster.Clustered
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Grid{
		self:     self,
		opts:     opts,
		prober:   prober,
		sink:     sink,
		table:    partition.NewTable(opts.Partitions),
		peers:    make(map[string]*peer),
		departed: make(map[string]cluster.Member),
		seeds:    make(map[string]struct{}),
		log:      logging.OrDefault(logger, "grid"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Self returns the local member.
func (g *Grid) Self() cluster.Member {
	return g.self
}

// Table returns the partition ownership table.
func (g *Grid) Table() *partition.Table {
	return g.table
}

// AddSeed remembers addr as a place to look for members.
func (g *Grid) AddSeed(addr string) {
	if addr == "" || addr == g.self.Addr {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seeds[addr] = struct{}{}
}

// Members returns all members including the local one, oldest first.
func (g *Grid) Members() []cluster.Member {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.membersLocked()
}

func (g *Grid) membersLocked() []cluster.Member {
	members := make([]cluster.Member, 0, len(g.peers)+1)
	members = append(members, g.self)
	for _, p := range g.peers {
		members = append(members, p.member)
	}
	cluster.SortMembers(members)
	return members
}

// Member looks up a member by ID.
func (g *Grid) Member(id string) (cluster.Member, bool) {
	if id == g.self.ID {
		return g.self, true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.peers[id]
	if !ok {
		return cluster.Member{}, false
	}
	return p.member, true
}

// View returns the current members with their liveness flags.
func (g *Grid) View() cluster.View {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.viewLocked()
}

func (g *Grid) viewLocked() cluster.View {
	active := make(map[string]bool, len(g.peers)+1)
	active[g.self.ID] = g.localActive
	for id, p := range g.peers {
		active[id] = p.active
	}
	return cluster.View{Members: g.membersLocked(), Active: active}
}

func (g *Grid) hello() cluster.Hello {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return cluster.Hello{
		Member:      g.self,
		Cluster:     g.opts.Cluster,
		TokenDigest: g.opts.TokenDigest,
		Mode:        g.opts.Mode,
		Members:     g.membersLocked(),
		Active:      g.localActive,
	}
}

// check validates a Hello received from or returned by a peer.
func (g *Grid) check(h cluster.Hello) error {
	switch {
	case h.Cluster != g.opts.Cluster:
		return &cluster.BootstrapError{
			Field:  "cluster_name",
			Reason: fmt.Sprintf("peer %s belongs to cluster %q, not %q", h.Member.Addr, h.Cluster, g.opts.Cluster),
		}
	case h.TokenDigest != g.opts.TokenDigest:
		return &cluster.BootstrapError{
			Field:  "validation_token",
			Reason: fmt.Sprintf("peer %s presented a different validation token", h.Member.Addr),
		}
	case g.opts.Mode == cluster.Standalone || h.Mode == cluster.Standalone:
		return &cluster.BootstrapError{
			Field:  "deployment_mode",
			Reason: fmt.Sprintf("standalone deployment refuses member %s", h.Member.Addr),
		}
	}
	return nil
}

// Join contacts the seeds and the members they report, then installs the
// resulting member list. Partitions owned by existing members before this
// node arrived are assigned silently, so the only migrations reported are
// the ones handing partitions to this node. A rejection by any peer is
// returned as a *cluster.BootstrapError; unreachable seeds are skipped.
func (g *Grid) Join(ctx context.Context, seeds []string) error {
	for _, s := range seeds {
		g.AddSeed(s)
	}
	queue := g.Seeds()
	visited := map[string]bool{g.self.Addr: true}
	hello := g.hello()
	var found []cluster.Member

	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		if visited[addr] {
			continue
		}
		visited[addr] = true

		reply, err := g.prober.Hello(ctx, addr, hello)
		var bootErr *cluster.BootstrapError
		if errors.As(err, &bootErr) {
			return err
		}
		if err != nil {
			g.log.Warn("seed unreachable", "addr", addr, "error", err)
			continue
		}
		if err := g.check(reply); err != nil {
			return err
		}
		if reply.Member.ID == g.self.ID {
			continue
		}
		g.mu.Lock()
		if _, known := g.peers[reply.Member.ID]; !known {
			found = append(found, reply.Member)
		}
		g.peers[reply.Member.ID] = &peer{member: reply.Member, active: reply.Active, lastSeen: time.Now()}
		g.mu.Unlock()
		for _, m := range reply.Members {
			g.AddSeed(m.Addr)
			queue = append(queue, m.Addr)
		}
	}

	g.applyMu.Lock()
	defer g.applyMu.Unlock()
	if len(found) > 0 {
		existing := cluster.MemberIDs(found)
		g.table.Rebalance(existing)
		g.log.Info("joined grid", "members", len(found)+1)
	} else {
		g.log.Info("no peers found, starting a new grid")
	}
	g.publishLocked(ctx, nil, nil)
	return nil
}

// Seeds returns the remembered seed addresses.
func (g *Grid) Seeds() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seeds := make([]string, 0, len(g.seeds))
	for s := range g.seeds {
		seeds = append(seeds, s)
	}
	return seeds
}

// HandleHello processes a Hello from a peer and returns ours. A peer that
// fails validation is rejected with a *cluster.BootstrapError.
func (g *Grid) HandleHello(ctx context.Context, h cluster.Hello) (cluster.Hello, error) {
	if err := g.check(h); err != nil {
		g.log.Warn("rejecting peer", "addr", h.Member.Addr, "error", err)
		return cluster.Hello{}, err
	}
	if h.Member.ID != g.self.ID {
		g.AddSeed(h.Member.Addr)
		isNew, flagChanged := g.record(h)
		switch {
		case isNew:
			g.apply(ctx, []cluster.Member{h.Member}, nil)
		case flagChanged:
			g.apply(ctx, nil, nil)
		}
	}
	return g.hello(), nil
}

// record stores a successful exchange with a peer.
func (g *Grid) record(h cluster.Hello) (isNew, flagChanged bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.peers[h.Member.ID]
	if !ok {
		g.peers[h.Member.ID] = &peer{member: h.Member, active: h.Active, lastSeen: time.Now()}
		return true, false
	}
	flagChanged = p.active != h.Active
	p.active = h.Active
	p.member = h.Member
	p.fails = 0
	p.lastSeen = time.Now()
	return false, flagChanged
}

// SetLocalActive sets the liveness flag this node reports for itself.
func (g *Grid) SetLocalActive(ctx context.Context, active bool) {
	g.mu.Lock()
	changed := g.localActive != active
	g.localActive = active
	g.mu.Unlock()
	if changed {
		g.apply(ctx, nil, nil)
	}
}

// RemoveMember forcibly removes a member from the local view.
func (g *Grid) RemoveMember(ctx context.Context, id string) bool {
	g.mu.RLock()
	p, ok := g.peers[id]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	g.apply(ctx, nil, []cluster.Member{p.member})
	return true
}

// ProbeOnce runs one probe round over all members and unjoined seeds.
func (g *Grid) ProbeOnce(ctx context.Context) {
	g.mu.RLock()
	targets := make([]cluster.Member, 0, len(g.peers))
	known := make(map[string]bool, len(g.peers))
	for _, p := range g.peers {
		targets = append(targets, p.member)
		known[p.member.Addr] = true
	}
	var seeds []string
	for s := range g.seeds {
		if !known[s] {
			seeds = append(seeds, s)
		}
	}
	g.mu.RUnlock()

	hello := g.hello()
	var added, removed []cluster.Member
	flagChanged := false

	for _, m := range targets {
		reply, err := g.prober.Hello(ctx, m.Addr, hello)
		if err == nil {
			err = g.check(reply)
		}
		if err == nil && reply.Member.ID != m.ID {
			err = fmt.Errorf("member %s restarted as %s", m.ID, reply.Member.ID)
		}
		if err != nil {
			if g.fail(m) {
				removed = append(removed, m)
			}
			continue
		}
		if _, changed := g.record(reply); changed {
			flagChanged = true
		}
		g.gossip(reply)
	}

	for _, addr := range seeds {
		reply, err := g.prober.Hello(ctx, addr, hello)
		if err != nil || g.check(reply) != nil || reply.Member.ID == g.self.ID {
			continue
		}
		if isNew, _ := g.record(reply); isNew {
			added = append(added, reply.Member)
		}
		g.gossip(reply)
	}

	if len(added) > 0 || len(removed) > 0 || flagChanged {
		g.apply(ctx, added, removed)
	}
}

// fail counts a missed probe and reports whether m must be removed.
func (g *Grid) fail(m cluster.Member) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.peers[m.ID]
	if !ok {
		return false
	}
	p.fails++
	g.log.Debug("probe failed", "member", m.ID, "attempt", p.fails, "max", g.opts.MaxFailures)
	return p.fails >= g.opts.MaxFailures
}

func (g *Grid) gossip(reply cluster.Hello) {
	for _, m := range reply.Members {
		g.AddSeed(m.Addr)
	}
}

// apply installs added and removed members and publishes the change.
func (g *Grid) apply(ctx context.Context, added, removed []cluster.Member) {
	g.applyMu.Lock()
	defer g.applyMu.Unlock()

	g.mu.Lock()
	for _, m := range removed {
		delete(g.peers, m.ID)
		g.departed[m.ID] = m
	}
	for _, m := range added {
		if _, ok := g.peers[m.ID]; !ok {
			g.peers[m.ID] = &peer{member: m, lastSeen: time.Now()}
		}
	}
	g.mu.Unlock()

	g.publishLocked(ctx, added, removed)
}

// publishLocked rebalances the table and reports the change. The caller
// holds applyMu.
func (g *Grid) publishLocked(ctx context.Context, added, removed []cluster.Member) {
	g.mu.Lock()
	view := g.viewLocked()
	merged := false
	for _, m := range added {
		if _, ok := g.departed[m.ID]; ok {
			delete(g.departed, m.ID)
			merged = true
		}
	}
	g.mu.Unlock()

	ids := cluster.MemberIDs(view.Members)
	moves := g.table.Rebalance(ids)

	g.sink.ViewChanged(ctx, view)
	for _, m := range added {
		g.log.Info("member added", "member", m.ID, "addr", m.Addr)
		g.sink.Membership(ctx, cluster.MembershipEvent{Kind: cluster.MemberAdded, Member: m, Members: view.Members})
	}
	for _, m := range removed {
		g.log.Info("member removed", "member", m.ID, "addr", m.Addr)
		g.sink.Membership(ctx, cluster.MembershipEvent{Kind: cluster.MemberRemoved, Member: m, Members: view.Members})
	}

	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}
	for _, mv := range moves {
		g.migrate(ctx, mv, present)
	}
	if len(moves) > 0 {
		g.log.Info("partitions rebalanced", "moved", len(moves), "members", len(ids))
	}

	if merged {
		g.log.Info("merged with a previously removed member")
		g.sink.Merged(ctx)
	}
}

func (g *Grid) migrate(ctx context.Context, mv partition.Move, present map[string]bool) {
	switch {
	case mv.From == "":
		return
	case mv.To == "":
		g.sink.Migration(ctx, cluster.MigrationEvent{Kind: cluster.MigrationFailed, OldOwner: mv.From, Partition: mv.Partition})
		return
	case !present[mv.From]:
		g.sink.Migration(ctx, cluster.MigrationEvent{Kind: cluster.MigrationCompleted, NewOwner: mv.To, Partition: mv.Partition})
		return
	}
	g.table.SetState(mv.Partition, partition.StateMigrating)
	g.sink.Migration(ctx, cluster.MigrationEvent{Kind: cluster.MigrationStarted, OldOwner: mv.From, NewOwner: mv.To, Partition: mv.Partition})
	g.sink.Migration(ctx, cluster.MigrationEvent{Kind: cluster.MigrationCompleted, OldOwner: mv.From, NewOwner: mv.To, Partition: mv.Partition})
	g.table.SetState(mv.Partition, partition.StateActive)
}

// Start runs the probe loop in a new goroutine until Stop is called or
// ctx is cancelled.
func (g *Grid) Start(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.opts.Interval)
		defer ticker.Stop()
		g.log.Info("grid probe loop started", "interval", g.opts.Interval)
		for {
			select {
			case <-ticker.C:
				g.ProbeOnce(ctx)
			case <-ctx.Done():
				return
			case <-g.ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the probe loop and waits for it.
func (g *Grid) Stop() {
	g.cancel()
	g.wg.Wait()
}
