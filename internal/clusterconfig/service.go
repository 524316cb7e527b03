// Package clusterconfig owns the durable cluster configuration record:
// validation token, cluster name, member hosts, master, quorum size and
// deployment mode.
//
// Bootstrap creates the record on the very first start of a cluster and
// validates every later start against it. After that the record is only
// written by the oldest member, so concurrent writers are rare; every
// write is announced on the sync bus and the other nodes reload it.
package clusterconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/storage"
)

// SyncKind is the sync bus kind of the configuration record.
const SyncKind = "cluster-config"

// Publisher announces writes to other nodes.
type Publisher interface {
	Publish(ctx context.Context, kind, id string) error
}

// Params is the bootstrap configuration of the local node.
type Params struct {
	Token  string
	Name   string
	Host   string
	Mode   cluster.DeploymentMode
	Seeds  []string
	Quorum int
}

// Service caches and maintains the configuration record.
type Service struct {
	store   storage.ClusterConfigStore
	bus     Publisher
	log     *slog.Logger
	current *cluster.Config
	nodeID  string
	host    string
	mu      sync.Mutex
}

// New creates the service of the node nodeID with public address host.
// bus may be nil.
func New(nodeID, host string, store storage.ClusterConfigStore, bus Publisher, logger *slog.Logger) *Service {
	return &Service{
		nodeID: nodeID,
		host:   host,
		store:  store,
		bus:    bus,
		log:    logging.OrDefault(logger, "clusterconfig"),
	}
}

// Bootstrap creates the record when none exists, or validates p against
// it. It returns the seed list to join with: p.Seeds plus the persisted
// members, without the local host. Mismatches are *cluster.BootstrapError.
func (s *Service) Bootstrap(ctx context.Context, p Params) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.store.LoadClusterConfig(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		cfg = &cluster.Config{
			ValidationToken: p.Token,
			Name:            p.Name,
			Mode:            p.Mode,
			Quorum:          p.Quorum,
			Members:         []string{p.Host},
		}
		if err := s.store.SaveClusterConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("create cluster config: %w", err)
		}
		s.log.Info("cluster config created", "cluster", p.Name, "mode", p.Mode, "quorum", p.Quorum)
	case err != nil:
		return nil, fmt.Errorf("load cluster config: %w", err)
	default:
		if err := validate(cfg, p); err != nil {
			return nil, err
		}
	}
	s.current = cfg.Clone()

	seeds := slices.Clone(p.Seeds)
	for _, host := range cfg.Members {
		if host != p.Host && !slices.Contains(seeds, host) {
			seeds = append(seeds, host)
		}
	}
	return seeds, nil
}

func validate(cfg *cluster.Config, p Params) error {
	if cfg.ValidationToken != p.Token {
		return &cluster.BootstrapError{Field: "validation_token", Reason: "does not match the cluster configuration"}
	}
	if cfg.Name != p.Name {
		return &cluster.BootstrapError{
			Field:  "cluster_name",
			Reason: fmt.Sprintf("%q does not match the cluster configuration %q", p.Name, cfg.Name),
		}
	}
	if cfg.Mode == cluster.Standalone {
		for _, host := range cfg.Members {
			if host != p.Host {
				return &cluster.BootstrapError{
					Field:  "deployment_mode",
					Reason: fmt.Sprintf("standalone cluster already has member %s", host),
				}
			}
		}
	}
	return nil
}

// Current returns a copy of the cached record, or nil before Bootstrap.
func (s *Service) Current() *cluster.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Resync reloads the record from the store. The id is ignored: there is
// a single record.
func (s *Service) Resync(ctx context.Context, _ string) error {
	cfg, err := s.store.LoadClusterConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resync cluster config: %w", err)
	}
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	return nil
}

// AddMember records host in the member list.
func (s *Service) AddMember(ctx context.Context, host string) error {
	return s.update(ctx, func(cfg *cluster.Config) bool {
		if cfg.HasMember(host) {
			return false
		}
		cfg.Members = append(cfg.Members, host)
		return true
	})
}

// RemoveMember drops a departed member from the record. Only the oldest
// survivor writes, and only when the recorded master is itself, was the
// departed member while enough members survive, or is unset. The oldest
// survivor becomes master when the departed member was master and quorum
// is present.
func (s *Service) RemoveMember(ctx context.Context, removed cluster.Member, survivors []cluster.Member, quorumPresent bool) error {
	oldest, ok := cluster.Oldest(survivors)
	if !ok || oldest.ID != s.nodeID {
		return nil
	}
	return s.update(ctx, func(cfg *cluster.Config) bool {
		wasMaster := cfg.Master != "" && cfg.Master == removed.Host
		allowed := cfg.Master == s.host || cfg.Master == "" || (wasMaster && len(survivors) >= cfg.Quorum)
		if !allowed {
			s.log.Debug("not updating cluster config on removal", "master", cfg.Master, "removed", removed.Host)
			return false
		}
		changed := false
		if i := slices.Index(cfg.Members, removed.Host); i >= 0 {
			cfg.Members = slices.Delete(cfg.Members, i, i+1)
			changed = true
		}
		if wasMaster && quorumPresent {
			s.log.Info("promoting to master", "previous", removed.Host, "master", s.host)
			cfg.Master = s.host
			changed = true
		}
		return changed
	})
}

// SyncFromView re-initializes the record from a view that has quorum.
// Only the oldest member of the view writes.
func (s *Service) SyncFromView(ctx context.Context, view cluster.View, threshold int) error {
	oldest, ok := view.Oldest()
	if !ok || oldest.ID != s.nodeID {
		return nil
	}
	return s.update(ctx, func(cfg *cluster.Config) bool {
		cfg.Members = view.Hosts()
		cfg.Master = oldest.Host
		cfg.Quorum = max(cfg.Quorum, threshold)
		if len(view.Members) > 1 {
			cfg.Mode = cluster.Clustered
		}
		return true
	})
}

// StripMembers removes the hosts of view from the member list after
// quorum was lost, and gives up the master role. Only the oldest member of
// the view writes.
func (s *Service) StripMembers(ctx context.Context, view cluster.View) error {
	oldest, ok := view.Oldest()
	if !ok || oldest.ID != s.nodeID {
		return nil
	}
	hosts := view.Hosts()
	return s.update(ctx, func(cfg *cluster.Config) bool {
		before := len(cfg.Members)
		cfg.Members = slices.DeleteFunc(cfg.Members, func(h string) bool {
			return slices.Contains(hosts, h)
		})
		changed := len(cfg.Members) != before
		if cfg.Master == s.host {
			cfg.Master = ""
			changed = true
		}
		return changed
	})
}

// update loads the record, applies fn and, when fn reports a change,
// saves and announces it.
func (s *Service) update(ctx context.Context, fn func(cfg *cluster.Config) bool) error {
	s.mu.Lock()
	cfg, err := s.store.LoadClusterConfig(ctx)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("load cluster config: %w", err)
	}
	if !fn(cfg) {
		s.mu.Unlock()
		return nil
	}
	if err := s.store.SaveClusterConfig(ctx, cfg); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("save cluster config: %w", err)
	}
	s.current = cfg.Clone()
	bus := s.bus
	s.mu.Unlock()

	if bus != nil {
		if err := bus.Publish(ctx, SyncKind, ""); err != nil {
			s.log.Warn("cluster config sync publish failed", "error", err)
		}
	}
	return nil
}
