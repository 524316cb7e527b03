package cluster

import (
	"context"
	"fmt"
	"sync"
)

// Endpoint is what a node attaches to a LocalNetwork.
type Endpoint interface {
	HandleEnvelope(ctx context.Context, env Envelope) error
	HandleHello(ctx context.Context, h Hello) (Hello, error)
}

// LocalNetwork connects nodes living in the same process. Nodes are
// addressed by their Addr. Partitioning a node makes it unreachable in
// both directions until it is healed.
type LocalNetwork struct {
	endpoints map[string]Endpoint
	cut       map[string]bool
	mu        sync.RWMutex
}

// NewLocalNetwork creates an empty network with no partitions.
//
// Example:
//
//	net := cluster.NewLocalNetwork()
//	net.Attach("node-a:7700", nodeA)
//	net.Partition("node-a:7700")
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		endpoints: make(map[string]Endpoint),
		cut:       make(map[string]bool),
	}
}

// Attach registers the endpoint reachable at addr.
func (n *LocalNetwork) Attach(addr string, ep Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints[addr] = ep
}

// Detach removes addr from the network, as if the process died.
func (n *LocalNetwork) Detach(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// Partition cuts addr off from every other node.
func (n *LocalNetwork) Partition(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[addr] = true
}

// Heal reconnects addr.
func (n *LocalNetwork) Heal(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, addr)
}

// From returns a transport whose traffic originates at addr.
func (n *LocalNetwork) From(addr string) *LocalTransport {
	return &LocalTransport{net: n, from: addr}
}

func (n *LocalNetwork) lookup(from, to string) (Endpoint, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.cut[from] || n.cut[to] {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	ep, ok := n.endpoints[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	return ep, nil
}

// LocalTransport is one node's view of a LocalNetwork.
type LocalTransport struct {
	net  *LocalNetwork
	from string
}

func (t *LocalTransport) Send(ctx context.Context, to Member, env Envelope) error {
	ep, err := t.net.lookup(t.from, to.Addr)
	if err != nil {
		return err
	}
	return ep.HandleEnvelope(ctx, env)
}

func (t *LocalTransport) Hello(ctx context.Context, addr string, h Hello) (Hello, error) {
	ep, err := t.net.lookup(t.from, addr)
	if err != nil {
		return Hello{}, err
	}
	return ep.HandleHello(ctx, h)
}
