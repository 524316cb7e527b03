package syncbus

import (
	"context"
	"errors"

	"github.com/dreamware/tremor/internal/cluster"
)

// MemberSource lists the current grid members.
type MemberSource interface {
	Members() []cluster.Member
}

// ClusterBroadcaster sends sync messages to every grid member as
// envelopes over the grid transport.
type ClusterBroadcaster struct {
	members   MemberSource
	transport cluster.Transport
	self      string
}

// NewClusterBroadcaster creates a broadcaster sending from the member with
// ID self.
func NewClusterBroadcaster(self string, members MemberSource, transport cluster.Transport) *ClusterBroadcaster {
	return &ClusterBroadcaster{self: self, members: members, transport: transport}
}

// Broadcast sends msg to all members but this node. Every member is tried;
// the returned error joins the individual failures.
func (c *ClusterBroadcaster) Broadcast(ctx context.Context, msg Message) error {
	env, err := cluster.NewEnvelope(cluster.EnvelopeSync, c.self, msg)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range c.members.Members() {
		if m.ID == c.self {
			continue
		}
		if err := c.transport.Send(ctx, m, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fanout broadcasts through several broadcasters.
type Fanout []Broadcaster

func (f Fanout) Broadcast(ctx context.Context, msg Message) error {
	var errs []error
	for _, b := range f {
		if err := b.Broadcast(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
