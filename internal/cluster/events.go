package cluster

// MembershipKind distinguishes join and leave notifications.
type MembershipKind string

const (
	MemberAdded   MembershipKind = "member-added"
	MemberRemoved MembershipKind = "member-removed"
)

// MembershipEvent is raised once per member that joins or leaves the
// grid. Members is the member list after the change, oldest first.
type MembershipEvent struct {
	Kind    MembershipKind `json:"kind"`
	Member  Member         `json:"member"`
	Members []Member       `json:"members"`
}

// MigrationKind names a phase of a partition hand-off.
type MigrationKind string

const (
	MigrationStarted   MigrationKind = "migration-started"
	MigrationCompleted MigrationKind = "migration-completed"
	MigrationFailed    MigrationKind = "migration-failed"
)

// MigrationEvent describes the hand-off of one partition. OldOwner is
// empty on a completed event when the previous owner left the grid, which
// is how a removal-caused migration is told apart from a join-caused one.
type MigrationEvent struct {
	Kind      MigrationKind `json:"kind"`
	OldOwner  string        `json:"old_owner"`
	NewOwner  string        `json:"new_owner"`
	Partition int           `json:"partition"`
}

// CausedByRemoval reports whether the previous owner is gone.
func (e MigrationEvent) CausedByRemoval() bool {
	return e.OldOwner == ""
}

// EntryKind is the kind of registry mutation delivered to a partition owner.
type EntryKind string

const (
	EntryAdded   EntryKind = "added"
	EntryUpdated EntryKind = "updated"
	EntryRemoved EntryKind = "removed"
	EntryEvicted EntryKind = "evicted"
)

// EntryEvent is delivered exactly once per registry mutation, on the node
// owning the key's partition only.
type EntryEvent struct {
	Kind  EntryKind `json:"kind"`
	Key   string    `json:"key"`
	Value string    `json:"value"`
}

// QuorumEvent reports a quorum transition together with the view that
// caused it.
type QuorumEvent struct {
	View  View        `json:"view"`
	State QuorumState `json:"state"`
}
