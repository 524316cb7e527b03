package partition

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
)

// DefaultCount is the partition count used when none is configured.
const DefaultCount = 271

// State is the hand-off state of a single partition.
type State string

const (
	// StateActive means the partition has a settled owner.
	StateActive State = "active"

	// StateMigrating means ownership is moving between two nodes.
	// Both the old and the new owner may briefly act on the partition.
	StateMigrating State = "migrating"
)

// ErrInvalidPartition is returned for partition IDs outside [0, Count).
var ErrInvalidPartition = errors.New("partition: id out of range")

// Move describes a change of ownership for one partition.
// From is empty when the partition had no owner before the rebalance.
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Partition int    `json:"partition"`
}

// Table maps every partition to the node that owns it, serving as the
// single answer to "which node acts on task T".
//
// The table implements a two step scheme:
//   - Keys are hashed with FNV-1a to a partition: PartitionOf
//   - Partitions are assigned to members with rendezvous hashing: Rebalance
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Table                   │
//	├─────────────────────────────────────────┤
//	│  owners: []nodeID indexed by partition  │
//	│  states: []State indexed by partition   │
//	├─────────────────────────────────────────┤
//	│  Key → FNV-1a → Partition → Owner       │
//	│  "task-123" → 0x9c1f… → 15 → "node-c"   │
//	└─────────────────────────────────────────┘
//
// Every node builds its own Table from the member list it observes. Because
// rendezvous hashing depends only on the member IDs, nodes with the same
// view compute the same owners without exchanging the table, and adding or
// removing one member moves only the partitions that member wins or held.
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - Returned slices are copies
type Table struct {
	owners []string
	states []State
	mu     sync.RWMutex
	count  int
}

// NewTable creates a table with count partitions, all unowned.
// A count below one selects DefaultCount.
//
// Example:
//
//	table := partition.NewTable(271)
//	moves := table.Rebalance([]string{"node-a", "node-b"})
func NewTable(count int) *Table {
	if count <= 0 {
		count = DefaultCount
	}
	states := make([]State, count)
	for i := range states {
		states[i] = StateActive
	}
	return &Table{
		count:  count,
		owners: make([]string, count),
		states: states,
	}
}

// Count returns the number of partitions.
func (t *Table) Count() int {
	return t.count
}

// PartitionOf returns the partition that key hashes to.
//
// The function is pure: the same key and count always produce the same
// partition on every node, regardless of membership.
func PartitionOf(key string, count int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(count))
}

// PartitionOf returns the partition that key hashes to in this table.
func (t *Table) PartitionOf(key string) int {
	return PartitionOf(key, t.count)
}

// Owner returns the node owning partition pid, or "" when it is unowned
// or pid is out of range.
func (t *Table) Owner(pid int) string {
	if pid < 0 || pid >= t.count {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.owners[pid]
}

// OwnerOfKey returns the node owning the partition of key.
func (t *Table) OwnerOfKey(key string) string {
	return t.Owner(t.PartitionOf(key))
}

// OwnsKey reports whether node owns the partition of key.
func (t *Table) OwnsKey(node, key string) bool {
	owner := t.OwnerOfKey(key)
	return owner != "" && owner == node
}

// PartitionsOf returns the partitions owned by node, in ascending order.
func (t *Table) PartitionsOf(node string) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var pids []int
	for pid, owner := range t.owners {
		if owner == node {
			pids = append(pids, pid)
		}
	}
	return pids
}

// Owners returns a copy of the owner of every partition.
func (t *Table) Owners() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.owners...)
}

// Assign sets the owner of a single partition.
//
// Parameters:
//   - pid: Partition to assign, in [0, Count)
//   - node: Owning node ID, must not be empty
//
// Returns:
//   - error: ErrInvalidPartition for an out of range pid, or an error for an empty node
func (t *Table) Assign(pid int, node string) error {
	if pid < 0 || pid >= t.count {
		return fmt.Errorf("%w: %d (valid range: 0-%d)", ErrInvalidPartition, pid, t.count-1)
	}
	if node == "" {
		return errors.New("partition: node ID cannot be empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owners[pid] = node
	return nil
}

// Rebalance recomputes the owner of every partition for the given members
// and returns the partitions whose owner changed, ordered by partition.
//
// Each partition goes to the member with the highest rendezvous score
// for that partition. With no members every partition becomes unowned.
//
// Thread Safety:
// The whole table is replaced under one write lock, so readers never see a
// mix of old and new owners.
func (t *Table) Rebalance(members []string) []Move {
	ids := append([]string(nil), members...)
	sort.Strings(ids)

	t.mu.Lock()
	defer t.mu.Unlock()

	var moves []Move
	for pid := range t.owners {
		owner := winner(ids, pid)
		if owner != t.owners[pid] {
			moves = append(moves, Move{Partition: pid, From: t.owners[pid], To: owner})
			t.owners[pid] = owner
		}
	}
	return moves
}

// SetState records the hand-off state of a partition.
func (t *Table) SetState(pid int, state State) {
	if pid < 0 || pid >= t.count {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[pid] = state
}

// State returns the hand-off state of a partition.
func (t *Table) State(pid int) State {
	if pid < 0 || pid >= t.count {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[pid]
}

func winner(ids []string, pid int) string {
	var (
		best      string
		bestScore uint64
	)
	for _, id := range ids {
		s := score(id, pid)
		if best == "" || s > bestScore {
			best, bestScore = id, s
		}
	}
	return best
}

func score(id string, pid int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(pid)))
	// murmur3 finalizer
	x := h.Sum64()
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
