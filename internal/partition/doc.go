// Package partition implements the deterministic sharding of task IDs
// into partitions and the assignment of partitions to grid members.
//
// A task ID always hashes to the same partition. Which node owns that
// partition depends on the member list, and is recomputed by every node
// whenever its view of the grid changes. The difference between the old
// and the new table is the set of partition migrations the node reports
// to the migration coordinator.
package partition
