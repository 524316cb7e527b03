// Package cluster provides the shared vocabulary of the tremor grid:
// members and their ordering, the membership, migration and registry
// events that drive task ownership, the durable cluster configuration
// record, and the transports nodes use to talk to each other.
//
// # Overview
//
// Every tremor node is a peer. There is no central coordinator process;
// instead the oldest live member is recorded as the cluster "master" in the
// durable configuration, and every node computes the same partition
// ownership table from the same ordered member list.
//
//	┌──────────┐      hello / envelope      ┌──────────┐
//	│  node A  │ ◄────────────────────────► │  node B  │
//	│ (oldest) │                            │          │
//	└────┬─────┘                            └────┬─────┘
//	     │            ┌──────────┐               │
//	     └──────────► │  node C  │ ◄─────────────┘
//	                  └──────────┘
//
// # Communication Protocol
//
// Two endpoints carry all grid traffic, both JSON over HTTP:
//
// Hello (POST /grid/hello):
//   - Sent on join and on every liveness probe
//   - Carries the sender's Member, its self-reported active flag, the
//     cluster name, a digest of the validation token and the member list
//   - A 409 reply rejects the sender with the offending field
//
// Envelope (POST /grid/envelope):
//   - Registry entry events routed to the partition owner
//   - Sync bus messages asking peers to reload an object
//
// LocalNetwork implements the same contract in memory so multi-node
// scenarios can run inside a single test process.
//
// # Ordering
//
// Members are ordered by start time, then by ID. The first member of the
// ordering is the oldest; it owns cluster configuration maintenance and is
// promoted to master when the recorded master leaves.
//
// # Concurrency Model
//
// Types in this package are values. LocalNetwork is safe for concurrent
// use and never holds its lock while delivering a message.
package cluster
