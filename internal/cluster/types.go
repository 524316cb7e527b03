package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// Member is one node of the grid as seen by its peers.
// Addr is the base URL peers use to reach the node, Host is the
// public IP address recorded in the durable cluster configuration.
type Member struct {
	StartedAt time.Time `json:"started_at"`
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	Host      string    `json:"host"`
}

// Older reports whether m joined the grid before o.
// Ties on start time are broken by node ID so that every node orders
// the same member list identically.
func (m Member) Older(o Member) bool {
	if !m.StartedAt.Equal(o.StartedAt) {
		return m.StartedAt.Before(o.StartedAt)
	}
	return m.ID < o.ID
}

// SortMembers orders members oldest first, in place.
func SortMembers(members []Member) {
	slices.SortFunc(members, func(a, b Member) int {
		switch {
		case a.Older(b):
			return -1
		case b.Older(a):
			return 1
		default:
			return 0
		}
	})
}

// Oldest returns the oldest member of the list.
func Oldest(members []Member) (Member, bool) {
	if len(members) == 0 {
		return Member{}, false
	}
	oldest := members[0]
	for _, m := range members[1:] {
		if m.Older(oldest) {
			oldest = m
		}
	}
	return oldest, true
}

// MemberIDs returns the IDs of members in list order.
func MemberIDs(members []Member) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids
}

// FindMember looks a member up by ID.
func FindMember(members []Member, id string) (Member, bool) {
	i := slices.IndexFunc(members, func(m Member) bool { return m.ID == id })
	if i < 0 {
		return Member{}, false
	}
	return members[i], true
}

// View is a snapshot of the grid: the ordered member list plus the
// liveness flag each member last reported for itself. A member can be
// part of the grid without being flagged active yet.
type View struct {
	Active  map[string]bool `json:"active"`
	Members []Member        `json:"members"`
}

// CountActive returns how many members carry the active flag.
func (v View) CountActive() int {
	n := 0
	for _, m := range v.Members {
		if v.Active[m.ID] {
			n++
		}
	}
	return n
}

// Oldest returns the oldest member of the view.
func (v View) Oldest() (Member, bool) {
	return Oldest(v.Members)
}

// Hosts returns the public addresses of all members, oldest first.
func (v View) Hosts() []string {
	members := slices.Clone(v.Members)
	SortMembers(members)
	hosts := make([]string, 0, len(members))
	for _, m := range members {
		hosts = append(hosts, m.Host)
	}
	return hosts
}

// QuorumState is the per-node derived quorum flag. It is never persisted.
type QuorumState int

const (
	QuorumNotPresent QuorumState = iota
	QuorumPresent
)

func (s QuorumState) String() string {
	if s == QuorumPresent {
		return "PRESENT"
	}
	return "NOT_PRESENT"
}

// DeploymentMode controls whether a second member may join.
type DeploymentMode string

const (
	Standalone DeploymentMode = "STANDALONE"
	Clustered  DeploymentMode = "CLUSTER"
)

// Valid reports whether the mode is one of the known modes.
func (m DeploymentMode) Valid() bool {
	return m == Standalone || m == Clustered
}

// NodeStatus is the operator-facing lifecycle status of a node.
type NodeStatus string

const (
	StatusActive      NodeStatus = "ACTIVE"
	StatusPause       NodeStatus = "PAUSE"
	StatusMaintenance NodeStatus = "MAINTENANCE_MODE"
)

// Config is the durable cluster configuration record. There is exactly
// one per cluster; it is created on first bootstrap and validated by every
// later bootstrap.
type Config struct {
	UpdatedAt       time.Time      `json:"updated_at"`
	ValidationToken string         `json:"validation_token"`
	Name            string         `json:"name"`
	Master          string         `json:"master"`
	Mode            DeploymentMode `json:"mode"`
	Members         []string       `json:"members"`
	Quorum          int            `json:"quorum"`
}

// Clone returns a deep copy of the record.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Members = slices.Clone(c.Members)
	return &cp
}

// HasMember reports whether host is in the member list.
func (c *Config) HasMember(host string) bool {
	return slices.Contains(c.Members, host)
}

// Hello is exchanged between nodes during discovery and every liveness
// probe. The receiver learns the sender's identity and liveness flag, and
// replies with its own Hello.
type Hello struct {
	Member      Member         `json:"member"`
	Cluster     string         `json:"cluster"`
	TokenDigest string         `json:"token_digest"`
	Mode        DeploymentMode `json:"mode"`
	Members     []Member       `json:"members,omitempty"`
	Active      bool           `json:"active"`
}

// TokenDigest hashes a validation token for use on the wire.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// BootstrapError is a fatal startup failure. Field names the offending
// configuration field so the operator knows what to fix.
type BootstrapError struct {
	Err    error
	Field  string
	Reason string
}

func (e *BootstrapError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bootstrap: %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("bootstrap: %s: %s", e.Field, e.Reason)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// Envelope kinds.
const (
	EnvelopeEntry = "entry"
	EnvelopeSync  = "sync"
)

// Envelope is the single shape of every inter-node message.
type Envelope struct {
	Kind    string          `json:"kind"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope encodes v as the payload of a new envelope.
func NewEnvelope(kind, from string, v any) (Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	return Envelope{Kind: kind, From: from, Payload: payload}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s envelope: %w", e.Kind, err)
	}
	return nil
}
