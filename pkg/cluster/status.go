package cluster

import (
    "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/membership"
)

// ClusterStatus is one node's JSON-serializable view of the cluster, served
// by the management /status endpoint.
type ClusterStatus struct {
    // NodeID is the node that produced this view.
    NodeID string `json:"nodeId"`
    // Healthy is true when a leader is known and the engine is not halted.
    Healthy bool `json:"healthy"`
    Term    uint64 `json:"term"`
    // LeaderID is the identifier of the current leader, if any.
    LeaderID string `json:"leaderId,omitempty"`
    // LeaderAddr is the management address of the current leader, if known.
    LeaderAddr string `json:"leaderAddr,omitempty"`
    // Members is the gossip view.
    Members []membership.MemberInfo `json:"members,omitempty"`
    // Raft is the local consensus state including log positions and, on
    // the leader, per-follower progress.
    Raft *consensus.Status `json:"raft,omitempty"`
    // Warnings lists non-fatal observations (e.g., degraded states).
    Warnings []string `json:"warnings,omitempty"`
}
