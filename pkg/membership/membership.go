package membership

import (
    "context"
    "time"
)

// Metadata keys gossiped by every node.
const (
    // MetaRaft is the address the node serves consensus RPCs on.
    MetaRaft = "raft"
    // MetaMgmt is the management API address.
    MetaMgmt = "mgmt"
)

// MemberInfo describes a cluster member as observed by the membership layer.
// Meta carries the node's raft and management addresses.
type MemberInfo struct {
    ID   string            `json:"id"`
    Addr string            `json:"addr"`
    Meta map[string]string `json:"meta,omitempty"`
}

// RaftAddr returns the advertised consensus address, if any.
func (m MemberInfo) RaftAddr() string { return m.Meta[MetaRaft] }

// MgmtAddr returns the advertised management address, falling back to the
// gossip address.
func (m MemberInfo) MgmtAddr() string {
    if a := m.Meta[MetaMgmt]; a != "" { return a }
    return m.Addr
}

type EventType string

const (
    // EventJoin indicates a member joined or became visible.
    EventJoin EventType = "join"
    // EventLeave indicates a member left the cluster.
    EventLeave EventType = "leave"
    // EventFailed indicates membership marked the node as failed/unreachable.
    EventFailed EventType = "failed"
)

// Event is the translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the gossip and failure detection layer. It finds peers and
// reports who is reachable; it does not decide who votes.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}

// HealthReporter is optionally implemented by a Membership to expose a
// health score; higher means more degraded, -1 means not running.
type HealthReporter interface {
    HealthScore() int
}
