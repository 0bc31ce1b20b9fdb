package state

import "github.com/amirimatin/go-raftdb/pkg/membership"

// MembershipState holds the replicated voter configuration. Index is the log
// index of the configuration entry the state reflects (0 for the initial
// peers given at startup).
type MembershipState interface {
    ApplyAddNode(n membership.MemberInfo) error
    ApplyRemoveNode(nodeID string) error
    Reset(index uint64, members []membership.MemberInfo)
    Members() []membership.MemberInfo
    Index() uint64
    Snapshot() ([]byte, error)
    Restore(buf []byte) error
}
