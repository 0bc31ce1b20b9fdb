package cluster

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/discovery"
    "github.com/amirimatin/go-raftdb/pkg/membership"
    "github.com/amirimatin/go-raftdb/pkg/transport"
)

type NodeID string

// Options carries dependency-injected components and runtime configuration used
// to assemble the cluster facade. Instances are typically produced from
// bootstrap.Config.
type Options struct {
    // NodeID is the unique identifier of this node within the cluster.
    NodeID NodeID
    // Transport is the peer RPC transport; its Addr is the raft address
    // announced when joining.
    Transport transport.Transport
    // Discovery provides gossip seeds.
    Discovery discovery.Discovery
    Logger    *log.Logger

    // Consensus is the replication engine (required).
    Consensus consensus.Consensus
    // Membership is the gossip layer (required).
    Membership membership.Membership

    // Optional management RPC.
    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    // AppHandlers serves client writes and reads.
    AppHandlers AppHandlers

    // AutoJoin makes the leader add gossiped members that advertise a raft
    // address as voters.
    AutoJoin bool
    // ReconcileInterval is how often the leader checks gossip against the
    // voter set when AutoJoin is on. Defaults to 1s.
    ReconcileInterval time.Duration
    // JoinTimeout bounds one AddVoter/RemoveServer. Defaults to 5s.
    JoinTimeout time.Duration

    // Optional callbacks for app-level hooks
    OnLeaderChange  func(info consensus.LeaderInfo)
    OnElectionStart func()
    OnElectionEnd   func(info consensus.LeaderInfo)
}

func (o Options) withDefaults() Options {
    if o.ReconcileInterval <= 0 { o.ReconcileInterval = time.Second }
    if o.JoinTimeout <= 0 { o.JoinTimeout = 5 * time.Second }
    return o
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.NodeID == "" { return errors.New("cluster: empty NodeID") }
    if o.Transport == nil { return errors.New("cluster: nil Transport") }
    if o.Discovery == nil { return errors.New("cluster: nil Discovery") }
    if o.Logger == nil { return errors.New("cluster: nil Logger") }
    if o.Consensus == nil { return errors.New("cluster: nil Consensus") }
    if o.Membership == nil { return errors.New("cluster: nil Membership") }
    return nil
}
