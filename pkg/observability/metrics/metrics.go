package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "raftdb"

var (
    once sync.Once

    ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "members_total",
        Help:      "Current number of members known to gossip",
    })

    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "join_requests_total",
        Help:      "Total join requests handled by this node",
    }, []string{"result"})

    // Consensus metrics, all labelled by local node id.
    IsLeader = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "raft",
        Name:      "is_leader",
        Help:      "1 if this node is the leader, else 0",
    }, []string{"node"})
    LeaderChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "raft",
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader changes",
    }, []string{"node"})
    Term = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "raft",
        Name:      "term",
        Help:      "Current term",
    }, []string{"node"})
    CommitIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "raft",
        Name:      "commit_index",
        Help:      "Highest log index known to be committed",
    }, []string{"node"})
    LastApplied = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "raft",
        Name:      "last_applied",
        Help:      "Highest log index applied to the state machine",
    }, []string{"node"})
    LastLogIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "raft",
        Name:      "last_log_index",
        Help:      "Index of the last entry in the local log",
    }, []string{"node"})
    Elections = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "raft",
        Name:      "elections_total",
        Help:      "Total number of elections started by this node",
    }, []string{"node"})
    Proposals = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "raft",
        Name:      "proposals_total",
        Help:      "Total proposals by result",
    }, []string{"node", "result"})
    RPCs = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "raft",
        Name:      "rpcs_total",
        Help:      "Outbound consensus RPCs by message type and result",
    }, []string{"node", "type", "result"})
    RPCDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Namespace: namespace,
        Subsystem: "raft",
        Name:      "rpc_duration_seconds",
        Help:      "Outbound consensus RPC latency",
        Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
    }, []string{"node", "type"})
    ReplicationLagPerNode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "repl",
        Name:      "lag_per_node",
        Help:      "Leader last index minus follower match index",
    }, []string{"node", "peer"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(ClusterMembers)
        prometheus.MustRegister(JoinRequests)
        prometheus.MustRegister(IsLeader)
        prometheus.MustRegister(LeaderChanges)
        prometheus.MustRegister(Term)
        prometheus.MustRegister(CommitIndex)
        prometheus.MustRegister(LastApplied)
        prometheus.MustRegister(LastLogIndex)
        prometheus.MustRegister(Elections)
        prometheus.MustRegister(Proposals)
        prometheus.MustRegister(RPCs)
        prometheus.MustRegister(RPCDuration)
        prometheus.MustRegister(ReplicationLagPerNode)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
    })
}

// Forget drops the per-node series of a stopped node, including the lag
// series it exported for peers.
func Forget(node string, peers ...string) {
    for _, g := range []*prometheus.GaugeVec{IsLeader, Term, CommitIndex, LastApplied, LastLogIndex} {
        g.DeleteLabelValues(node)
    }
    for _, p := range peers {
        ReplicationLagPerNode.DeleteLabelValues(node, p)
    }
}
