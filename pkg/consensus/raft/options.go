package raftcons

import (
    "fmt"
    "log"
    "time"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/consensus/logstore"
    "github.com/amirimatin/go-raftdb/pkg/transport"
)

const (
    DefaultTickInterval       = 100 * time.Millisecond
    DefaultElectionTimeoutMin = 1 * time.Second
    DefaultElectionTimeoutMax = 2 * time.Second
    DefaultMaxEntriesPerRPC   = 64
    DefaultApplyTimeout       = 5 * time.Second
)

// Options configure the consensus engine.
type Options struct {
    NodeID string
    Logger *log.Logger

    // Peers is the initial voter set and should include this node. It is
    // ignored when the store already holds a configuration. A node started
    // with no peers waits for a leader to add it.
    Peers []c.Peer

    // Transport sends outbound RPCs. Inbound RPCs reach the node through
    // Handle, usually registered with a transport.PeerServer.
    Transport transport.Transport

    // StateMachine receives committed command entries. Nil discards them.
    StateMachine c.StateMachine

    // Store overrides the log store. When nil, DataDir selects a bolt store
    // and an empty DataDir keeps everything in memory.
    Store   logstore.Store
    DataDir string

    // TickInterval drives heartbeats and election timers. RPCTimeout bounds
    // each outbound RPC; it defaults to TickInterval and may not exceed it,
    // since a follower gets no fresh request while one is outstanding.
    TickInterval       time.Duration
    ElectionTimeoutMin time.Duration
    ElectionTimeoutMax time.Duration
    RPCTimeout         time.Duration

    // MaxEntriesPerRPC caps the entries carried by one AppendEntries.
    MaxEntriesPerRPC int

    // ApplyTimeout is the default wait used by Apply when timeout <= 0.
    ApplyTimeout time.Duration

    // Seed makes election jitter reproducible. Zero seeds from the clock.
    Seed uint64
}

func (o Options) withDefaults() Options {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.TickInterval <= 0 { o.TickInterval = DefaultTickInterval }
    if o.ElectionTimeoutMin <= 0 { o.ElectionTimeoutMin = DefaultElectionTimeoutMin }
    if o.ElectionTimeoutMax < o.ElectionTimeoutMin {
        o.ElectionTimeoutMax = 2 * o.ElectionTimeoutMin
    }
    if o.RPCTimeout <= 0 { o.RPCTimeout = o.TickInterval }
    if o.MaxEntriesPerRPC <= 0 { o.MaxEntriesPerRPC = DefaultMaxEntriesPerRPC }
    if o.ApplyTimeout <= 0 { o.ApplyTimeout = DefaultApplyTimeout }
    if o.Seed == 0 { o.Seed = uint64(time.Now().UnixNano()) }
    return o
}

// Validate checks required fields. It is called by New after defaults are
// applied.
func (o Options) Validate() error {
    if o.NodeID == "" {
        return fmt.Errorf("raftcons: empty NodeID")
    }
    if o.Transport == nil {
        return fmt.Errorf("raftcons: nil Transport")
    }
    if o.ElectionTimeoutMin < 2*o.TickInterval {
        return fmt.Errorf("raftcons: election timeout %s must be at least two ticks (%s)", o.ElectionTimeoutMin, o.TickInterval)
    }
    if o.RPCTimeout > o.TickInterval {
        return fmt.Errorf("raftcons: rpc timeout %s exceeds the tick interval %s", o.RPCTimeout, o.TickInterval)
    }
    seen := make(map[c.NodeID]bool, len(o.Peers))
    for _, p := range o.Peers {
        if p.ID == "" { return fmt.Errorf("raftcons: peer with empty id") }
        if seen[p.ID] { return fmt.Errorf("raftcons: duplicate peer %s", p.ID) }
        seen[p.ID] = true
    }
    return nil
}

// electionTicks converts the timeout range to ticks.
func (o Options) electionTicks() (lo, hi int) {
    lo = int(o.ElectionTimeoutMin / o.TickInterval)
    hi = int(o.ElectionTimeoutMax / o.TickInterval)
    if hi < lo { hi = lo }
    return lo, hi
}
