// simdemo runs a whole cluster inside one process over the in-memory
// network, isolates the leader a few times while writing, and reports
// whether every replica converged.
package main

import (
    "context"
    "encoding/json"
    "flag"
    "fmt"
    "io"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/amirimatin/go-raftdb/pkg/cluster"
    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    raftcons "github.com/amirimatin/go-raftdb/pkg/consensus/raft"
    "github.com/amirimatin/go-raftdb/pkg/discovery/static"
    "github.com/amirimatin/go-raftdb/pkg/membership"
    "github.com/amirimatin/go-raftdb/pkg/membership/inproc"
    "github.com/amirimatin/go-raftdb/pkg/state/kv"
    "github.com/amirimatin/go-raftdb/pkg/transport/inmem"
)

type simNode struct {
    id    string
    cl    *cluster.Cluster
    raft  *raftcons.Node
    store *kv.Store
}

func main() {
    var (
        size    = flag.Int("nodes", 3, "cluster size")
        rounds  = flag.Int("rounds", 3, "leader isolations to perform")
        writes  = flag.Int("writes", 5, "writes per round")
        drop    = flag.Float64("drop", 0, "probability of dropping a message (0..1)")
        delay   = flag.Duration("delay", 0, "one-way message delay")
        tick    = flag.Duration("tick", 20*time.Millisecond, "heartbeat tick")
        verbose = flag.Bool("v", false, "show engine logs")
    )
    flag.Parse()

    ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer cancel()

    logger := log.New(io.Discard, "", 0)
    if *verbose { logger = log.Default() }

    nw, hub := inmem.NewNetwork(), inproc.NewHub()
    nw.SetDropRate(*drop)
    nw.SetDelay(*delay)

    peers := make([]c.Peer, *size)
    for i := range peers {
        id := fmt.Sprintf("n%d", i+1)
        peers[i] = c.Peer{ID: c.NodeID(id), Addr: id}
    }
    nodes := make([]*simNode, 0, *size)
    for _, p := range peers {
        n, err := startNode(ctx, nw, hub, string(p.ID), peers, *tick, logger)
        if err != nil { log.Fatalf("start %s: %v", p.ID, err) }
        defer n.cl.Close()
        nodes = append(nodes, n)
    }
    go watch(ctx, nodes[0].cl)

    seq := 0
    for round := 1; round <= *rounds && ctx.Err() == nil; round++ {
        leader := awaitLeader(ctx, nodes)
        if leader == nil { log.Fatalf("no leader elected") }
        fmt.Printf("round %d: leader %s term %d\n", round, leader.id, leader.raft.Term())
        for i := 0; i < *writes; i++ {
            seq++
            if err := put(ctx, leader, fmt.Sprintf("key-%03d", seq), fmt.Sprintf("round-%d", round)); err != nil {
                fmt.Printf("  write %d failed: %v\n", seq, err)
            }
        }
        fmt.Printf("  isolating %s\n", leader.id)
        nw.Isolate(leader.id)
        time.Sleep(30 * *tick)
        nw.Heal()
        fmt.Printf("  healed\n")
    }

    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) && !converged(nodes) { time.Sleep(100 * time.Millisecond) }
    for _, n := range nodes {
        st := n.raft.Status()
        fmt.Printf("%s role=%-9s term=%d commit=%d keys=%d\n", n.id, st.Role, st.Term, st.CommitIndex, len(n.store.Keys()))
    }
    if !converged(nodes) {
        fmt.Println("replicas diverged")
        os.Exit(1)
    }
    fmt.Println("all replicas converged")
}

func startNode(ctx context.Context, nw *inmem.Network, hub *inproc.Hub, id string, peers []c.Peer, tick time.Duration, logger *log.Logger) (*simNode, error) {
    ep := nw.Endpoint(id)
    store := kv.New()
    rn, err := raftcons.New(raftcons.Options{
        NodeID:             id,
        Logger:             logger,
        Peers:              peers,
        Transport:          ep,
        StateMachine:       store,
        TickInterval:       tick,
        ElectionTimeoutMin: 10 * tick,
        ElectionTimeoutMax: 20 * tick,
    })
    if err != nil { return nil, err }
    if err := ep.Serve(ctx, rn); err != nil { return nil, err }
    cl, err := cluster.New(ctx, cluster.Options{
        NodeID:      cluster.NodeID(id),
        Transport:   ep,
        Discovery:   static.New(),
        Logger:      logger,
        Consensus:   rn,
        Membership:  hub.Member(membership.MemberInfo{ID: id, Addr: id, Meta: map[string]string{membership.MetaRaft: id}}),
        AppHandlers: kv.NewService(store, rn, 2*time.Second),
    })
    if err != nil { return nil, err }
    if err := cl.Start(ctx); err != nil { return nil, err }
    return &simNode{id: id, cl: cl, raft: rn, store: store}, nil
}

// awaitLeader returns the leader of the highest term; a just-healed node may
// still believe it leads an older one.
func awaitLeader(ctx context.Context, nodes []*simNode) *simNode {
    for deadline := time.Now().Add(10 * time.Second); time.Now().Before(deadline) && ctx.Err() == nil; time.Sleep(20 * time.Millisecond) {
        var best *simNode
        for _, n := range nodes {
            if n.raft.IsLeader() && (best == nil || n.raft.Term() > best.raft.Term()) { best = n }
        }
        if best != nil { return best }
    }
    return nil
}

func put(ctx context.Context, n *simNode, key, value string) error {
    data, err := json.Marshal(kv.NewPut(key, []byte(value)))
    if err != nil { return err }
    _, err = n.cl.AppWrite(ctx, kv.OpPut, data)
    return err
}

// converged reports whether every replica applied the same keys.
func converged(nodes []*simNode) bool {
    want := nodes[0].store.Keys()
    for _, n := range nodes[1:] {
        got := n.store.Keys()
        if len(got) != len(want) { return false }
        for i := range got {
            if got[i] != want[i] { return false }
        }
    }
    return len(want) > 0
}

func watch(ctx context.Context, cl *cluster.Cluster) {
    for e := range cl.Subscribe(ctx) {
        switch e.Type {
        case cluster.EventLeaderChanged:
            fmt.Printf("  [event] leader -> %s (term %d)\n", e.Leader.ID, e.Term)
        case cluster.EventElectionStart:
            fmt.Printf("  [event] election started (term %d)\n", e.Term)
        }
    }
}
