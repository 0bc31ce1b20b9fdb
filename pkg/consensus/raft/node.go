package raftcons

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "sync"
    "sync/atomic"
    "time"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/consensus/logstore"
    "github.com/amirimatin/go-raftdb/pkg/internal/logutil"
    "github.com/amirimatin/go-raftdb/pkg/observability/metrics"
    "github.com/amirimatin/go-raftdb/pkg/observability/tracing"
    "github.com/amirimatin/go-raftdb/pkg/transport"
)

var errNotStarted = errors.New("raftcons: not started")

// Node implements consensus.Consensus. A single goroutine owns the protocol
// state; API calls, inbound RPCs and RPC results are closures queued to it.
type Node struct {
    opts      Options
    log       *log.Logger
    tr        transport.Transport
    core      *core
    ownsStore bool

    inbox   chan func()
    lch     chan c.LeaderInfo
    view    atomic.Pointer[view]
    started atomic.Bool

    // owned by the run loop
    waiters    map[c.LogIndex]*waiter
    lastLeader c.LeaderInfo
    wasLeader  bool
    elections  uint64
    lagPeers   map[string]bool

    ctx       context.Context
    cancel    context.CancelFunc
    done      chan struct{}
    startOnce sync.Once
    stopOnce  sync.Once
}

// view is the lock-free snapshot served to readers.
type view struct {
    role       Role
    term       c.Term
    leader     c.NodeID
    leaderAddr string
    commit     c.LogIndex
    halted     error
}

type waiter struct {
    term c.Term
    ch   chan applied
}

func New(opts Options) (*Node, error) {
    opts = opts.withDefaults()
    if err := opts.Validate(); err != nil { return nil, err }
    lg := logutil.Component(opts.Logger, "raft:"+opts.NodeID)

    store, owns := opts.Store, false
    if store == nil {
        owns = true
        if opts.DataDir != "" {
            b, err := logstore.OpenBolt(opts.DataDir)
            if err != nil { return nil, fmt.Errorf("raftcons: open store: %w", err) }
            store = b
        } else {
            store = logstore.NewMemory()
        }
    }
    lo, hi := opts.electionTicks()
    cr, err := newCore(coreConfig{
        id:          c.NodeID(opts.NodeID),
        logger:      lg,
        store:       store,
        sm:          opts.StateMachine,
        peers:       opts.Peers,
        maxEntries:  opts.MaxEntriesPerRPC,
        electionMin: lo,
        electionMax: hi,
        seed:        opts.Seed,
    })
    if err != nil {
        if owns { _ = store.Close() }
        return nil, err
    }
    ctx, cancel := context.WithCancel(context.Background())
    n := &Node{
        opts:      opts,
        log:       lg,
        tr:        opts.Transport,
        core:      cr,
        ownsStore: owns,
        inbox:     make(chan func(), 256),
        lch:       make(chan c.LeaderInfo, 16),
        waiters:   make(map[c.LogIndex]*waiter),
        lagPeers:  make(map[string]bool),
        ctx:       ctx,
        cancel:    cancel,
        done:      make(chan struct{}),
    }
    n.publish()
    return n, nil
}

// Start launches the run loop. The node stops when ctx is done or Stop is
// called.
func (n *Node) Start(ctx context.Context) error {
    if n.ctx.Err() != nil { return c.ErrStopped }
    n.startOnce.Do(func() {
        // read before the loop owns the core
        term, voters, last := n.core.term, len(n.core.conf.voters()), n.core.lastIndex()
        n.started.Store(true)
        go n.run()
        go func() {
            select {
            case <-ctx.Done():
                _ = n.Stop()
            case <-n.done:
            }
        }()
        logutil.Infof(n.log, "started at term %d with %d voters, last index %d", term, voters, last)
    })
    return nil
}

func (n *Node) run() {
    defer close(n.done)
    t := time.NewTicker(n.opts.TickInterval)
    defer t.Stop()
    for {
        select {
        case <-n.ctx.Done():
            n.failWaiters(c.ErrStopped)
            return
        case <-t.C:
            n.core.tick()
        case fn := <-n.inbox:
            fn()
        }
        n.afterStep()
    }
}

// afterStep applies newly committed entries, dispatches queued RPCs and
// publishes the resulting state.
func (n *Node) afterStep() {
    n.core.applyCommittedEntries()
    for _, res := range n.core.drainResults() { n.deliver(res) }
    for _, env := range n.core.drain() { go n.send(env) }
    n.publish()
}

func (n *Node) send(env envelope) {
    name := c.MessageName(env.msg)
    start := time.Now()
    ctx, cancel := context.WithTimeout(n.ctx, n.opts.RPCTimeout)
    resp, err := n.tr.Send(ctx, env.to, env.msg)
    cancel()
    metrics.RPCDuration.WithLabelValues(n.opts.NodeID, name).Observe(time.Since(start).Seconds())
    result := "ok"
    if err != nil { result = "error" }
    metrics.RPCs.WithLabelValues(n.opts.NodeID, name, result).Inc()
    n.post(func() {
        if err != nil {
            n.core.handleSendFailure(env, err)
            return
        }
        n.core.handleResponse(env, resp)
    })
}

// post queues fn without waiting for it to run.
func (n *Node) post(fn func()) {
    select {
    case n.inbox <- fn:
    case <-n.ctx.Done():
    }
}

// call runs fn on the loop and waits for it to finish.
func (n *Node) call(ctx context.Context, fn func()) error {
    if !n.started.Load() { return errNotStarted }
    done := make(chan struct{})
    select {
    case n.inbox <- func() { fn(); close(done) }:
    case <-ctx.Done():
        return ctx.Err()
    case <-n.done:
        return c.ErrStopped
    }
    select {
    case <-done:
        return nil
    case <-n.done:
        return c.ErrStopped
    }
}

func (n *Node) publish() {
    r := n.core
    v := &view{role: r.role, term: r.term, leader: r.leader, leaderAddr: r.conf.addr(r.leader), commit: r.commitIndex}
    if r.halted != nil { v.halted = r.halted }
    n.view.Store(v)

    id := n.opts.NodeID
    metrics.Term.WithLabelValues(id).Set(float64(r.term))
    metrics.CommitIndex.WithLabelValues(id).Set(float64(r.commitIndex))
    metrics.LastApplied.WithLabelValues(id).Set(float64(r.lastApplied))
    last := r.lastIndex()
    metrics.LastLogIndex.WithLabelValues(id).Set(float64(last))
    isLeader := 0.0
    if r.role == Leader { isLeader = 1 }
    metrics.IsLeader.WithLabelValues(id).Set(isLeader)
    for pid, pr := range r.progress {
        metrics.ReplicationLagPerNode.WithLabelValues(id, string(pid)).Set(float64(last - min(pr.match, last)))
        n.lagPeers[string(pid)] = true
    }

    if r.role != Leader && n.wasLeader { n.failWaiters(c.ErrLeadershipLost) }
    if d := r.elections - n.elections; d > 0 {
        metrics.Elections.WithLabelValues(id).Add(float64(d))
        n.elections = r.elections
    }
    n.wasLeader = r.role == Leader
    if r.halted != nil { n.failWaiters(r.halted) }

    li := c.LeaderInfo{ID: string(v.leader), Addr: v.leaderAddr, Term: uint64(v.term)}
    if v.leader != "" && (li.ID != n.lastLeader.ID || li.Term != n.lastLeader.Term) {
        if li.ID != n.lastLeader.ID {
            metrics.LeaderChanges.WithLabelValues(id).Inc()
            logutil.Infof(n.log, "leader is %s at term %d", li.ID, li.Term)
        }
        n.lastLeader = li
        n.emitLeader(li)
    }
}

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
        // drop to avoid blocking; last-writer-wins semantics are ok for leadership
    }
}

func (n *Node) deliver(res applied) {
    w := n.waiters[res.index]
    if w == nil { return }
    delete(n.waiters, res.index)
    if w.term != res.term {
        // another leader's entry took the slot
        w.ch <- applied{index: res.index, err: c.ErrLeadershipLost}
        return
    }
    w.ch <- res
}

func (n *Node) failWaiters(err error) {
    for idx, w := range n.waiters {
        w.ch <- applied{index: idx, err: err}
        delete(n.waiters, idx)
    }
}

// proposeAndWait runs propose on the loop and waits until the returned index
// is applied. A propose that appends nothing returns immediately.
func (n *Node) proposeAndWait(ctx context.Context, propose func() (c.LogIndex, bool, error)) ([]byte, error) {
    var (
        ch   chan applied
        perr error
    )
    err := n.call(ctx, func() {
        idx, ok, err := propose()
        if err != nil || !ok {
            perr = err
            return
        }
        ch = make(chan applied, 1)
        n.waiters[idx] = &waiter{term: n.core.term, ch: ch}
    })
    if err != nil { return nil, err }
    if perr != nil { return nil, perr }
    if ch == nil { return nil, nil }
    select {
    case res := <-ch:
        return res.result, res.err
    case <-ctx.Done():
        return nil, fmt.Errorf("%w: %v", c.ErrApplyTimeout, ctx.Err())
    }
}

// Propose appends payload as a command entry and returns its index without
// waiting for commit.
func (n *Node) Propose(ctx context.Context, payload []byte) (c.LogIndex, error) {
    ctx, end := tracing.StartSpan(ctx, "raft.propose", "node", n.opts.NodeID)
    defer end()
    var (
        idx  c.LogIndex
        perr error
    )
    if err := n.call(ctx, func() { idx, perr = n.core.propose(payload) }); err != nil { return 0, err }
    n.countProposal(perr)
    return idx, perr
}

// Apply proposes cmd and waits until it is applied locally.
func (n *Node) Apply(cmd c.Command, timeout time.Duration) ([]byte, error) {
    data, err := json.Marshal(cmd)
    if err != nil { return nil, err }
    if timeout <= 0 { timeout = n.opts.ApplyTimeout }
    ctx, cancel := context.WithTimeout(context.Background(), timeout)
    defer cancel()
    ctx, end := tracing.StartSpan(ctx, "raft.apply", "node", n.opts.NodeID, "op", cmd.Op)
    defer end()
    var perr error
    res, err := n.proposeAndWait(ctx, func() (c.LogIndex, bool, error) {
        idx, err := n.core.propose(data)
        perr = err
        return idx, err == nil, err
    })
    n.countProposal(perr)
    return res, err
}

func (n *Node) countProposal(err error) {
    result := "ok"
    switch {
    case err == nil:
    case errors.Is(err, c.ErrNotLeader):
        result = "not_leader"
    default:
        result = "error"
    }
    metrics.Proposals.WithLabelValues(n.opts.NodeID, result).Inc()
}

// AddVoter adds a voting member through the log. Adding an existing member
// with the same address is a no-op.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    return n.reconfigure(c.ConfigChange{Type: c.AddNode, ID: c.NodeID(id), Addr: addr}, timeout)
}

// RemoveServer removes a member through the log. Removing an unknown member
// is a no-op.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    return n.reconfigure(c.ConfigChange{Type: c.RemoveNode, ID: c.NodeID(id)}, timeout)
}

func (n *Node) reconfigure(change c.ConfigChange, timeout time.Duration) error {
    if timeout <= 0 { timeout = n.opts.ApplyTimeout }
    ctx, cancel := context.WithTimeout(context.Background(), timeout)
    defer cancel()
    ctx, end := tracing.StartSpan(ctx, "raft.reconfigure", "type", string(change.Type), "id", string(change.ID))
    defer end()
    _, err := n.proposeAndWait(ctx, func() (c.LogIndex, bool, error) { return n.core.proposeConfChange(change) })
    return err
}

// Handle processes an inbound consensus RPC on the run loop.
func (n *Node) Handle(ctx context.Context, msg c.Message) (c.Message, error) {
    ctx, end := tracing.StartSpan(ctx, "raft."+c.MessageName(msg), "node", n.opts.NodeID)
    defer end()
    var (
        resp c.Message
        herr error
    )
    if err := n.call(ctx, func() { resp, herr = n.core.step(msg) }); err != nil { return nil, err }
    return resp, herr
}

func (n *Node) IsLeader() bool { return n.view.Load().role == Leader }

// Leader returns the known leader and its consensus RPC address.
func (n *Node) Leader() (id string, addr string, ok bool) {
    v := n.view.Load()
    if v.leader == "" { return "", "", false }
    return string(v.leader), v.leaderAddr, true
}

func (n *Node) Term() uint64 { return uint64(n.view.Load().term) }

// Role returns the current role.
func (n *Node) Role() Role { return n.view.Load().role }

// Status returns a consistent snapshot taken on the run loop, or a partial
// one built from the last published view when the loop is not running.
func (n *Node) Status() c.Status {
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    var st c.Status
    if err := n.call(ctx, func() { st = n.core.status() }); err == nil { return st }
    v := n.view.Load()
    st = c.Status{ID: c.NodeID(n.opts.NodeID), Role: v.role.String(), Term: v.term, Leader: v.leader, CommitIndex: v.commit}
    if v.halted != nil { st.Halted = v.halted.Error() }
    return st
}

// FencingToken returns the token of the current leadership epoch, if a
// leader is known.
func (n *Node) FencingToken() (c.FencingToken, bool) {
    v := n.view.Load()
    if v.leader == "" { return c.FencingToken{}, false }
    return c.FencingToken{Term: v.term, Leader: v.leader}, true
}

// ValidateFencingToken rejects tokens from an epoch older than the current
// term.
func (n *Node) ValidateFencingToken(tok c.FencingToken) error {
    v := n.view.Load()
    if tok.Term < v.term {
        return &c.StaleTokenError{Current: c.FencingToken{Term: v.term, Leader: v.leader}, Received: tok}
    }
    return nil
}

// Configuration returns the encoded voter configuration.
func (n *Node) Configuration() ([]byte, error) {
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    var (
        raw  []byte
        cerr error
    )
    if err := n.call(ctx, func() { raw, cerr = n.core.conf.snapshot() }); err != nil { return nil, err }
    return raw, cerr
}

func (n *Node) Stop() error {
    var err error
    n.stopOnce.Do(func() {
        n.cancel()
        if n.started.Load() { <-n.done }
        peers := make([]string, 0, len(n.lagPeers))
        for p := range n.lagPeers { peers = append(peers, p) }
        metrics.Forget(n.opts.NodeID, peers...)
        if n.ownsStore { err = n.core.store.Close() }
        logutil.Infof(n.log, "stopped")
    })
    return err
}

func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

// Ensure interface compliance
var (
    _ c.Consensus        = (*Node)(nil)
    _ c.LeaderNotifier   = (*Node)(nil)
    _ c.Reconfigurer     = (*Node)(nil)
    _ c.FencingValidator = (*Node)(nil)
    _ transport.Handler  = (*Node)(nil)
)
