package cluster

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/internal/logutil"
    "github.com/amirimatin/go-raftdb/pkg/membership"
    obsmetrics "github.com/amirimatin/go-raftdb/pkg/observability/metrics"
    "github.com/amirimatin/go-raftdb/pkg/observability/tracing"
    "github.com/amirimatin/go-raftdb/pkg/transport"
)

// Facade exposes the high-level API for consumers.
type Facade interface {
    Start(ctx context.Context) error
    Join(ctx context.Context, seed string) error
    Status(ctx context.Context) (*ClusterStatus, error)
    AppWrite(ctx context.Context, op string, data []byte) ([]byte, error)
    AppRead(ctx context.Context, op string, data []byte, stale bool) ([]byte, error)
    Stop(ctx context.Context) error
    LeaderCh() <-chan consensus.LeaderInfo
}

// Cluster wires the consensus engine to gossip membership, the management
// API and the application state machine. Client writes reaching a follower
// are forwarded to the leader's management endpoint.
type Cluster struct {
    opts Options
    mu   sync.Mutex
    run  struct {
        started bool
        closed  bool
    }
    cons consensus.Consensus
    mem  membership.Membership
    rpcS transport.RPCServer
    rpcC transport.RPCClient
    eb   eventBus
    lch  chan consensus.LeaderInfo
    el   struct {
        mu         sync.Mutex
        hadLeader  bool
        inProgress bool
    }
}

// New constructs a new Cluster instance from validated options. It performs no
// network activity; call Start to launch the node.
func New(ctx context.Context, opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts = opts.withDefaults()
    opts.Logger = logutil.Component(opts.Logger, "cluster")
    return &Cluster{
        opts: opts,
        cons: opts.Consensus,
        mem:  opts.Membership,
        rpcS: opts.RPCServer,
        rpcC: opts.RPCClient,
        lch:  make(chan consensus.LeaderInfo, 16),
    }, nil
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error { return c.Stop(context.Background()) }

// Start launches the management endpoint, membership and the consensus
// engine, then the background loops that react to leadership and gossip.
func (c *Cluster) Start(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.started { return nil }
    c.run.started = true
    obsmetrics.Register()

    // management first, so peers that learn about us can reach it
    if c.rpcS != nil {
        if err := c.rpcS.Start(ctx, transport.Handlers{
            Status: c.statusLocalJSON,
            Join:   c.handleJoin,
            Leave:  c.handleLeave,
            Write:  c.handleAppWrite,
            Read:   c.handleAppRead,
        }); err != nil { return err }
        logutil.Infof(c.opts.Logger, "management endpoint listening at %s (status/metrics/healthz)", c.rpcS.Addr())
    }
    if err := c.mem.Start(ctx); err != nil { return err }
    if seeds := c.opts.Discovery.Seeds(); len(seeds) > 0 {
        logutil.Infof(c.opts.Logger, "joining membership seeds: %v", seeds)
        if err := c.mem.Join(seeds); err != nil { logutil.Warnf(c.opts.Logger, "membership join: %v", err) }
    }
    if err := c.cons.Start(ctx); err != nil { return err }

    go c.leaderLoop(ctx)
    go c.membershipEventsLoop(ctx)
    go c.electionWatchLoop(ctx)
    if c.opts.AutoJoin { go c.reconcileLoop(ctx) }
    return nil
}

// Join asks the leader to add this node as a voter. seed is any node's
// management address; the request is redirected to the leader it names.
func (c *Cluster) Join(ctx context.Context, seed string) error {
    if c.rpcC == nil { return ErrNoRPCClient }
    ctx, end := tracing.StartSpan(ctx, "cluster.join", "seed", seed)
    defer end()
    target := seed
    if target == "" {
        if id, _, ok := c.cons.Leader(); ok { target = c.lookupMemberAddr(id) }
    } else if data, err := c.rpcC.GetStatus(ctx, seed); err == nil {
        var st ClusterStatus
        if json.Unmarshal(data, &st) == nil && st.LeaderAddr != "" { target = st.LeaderAddr }
    }
    if target == "" { return ErrLeaderUnknown }

    req := transport.JoinRequest{ID: string(c.opts.NodeID), RaftAddr: c.opts.Transport.Addr()}
    for attempt := 0; attempt < 2; attempt++ {
        resp, err := c.rpcC.PostJoin(ctx, target, req)
        if err == nil && resp.Accepted { return nil }
        if resp.Leader != "" && resp.Leader != target {
            target = resp.Leader
            continue
        }
        if err != nil { return err }
        return ErrJoinRejected
    }
    return ErrNotLeader
}

// Status returns this node's view: consensus state, the leader's management
// address and the gossip membership.
func (c *Cluster) Status(ctx context.Context) (*ClusterStatus, error) {
    raft := c.cons.Status()
    s := &ClusterStatus{NodeID: string(c.opts.NodeID), Term: c.cons.Term(), Raft: &raft}
    if id, _, ok := c.cons.Leader(); ok {
        s.LeaderID = id
        s.LeaderAddr = c.lookupMemberAddr(id)
        s.Healthy = raft.Halted == ""
        if s.LeaderAddr == "" { s.Warnings = append(s.Warnings, fmt.Sprintf("management address of leader %s unknown", id)) }
    } else {
        s.Warnings = append(s.Warnings, "no leader")
    }
    if raft.Halted != "" { s.Warnings = append(s.Warnings, raft.Halted) }
    if hr, ok := c.mem.(membership.HealthReporter); ok {
        if score := hr.HealthScore(); score > 0 { s.Warnings = append(s.Warnings, fmt.Sprintf("gossip degraded (health score %d)", score)) }
    }
    s.Members = c.mem.Members()
    obsmetrics.ClusterMembers.Set(float64(len(s.Members)))
    return s, nil
}

// Stop gracefully shuts down consensus, membership and the management server.
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed { return nil }
    c.run.closed = true
    err := c.cons.Stop()
    _ = c.mem.Leave()
    _ = c.mem.Stop()
    if c.rpcS != nil { _ = c.rpcS.Stop(ctx) }
    return err
}

// LeaderCh delivers leadership changes observed by this node. Values are
// dropped when the consumer lags.
func (c *Cluster) LeaderCh() <-chan consensus.LeaderInfo { return c.lch }

// leaderLoop fans the engine's leadership updates out to LeaderCh,
// subscribers and the configured callbacks.
func (c *Cluster) leaderLoop(ctx context.Context) {
    ln, ok := c.cons.(consensus.LeaderNotifier)
    if !ok { return }
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-ln.LeaderCh():
            if !ok { return }
            logutil.Infof(c.opts.Logger, "leader change observed: id=%s term=%d", li.ID, li.Term)
            liCopy := li
            c.eb.publish(Event{Type: EventLeaderChanged, Leader: &liCopy, Term: li.Term})
            select {
            case c.lch <- li:
            default:
            }
            if c.opts.OnLeaderChange != nil { c.opts.OnLeaderChange(li) }
            c.el.mu.Lock()
            ended := c.el.inProgress
            c.el.inProgress, c.el.hadLeader = false, true
            c.el.mu.Unlock()
            if ended {
                c.eb.publish(Event{Type: EventElectionEnd, Leader: &liCopy, Term: li.Term})
                if c.opts.OnElectionEnd != nil { c.opts.OnElectionEnd(li) }
            }
        }
    }
}

// electionWatchLoop emits election start events when a known leader is lost.
func (c *Cluster) electionWatchLoop(ctx context.Context) {
    ticker := time.NewTicker(200 * time.Millisecond)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            _, _, ok := c.cons.Leader()
            c.el.mu.Lock()
            start := c.el.hadLeader && !ok && !c.el.inProgress
            if start { c.el.inProgress = true }
            c.el.mu.Unlock()
            if start {
                c.eb.publish(Event{Type: EventElectionStart, Term: c.cons.Term()})
                if c.opts.OnElectionStart != nil { c.opts.OnElectionStart() }
            }
        }
    }
}

// membershipEventsLoop republishes gossip events. Departures never change
// the voter set on their own: a failed voter still counts toward quorum
// until an operator removes it.
func (c *Cluster) membershipEventsLoop(ctx context.Context) {
    evch := c.mem.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            m := e.Member
            switch e.Type {
            case membership.EventJoin:
                c.eb.publish(Event{Type: EventMemberJoin, At: e.At, Member: &m})
                if c.opts.AutoJoin { c.maybeAddVoter(m) }
            case membership.EventLeave:
                c.eb.publish(Event{Type: EventMemberLeave, At: e.At, Member: &m})
            case membership.EventFailed:
                c.eb.publish(Event{Type: EventMemberFailed, At: e.At, Member: &m})
            }
            obsmetrics.ClusterMembers.Set(float64(len(c.mem.Members())))
        }
    }
}

// reconcileLoop periodically adds gossiped members missing from the voter
// set, covering join events that arrived before this node became leader.
func (c *Cluster) reconcileLoop(ctx context.Context) {
    ticker := time.NewTicker(c.opts.ReconcileInterval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if !c.cons.IsLeader() { continue }
            for _, m := range c.mem.Members() { c.maybeAddVoter(m) }
        }
    }
}

func (c *Cluster) isVoter(id string) bool {
    for _, v := range c.cons.Status().Voters {
        if string(v.ID) == id { return true }
    }
    return false
}

func (c *Cluster) maybeAddVoter(m membership.MemberInfo) {
    addr := m.RaftAddr()
    if addr == "" || !c.cons.IsLeader() || c.isVoter(m.ID) { return }
    if err := c.addVoter(m.ID, addr); err != nil {
        logutil.Warnf(c.opts.Logger, "auto-join of %s failed: %v", m.ID, err)
    }
}

func (c *Cluster) addVoter(id, addr string) error {
    rc, ok := c.cons.(consensus.Reconfigurer)
    if !ok { return errors.New("cluster: consensus does not support reconfiguration") }
    if err := rc.AddVoter(id, addr, c.opts.JoinTimeout); err != nil { return err }
    logutil.Infof(c.opts.Logger, "voter %s added at %s", id, addr)
    c.eb.publish(Event{Type: EventVoterAdded, Member: &membership.MemberInfo{ID: id, Meta: map[string]string{membership.MetaRaft: addr}}, Term: c.cons.Term()})
    return nil
}

func (c *Cluster) removeVoter(id string) error {
    rc, ok := c.cons.(consensus.Reconfigurer)
    if !ok { return errors.New("cluster: consensus does not support reconfiguration") }
    if err := rc.RemoveServer(id, c.opts.JoinTimeout); err != nil { return err }
    logutil.Infof(c.opts.Logger, "voter %s removed", id)
    c.eb.publish(Event{Type: EventVoterRemoved, Member: &membership.MemberInfo{ID: id}, Term: c.cons.Term()})
    return nil
}

func (c *Cluster) statusLocalJSON(ctx context.Context) ([]byte, error) {
    st, err := c.Status(ctx)
    if err != nil { return nil, err }
    return json.Marshal(st)
}

// lookupMemberAddr returns the management address of a member: our own
// server for ourselves, otherwise the gossiped mgmt metadata.
func (c *Cluster) lookupMemberAddr(id string) string {
    if id == string(c.opts.NodeID) && c.rpcS != nil { return c.rpcS.Addr() }
    for _, m := range c.mem.Members() {
        if m.ID == id { return m.MgmtAddr() }
    }
    return ""
}

// leaderHint is the leader's management address, or empty.
func (c *Cluster) leaderHint() string {
    if id, _, ok := c.cons.Leader(); ok { return c.lookupMemberAddr(id) }
    return ""
}

func (c *Cluster) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    if !c.cons.IsLeader() {
        obsmetrics.JoinRequests.WithLabelValues("redirected").Inc()
        logutil.Warnf(c.opts.Logger, "join rejected (not leader): id=%s", req.ID)
        return transport.JoinResponse{Leader: c.leaderHint(), Error: ErrNotLeader.Error()}, nil
    }
    if req.ID == "" || req.RaftAddr == "" {
        obsmetrics.JoinRequests.WithLabelValues("rejected").Inc()
        return transport.JoinResponse{Error: "join requires id and raftAddr"}, nil
    }
    if err := c.addVoter(req.ID, req.RaftAddr); err != nil {
        obsmetrics.JoinRequests.WithLabelValues("rejected").Inc()
        logutil.Errorf(c.opts.Logger, "add voter failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
        return transport.JoinResponse{Error: err.Error()}, nil
    }
    obsmetrics.JoinRequests.WithLabelValues("accepted").Inc()
    return transport.JoinResponse{Accepted: true}, nil
}

func (c *Cluster) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    if !c.cons.IsLeader() {
        logutil.Warnf(c.opts.Logger, "leave rejected (not leader): id=%s", req.ID)
        return transport.LeaveResponse{Leader: c.leaderHint(), Error: ErrNotLeader.Error()}, nil
    }
    if err := c.removeVoter(req.ID); err != nil {
        return transport.LeaveResponse{Error: err.Error()}, nil
    }
    return transport.LeaveResponse{Accepted: true}, nil
}

// Leave asks the leader to remove this node from the voter set.
func (c *Cluster) Leave(ctx context.Context) error {
    if c.cons.IsLeader() { return c.removeVoter(string(c.opts.NodeID)) }
    if c.rpcC == nil { return ErrNoRPCClient }
    target := c.leaderHint()
    if target == "" { return ErrLeaderUnknown }
    _, err := c.rpcC.PostLeave(ctx, target, transport.LeaveRequest{ID: string(c.opts.NodeID)})
    return err
}

// AppWrite executes a write through the leader's AppHandlers, forwarding
// over the management RPC when this node is a follower. A forward that lands
// on a deposed leader follows its hint once.
func (c *Cluster) AppWrite(ctx context.Context, op string, data []byte) (out []byte, err error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.write", "op", op)
    defer end()
    defer func() { tracing.Fail(ctx, err) }()
    if c.cons.IsLeader() {
        out, err = c.localWrite(ctx, op, data)
        if !errors.Is(err, consensus.ErrNotLeader) { return out, err }
    }
    if c.rpcC == nil { return nil, ErrNoRPCClient }
    target := c.leaderHint()
    for attempt := 0; attempt < 2; attempt++ {
        if target == "" { return nil, ErrLeaderUnknown }
        resp, err := c.rpcC.PostAppWrite(ctx, target, transport.AppWriteRequest{Op: op, Data: data})
        if err == nil { return resp.Data, nil }
        if resp.Leader == "" || resp.Leader == target { return nil, err }
        target = resp.Leader
    }
    return nil, ErrNotLeader
}

// AppRead reads through the AppHandlers. Unless stale is set, the read is
// served by the leader so it reflects every acknowledged write.
func (c *Cluster) AppRead(ctx context.Context, op string, data []byte, stale bool) ([]byte, error) {
    if stale || c.cons.IsLeader() {
        if c.opts.AppHandlers == nil { return nil, ErrNoAppHandlers }
        return c.opts.AppHandlers.HandleRead(ctx, op, data)
    }
    if c.rpcC == nil { return nil, ErrNoRPCClient }
    target := c.leaderHint()
    if target == "" { return nil, ErrLeaderUnknown }
    resp, err := c.rpcC.PostAppRead(ctx, target, transport.AppReadRequest{Op: op, Data: data})
    if err != nil { return nil, err }
    return resp.Data, nil
}

func (c *Cluster) localWrite(ctx context.Context, op string, data []byte) ([]byte, error) {
    if c.opts.AppHandlers == nil { return nil, ErrNoAppHandlers }
    return c.opts.AppHandlers.HandleWrite(ctx, op, data)
}

func (c *Cluster) handleAppWrite(ctx context.Context, req transport.AppWriteRequest) (transport.AppWriteResponse, error) {
    if !c.cons.IsLeader() {
        return transport.AppWriteResponse{Leader: c.leaderHint(), Error: ErrNotLeader.Error()}, nil
    }
    out, err := c.localWrite(ctx, req.Op, req.Data)
    if err != nil {
        resp := transport.AppWriteResponse{Error: err.Error()}
        if errors.Is(err, consensus.ErrNotLeader) { resp.Leader = c.leaderHint() }
        return resp, nil
    }
    return transport.AppWriteResponse{Data: out}, nil
}

func (c *Cluster) handleAppRead(ctx context.Context, req transport.AppReadRequest) (transport.AppReadResponse, error) {
    if !req.Stale && !c.cons.IsLeader() {
        return transport.AppReadResponse{Leader: c.leaderHint(), Error: ErrNotLeader.Error()}, nil
    }
    if c.opts.AppHandlers == nil { return transport.AppReadResponse{Error: ErrNoAppHandlers.Error()}, nil }
    out, err := c.opts.AppHandlers.HandleRead(ctx, req.Op, req.Data)
    if err != nil { return transport.AppReadResponse{Error: err.Error()}, nil }
    return transport.AppReadResponse{Data: out}, nil
}

var _ Facade = (*Cluster)(nil)
