package raftcons

import (
    "errors"
    "fmt"
    "hash/fnv"
    "log"
    "math/rand/v2"
    "sort"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/consensus/logstore"
    "github.com/amirimatin/go-raftdb/pkg/internal/logutil"
    sm "github.com/amirimatin/go-raftdb/pkg/state/membership"
)

// Role is a node's position in the protocol.
type Role uint8

const (
    Follower Role = iota
    Candidate
    Leader
)

func (r Role) String() string {
    switch r {
    case Follower:
        return "follower"
    case Candidate:
        return "candidate"
    case Leader:
        return "leader"
    default:
        return fmt.Sprintf("role(%d)", uint8(r))
    }
}

// progress is the leader's view of one follower.
type progress struct {
    next     c.LogIndex
    match    c.LogIndex
    inflight bool
}

// envelope is an outbound RPC produced by the core.
type envelope struct {
    to  c.Peer
    msg c.Message
}

// applied reports the outcome of applying one entry.
type applied struct {
    index  c.LogIndex
    term   c.Term
    result []byte
    err    error
}

// core is the deterministic protocol state of one node. It performs no I/O
// besides the log store; outbound RPCs are queued in outbox and the caller
// decides how to deliver them. It is not safe for concurrent use.
type core struct {
    id         c.NodeID
    log        *log.Logger
    store      logstore.Store
    sm         c.StateMachine
    conf       *confFSM
    maxEntries int

    role        Role
    term        c.Term
    votedFor    c.NodeID
    leader      c.NodeID
    commitIndex c.LogIndex
    lastApplied c.LogIndex

    // leader only
    progress    map[c.NodeID]*progress
    pendingConf c.LogIndex
    // candidate only
    votes map[c.NodeID]bool

    electionElapsed int
    electionTimeout int
    electionMin     int
    electionMax     int
    rnd             *rand.Rand
    elections       uint64

    halted  *c.HaltError
    outbox  []envelope
    results []applied
}

type coreConfig struct {
    id          c.NodeID
    logger      *log.Logger
    store       logstore.Store
    sm          c.StateMachine
    peers       []c.Peer
    maxEntries  int
    electionMin int
    electionMax int
    seed        uint64
}

func newCore(cfg coreConfig) (*core, error) {
    hs, err := cfg.store.HardState()
    if err != nil { return nil, fmt.Errorf("raftcons: load hard state: %w", err) }
    ms := sm.FromMembers(peersToMembers(cfg.peers))
    raw, err := cfg.store.Configuration()
    if err != nil { return nil, fmt.Errorf("raftcons: load configuration: %w", err) }
    if len(raw) > 0 {
        if err := ms.Restore(raw); err != nil { return nil, fmt.Errorf("raftcons: decode configuration: %w", err) }
    }
    if cfg.maxEntries <= 0 { cfg.maxEntries = DefaultMaxEntriesPerRPC }
    if cfg.electionMin < 1 { cfg.electionMin = 1 }
    if cfg.electionMax < cfg.electionMin { cfg.electionMax = cfg.electionMin }
    if cfg.logger == nil { cfg.logger = log.Default() }
    h := fnv.New64a()
    _, _ = h.Write([]byte(cfg.id))
    cr := &core{
        id:          cfg.id,
        log:         cfg.logger,
        store:       cfg.store,
        sm:          cfg.sm,
        conf:        newConfFSM(ms),
        maxEntries:  cfg.maxEntries,
        role:        Follower,
        term:        hs.Term,
        votedFor:    hs.VotedFor,
        electionMin: cfg.electionMin,
        electionMax: cfg.electionMax,
        rnd:         rand.New(rand.NewPCG(cfg.seed, h.Sum64())),
    }
    cr.resetElectionTimer()
    return cr, nil
}

// halt stops participation after a log store failure. The node keeps
// answering nothing and every later call reports the cause.
func (r *core) halt(err error) {
    if r.halted != nil { return }
    r.halted = &c.HaltError{Cause: err}
    logutil.Errorf(r.log, "halting: %v", err)
    r.role = Follower
    r.leader = ""
    r.progress = nil
    r.votes = nil
    r.outbox = nil
}

// persist writes term and vote; it must succeed before any reply that
// depends on them is sent.
func (r *core) persist() bool {
    if err := r.store.SetHardState(logstore.HardState{Term: r.term, VotedFor: r.votedFor}); err != nil {
        r.halt(fmt.Errorf("persist hard state: %w", err))
        return false
    }
    return true
}

// becomeFollower adopts term (resetting the vote when it increases) and drops
// any leader or candidate state.
func (r *core) becomeFollower(term c.Term, leader c.NodeID) {
    if r.role == Leader && term >= r.term {
        logutil.Infof(r.log, "stepping down at term %d", term)
    }
    if term > r.term {
        r.term = term
        r.votedFor = ""
        if !r.persist() { return }
    }
    r.role = Follower
    r.leader = leader
    r.progress = nil
    r.votes = nil
    r.pendingConf = 0
    r.resetElectionTimer()
}

func (r *core) resetElectionTimer() {
    r.electionElapsed = 0
    r.electionTimeout = r.electionMin
    if span := r.electionMax - r.electionMin; span > 0 {
        r.electionTimeout += r.rnd.IntN(span + 1)
    }
}

func (r *core) lastIndex() c.LogIndex { return r.store.LastIndex() }
func (r *core) lastTerm() c.Term      { return r.store.LastTerm() }

// termAt returns the term of entry i, halting on store read failures.
func (r *core) termAt(i c.LogIndex) (c.Term, bool) {
    t, err := r.store.TermAt(i)
    if err != nil {
        if !errors.Is(err, logstore.ErrNotFound) { r.halt(fmt.Errorf("read term at %d: %w", i, err)) }
        return 0, false
    }
    return t, true
}

func (r *core) isVoter() bool { return r.conf.has(r.id) }

func (r *core) peers() []c.Peer {
    var out []c.Peer
    for _, p := range r.conf.voters() {
        if p.ID != r.id { out = append(out, p) }
    }
    return out
}

func (r *core) send(to c.Peer, msg c.Message) { r.outbox = append(r.outbox, envelope{to: to, msg: msg}) }

// drain hands the queued outbound RPCs to the caller.
func (r *core) drain() []envelope {
    out := r.outbox
    r.outbox = nil
    return out
}

// drainResults hands the apply outcomes produced since the last call.
func (r *core) drainResults() []applied {
    out := r.results
    r.results = nil
    return out
}

func (r *core) notLeader() error {
    return &c.NotLeaderError{Node: r.id, Leader: r.leader, LeaderAddr: r.conf.addr(r.leader)}
}

func (r *core) status() c.Status {
    st := c.Status{
        ID:           r.id,
        Role:         r.role.String(),
        Term:         r.term,
        Leader:       r.leader,
        CommitIndex:  r.commitIndex,
        LastApplied:  r.lastApplied,
        LastLogIndex: r.lastIndex(),
        LastLogTerm:  r.lastTerm(),
        Voters:       r.conf.voters(),
    }
    if r.halted != nil { st.Halted = r.halted.Cause.Error() }
    for id, pr := range r.progress {
        st.Progress = append(st.Progress, c.PeerProgress{ID: id, NextIndex: pr.next, MatchIndex: pr.match})
    }
    sort.Slice(st.Progress, func(i, j int) bool { return st.Progress[i].ID < st.Progress[j].ID })
    return st
}

// step dispatches an inbound request.
func (r *core) step(msg c.Message) (c.Message, error) {
    if r.halted != nil { return nil, r.halted }
    switch m := msg.(type) {
    case *c.AppendEntriesRequest:
        return r.handleAppendEntries(m), nil
    case *c.RequestVoteRequest:
        return r.handleRequestVote(m), nil
    case *c.InstallSnapshotRequest:
        return r.handleInstallSnapshot(m), nil
    default:
        return nil, fmt.Errorf("raftcons: unexpected inbound message %T", msg)
    }
}

// handleResponse folds the reply to an RPC this node sent.
func (r *core) handleResponse(env envelope, resp c.Message) {
    if r.halted != nil || resp == nil { return }
    // any reply from a later term ends this node's leadership or candidacy
    if t := resp.MessageTerm(); t > r.term {
        logutil.Infof(r.log, "%s answered %s with term %d > %d", env.to.ID, c.MessageName(env.msg), t, r.term)
        r.becomeFollower(t, "")
        return
    }
    switch req := env.msg.(type) {
    case *c.AppendEntriesRequest:
        if ae, ok := resp.(*c.AppendEntriesResponse); ok {
            r.handleAppendEntriesResponse(env.to.ID, req, ae)
        }
    case *c.RequestVoteRequest:
        if rv, ok := resp.(*c.RequestVoteResponse); ok {
            r.handleRequestVoteResponse(env.to.ID, req, rv)
        }
    }
}

// handleSendFailure records a dropped RPC so the follower is retried on the
// next round.
func (r *core) handleSendFailure(env envelope, err error) {
    logutil.Debugf(r.log, "%s to %s dropped: %v", c.MessageName(env.msg), env.to.ID, err)
    req, ok := env.msg.(*c.AppendEntriesRequest)
    if !ok || r.role != Leader || req.Term != r.term { return }
    if pr := r.progress[env.to.ID]; pr != nil { pr.inflight = false }
}
