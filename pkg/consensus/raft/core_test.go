package raftcons

import (
    "errors"
    "io"
    "log"
    "testing"

    "github.com/stretchr/testify/require"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/consensus/logstore"
)

var errDropped = errors.New("dropped")

type recorder struct{ entries []c.LogEntry }

func (r *recorder) Apply(e c.LogEntry) ([]byte, error) {
    r.entries = append(r.entries, e)
    return e.Payload, nil
}

// harness wires cores together synchronously. Messages are delivered in
// send order until no core has anything left to say.
type harness struct {
    t     *testing.T
    ids   []c.NodeID
    nodes map[c.NodeID]*core
    sms   map[c.NodeID]*recorder
    cut   map[c.NodeID]bool
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newHarness(t *testing.T, ids ...string) *harness {
    t.Helper()
    var peers []c.Peer
    for _, id := range ids { peers = append(peers, c.Peer{ID: c.NodeID(id), Addr: id}) }
    h := &harness{t: t, nodes: map[c.NodeID]*core{}, sms: map[c.NodeID]*recorder{}, cut: map[c.NodeID]bool{}}
    for i, id := range ids {
        h.add(id, peers, uint64(i+1))
    }
    return h
}

func (h *harness) add(id string, peers []c.Peer, seed uint64) *core {
    h.t.Helper()
    rec := &recorder{}
    r, err := newCore(coreConfig{
        id: c.NodeID(id), logger: quietLogger(), store: logstore.NewMemory(), sm: rec,
        peers: peers, maxEntries: 64, electionMin: 10, electionMax: 20, seed: seed,
    })
    require.NoError(h.t, err)
    h.ids = append(h.ids, c.NodeID(id))
    h.nodes[c.NodeID(id)] = r
    h.sms[c.NodeID(id)] = rec
    return r
}

func (h *harness) node(id string) *core { return h.nodes[c.NodeID(id)] }

// exchange delivers one request and feeds the reply back to the sender.
func (h *harness) exchange(from *core, env envelope) {
    to := h.nodes[env.to.ID]
    if to == nil || h.cut[from.id] || h.cut[env.to.ID] {
        from.handleSendFailure(env, errDropped)
        return
    }
    resp, err := to.step(env.msg)
    to.applyCommittedEntries()
    if err != nil {
        from.handleSendFailure(env, err)
        return
    }
    from.handleResponse(env, resp)
    from.applyCommittedEntries()
}

func (h *harness) flush() {
    h.t.Helper()
    for round := 0; round < 1000; round++ {
        busy := false
        for _, id := range h.ids {
            from := h.nodes[id]
            for _, env := range from.drain() {
                busy = true
                h.exchange(from, env)
            }
        }
        if !busy { return }
    }
    h.t.Fatalf("cluster did not quiesce")
}

// heartbeat runs one leader replication round and flushes it.
func (h *harness) heartbeat(leader *core) {
    leader.tick()
    h.flush()
}

func (h *harness) elect(id string) *core {
    h.t.Helper()
    r := h.node(id)
    r.campaign()
    h.flush()
    require.Equal(h.t, Leader, r.role, "%s should have won", id)
    return r
}

func entriesOf(t *testing.T, r *core) []c.LogEntry {
    t.Helper()
    es, err := r.store.Entries(1, r.lastIndex())
    require.NoError(t, err)
    return es
}

func appendTerms(t *testing.T, r *core, leader c.NodeID, terms ...c.Term) {
    t.Helper()
    for _, tm := range terms {
        require.NoError(t, r.store.Append(c.LogEntry{Term: tm, Index: r.lastIndex() + 1, Leader: leader}))
    }
}

func TestCore_CommitRequiresQuorum(t *testing.T) {
    h := newHarness(t, "n1", "n2", "n3")
    for _, r := range h.nodes { r.becomeFollower(1, "") }
    l := h.node("n1")
    l.promoteToLeader()

    for i := 1; i <= 3; i++ {
        idx, err := l.propose([]byte{byte(i)})
        require.NoError(t, err)
        require.Equal(t, c.LogIndex(i), idx)
    }
    // first round lost; the next one carries all three entries
    for _, env := range l.drain() { l.handleSendFailure(env, errDropped) }
    l.broadcast()
    out := l.drain()
    require.Len(t, out, 2)
    for _, env := range out {
        require.Len(t, env.msg.(*c.AppendEntriesRequest).Entries, 3)
    }

    // the leader's own copy is one confirmation out of the two required
    require.Equal(t, c.LogIndex(0), l.commitIndex)

    h.exchange(l, out[0])
    require.Equal(t, c.LogIndex(3), l.commitIndex)
    h.exchange(l, out[1])
    require.Equal(t, c.LogIndex(3), l.progress["n2"].match)
    require.Equal(t, c.LogIndex(3), l.progress["n3"].match)
    require.Equal(t, c.LogIndex(4), l.progress["n2"].next)

    // followers learn the commit index on the next round
    h.heartbeat(l)
    for _, id := range h.ids {
        require.Equal(t, c.LogIndex(3), h.nodes[id].commitIndex, "node %s", id)
        require.Len(t, h.sms[id].entries, 3, "node %s", id)
    }
}

func TestCore_NoCommitWithoutMajorityOfFive(t *testing.T) {
    h := newHarness(t, "n1", "n2", "n3", "n4", "n5")
    for _, r := range h.nodes { r.becomeFollower(1, "") }
    l := h.node("n1")
    l.promoteToLeader()
    _, err := l.propose([]byte("x"))
    require.NoError(t, err)
    out := l.drain()
    require.Len(t, out, 4)

    h.exchange(l, out[0])
    require.Equal(t, c.LogIndex(0), l.commitIndex, "leader + 1 of 5 is not a quorum")
    h.exchange(l, out[1])
    require.Equal(t, c.LogIndex(1), l.commitIndex)
}

func TestCore_ConflictHintConvergesInTwoRoundTrips(t *testing.T) {
    h := newHarness(t, "n1", "n2", "n3")
    l, f := h.node("n1"), h.node("n2")
    appendTerms(t, l, "n1", 1, 1, 3, 3, 3, 3)
    appendTerms(t, f, "n1", 1, 1, 2, 2, 2)
    l.term, f.term = 3, 2
    l.promoteToLeader()
    l.progress["n2"].next = 5

    rounds := 0
    l.replicateTo(c.Peer{ID: "n2", Addr: "n2"})
    for {
        out := l.drain()
        var env *envelope
        for i := range out {
            if out[i].to.ID == "n2" { env = &out[i] }
        }
        if env == nil { break }
        req := env.msg.(*c.AppendEntriesRequest)
        if rounds == 0 {
            require.Equal(t, c.LogIndex(4), req.PrevLogIndex)
            require.Equal(t, c.Term(3), req.PrevLogTerm)
        }
        resp, err := f.step(env.msg)
        require.NoError(t, err)
        ae := resp.(*c.AppendEntriesResponse)
        if rounds == 0 {
            require.False(t, ae.Success)
            require.Equal(t, c.Term(2), ae.ConflictTerm)
            require.Equal(t, c.LogIndex(3), ae.ConflictIndex)
        }
        l.handleResponse(*env, resp)
        rounds++
        require.LessOrEqual(t, rounds, 2)
    }
    require.Equal(t, 2, rounds)
    require.Equal(t, entriesOf(t, l), entriesOf(t, f))
    require.Equal(t, c.LogIndex(6), l.progress["n2"].match)
}

func TestCore_MissingIndexHint(t *testing.T) {
    h := newHarness(t, "n1", "n2")
    f := h.node("n2")
    appendTerms(t, f, "n1", 1, 1)
    resp, err := f.step(&c.AppendEntriesRequest{Term: 1, LeaderID: "n1", PrevLogIndex: 7, PrevLogTerm: 1})
    require.NoError(t, err)
    ae := resp.(*c.AppendEntriesResponse)
    require.False(t, ae.Success)
    require.Equal(t, c.LogIndex(3), ae.ConflictIndex)
    require.Equal(t, c.Term(0), ae.ConflictTerm)
}

func TestCore_BacktrackWithoutHintsStepsByOne(t *testing.T) {
    h := newHarness(t, "n1", "n2")
    l := h.node("n1")
    appendTerms(t, l, "n1", 1, 1, 1)
    l.term = 1
    l.promoteToLeader()
    pr := l.progress["n2"]
    require.Equal(t, c.LogIndex(4), pr.next)
    l.backtrack(pr, &c.AppendEntriesResponse{Term: 1})
    require.Equal(t, c.LogIndex(3), pr.next)
    pr.next = 1
    l.backtrack(pr, &c.AppendEntriesResponse{Term: 1})
    require.Equal(t, c.LogIndex(1), pr.next, "next index never drops below 1")
}

func TestCore_HealedPartitionStaleLeaderStepsDown(t *testing.T) {
    h := newHarness(t, "n1", "n2", "n3")
    old := h.elect("n1")
    h.heartbeat(old)
    require.Equal(t, c.Term(1), old.term)

    h.cut["n1"] = true
    // the isolated leader keeps accepting proposals it can never commit
    _, err := old.propose([]byte("lost"))
    require.NoError(t, err)
    h.flush()
    fresh := h.elect("n2")
    require.Equal(t, c.Term(2), fresh.term)
    h.heartbeat(fresh)

    delete(h.cut, "n1")
    before := entriesOf(t, h.node("n3"))
    old.tick()
    out := old.drain()
    require.NotEmpty(t, out)
    for _, env := range out {
        resp, err := h.nodes[env.to.ID].step(env.msg)
        require.NoError(t, err)
        ae := resp.(*c.AppendEntriesResponse)
        require.False(t, ae.Success)
        require.Equal(t, c.Term(2), ae.Term)
        old.handleResponse(env, resp)
    }
    require.Equal(t, before, entriesOf(t, h.node("n3")), "stale heartbeat must not touch the log")
    require.Equal(t, Follower, old.role)
    require.Equal(t, c.Term(2), old.term)

    // the new leader repairs the old leader's divergent tail
    h.heartbeat(fresh)
    h.heartbeat(fresh)
    require.Equal(t, entriesOf(t, fresh), entriesOf(t, old))
    for _, e := range h.sms["n1"].entries {
        require.NotEqual(t, "lost", string(e.Payload))
    }
}

func TestCore_DuplicateAppendIsIdempotent(t *testing.T) {
    h := newHarness(t, "n1", "n2")
    f := h.node("n2")
    req := &c.AppendEntriesRequest{
        Term: 1, LeaderID: "n1", PrevLogIndex: 0, PrevLogTerm: 0, LeaderCommit: 1,
        Entries: []c.LogEntry{{Term: 1, Index: 1, Payload: []byte("a")}, {Term: 1, Index: 2, Payload: []byte("b")}},
    }
    first, err := f.step(req)
    require.NoError(t, err)
    snapshot := entriesOf(t, f)
    second, err := f.step(req)
    require.NoError(t, err)
    require.Equal(t, first, second)
    require.True(t, second.(*c.AppendEntriesResponse).Success)
    require.Equal(t, c.LogIndex(2), second.(*c.AppendEntriesResponse).LastLogIndex)
    require.Equal(t, snapshot, entriesOf(t, f))

    // an older, shorter duplicate neither truncates nor lowers the commit index
    f.commitIndex = 2
    resp, err := f.step(&c.AppendEntriesRequest{Term: 1, LeaderID: "n1", Entries: req.Entries[:1], LeaderCommit: 1})
    require.NoError(t, err)
    require.True(t, resp.(*c.AppendEntriesResponse).Success)
    require.Equal(t, c.LogIndex(2), f.lastIndex())
    require.Equal(t, c.LogIndex(2), f.commitIndex)
}

func TestCore_StaleTermRejectedWithoutMutation(t *testing.T) {
    h := newHarness(t, "n1", "n2")
    f := h.node("n2")
    f.becomeFollower(5, "n1")
    appendTerms(t, f, "n1", 5)
    resp, err := f.step(&c.AppendEntriesRequest{
        Term: 3, LeaderID: "n9", PrevLogIndex: 1, PrevLogTerm: 5,
        Entries: []c.LogEntry{{Term: 3, Index: 2}}, LeaderCommit: 2,
    })
    require.NoError(t, err)
    ae := resp.(*c.AppendEntriesResponse)
    require.False(t, ae.Success)
    require.Equal(t, c.Term(5), ae.Term)
    require.Equal(t, c.LogIndex(1), f.lastIndex())
    require.Equal(t, c.NodeID("n1"), f.leader)
    require.Equal(t, c.LogIndex(0), f.commitIndex)

    vr, err := f.step(&c.RequestVoteRequest{Term: 4, CandidateID: "n9", LastLogIndex: 9, LastLogTerm: 9})
    require.NoError(t, err)
    require.False(t, vr.(*c.RequestVoteResponse).VoteGranted)
    require.Equal(t, c.NodeID(""), f.votedFor)
}

func TestCore_MalformedAppendIsRejectedNotHalted(t *testing.T) {
    h := newHarness(t, "n1", "n2")
    f := h.node("n2")

    // entries that do not start right after PrevLogIndex
    resp, err := f.step(&c.AppendEntriesRequest{Term: 1, LeaderID: "n1", Entries: []c.LogEntry{{Term: 1, Index: 5}}})
    require.NoError(t, err)
    require.False(t, resp.(*c.AppendEntriesResponse).Success)
    require.Nil(t, f.halted)
    require.Equal(t, c.LogIndex(0), f.lastIndex())

    // entries with a hole in the middle
    resp, err = f.step(&c.AppendEntriesRequest{
        Term: 1, LeaderID: "n1",
        Entries: []c.LogEntry{{Term: 1, Index: 1}, {Term: 1, Index: 3}},
    })
    require.NoError(t, err)
    require.False(t, resp.(*c.AppendEntriesResponse).Success)
    require.Nil(t, f.halted)
    require.Equal(t, c.LogIndex(0), f.lastIndex())

    // the follower keeps working afterwards
    resp, err = f.step(&c.AppendEntriesRequest{Term: 1, LeaderID: "n1", Entries: []c.LogEntry{{Term: 1, Index: 1}}, LeaderCommit: 1})
    require.NoError(t, err)
    ae := resp.(*c.AppendEntriesResponse)
    require.True(t, ae.Success)
    require.Equal(t, c.LogIndex(1), ae.LastLogIndex)
    require.Equal(t, c.LogIndex(1), f.commitIndex)
}

func TestCore_HigherTermReplyEndsCandidacy(t *testing.T) {
    h := newHarness(t, "n1", "n2", "n3")
    cand := h.node("n1")
    cand.campaign()
    out := cand.drain()
    require.Len(t, out, 2)
    require.Equal(t, Candidate, cand.role)

    cand.handleResponse(out[0], &c.RequestVoteResponse{Term: 7})
    require.Equal(t, Follower, cand.role)
    require.Equal(t, c.Term(7), cand.term)
    require.Equal(t, c.NodeID(""), cand.votedFor)

    // a late grant from the abandoned election is ignored
    cand.handleResponse(out[1], &c.RequestVoteResponse{Term: 1, VoteGranted: true})
    require.Equal(t, Follower, cand.role)
    hs, err := cand.store.HardState()
    require.NoError(t, err)
    require.Equal(t, c.Term(7), hs.Term)
}

func TestCore_VoteRules(t *testing.T) {
    h := newHarness(t, "n1", "n2", "n3")
    v := h.node("n3")
    appendTerms(t, v, "n1", 1, 2)
    v.term = 2

    // behind in the log: refused, but the higher term is adopted
    resp, _ := v.step(&c.RequestVoteRequest{Term: 3, CandidateID: "n1", LastLogIndex: 5, LastLogTerm: 1})
    require.False(t, resp.(*c.RequestVoteResponse).VoteGranted)
    require.Equal(t, c.Term(3), v.term)

    resp, _ = v.step(&c.RequestVoteRequest{Term: 3, CandidateID: "n2", LastLogIndex: 2, LastLogTerm: 2})
    require.True(t, resp.(*c.RequestVoteResponse).VoteGranted)
    // one vote per term
    resp, _ = v.step(&c.RequestVoteRequest{Term: 3, CandidateID: "n1", LastLogIndex: 9, LastLogTerm: 3})
    require.False(t, resp.(*c.RequestVoteResponse).VoteGranted)
    // a repeated request from the same candidate is granted again
    resp, _ = v.step(&c.RequestVoteRequest{Term: 3, CandidateID: "n2", LastLogIndex: 2, LastLogTerm: 2})
    require.True(t, resp.(*c.RequestVoteResponse).VoteGranted)

    hs, err := v.store.HardState()
    require.NoError(t, err)
    require.Equal(t, logstore.HardState{Term: 3, VotedFor: "n2"}, hs)
}

func TestCore_ElectionByTicks(t *testing.T) {
    h := newHarness(t, "n1", "n2", "n3")
    var leader *core
    for i := 0; i < 200 && leader == nil; i++ {
        for _, id := range h.ids {
            h.nodes[id].tick()
        }
        h.flush()
        for _, id := range h.ids {
            if h.nodes[id].role == Leader { leader = h.nodes[id] }
        }
    }
    require.NotNil(t, leader)
    // the no-op of the new term commits everywhere
    h.heartbeat(leader)
    for _, id := range h.ids {
        r := h.nodes[id]
        require.Equal(t, leader.id, r.leader)
        require.Equal(t, c.LogIndex(1), r.commitIndex)
        e, err := r.store.Entry(1)
        require.NoError(t, err)
        require.Equal(t, c.EntryNoop, e.Kind)
        require.Empty(t, h.sms[id].entries, "no-ops never reach the state machine")
    }
}

func TestCore_SingleVoterCommitsAlone(t *testing.T) {
    h := newHarness(t, "solo")
    r := h.node("solo")
    r.campaign()
    require.Equal(t, Leader, r.role)
    idx, err := r.propose([]byte("v"))
    require.NoError(t, err)
    require.Equal(t, idx, r.commitIndex)
    require.Equal(t, 2, r.applyCommittedEntries())
    require.Equal(t, 0, r.applyCommittedEntries())
    require.Len(t, h.sms["solo"].entries, 1)
}

func TestCore_ProposeOnFollowerNamesLeader(t *testing.T) {
    h := newHarness(t, "n1", "n2")
    h.elect("n1")
    h.heartbeat(h.node("n1"))
    _, err := h.node("n2").propose([]byte("x"))
    var nle *c.NotLeaderError
    require.True(t, errors.As(err, &nle))
    require.Equal(t, c.NodeID("n1"), nle.Leader)
    require.Equal(t, "n1", nle.LeaderAddr)
}

func TestCore_AddAndRemoveVoter(t *testing.T) {
    h := newHarness(t, "n1", "n2", "n3")
    l := h.elect("n1")
    h.heartbeat(l)
    n4 := h.add("n4", nil, 9)
    require.False(t, n4.isVoter())

    idx, ok, err := l.proposeConfChange(c.ConfigChange{Type: c.AddNode, ID: "n4", Addr: "n4"})
    require.NoError(t, err)
    require.True(t, ok)
    _, _, err = l.proposeConfChange(c.ConfigChange{Type: c.RemoveNode, ID: "n3"})
    require.ErrorIs(t, err, c.ErrConfigChangeInProgress)

    h.flush()
    require.GreaterOrEqual(t, l.lastApplied, idx)
    require.NotNil(t, l.progress["n4"])
    h.heartbeat(l)
    h.heartbeat(l)
    require.True(t, n4.isVoter())
    require.Len(t, n4.conf.voters(), 4)
    require.Equal(t, entriesOf(t, l), entriesOf(t, n4))

    // no-op when already applied
    _, ok, err = l.proposeConfChange(c.ConfigChange{Type: c.AddNode, ID: "n4", Addr: "n4"})
    require.NoError(t, err)
    require.False(t, ok)

    _, ok, err = l.proposeConfChange(c.ConfigChange{Type: c.RemoveNode, ID: "n1"})
    require.NoError(t, err)
    require.True(t, ok)
    h.flush()
    require.Equal(t, Follower, l.role, "a leader that removes itself steps down")
    raw, err := l.store.Configuration()
    require.NoError(t, err)
    require.NotContains(t, string(raw), `"ID":"n1"`)
}

type failingStore struct {
    *logstore.Memory
    fail bool
}

func (s *failingStore) Append(entries ...c.LogEntry) error {
    if s.fail { return errors.New("disk full") }
    return s.Memory.Append(entries...)
}

func TestCore_HaltsOnStoreFailure(t *testing.T) {
    st := &failingStore{Memory: logstore.NewMemory()}
    r, err := newCore(coreConfig{id: "n1", logger: quietLogger(), store: st, peers: []c.Peer{{ID: "n1"}}, electionMin: 1})
    require.NoError(t, err)
    r.campaign()
    require.Equal(t, Leader, r.role)

    st.fail = true
    _, err = r.propose([]byte("x"))
    require.ErrorIs(t, err, c.ErrHalted)
    _, err = r.step(&c.RequestVoteRequest{Term: 9, CandidateID: "n2"})
    require.ErrorIs(t, err, c.ErrHalted)
    require.Equal(t, Follower, r.role)
    require.NotEmpty(t, r.status().Halted)
}

func TestCore_InstallSnapshotUnsupported(t *testing.T) {
    h := newHarness(t, "n1", "n2")
    resp, err := h.node("n2").step(&c.InstallSnapshotRequest{Term: 4, LeaderID: "n1"})
    require.NoError(t, err)
    is := resp.(*c.InstallSnapshotResponse)
    require.True(t, is.Unsupported)
    require.Equal(t, c.Term(4), is.Term)
}
