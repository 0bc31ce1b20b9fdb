package raftcons

import (
    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/internal/logutil"
)

// tick advances logical time by one interval. A leader replicates to every
// follower; anyone else campaigns once the election timeout elapses without
// hearing from a leader.
func (r *core) tick() {
    if r.halted != nil { return }
    if r.role == Leader {
        r.broadcast()
        return
    }
    r.electionElapsed++
    if r.electionElapsed < r.electionTimeout { return }
    // non-voters (not yet added, or removed) never disrupt the cluster
    if !r.isVoter() {
        r.electionElapsed = 0
        return
    }
    r.campaign()
}

// campaign starts an election in the next term.
func (r *core) campaign() {
    r.term++
    r.elections++
    r.votedFor = r.id
    r.role = Candidate
    r.leader = ""
    r.progress = nil
    r.votes = map[c.NodeID]bool{r.id: true}
    r.resetElectionTimer()
    if !r.persist() { return }
    logutil.Infof(r.log, "starting election at term %d", r.term)

    if r.hasQuorum(r.votes) {
        r.becomeLeader()
        return
    }
    req := &c.RequestVoteRequest{Term: r.term, CandidateID: r.id, LastLogIndex: r.lastIndex(), LastLogTerm: r.lastTerm()}
    for _, p := range r.peers() {
        cp := *req
        r.send(p, &cp)
    }
}

func (r *core) hasQuorum(acks map[c.NodeID]bool) bool {
    voters := r.conf.voters()
    n := 0
    for _, v := range voters {
        if acks[v.ID] { n++ }
    }
    return n >= c.Quorum(len(voters))
}

// logUpToDate reports whether a candidate log ending at (lastTerm, lastIndex)
// is at least as up to date as ours.
func (r *core) logUpToDate(lastTerm c.Term, lastIndex c.LogIndex) bool {
    mine := r.lastTerm()
    if lastTerm != mine { return lastTerm > mine }
    return lastIndex >= r.lastIndex()
}

func (r *core) handleRequestVote(req *c.RequestVoteRequest) *c.RequestVoteResponse {
    if req.Term < r.term {
        return &c.RequestVoteResponse{Term: r.term, VoteGranted: false}
    }
    if req.Term > r.term {
        r.becomeFollower(req.Term, "")
        if r.halted != nil { return &c.RequestVoteResponse{Term: r.term} }
    }
    grant := (r.votedFor == "" || r.votedFor == req.CandidateID) && r.logUpToDate(req.LastLogTerm, req.LastLogIndex)
    if grant {
        r.votedFor = req.CandidateID
        if !r.persist() { return &c.RequestVoteResponse{Term: r.term} }
        r.resetElectionTimer()
        logutil.Debugf(r.log, "granted vote to %s at term %d", req.CandidateID, r.term)
    }
    return &c.RequestVoteResponse{Term: r.term, VoteGranted: grant}
}

func (r *core) handleRequestVoteResponse(from c.NodeID, req *c.RequestVoteRequest, resp *c.RequestVoteResponse) {
    if resp.Term > r.term {
        r.becomeFollower(resp.Term, "")
        return
    }
    if r.role != Candidate || req.Term != r.term || !resp.VoteGranted { return }
    r.votes[from] = true
    if r.hasQuorum(r.votes) { r.becomeLeader() }
}

// becomeLeader promotes the node after winning an election and appends a
// no-op in the new term so entries from earlier terms can commit.
func (r *core) becomeLeader() {
    r.promoteToLeader()
    logutil.Infof(r.log, "became leader at term %d", r.term)
    if _, err := r.appendEntry(c.EntryNoop, nil); err != nil { return }
    r.broadcast()
}

// promoteToLeader switches to Leader without changing the term and resets
// replication state for every voter.
func (r *core) promoteToLeader() {
    r.role = Leader
    r.leader = r.id
    r.votes = nil
    next := r.lastIndex() + 1
    r.progress = make(map[c.NodeID]*progress)
    for _, p := range r.peers() {
        r.progress[p.ID] = &progress{next: next}
    }
    // entries from earlier terms may hold a config change not yet applied
    r.pendingConf = r.lastIndex()
}
