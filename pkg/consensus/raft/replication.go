package raftcons

import (
    "fmt"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/consensus/logstore"
    "github.com/amirimatin/go-raftdb/pkg/internal/logutil"
)

// propose appends payload to the leader's log and returns its index. The
// entry is not yet committed.
func (r *core) propose(payload []byte) (c.LogIndex, error) {
    if r.halted != nil { return 0, r.halted }
    if r.role != Leader { return 0, r.notLeader() }
    idx, err := r.appendEntry(c.EntryCommand, payload)
    if err != nil { return 0, err }
    r.broadcast()
    return idx, nil
}

// proposeConfChange appends a configuration entry. ok is false when the
// change is already in effect and nothing was appended.
func (r *core) proposeConfChange(change c.ConfigChange) (idx c.LogIndex, ok bool, err error) {
    if r.halted != nil { return 0, false, r.halted }
    if r.role != Leader { return 0, false, r.notLeader() }
    if r.pendingConf > r.lastApplied { return 0, false, c.ErrConfigChangeInProgress }
    payload, ok, err := r.conf.propose(change)
    if err != nil || !ok { return 0, false, err }
    idx, err = r.appendEntry(c.EntryConfigChange, payload)
    if err != nil { return 0, false, err }
    r.pendingConf = idx
    r.broadcast()
    return idx, true, nil
}

// appendEntry writes one leader entry in the current term.
func (r *core) appendEntry(kind c.EntryKind, payload []byte) (c.LogIndex, error) {
    e := c.LogEntry{Term: r.term, Index: r.lastIndex() + 1, Kind: kind, Payload: payload, Leader: r.id}
    if err := r.store.Append(e); err != nil {
        r.halt(fmt.Errorf("append entry %d: %w", e.Index, err))
        return 0, r.halted
    }
    // a lone voter commits on its own append
    r.tryAdvanceCommitIndex()
    return e.Index, nil
}

// broadcast starts a replication round to every follower without an RPC in
// flight. Empty rounds act as heartbeats.
func (r *core) broadcast() {
    for _, p := range r.peers() {
        r.replicateTo(p)
    }
}

// replicateTo sends the entries from next_index onwards (capped at
// maxEntries) with the consistency check of the preceding entry.
func (r *core) replicateTo(p c.Peer) {
    if r.role != Leader || r.halted != nil { return }
    pr := r.progress[p.ID]
    if pr == nil || pr.inflight { return }
    last := r.lastIndex()
    if pr.next < 1 { pr.next = 1 }
    if pr.next > last+1 { pr.next = last + 1 }
    prev := pr.next - 1
    prevTerm, ok := r.termAt(prev)
    if !ok { return }
    var entries []c.LogEntry
    if pr.next <= last {
        to := pr.next + c.LogIndex(r.maxEntries) - 1
        es, err := r.store.Entries(pr.next, to)
        if err != nil {
            r.halt(fmt.Errorf("read entries %d..%d: %w", pr.next, to, err))
            return
        }
        entries = es
    }
    pr.inflight = true
    r.send(p, &c.AppendEntriesRequest{
        Term:         r.term,
        LeaderID:     r.id,
        PrevLogIndex: prev,
        PrevLogTerm:  prevTerm,
        Entries:      entries,
        LeaderCommit: r.commitIndex,
    })
}

func (r *core) handleAppendEntriesResponse(from c.NodeID, req *c.AppendEntriesRequest, resp *c.AppendEntriesResponse) {
    if resp.Term > r.term {
        logutil.Infof(r.log, "%s answered with term %d > %d", from, resp.Term, r.term)
        r.becomeFollower(resp.Term, "")
        return
    }
    // replies to an earlier epoch are stale
    if r.role != Leader || req.Term != r.term { return }
    pr := r.progress[from]
    if pr == nil { return }
    pr.inflight = false

    if resp.Success {
        if resp.LastLogIndex > pr.match { pr.match = resp.LastLogIndex }
        pr.next = pr.match + 1
        r.tryAdvanceCommitIndex()
    } else {
        r.backtrack(pr, resp)
    }
    // keep going while the follower is behind
    if pr.next <= r.lastIndex() {
        if p, ok := r.peer(from); ok { r.replicateTo(p) }
    }
}

// backtrack moves next_index back after a rejected AppendEntries. With a
// conflict term it jumps to the leader's first entry of that term, otherwise
// to the follower's conflict index; without hints it steps back by one.
func (r *core) backtrack(pr *progress, resp *c.AppendEntriesResponse) {
    next := pr.next
    switch {
    case resp.HasConflictHint() && resp.ConflictTerm > 0:
        first, err := logstore.FindFirstIndexOfTerm(r.store, resp.ConflictTerm)
        if err != nil {
            r.halt(fmt.Errorf("scan for term %d: %w", resp.ConflictTerm, err))
            return
        }
        if first > 0 { next = first } else { next = resp.ConflictIndex }
    case resp.HasConflictHint():
        next = resp.ConflictIndex
    default:
        next--
    }
    if next <= pr.match { next = pr.match + 1 }
    if next < 1 { next = 1 }
    pr.next = next
}

// tryAdvanceCommitIndex commits the highest index of the current term that
// a quorum of voters has stored. Entries of earlier terms commit indirectly.
func (r *core) tryAdvanceCommitIndex() {
    if r.role != Leader { return }
    for n := r.lastIndex(); n > r.commitIndex; n-- {
        t, ok := r.termAt(n)
        if !ok { return }
        if t < r.term { return }
        if t != r.term { continue }
        acks := map[c.NodeID]bool{r.id: true}
        for id, pr := range r.progress {
            if pr.match >= n { acks[id] = true }
        }
        if r.hasQuorum(acks) {
            logutil.Debugf(r.log, "commit index %d -> %d", r.commitIndex, n)
            r.commitIndex = n
            return
        }
    }
}

func (r *core) peer(id c.NodeID) (c.Peer, bool) {
    for _, p := range r.peers() {
        if p.ID == id { return p, true }
    }
    return c.Peer{}, false
}
