package raftcons

import (
    "errors"
    "fmt"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/consensus/logstore"
    "github.com/amirimatin/go-raftdb/pkg/internal/logutil"
)

// handleAppendEntries runs the follower side of replication. Rejections for a
// stale term mutate nothing; consistency failures carry conflict hints.
func (r *core) handleAppendEntries(req *c.AppendEntriesRequest) *c.AppendEntriesResponse {
    if req.Term < r.term {
        logutil.Debugf(r.log, "rejecting append from %s: term %d < %d", req.LeaderID, req.Term, r.term)
        return &c.AppendEntriesResponse{Term: r.term, Success: false}
    }
    // a valid leader exists for this term
    r.becomeFollower(req.Term, req.LeaderID)
    if r.halted != nil { return &c.AppendEntriesResponse{Term: r.term} }

    last := r.lastIndex()
    if req.PrevLogIndex > last {
        return &c.AppendEntriesResponse{Term: r.term, LastLogIndex: last, ConflictIndex: last + 1}
    }
    localTerm, ok := r.termAt(req.PrevLogIndex)
    if !ok { return &c.AppendEntriesResponse{Term: r.term} }
    if localTerm != req.PrevLogTerm {
        first, err := logstore.FirstIndexOfTerm(r.store, localTerm, req.PrevLogIndex)
        if err != nil {
            r.halt(fmt.Errorf("scan for term %d: %w", localTerm, err))
            return &c.AppendEntriesResponse{Term: r.term}
        }
        return &c.AppendEntriesResponse{Term: r.term, LastLogIndex: last, ConflictIndex: first, ConflictTerm: localTerm}
    }

    for i, e := range req.Entries {
        if e.Index != req.PrevLogIndex+1+c.LogIndex(i) {
            logutil.Warnf(r.log, "rejecting append from %s: entry %d at position %d after %d", req.LeaderID, e.Index, i, req.PrevLogIndex)
            return &c.AppendEntriesResponse{Term: r.term, LastLogIndex: last}
        }
    }
    if !r.mergeEntries(req.Entries) { return &c.AppendEntriesResponse{Term: r.term, LastLogIndex: r.lastIndex()} }

    lastNew := req.PrevLogIndex + c.LogIndex(len(req.Entries))
    // commit never moves backwards, even for reordered or duplicate requests
    if commit := min(req.LeaderCommit, lastNew); commit > r.commitIndex {
        r.commitIndex = commit
    }
    return &c.AppendEntriesResponse{Term: r.term, Success: true, LastLogIndex: lastNew}
}

// mergeEntries skips entries already present with the same term, truncates at
// the first mismatch and appends the rest. Duplicate deliveries leave the log
// untouched.
func (r *core) mergeEntries(entries []c.LogEntry) bool {
    last := r.lastIndex()
    for i, e := range entries {
        if e.Index <= last {
            t, ok := r.termAt(e.Index)
            if !ok { return false }
            if t == e.Term { continue }
            if e.Index <= r.commitIndex {
                r.halt(fmt.Errorf("%w: leader overwrites committed entry %d", c.ErrLogInconsistency, e.Index))
                return false
            }
            logutil.Infof(r.log, "truncating log from %d (term %d, leader has %d)", e.Index, t, e.Term)
            if err := r.store.TruncateFrom(e.Index); err != nil {
                r.halt(fmt.Errorf("truncate from %d: %w", e.Index, err))
                return false
            }
        }
        if err := r.store.Append(entries[i:]...); err != nil {
            // a gap is a malformed request, not a broken store
            if errors.Is(err, logstore.ErrGap) { return false }
            r.halt(fmt.Errorf("append %d entries at %d: %w", len(entries)-i, e.Index, err))
            return false
        }
        return true
    }
    return true
}

// handleInstallSnapshot is the extension point for snapshot transfer. The
// term rules still apply, but the payload is never installed.
func (r *core) handleInstallSnapshot(req *c.InstallSnapshotRequest) *c.InstallSnapshotResponse {
    if req.Term >= r.term {
        r.becomeFollower(req.Term, req.LeaderID)
    }
    return &c.InstallSnapshotResponse{Term: r.term, Unsupported: true}
}
