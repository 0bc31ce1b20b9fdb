package raftcons

import (
    "fmt"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
    "github.com/amirimatin/go-raftdb/pkg/internal/logutil"
)

// applyCommittedEntries applies every entry in (lastApplied, commitIndex] in
// index order and returns how many were applied. State machine errors are
// logged and the entry still counts as applied.
func (r *core) applyCommittedEntries() int {
    n := 0
    for r.halted == nil && r.lastApplied < r.commitIndex {
        idx := r.lastApplied + 1
        e, err := r.store.Entry(idx)
        if err != nil {
            r.halt(fmt.Errorf("read committed entry %d: %w", idx, err))
            return n
        }
        res := applied{index: e.Index, term: e.Term}
        switch e.Kind {
        case c.EntryCommand:
            if r.sm != nil {
                res.result, res.err = r.sm.Apply(e)
                if res.err != nil { logutil.Warnf(r.log, "state machine rejected entry %d: %v", idx, res.err) }
            }
        case c.EntryConfigChange:
            res.err = r.applyConfChange(e)
        }
        r.lastApplied = idx
        r.results = append(r.results, res)
        n++
    }
    return n
}

// applyConfChange installs a committed voter configuration and persists it.
func (r *core) applyConfChange(e c.LogEntry) error {
    change, changed, err := r.conf.apply(e)
    if err != nil {
        logutil.Errorf(r.log, "config entry %d: %v", e.Index, err)
        return err
    }
    if !changed { return nil }
    raw, err := r.conf.snapshot()
    if err == nil { err = r.store.SetConfiguration(raw) }
    if err != nil {
        r.halt(fmt.Errorf("persist configuration at %d: %w", e.Index, err))
        return r.halted
    }
    logutil.Infof(r.log, "configuration %d applied: %s %s, voters=%d", e.Index, change.Type, change.ID, len(r.conf.voters()))

    if r.role != Leader { return nil }
    if !r.isVoter() {
        logutil.Infof(r.log, "removed from configuration, stepping down")
        r.becomeFollower(r.term, "")
        return nil
    }
    next := r.lastIndex() + 1
    keep := make(map[c.NodeID]bool)
    for _, p := range r.peers() {
        keep[p.ID] = true
        if r.progress[p.ID] == nil { r.progress[p.ID] = &progress{next: next} }
    }
    for id := range r.progress {
        if !keep[id] { delete(r.progress, id) }
    }
    // a smaller voter set may already form a quorum
    r.tryAdvanceCommitIndex()
    r.broadcast()
    return nil
}
