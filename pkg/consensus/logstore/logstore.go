// Package logstore holds a node's replicated log and the small amount of
// state (term, vote, voter configuration) that must survive alongside it.
package logstore

import (
    "errors"
    "fmt"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
)

var (
    ErrNotFound = errors.New("logstore: entry not found")
    ErrGap      = errors.New("logstore: append would leave a gap")
    ErrClosed   = errors.New("logstore: closed")
)

// HardState is the part of node state written before answering any RPC.
type HardState struct {
    Term     c.Term   `json:"term"`
    VotedFor c.NodeID `json:"votedFor,omitempty"`
}

// Store is the log store contract used by the consensus engine. Indices are
// 1-based and contiguous. Only the engine's owning goroutine mutates a Store.
type Store interface {
    LastIndex() c.LogIndex
    LastTerm() c.Term
    // Entry returns the entry at i or ErrNotFound.
    Entry(i c.LogIndex) (c.LogEntry, error)
    // TermAt returns the term of entry i; index 0 has term 0.
    TermAt(i c.LogIndex) (c.Term, error)
    // Entries returns entries in [from, to], capped at LastIndex.
    Entries(from, to c.LogIndex) ([]c.LogEntry, error)
    // Append stores entries that must continue the log at LastIndex()+1.
    Append(entries ...c.LogEntry) error
    // TruncateFrom removes entries from i through LastIndex.
    TruncateFrom(i c.LogIndex) error

    HardState() (HardState, error)
    SetHardState(hs HardState) error
    // Configuration holds the encoded voter configuration, nil when unset.
    Configuration() ([]byte, error)
    SetConfiguration(b []byte) error

    Close() error
}

// FirstIndexOfTerm scans backwards from upto and returns the first index of
// the contiguous run of entries carrying term t, or 0 when entry upto does
// not carry t.
func FirstIndexOfTerm(s Store, t c.Term, upto c.LogIndex) (c.LogIndex, error) {
    if upto > s.LastIndex() { upto = s.LastIndex() }
    tt, err := s.TermAt(upto)
    if err != nil { return 0, err }
    if upto == 0 || tt != t { return 0, nil }
    i := upto
    for i > 1 {
        prev, err := s.TermAt(i - 1)
        if err != nil { return 0, err }
        if prev != t { break }
        i--
    }
    return i, nil
}

// FindFirstIndexOfTerm returns the first index anywhere in the log carrying
// term t, or 0 when no entry has that term. Terms are non-decreasing along
// the log so the scan stops once it passes t.
func FindFirstIndexOfTerm(s Store, t c.Term) (c.LogIndex, error) {
    last := s.LastIndex()
    for i := last; i >= 1; i-- {
        tt, err := s.TermAt(i)
        if err != nil { return 0, err }
        if tt < t { return 0, nil }
        if tt == t { return FirstIndexOfTerm(s, t, i) }
    }
    return 0, nil
}

func checkContiguous(last c.LogIndex, entries []c.LogEntry) error {
    next := last + 1
    for _, e := range entries {
        if e.Index != next {
            return fmt.Errorf("%w: want index %d, got %d", ErrGap, next, e.Index)
        }
        next++
    }
    return nil
}
