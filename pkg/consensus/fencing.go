package consensus

import (
    "fmt"
    "sync"
)

// FencingToken identifies a leadership epoch. Tokens order by term; the
// leader identity is informational since a term has at most one leader.
type FencingToken struct {
    Term   Term   `json:"term"`
    Leader NodeID `json:"leader"`
}

// NewerThan reports whether t belongs to a later epoch than o.
func (t FencingToken) NewerThan(o FencingToken) bool { return t.Term > o.Term }

func (t FencingToken) String() string { return fmt.Sprintf("%d/%s", t.Term, t.Leader) }

// Fence guards an external resource against writes from deposed leaders. It
// remembers the highest token admitted and rejects anything older.
type Fence struct {
    mu      sync.Mutex
    highest FencingToken
}

// Admit accepts tok when its term is at least the highest seen so far.
func (f *Fence) Admit(tok FencingToken) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    if tok.Term < f.highest.Term {
        return &StaleTokenError{Current: f.highest, Received: tok}
    }
    f.highest = tok
    return nil
}

// Highest returns the newest token admitted.
func (f *Fence) Highest() FencingToken {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.highest
}
